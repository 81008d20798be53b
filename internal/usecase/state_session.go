package usecase

import (
	"context"
	"errors"

	"torrentgate/internal/domain"
)

type GetSessionState struct {
	Registry *Registry
}

func (uc GetSessionState) Execute(ctx context.Context, id domain.SessionID) (domain.SessionHandle, error) {
	if uc.Registry == nil {
		return domain.SessionHandle{}, errors.New("registry not configured")
	}
	handle, _, err := uc.Registry.Lookup(id)
	if err != nil {
		return domain.SessionHandle{}, err
	}
	return handle, nil
}

type ListSessionStates struct {
	Registry *Registry
}

func (uc ListSessionStates) Execute(ctx context.Context) ([]domain.SessionHandle, error) {
	if uc.Registry == nil {
		return nil, errors.New("registry not configured")
	}
	return uc.Registry.Handles(), nil
}
