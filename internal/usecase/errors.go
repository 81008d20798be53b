package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrEngine            = errors.New("engine error")
	ErrInvalidInput      = errors.New("invalid input")
	ErrCapacityExceeded  = errors.New("server has reached maximum torrent capacity")
	ErrNotReady          = errors.New("session metadata not resolved yet")
	ErrUpstream          = errors.New("upstream fetch failed")
	ErrExportBusy        = errors.New("too many archive exports in progress")
	ErrNoExportableFiles = errors.New("no completed files to export")
)

func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrEngine, err)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
