package ports

import (
	"context"

	"torrentgate/internal/domain"
)

// Engine is the transfer capability the gateway is built on. Add registers a
// transfer and returns without waiting for metadata; readiness and failure
// are observed through the Transfer's channels.
type Engine interface {
	Identify(src domain.Source) (domain.SessionID, error)
	Add(ctx context.Context, src domain.Source) (Transfer, error)
	Get(id domain.SessionID) (Transfer, bool)
	Remove(ctx context.Context, id domain.SessionID) error
	List() []Transfer
	Close() error
}

type Transfer interface {
	ID() domain.SessionID
	Name() string
	// Ready is closed once metadata (file list, piece layout) is known.
	Ready() <-chan struct{}
	// Failed is closed when the engine drops the transfer.
	Failed() <-chan struct{}
	Files() []domain.FileRef
	Metrics() domain.SessionMetrics
	SetPriority(file domain.FileRef, r domain.Range, prio domain.Priority)
	NewReader(ctx context.Context, file domain.FileRef) (StreamReader, error)
}
