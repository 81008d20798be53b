package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
	"torrentgate/internal/metrics"
)

// NopJournal discards events. Used when no journal store is configured.
type NopJournal struct{}

func (NopJournal) Record(context.Context, domain.SessionEvent) error { return nil }

func (NopJournal) List(context.Context, domain.SessionID, int) ([]domain.SessionEvent, error) {
	return nil, nil
}

// AsyncJournal hands events to a single background writer so callers never
// wait on the store. Events are dropped when the queue is full.
type AsyncJournal struct {
	store   ports.SessionJournal
	logger  *slog.Logger
	queue   chan domain.SessionEvent
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncJournal(store ports.SessionJournal, logger *slog.Logger, size int) *AsyncJournal {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 256
	}
	j := &AsyncJournal{
		store:   store,
		logger:  logger,
		queue:   make(chan domain.SessionEvent, size),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *AsyncJournal) Record(_ context.Context, event domain.SessionEvent) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil
	}
	select {
	case j.queue <- event:
	default:
		metrics.JournalDroppedTotal.Inc()
		j.logger.Debug("journal queue full, event dropped",
			slog.String("sessionId", string(event.SessionID)),
			slog.String("kind", string(event.Kind)),
		)
	}
	return nil
}

func (j *AsyncJournal) List(ctx context.Context, id domain.SessionID, limit int) ([]domain.SessionEvent, error) {
	return j.store.List(ctx, id, limit)
}

// Close flushes queued events and stops the writer.
func (j *AsyncJournal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	<-j.done
}

func (j *AsyncJournal) run() {
	defer close(j.done)
	for event := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		if err := j.store.Record(ctx, event); err != nil {
			j.logger.Warn("journal write failed",
				slog.String("sessionId", string(event.SessionID)),
				slog.String("kind", string(event.Kind)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}
