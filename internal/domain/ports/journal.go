package ports

import (
	"context"
	"time"

	"torrentgate/internal/domain"
)

type SessionJournal interface {
	Record(ctx context.Context, event domain.SessionEvent) error
	List(ctx context.Context, id domain.SessionID, limit int) ([]domain.SessionEvent, error)
}

// DescriptorCache stores fetched .torrent bodies keyed by source URL.
type DescriptorCache interface {
	Get(ctx context.Context, url string) ([]byte, bool, error)
	Set(ctx context.Context, url string, body []byte, ttl time.Duration) error
}
