package anacrolix

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

var errMetadataPending = errors.New("torrent metadata not available yet")

// Transfer is the engine-side view of one torrent.
type Transfer struct {
	engine  *Engine
	torrent *torrent.Torrent
	id      domain.SessionID

	mu            sync.Mutex
	peakCompleted int64 // high-water mark for BytesCompleted
}

func (tr *Transfer) ID() domain.SessionID { return tr.id }

func (tr *Transfer) Name() string {
	if tr.torrent == nil {
		return ""
	}
	return tr.torrent.Name()
}

func (tr *Transfer) Ready() <-chan struct{} { return tr.torrent.GotInfo() }

func (tr *Transfer) Failed() <-chan struct{} { return tr.torrent.Closed() }

func (tr *Transfer) Files() []domain.FileRef {
	return mapFiles(tr.torrent)
}

func (tr *Transfer) Metrics() domain.SessionMetrics {
	if tr.torrent == nil {
		return domain.SessionMetrics{}
	}
	stats := tr.torrent.Stats()
	m := domain.SessionMetrics{
		Peers:           stats.ActivePeers,
		DownloadedBytes: stats.BytesReadUsefulData.Int64(),
		UploadedBytes:   stats.BytesWrittenData.Int64(),
	}
	m.DownloadRate, m.UploadRate = tr.engine.sampleSpeed(tr.id, stats, time.Now().UTC())
	if !torrentInfoReady(tr.torrent) {
		return m
	}

	length := tr.torrent.Length()
	completed := tr.torrent.BytesCompleted()

	// anacrolix re-verifies pieces after a restart and BytesCompleted can
	// briefly drop below what was already on disk.
	tr.mu.Lock()
	if completed > tr.peakCompleted {
		tr.peakCompleted = completed
	} else {
		completed = tr.peakCompleted
	}
	tr.mu.Unlock()

	m.Length = length
	m.Progress = progressOf(completed, length)
	return m
}

func progressOf(completed, length int64) float64 {
	if length <= 0 {
		return 0
	}
	p := float64(completed) / float64(length)
	if p > 1 {
		p = 1
	}
	return p
}

func (tr *Transfer) SetPriority(file domain.FileRef, r domain.Range, prio domain.Priority) {
	if !torrentInfoReady(tr.torrent) {
		return
	}
	tr.engine.applyPiecePriority(tr.torrent, tr.id, file, r, prio)
}

// NewReader opens an independent cursor over one file. Reads block until
// the requested pieces arrive or ctx ends.
func (tr *Transfer) NewReader(ctx context.Context, file domain.FileRef) (ports.StreamReader, error) {
	if tr.torrent == nil {
		return nil, domain.ErrNotFound
	}
	if !torrentInfoReady(tr.torrent) {
		return nil, errMetadataPending
	}
	files := tr.torrent.Files()
	if file.Index < 0 || file.Index >= len(files) {
		return nil, domain.ErrNotFound
	}
	r := files[file.Index].NewReader()
	r.SetContext(ctx)
	return r, nil
}
