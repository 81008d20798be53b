package anacrolix

import (
	"log/slog"
	"time"

	"github.com/anacrolix/torrent"

	"torrentgate/internal/domain"
)

type pieceRange struct {
	start int
	end   int // exclusive
}

func mapPriority(prio domain.Priority) torrent.PiecePriority {
	switch prio {
	case domain.PriorityNone:
		return torrent.PiecePriorityNone
	case domain.PriorityHigh:
		return torrent.PiecePriorityNow
	case domain.PriorityNext:
		return torrent.PiecePriorityNext
	case domain.PriorityReadahead:
		return torrent.PiecePriorityReadahead
	default:
		return torrent.PiecePriorityNormal
	}
}

func (e *Engine) applyPiecePriority(t *torrent.Torrent, id domain.SessionID, file domain.FileRef, r domain.Range, prio domain.Priority) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Warn("applyPiecePriority recovered from panic",
				slog.Any("panic", rec),
				slog.String("sessionId", string(id)),
			)
		}
	}()

	files := t.Files()
	if file.Index < 0 || file.Index >= len(files) {
		return
	}

	pr, ok := computePieceRange(int64(t.Info().PieceLength), t.NumPieces(), files[file.Index].Offset(), files[file.Index].Length(), r)
	if !ok {
		return
	}

	target := mapPriority(prio)
	for i := pr.start; i < pr.end; i++ {
		t.Piece(i).SetPriority(target)
	}
}

// computePieceRange maps a byte range within a file onto the torrent's
// pieces. The range is clipped to the file.
func computePieceRange(pieceSize int64, numPieces int, fileOffset, fileLength int64, r domain.Range) (pieceRange, bool) {
	if r.Length <= 0 || pieceSize <= 0 || fileLength <= 0 || numPieces <= 0 {
		return pieceRange{}, false
	}
	start := fileOffset + r.Off
	if start < fileOffset {
		start = fileOffset
	}
	fileEnd := fileOffset + fileLength
	if start >= fileEnd {
		return pieceRange{}, false
	}
	end := start + r.Length
	if end > fileEnd || end < start {
		end = fileEnd
	}

	startPiece := int(start / pieceSize)
	endPiece := int((end + pieceSize - 1) / pieceSize)
	if endPiece <= startPiece {
		endPiece = startPiece + 1
	}
	if startPiece >= numPieces {
		return pieceRange{}, false
	}
	if endPiece > numPieces {
		endPiece = numPieces
	}
	return pieceRange{start: startPiece, end: endPiece}, true
}

// minSampleInterval keeps concurrent Metrics callers from collapsing the
// sampling window to a few microseconds.
const minSampleInterval = time.Second

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
	download     int64
	upload       int64
}

func (e *Engine) sampleSpeed(id domain.SessionID, stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	e.speedMu.Lock()
	defer e.speedMu.Unlock()

	prev, ok := e.speeds[id]
	if !ok || prev.at.IsZero() {
		e.speeds[id] = speedSample{at: now, bytesRead: currentRead, bytesWritten: currentWritten}
		return 0, 0
	}

	dt := now.Sub(prev.at)
	if dt < minSampleInterval {
		return prev.download, prev.upload
	}

	deltaRead := currentRead - prev.bytesRead
	deltaWritten := currentWritten - prev.bytesWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}

	download := int64(float64(deltaRead) / dt.Seconds())
	upload := int64(float64(deltaWritten) / dt.Seconds())
	e.speeds[id] = speedSample{
		at:           now,
		bytesRead:    currentRead,
		bytesWritten: currentWritten,
		download:     download,
		upload:       upload,
	}
	return download, upload
}

func (e *Engine) forgetSpeed(id domain.SessionID) {
	e.speedMu.Lock()
	delete(e.speeds, id)
	e.speedMu.Unlock()
}
