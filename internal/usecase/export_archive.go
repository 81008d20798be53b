package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/unicode/norm"

	"torrentgate/internal/domain"
	"torrentgate/internal/metrics"
)

const (
	defaultCompressionLevel = 6
	exportProgressEvery     = 10
)

type ArchiveEntry struct {
	File     domain.FileRef
	Name     string // entry name inside the archive
	FullPath string // location on disk
}

// ArchivePlan holds an export slot until Release is called.
type ArchivePlan struct {
	Session  domain.SessionHandle
	Entries  []ArchiveEntry
	Pending  int // listed files not yet materialized on disk
	released bool
	release  func()
}

func (p *ArchivePlan) Release() {
	if p.released || p.release == nil {
		return
	}
	p.released = true
	p.release()
}

type ExportResult struct {
	Included  int
	Skipped   int
	Truncated int
	Bytes     int64
}

type ExportArchive struct {
	Registry         *Registry
	DataDir          string
	CompressionLevel int
	Limiter          *semaphore.Weighted
	Logger           *slog.Logger
}

// Prepare resolves the session and selects the files that are complete both
// in the engine's view and on disk. It reserves an export slot; callers must
// Release the plan.
func (uc ExportArchive) Prepare(ctx context.Context, id domain.SessionID) (ArchivePlan, error) {
	if uc.Registry == nil {
		return ArchivePlan{}, errors.New("registry not configured")
	}
	handle, transfer, err := uc.Registry.Lookup(id)
	if err != nil {
		return ArchivePlan{}, err
	}
	if transfer == nil || handle.Phase == domain.PhasePending {
		return ArchivePlan{}, ErrNotReady
	}

	plan := ArchivePlan{Session: handle}
	for _, f := range handle.Files {
		full, ok := uc.materialized(f)
		if !ok {
			plan.Pending++
			uc.logger().Debug("archive: file not materialized",
				slog.String("sessionId", string(id)),
				slog.String("path", f.Path),
			)
			continue
		}
		plan.Entries = append(plan.Entries, ArchiveEntry{
			File:     f,
			Name:     archiveEntryName(f.Path),
			FullPath: full,
		})
	}
	if len(plan.Entries) == 0 {
		return ArchivePlan{}, ErrNoExportableFiles
	}

	if uc.Limiter != nil {
		if !uc.Limiter.TryAcquire(1) {
			metrics.ExportsTotal.WithLabelValues("busy").Inc()
			return ArchivePlan{}, ErrExportBusy
		}
		plan.release = func() { uc.Limiter.Release(1) }
	}
	return plan, nil
}

// Write streams the archive into w entry by entry. Unreadable files are
// logged and skipped. An error is returned only when w itself fails or ctx
// is cancelled; by then the caller has usually committed headers.
func (uc ExportArchive) Write(ctx context.Context, plan ArchivePlan, w io.Writer) (ExportResult, error) {
	logger := uc.logger()
	level := uc.CompressionLevel
	if level < flate.HuffmanOnly || level > flate.BestCompression || level == 0 {
		level = defaultCompressionLevel
	}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	var result ExportResult
	start := time.Now()
	for i, entry := range plan.Entries {
		if err := ctx.Err(); err != nil {
			metrics.ExportsTotal.WithLabelValues("cancelled").Inc()
			return result, err
		}

		n, readErr, writeErr := uc.writeEntry(zw, entry)
		if writeErr != nil {
			metrics.ExportsTotal.WithLabelValues("aborted").Inc()
			return result, writeErr
		}
		result.Bytes += n
		switch {
		case readErr != nil && n == 0 && errors.Is(readErr, errEntryNotOpened):
			result.Skipped++
			metrics.ExportSkippedFilesTotal.Inc()
			logger.Warn("archive: file skipped",
				slog.String("sessionId", string(plan.Session.ID)),
				slog.String("path", entry.File.Path),
				slog.String("error", readErr.Error()),
			)
		case readErr != nil:
			result.Included++
			result.Truncated++
			metrics.ExportSkippedFilesTotal.Inc()
			logger.Warn("archive: file truncated",
				slog.String("sessionId", string(plan.Session.ID)),
				slog.String("path", entry.File.Path),
				slog.Int64("written", n),
				slog.String("error", readErr.Error()),
			)
		default:
			result.Included++
		}

		if (i+1)%exportProgressEvery == 0 {
			logger.Info("archive: progress",
				slog.String("sessionId", string(plan.Session.ID)),
				slog.Int("done", i+1),
				slog.Int("total", len(plan.Entries)),
			)
		}
	}

	if err := zw.Close(); err != nil {
		metrics.ExportsTotal.WithLabelValues("aborted").Inc()
		return result, err
	}

	outcome := "ok"
	if result.Skipped > 0 || result.Truncated > 0 {
		outcome = "partial"
	}
	metrics.ExportsTotal.WithLabelValues(outcome).Inc()
	logger.Info("archive: export finished",
		slog.String("sessionId", string(plan.Session.ID)),
		slog.Int("included", result.Included),
		slog.Int("skipped", result.Skipped),
		slog.Int("truncated", result.Truncated),
		slog.Int("pending", plan.Pending),
		slog.Int64("bytes", result.Bytes),
		slog.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

var errEntryNotOpened = errors.New("file could not be opened")

// writeEntry separates failures of the source file from failures of the
// destination. A source that cannot be opened adds no entry at all.
func (uc ExportArchive) writeEntry(zw *zip.Writer, entry ArchiveEntry) (int64, error, error) {
	f, err := os.Open(entry.FullPath)
	if err != nil {
		return 0, errors.Join(errEntryNotOpened, err), nil
	}
	defer f.Close()

	modified := time.Now()
	if info, err := f.Stat(); err == nil {
		modified = info.ModTime()
	}
	header := &zip.FileHeader{
		Name:     entry.Name,
		Method:   zip.Deflate,
		Modified: modified,
	}
	header.SetMode(0o644)

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return 0, nil, err
	}
	src := &readErrTracker{r: f}
	n, err := io.Copy(dst, src)
	if err != nil {
		if src.err != nil {
			return n, src.err, nil
		}
		return n, nil, err
	}
	return n, nil, nil
}

type readErrTracker struct {
	r   io.Reader
	err error
}

func (t *readErrTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// materialized reports whether f is fully present on disk.
func (uc ExportArchive) materialized(f domain.FileRef) (string, bool) {
	if !f.Complete() {
		return "", false
	}
	full, err := resolveDataFilePath(uc.DataDir, f.Path)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return full, info.Size() == f.Length
}

func (uc ExportArchive) logger() *slog.Logger {
	if uc.Logger != nil {
		return uc.Logger
	}
	return slog.Default()
}

// archiveEntryName produces a slash-separated, NFC-normalized relative name
// that cannot climb out of the extraction directory.
func archiveEntryName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	return norm.NFC.String(p)
}

// resolveDataFilePath joins a session-relative path onto dataDir and rejects
// results that escape it.
func resolveDataFilePath(dataDir, filePath string) (string, error) {
	base := strings.TrimSpace(dataDir)
	if base == "" {
		return "", errors.New("data dir is required")
	}
	base = filepath.Clean(base)
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}

	joined := filepath.Clean(filepath.Join(base, filepath.FromSlash(filePath)))
	if abs, err := filepath.Abs(joined); err == nil {
		joined = abs
	}

	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", errors.New("path escapes data dir")
	}
	return joined, nil
}
