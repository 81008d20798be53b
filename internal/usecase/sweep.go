package usecase

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var errUnsafeSweepRoot = errors.New("refusing to sweep filesystem root or empty path")

type SweepReport struct {
	Scanned      int
	Removed      int
	Failed       int
	FreedBytes   int64
	DirsRemoved  int
	MissingRoots int
}

// Sweep deletes regular files older than MaxAge under each directory in
// Dirs, then removes directories left empty. The roots themselves stay.
type Sweep struct {
	Dirs   []string
	MaxAge time.Duration
	DryRun bool
	Now    func() time.Time
	Logger *slog.Logger
}

func (s Sweep) Execute(ctx context.Context) (SweepReport, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if s.MaxAge <= 0 {
		return SweepReport{}, invalidInput("max age must be positive")
	}
	for _, dir := range s.Dirs {
		if err := checkSweepRoot(dir); err != nil {
			return SweepReport{}, err
		}
	}

	cutoff := now().Add(-s.MaxAge)
	var report SweepReport
	for _, root := range s.Dirs {
		root = filepath.Clean(root)
		if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
			report.MissingRoots++
			logger.Debug("sweep: directory missing", slog.String("dir", root))
			continue
		}

		var dirs []string
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				report.Failed++
				logger.Warn("sweep: walk failed", slog.String("path", p), slog.String("error", err.Error()))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if p != root {
					dirs = append(dirs, p)
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			report.Scanned++
			info, err := d.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				return nil
			}
			if !s.DryRun {
				if err := os.Remove(p); err != nil {
					report.Failed++
					logger.Warn("sweep: remove failed", slog.String("path", p), slog.String("error", err.Error()))
					return nil
				}
			}
			report.Removed++
			report.FreedBytes += info.Size()
			logger.Debug("sweep: removed", slog.String("path", p), slog.Bool("dryRun", s.DryRun))
			return nil
		})
		if err != nil {
			return report, err
		}

		if s.DryRun {
			continue
		}
		// Deepest first so parents empty out after their children.
		sort.Slice(dirs, func(i, j int) bool {
			return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
		})
		for _, dir := range dirs {
			entries, err := os.ReadDir(dir)
			if err != nil || len(entries) > 0 {
				continue
			}
			if err := os.Remove(dir); err == nil {
				report.DirsRemoved++
			}
		}
	}

	logger.Info("sweep: finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("removed", report.Removed),
		slog.Int("dirsRemoved", report.DirsRemoved),
		slog.Int("failed", report.Failed),
		slog.Int64("freedBytes", report.FreedBytes),
		slog.Bool("dryRun", s.DryRun),
	)
	return report, nil
}

// Run sweeps immediately and then on every interval until ctx ends.
func (s Sweep) Run(ctx context.Context, interval time.Duration) error {
	if _, err := s.Execute(ctx); err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Execute(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

func checkSweepRoot(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return errUnsafeSweepRoot
	}
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return err
	}
	if abs == filepath.VolumeName(abs)+string(filepath.Separator) {
		return errUnsafeSweepRoot
	}
	return nil
}
