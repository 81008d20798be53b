package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAged(t *testing.T, path string, age time.Duration, now time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mtime := now.Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestSweepRemovesOldFilesAndEmptyDirs(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	old := filepath.Join(root, "bundle", "nested", "old.bin")
	fresh := filepath.Join(root, "fresh.bin")
	writeAged(t, old, 48*time.Hour, now)
	writeAged(t, fresh, time.Hour, now)

	report, err := Sweep{
		Dirs:   []string{root, filepath.Join(root, "does-not-exist")},
		MaxAge: 24 * time.Hour,
		Now:    func() time.Time { return now },
		Logger: discardLogger(),
	}.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if report.Removed != 1 || report.Scanned != 2 {
		t.Fatalf("report = %+v, want 1 removed of 2 scanned", report)
	}
	if report.DirsRemoved != 2 {
		t.Fatalf("DirsRemoved = %d, want 2", report.DirsRemoved)
	}
	if report.MissingRoots != 1 {
		t.Fatalf("MissingRoots = %d, want 1", report.MissingRoots)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file should survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "bundle")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("empty directory should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("root must stay: %v", err)
	}
}

func TestSweepDryRunKeepsFiles(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	old := filepath.Join(root, "old.bin")
	writeAged(t, old, 48*time.Hour, now)

	report, err := Sweep{
		Dirs:   []string{root},
		MaxAge: 24 * time.Hour,
		DryRun: true,
		Now:    func() time.Time { return now },
		Logger: discardLogger(),
	}.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Removed != 1 || report.FreedBytes != 4 {
		t.Fatalf("report = %+v, want one candidate of 4 bytes", report)
	}
	if _, err := os.Stat(old); err != nil {
		t.Fatalf("dry run must not delete: %v", err)
	}
}

func TestSweepRefusesUnsafeRoots(t *testing.T) {
	for _, dir := range []string{"", "  ", "/"} {
		_, err := Sweep{Dirs: []string{dir}, MaxAge: time.Hour, Logger: discardLogger()}.Execute(context.Background())
		if !errors.Is(err, errUnsafeSweepRoot) {
			t.Fatalf("dir %q: err = %v, want errUnsafeSweepRoot", dir, err)
		}
	}
	_, err := Sweep{Dirs: []string{t.TempDir()}, Logger: discardLogger()}.Execute(context.Background())
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero max age: err = %v, want ErrInvalidInput", err)
	}
}
