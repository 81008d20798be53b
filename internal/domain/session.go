package domain

import (
	"strings"
	"time"
)

// SessionID is the lower-case hex info hash of a transfer.
type SessionID string

func (id SessionID) String() string { return string(id) }

// Source describes how a session is admitted: either a magnet locator or the
// raw bytes of a .torrent metainfo file. Exactly one field is set.
type Source struct {
	Locator string
	Blob    []byte
}

func (s Source) IsLocator() bool { return strings.TrimSpace(s.Locator) != "" }

func (s Source) Kind() string {
	if s.IsLocator() {
		return "locator"
	}
	return "descriptor"
}

type SessionPhase string

const (
	PhasePending  SessionPhase = "pending"
	PhaseActive   SessionPhase = "active"
	PhaseComplete SessionPhase = "complete"
)

// SessionMetrics is a point-in-time projection of engine counters.
type SessionMetrics struct {
	Length          int64   `json:"length"`
	Progress        float64 `json:"progress"`
	Peers           int     `json:"peers"`
	DownloadRate    int64   `json:"downloadRate"`
	UploadRate      int64   `json:"uploadRate"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	UploadedBytes   int64   `json:"uploadedBytes"`
}

// SessionHandle is a read-mostly view of one admitted transfer.
type SessionHandle struct {
	ID           SessionID      `json:"id"`
	Name         string         `json:"name"`
	Phase        SessionPhase   `json:"phase"`
	Files        []FileRef      `json:"files"`
	Metrics      SessionMetrics `json:"metrics"`
	AdmittedAt   time.Time      `json:"admittedAt"`
	LastAccessAt time.Time      `json:"lastAccessAt"`
}

// PhaseFor derives the lifecycle phase from metadata readiness and progress.
func PhaseFor(ready bool, progress float64) SessionPhase {
	switch {
	case !ready:
		return PhasePending
	case progress >= 1:
		return PhaseComplete
	default:
		return PhaseActive
	}
}

// FindFile returns the file whose relative path matches exactly.
func (h SessionHandle) FindFile(relPath string) (FileRef, bool) {
	for _, f := range h.Files {
		if f.Path == relPath {
			return f, true
		}
	}
	return FileRef{}, false
}
