package usecase

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

const (
	defaultStreamReadahead = 16 << 20
	// DefaultMaxChunkBytes caps a single ranged response.
	DefaultMaxChunkBytes int64 = 2 << 20
)

type StreamResult struct {
	Reader   ports.StreamReader
	File     domain.FileRef
	Session  domain.SessionHandle
	transfer ports.Transfer
}

// Focus raises the priority of the span about to be served.
func (r StreamResult) Focus(span domain.Range) {
	if r.transfer == nil || span.Length <= 0 {
		return
	}
	r.transfer.SetPriority(r.File, span, domain.PriorityNext)
}

type StreamFile struct {
	Registry       *Registry
	ReadaheadBytes int64
}

// Execute opens a fresh reader for relPath inside the session. Every call
// gets its own cursor, so concurrent streams of one file do not interfere.
func (uc StreamFile) Execute(ctx context.Context, id domain.SessionID, relPath string) (StreamResult, error) {
	if uc.Registry == nil {
		return StreamResult{}, errors.New("registry not configured")
	}
	relPath = cleanRelPath(relPath)
	if relPath == "" {
		return StreamResult{}, invalidInput("file path is required")
	}

	handle, transfer, err := uc.Registry.Lookup(id)
	if err != nil {
		return StreamResult{}, err
	}
	if transfer == nil || handle.Phase == domain.PhasePending {
		return StreamResult{}, ErrNotReady
	}

	file, ok := handle.FindFile(relPath)
	if !ok {
		return StreamResult{}, domain.ErrNotFound
	}

	reader, err := transfer.NewReader(ctx, file)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return StreamResult{}, err
		}
		return StreamResult{}, wrapEngine(err)
	}

	readahead := uc.ReadaheadBytes
	if readahead <= 0 {
		readahead = defaultStreamReadahead
	}
	reader.SetContext(ctx)
	reader.SetReadahead(readahead)

	return StreamResult{
		Reader:   reader,
		File:     file,
		Session:  handle,
		transfer: transfer,
	}, nil
}

func cleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// RangePlan is the outcome of interpreting a Range header against a file.
// Start and End are inclusive.
type RangePlan struct {
	Partial       bool
	Unsatisfiable bool
	Start         int64
	End           int64
}

func (p RangePlan) Length() int64 {
	if p.Unsatisfiable {
		return 0
	}
	return p.End - p.Start + 1
}

// PlanRange interprets a single "bytes=<start>-[end]" range. Anything it
// cannot parse falls back to the full file. Partial spans are capped at
// maxChunk bytes when maxChunk is positive.
func PlanRange(header string, size, maxChunk int64) RangePlan {
	full := RangePlan{Start: 0, End: size - 1}
	if size <= 0 {
		return RangePlan{Start: 0, End: -1}
	}

	start, end, ok := parseSingleRange(header)
	if !ok {
		return full
	}
	if start >= size {
		return RangePlan{Unsatisfiable: true}
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	if maxChunk > 0 && end-start+1 > maxChunk {
		end = start + maxChunk - 1
	}
	return RangePlan{Partial: true, Start: start, End: end}
}

// parseSingleRange returns end = -1 when the header leaves it open.
func parseSingleRange(header string) (start, end int64, ok bool) {
	header = strings.TrimSpace(header)
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	startRaw, endRaw, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return 0, 0, false
	}
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if !isDigits(startRaw) {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if endRaw == "" {
		return start, -1, true
	}
	if !isDigits(endRaw) {
		return 0, 0, false
	}
	end, err = strconv.ParseInt(endRaw, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
