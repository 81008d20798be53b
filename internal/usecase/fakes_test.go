package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

// --- fake transfer ---

type priorityCall struct {
	File domain.FileRef
	R    domain.Range
	Prio domain.Priority
}

type fakeTransfer struct {
	id   domain.SessionID
	name string

	mu         sync.Mutex
	files      []domain.FileRef
	data       map[string][]byte
	metrics    domain.SessionMetrics
	priorities []priorityCall
	readerErr  error

	ready     chan struct{}
	readyOnce sync.Once
	failed    chan struct{}
	failOnce  sync.Once
}

func newFakeTransfer(id domain.SessionID) *fakeTransfer {
	return &fakeTransfer{
		id:     id,
		data:   make(map[string][]byte),
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}
}

// resolve publishes metadata: every file is backed by the given content.
func (t *fakeTransfer) resolve(name string, contents map[string][]byte) {
	t.mu.Lock()
	t.name = name
	t.files = t.files[:0]
	paths := make([]string, 0, len(contents))
	for p := range contents {
		paths = append(paths, p)
	}
	sortStrings(paths)
	var total int64
	for i, p := range paths {
		b := contents[p]
		t.data[p] = b
		t.files = append(t.files, domain.FileRef{
			Index:          i,
			Path:           p,
			Length:         int64(len(b)),
			BytesCompleted: int64(len(b)),
		})
		total += int64(len(b))
	}
	t.metrics.Length = total
	t.metrics.Progress = 0.5
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })
}

func (t *fakeTransfer) fail() {
	t.failOnce.Do(func() { close(t.failed) })
}

func (t *fakeTransfer) ID() domain.SessionID { return t.id }

func (t *fakeTransfer) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *fakeTransfer) Ready() <-chan struct{}  { return t.ready }
func (t *fakeTransfer) Failed() <-chan struct{} { return t.failed }

func (t *fakeTransfer) Files() []domain.FileRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.FileRef(nil), t.files...)
}

func (t *fakeTransfer) Metrics() domain.SessionMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

func (t *fakeTransfer) SetPriority(file domain.FileRef, r domain.Range, prio domain.Priority) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priorities = append(t.priorities, priorityCall{File: file, R: r, Prio: prio})
}

func (t *fakeTransfer) priorityCalls() []priorityCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]priorityCall(nil), t.priorities...)
}

func (t *fakeTransfer) NewReader(ctx context.Context, file domain.FileRef) (ports.StreamReader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readerErr != nil {
		return nil, t.readerErr
	}
	b, ok := t.data[file.Path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &fakeReader{Reader: bytes.NewReader(b)}, nil
}

type fakeReader struct {
	*bytes.Reader
	closed    bool
	readahead int64
	ctx       context.Context
}

func (r *fakeReader) Close() error                 { r.closed = true; return nil }
func (r *fakeReader) SetContext(ctx context.Context) { r.ctx = ctx }
func (r *fakeReader) SetReadahead(n int64)         { r.readahead = n }

// --- fake engine ---

type fakeEngine struct {
	mu        sync.Mutex
	transfers map[domain.SessionID]*fakeTransfer
	// contents resolved immediately on Add when set for an id.
	autoResolve map[domain.SessionID]map[string][]byte
	addErr      error
	removeErr   error
	removed     []domain.SessionID
	adds        int
	// onGet runs once, outside the lock, on the next Get call.
	onGet func()
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		transfers:   make(map[domain.SessionID]*fakeTransfer),
		autoResolve: make(map[domain.SessionID]map[string][]byte),
	}
}

func (e *fakeEngine) Identify(src domain.Source) (domain.SessionID, error) {
	if src.IsLocator() {
		_, hash, ok := strings.Cut(src.Locator, "urn:btih:")
		if !ok || hash == "" {
			return "", fmt.Errorf("%w: bad magnet", domain.ErrInvalidSource)
		}
		hash, _, _ = strings.Cut(hash, "&")
		return domain.SessionID(strings.ToLower(hash)), nil
	}
	if len(src.Blob) == 0 {
		return "", fmt.Errorf("%w: empty descriptor", domain.ErrInvalidSource)
	}
	sum := sha1.Sum(src.Blob)
	return domain.SessionID(hex.EncodeToString(sum[:])), nil
}

func (e *fakeEngine) Add(ctx context.Context, src domain.Source) (ports.Transfer, error) {
	id, err := e.Identify(src)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adds++
	if e.addErr != nil {
		return nil, e.addErr
	}
	if t, ok := e.transfers[id]; ok {
		return t, nil
	}
	t := newFakeTransfer(id)
	e.transfers[id] = t
	if contents, ok := e.autoResolve[id]; ok {
		t.resolve("bundle-"+string(id), contents)
	}
	return t, nil
}

func (e *fakeEngine) Get(id domain.SessionID) (ports.Transfer, bool) {
	e.mu.Lock()
	hook := e.onGet
	e.onGet = nil
	e.mu.Unlock()
	if hook != nil {
		hook()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return nil, false
	}
	return t, true
}

func (e *fakeEngine) transfer(id domain.SessionID) *fakeTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transfers[id]
}

func (e *fakeEngine) Remove(ctx context.Context, id domain.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removeErr != nil {
		return e.removeErr
	}
	t, ok := e.transfers[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(e.transfers, id)
	e.removed = append(e.removed, id)
	t.fail()
	return nil
}

// beforeNextGet installs a hook that runs once on the next Get call.
func (e *fakeEngine) beforeNextGet(hook func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onGet = hook
}

// vanish drops a transfer without going through Remove, as if the engine
// lost it on its own.
func (e *fakeEngine) vanish(id domain.SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.transfers, id)
}

func (e *fakeEngine) removedIDs() []domain.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.SessionID(nil), e.removed...)
}

func (e *fakeEngine) List() []ports.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ports.Transfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		out = append(out, t)
	}
	return out
}

func (e *fakeEngine) Close() error { return nil }

// --- fake journal ---

type fakeJournal struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (j *fakeJournal) Record(ctx context.Context, ev domain.SessionEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *fakeJournal) List(ctx context.Context, id domain.SessionID, limit int) ([]domain.SessionEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.SessionEvent
	for _, ev := range j.events {
		if ev.SessionID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (j *fakeJournal) kinds(id domain.SessionID) []domain.EventKind {
	events, _ := j.List(context.Background(), id, 0)
	kinds := make([]domain.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// --- clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- helpers ---

func magnet(hash string) domain.Source {
	return domain.Source{Locator: "magnet:?xt=urn:btih:" + hash + "&dn=test"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func containsKind(kinds []domain.EventKind, want domain.EventKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func containsID(ids []domain.SessionID, want domain.SessionID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
