package apihttp

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
	"torrentgate/internal/usecase"
)

// ---------------------------------------------------------------------------
// Fake engine
// ---------------------------------------------------------------------------

type fakeTransfer struct {
	id domain.SessionID

	mu         sync.Mutex
	name       string
	files      []domain.FileRef
	data       map[string][]byte
	progress   float64
	priorities []domain.Range
	// failAfter makes readers return errReadBroken after that many bytes.
	failAfter int

	ready     chan struct{}
	readyOnce sync.Once
	failed    chan struct{}
	failOnce  sync.Once
}

var errReadBroken = errors.New("piece verification failed")

func newFakeTransfer(id domain.SessionID) *fakeTransfer {
	return &fakeTransfer{
		id:        id,
		data:      make(map[string][]byte),
		failAfter: -1,
		ready:     make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

func (t *fakeTransfer) resolve(name string, contents map[string][]byte) {
	t.mu.Lock()
	t.name = name
	paths := make([]string, 0, len(contents))
	for p := range contents {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	t.files = t.files[:0]
	for i, p := range paths {
		t.data[p] = contents[p]
		n := int64(len(contents[p]))
		t.files = append(t.files, domain.FileRef{Index: i, Path: p, Length: n, BytesCompleted: n})
	}
	t.progress = 0.25
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })
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
	var total int64
	for _, f := range t.files {
		total += f.Length
	}
	return domain.SessionMetrics{
		Length:          total,
		Progress:        t.progress,
		Peers:           3,
		DownloadRate:    1000,
		DownloadedBytes: 400,
		UploadedBytes:   100,
	}
}

func (t *fakeTransfer) SetPriority(_ domain.FileRef, r domain.Range, _ domain.Priority) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priorities = append(t.priorities, r)
}

func (t *fakeTransfer) priorityRanges() []domain.Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Range(nil), t.priorities...)
}

func (t *fakeTransfer) NewReader(ctx context.Context, file domain.FileRef) (ports.StreamReader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.data[file.Path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &fakeReader{Reader: bytes.NewReader(b), failAfter: t.failAfter}, nil
}

type fakeReader struct {
	*bytes.Reader
	failAfter int
	read      int
	closed    bool
}

func (r *fakeReader) Read(p []byte) (int, error) {
	if r.failAfter >= 0 {
		left := r.failAfter - r.read
		if left <= 0 {
			return 0, errReadBroken
		}
		if len(p) > left {
			p = p[:left]
		}
	}
	n, err := r.Reader.Read(p)
	r.read += n
	return n, err
}

func (r *fakeReader) Close() error               { r.closed = true; return nil }
func (r *fakeReader) SetContext(context.Context) {}
func (r *fakeReader) SetReadahead(int64)         {}

type fakeEngine struct {
	mu          sync.Mutex
	transfers   map[domain.SessionID]*fakeTransfer
	autoResolve map[domain.SessionID]map[string][]byte
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
			return "", errors.New("bad magnet")
		}
		hash, _, _ = strings.Cut(hash, "&")
		return domain.SessionID(strings.ToLower(hash)), nil
	}
	if !bytes.HasPrefix(src.Blob, []byte("d")) {
		return "", errors.New("not bencoded")
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
	if t, ok := e.transfers[id]; ok {
		return t, nil
	}
	t := newFakeTransfer(id)
	e.transfers[id] = t
	if contents, ok := e.autoResolve[id]; ok {
		t.resolve("Bundle "+string(id), contents)
	}
	return t, nil
}

func (e *fakeEngine) Get(id domain.SessionID) (ports.Transfer, bool) {
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
	t, ok := e.transfers[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(e.transfers, id)
	t.failOnce.Do(func() { close(t.failed) })
	return nil
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

// ---------------------------------------------------------------------------
// Gateway fixture: real usecases over the fake engine
// ---------------------------------------------------------------------------

type gateway struct {
	engine     *fakeEngine
	controller *usecase.AdmissionController
	dataDir    string
	server     *Server
}

func newGateway(t *testing.T, opts ...ServerOption) *gateway {
	t.Helper()
	g := &gateway{engine: newFakeEngine(), dataDir: t.TempDir()}
	g.controller = usecase.NewAdmissionController(g.engine,
		usecase.AdmissionConfig{Capacity: 4, AddTimeout: time.Second},
		usecase.WithAdmissionLogger(discardLogger()),
	)
	registry := g.controller.Registry()

	base := []ServerOption{
		WithLogger(discardLogger()),
		WithGetSessionState(usecase.GetSessionState{Registry: registry}),
		WithListSessionStates(usecase.ListSessionStates{Registry: registry}),
		WithStreamFile(usecase.StreamFile{Registry: registry}),
		WithExportArchive(usecase.ExportArchive{
			Registry: registry,
			DataDir:  g.dataDir,
			Limiter:  semaphore.NewWeighted(2),
			Logger:   discardLogger(),
		}),
		WithPublicBaseURL("http://gw.test"),
	}
	g.server = NewServer(g.controller, append(base, opts...)...)

	t.Cleanup(func() {
		g.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.controller.Shutdown(ctx)
	})
	return g
}

// readyOnAdd resolves hash with contents as soon as the engine sees it.
func (g *gateway) readyOnAdd(hash string, contents map[string][]byte) {
	g.engine.mu.Lock()
	defer g.engine.mu.Unlock()
	g.engine.autoResolve[domain.SessionID(hash)] = contents
}

// materialize writes contents below the data dir, as the engine would.
func (g *gateway) materialize(t *testing.T, contents map[string][]byte) {
	t.Helper()
	for p, b := range contents {
		full := filepath.Join(g.dataDir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, b, 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
}

func (g *gateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.server.ServeHTTP(rec, req)
	return rec
}

func (g *gateway) get(target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return g.do(req)
}

func (g *gateway) waitReady(t *testing.T, id string) {
	t.Helper()
	waitFor(t, id+" ready", func() bool {
		for _, h := range g.controller.Registry().Handles() {
			if string(h.ID) == id {
				return h.Phase != domain.PhasePending
			}
		}
		return false
	})
}

// ---------------------------------------------------------------------------
// Stub usecases for error paths
// ---------------------------------------------------------------------------

type stubAdmission struct {
	mu      sync.Mutex
	handle  domain.SessionHandle
	err     error
	found   bool
	sources []domain.Source
}

func (s *stubAdmission) Admit(ctx context.Context, src domain.Source) (domain.SessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
	return s.handle, s.err
}

func (s *stubAdmission) Remove(ctx context.Context, id domain.SessionID) (bool, error) {
	return s.found, s.err
}

func (s *stubAdmission) admitted() []domain.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Source(nil), s.sources...)
}

type stubStream struct {
	result usecase.StreamResult
	err    error
}

func (s stubStream) Execute(ctx context.Context, id domain.SessionID, relPath string) (usecase.StreamResult, error) {
	return s.result, s.err
}

type stubFetch struct {
	body []byte
	err  error
	urls []string
}

func (s *stubFetch) Execute(ctx context.Context, rawURL string) ([]byte, error) {
	s.urls = append(s.urls, rawURL)
	return s.body, s.err
}

type stubJournal struct {
	events []domain.SessionEvent
	err    error
	limit  int
}

func (s *stubJournal) Record(context.Context, domain.SessionEvent) error { return nil }

func (s *stubJournal) List(ctx context.Context, id domain.SessionID, limit int) ([]domain.SessionEvent, error) {
	s.limit = limit
	return s.events, s.err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func magnetURI(hash string) string {
	return "magnet:?xt=urn:btih:" + hash + "&dn=test"
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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func repeatBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}
