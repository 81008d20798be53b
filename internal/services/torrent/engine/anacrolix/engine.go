package anacrolix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

const (
	// defaultMaxConns balances peer connections against resource usage.
	defaultMaxConns = 35
	// addClientTimeout caps the wait for the client to accept a torrent.
	// AddMagnet can block on the client mutex while another torrent is
	// resolving metadata.
	addClientTimeout = 10 * time.Second
)

var errClientBusy = errors.New("torrent client busy, try again later")

type Config struct {
	DataDir    string
	ListenPort int
	NoUpload   bool
	Seed       bool
	MaxConns   int // established connections per torrent; 0 = default
	Logger     *slog.Logger
}

// Engine adapts an anacrolix client to ports.Engine. It tracks the
// transfers it added and nothing else; admission policy lives above it.
type Engine struct {
	client   *torrent.Client
	logger   *slog.Logger
	maxConns int

	mu        sync.RWMutex
	transfers map[domain.SessionID]*Transfer

	speedMu sync.Mutex
	speeds  map[domain.SessionID]speedSample
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}
	clientConfig.NoUpload = cfg.NoUpload
	clientConfig.Seed = cfg.Seed

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	e := NewWithClient(client)
	if cfg.MaxConns > 0 {
		e.maxConns = cfg.MaxConns
	}
	if cfg.Logger != nil {
		e.logger = cfg.Logger
	}
	return e, nil
}

func NewWithClient(client *torrent.Client) *Engine {
	return &Engine{
		client:    client,
		logger:    slog.Default(),
		maxConns:  defaultMaxConns,
		transfers: make(map[domain.SessionID]*Transfer),
		speeds:    make(map[domain.SessionID]speedSample),
	}
}

// Identify derives the session id (hex info hash) without touching the
// client. Unparseable sources fail with domain.ErrInvalidSource.
func (e *Engine) Identify(src domain.Source) (domain.SessionID, error) {
	if src.IsLocator() {
		m, err := metainfo.ParseMagnetUri(src.Locator)
		if err != nil {
			return "", fmt.Errorf("%w: parse magnet: %v", domain.ErrInvalidSource, err)
		}
		return domain.SessionID(m.InfoHash.HexString()), nil
	}
	mi, err := loadMetaInfo(src.Blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
	}
	return domain.SessionID(mi.HashInfoBytes().HexString()), nil
}

func loadMetaInfo(blob []byte) (*metainfo.MetaInfo, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty torrent descriptor")
	}
	mi, err := metainfo.Load(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("parse torrent descriptor: %w", err)
	}
	if _, err := mi.UnmarshalInfo(); err != nil {
		return nil, fmt.Errorf("parse torrent info: %w", err)
	}
	return mi, nil
}

// Add registers the torrent with the client and returns as soon as the
// client accepted it. Metadata resolution continues in the background.
func (e *Engine) Add(ctx context.Context, src domain.Source) (ports.Transfer, error) {
	if e.client == nil {
		return nil, errors.New("torrent client not configured")
	}
	id, err := e.Identify(src)
	if err != nil {
		return nil, err
	}
	if existing := e.lookup(id); existing != nil {
		return existing, nil
	}

	ch := make(chan clientAdd, 1)
	go func() {
		t, err := e.addToClient(src)
		ch <- clientAdd{t, err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		t = res.t
	case <-time.After(addClientTimeout):
		// The client may still accept the torrent after we return.
		go dropOrphan(ch)
		return nil, errClientBusy
	case <-ctx.Done():
		go dropOrphan(ch)
		return nil, ctx.Err()
	}

	e.mu.Lock()
	if existing, ok := e.transfers[id]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	tr := &Transfer{engine: e, torrent: t, id: id}
	e.transfers[id] = tr
	e.mu.Unlock()

	t.SetMaxEstablishedConns(e.maxConns)
	go e.downloadWhenReady(tr)

	e.logger.Debug("torrent added to client",
		slog.String("sessionId", string(id)),
		slog.String("source", src.Kind()),
	)
	return tr, nil
}

func (e *Engine) addToClient(src domain.Source) (*torrent.Torrent, error) {
	if src.IsLocator() {
		return e.client.AddMagnet(src.Locator)
	}
	mi, err := loadMetaInfo(src.Blob)
	if err != nil {
		return nil, err
	}
	return e.client.AddTorrent(mi)
}

type clientAdd struct {
	t   *torrent.Torrent
	err error
}

func dropOrphan(ch <-chan clientAdd) {
	if res := <-ch; res.t != nil {
		res.t.Drop()
	}
}

// downloadWhenReady queues every piece once metadata arrives so completed
// files end up on disk for export.
func (e *Engine) downloadWhenReady(tr *Transfer) {
	select {
	case <-tr.torrent.GotInfo():
	case <-tr.torrent.Closed():
		return
	}
	tr.torrent.DownloadAll()
	e.logger.Info("torrent metadata resolved",
		slog.String("sessionId", string(tr.id)),
		slog.String("name", tr.torrent.Name()),
		slog.Int("files", len(tr.torrent.Files())),
	)
}

func (e *Engine) Get(id domain.SessionID) (ports.Transfer, bool) {
	tr := e.lookup(id)
	if tr == nil {
		return nil, false
	}
	return tr, true
}

// lookup returns the live transfer for id. Transfers the client closed on
// its own are forgotten on the way.
func (e *Engine) lookup(id domain.SessionID) *Transfer {
	e.mu.RLock()
	tr := e.transfers[id]
	e.mu.RUnlock()
	if tr == nil {
		return nil
	}
	select {
	case <-tr.torrent.Closed():
		e.dropTorrent(id, tr)
		return nil
	default:
		return tr
	}
}

func (e *Engine) List() []ports.Transfer {
	e.mu.RLock()
	ids := make([]domain.SessionID, 0, len(e.transfers))
	for id := range e.transfers {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	out := make([]ports.Transfer, 0, len(ids))
	for _, id := range ids {
		if tr := e.lookup(id); tr != nil {
			out = append(out, tr)
		}
	}
	return out
}

func (e *Engine) Remove(ctx context.Context, id domain.SessionID) error {
	e.mu.RLock()
	tr := e.transfers[id]
	e.mu.RUnlock()
	if tr == nil {
		return domain.ErrNotFound
	}
	e.dropTorrent(id, tr)
	return nil
}

func (e *Engine) dropTorrent(id domain.SessionID, tr *Transfer) {
	e.mu.Lock()
	if cur, ok := e.transfers[id]; ok && cur == tr {
		delete(e.transfers, id)
	}
	e.mu.Unlock()
	e.forgetSpeed(id)
	if tr != nil && tr.torrent != nil {
		tr.torrent.Drop()
	}
	// Return memory to the OS promptly; piece buffers of a dropped torrent
	// otherwise linger until the next GC cycle.
	freeOSMemory()
}

func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}
