package apihttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
	"torrentgate/internal/usecase"
)

const (
	defaultUploadMaxBytes int64 = 10 << 20
	defaultRateLimitRPS         = 100
	defaultRateLimitBurst       = 200
)

type AdmissionUseCase interface {
	Admit(ctx context.Context, src domain.Source) (domain.SessionHandle, error)
	Remove(ctx context.Context, id domain.SessionID) (bool, error)
}

type GetSessionStateUseCase interface {
	Execute(ctx context.Context, id domain.SessionID) (domain.SessionHandle, error)
}

type ListSessionStatesUseCase interface {
	Execute(ctx context.Context) ([]domain.SessionHandle, error)
}

type StreamFileUseCase interface {
	Execute(ctx context.Context, id domain.SessionID, relPath string) (usecase.StreamResult, error)
}

type ExportArchiveUseCase interface {
	Prepare(ctx context.Context, id domain.SessionID) (usecase.ArchivePlan, error)
	Write(ctx context.Context, plan usecase.ArchivePlan, w io.Writer) (usecase.ExportResult, error)
}

type FetchDescriptorUseCase interface {
	Execute(ctx context.Context, rawURL string) ([]byte, error)
}

type HealthUseCase interface {
	Execute(ctx context.Context) usecase.HealthReport
}

type Server struct {
	admission       AdmissionUseCase
	getState        GetSessionStateUseCase
	listStates      ListSessionStatesUseCase
	streamFile      StreamFileUseCase
	exportArchive   ExportArchiveUseCase
	fetchDescriptor FetchDescriptorUseCase
	health          HealthUseCase
	journal         ports.SessionJournal
	publicBaseURL   string
	maxChunkBytes   int64
	uploadMaxBytes  int64
	rateRPS         float64
	rateBurst       int
	allowedOrigins  []string
	logger          *slog.Logger
	handler         http.Handler
	wsHub           *wsHub
	upgrader        websocket.Upgrader
}

type ServerOption func(*Server)

func WithGetSessionState(uc GetSessionStateUseCase) ServerOption {
	return func(s *Server) {
		s.getState = uc
	}
}

func WithListSessionStates(uc ListSessionStatesUseCase) ServerOption {
	return func(s *Server) {
		s.listStates = uc
	}
}

func WithStreamFile(uc StreamFileUseCase) ServerOption {
	return func(s *Server) {
		s.streamFile = uc
	}
}

func WithExportArchive(uc ExportArchiveUseCase) ServerOption {
	return func(s *Server) {
		s.exportArchive = uc
	}
}

func WithFetchDescriptor(uc FetchDescriptorUseCase) ServerOption {
	return func(s *Server) {
		s.fetchDescriptor = uc
	}
}

func WithHealth(uc HealthUseCase) ServerOption {
	return func(s *Server) {
		s.health = uc
	}
}

// WithJournal enables GET /sessions/{id}/events. Without it the endpoint
// answers 404 journal_disabled.
func WithJournal(j ports.SessionJournal) ServerOption {
	return func(s *Server) {
		s.journal = j
	}
}

// WithPublicBaseURL fixes the origin used in stream and archive URLs.
// When empty, URLs are derived from the incoming request.
func WithPublicBaseURL(base string) ServerOption {
	return func(s *Server) {
		s.publicBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

func WithMaxChunkBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxChunkBytes = n
		}
	}
}

func WithUploadMaxBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.uploadMaxBytes = n
		}
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateRPS = rps
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(admission AdmissionUseCase, opts ...ServerOption) *Server {
	s := &Server{
		admission:      admission,
		maxChunkBytes:  usecase.DefaultMaxChunkBytes,
		uploadMaxBytes: defaultUploadMaxBytes,
		rateRPS:        defaultRateLimitRPS,
		rateBurst:      defaultRateLimitBurst,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	s.upgrader = newWSUpgrader(newOriginPolicy(s.allowedOrigins))
	go s.wsHub.run()

	router := chi.NewRouter()
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		renderError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	router.Get("/", s.handleIndex)
	router.Get("/magnet", s.handleAddMagnet)
	router.Post("/magnet", s.handleAddMagnet)
	router.Post("/upload", s.handleUpload)
	router.Get("/torrentfile", s.handleAddRemote)
	router.Post("/torrentfile", s.handleAddRemote)

	router.Get("/sessions", s.handleListSessions)
	router.Route("/sessions/{id}", func(sr chi.Router) {
		sr.Get("/", s.handleSessionStatus)
		sr.Delete("/", s.handleRemoveSession)
		sr.Post("/remove", s.handleRemoveSession)
		sr.Get("/events", s.handleSessionEvents)
	})

	router.Get("/stream/{id}/*", s.handleStream)
	router.Head("/stream/{id}/*", s.handleStream)
	router.Get("/download/{id}", s.handleDownload)

	router.Get("/status", s.handleStatus)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, router), "torrentgate",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/status" && p != "/ws"
		}),
	)
	s.handler = recoveryMiddleware(s.logger,
		requestIDMiddleware(
			rateLimitMiddleware(s.rateRPS, s.rateBurst,
				metricsMiddleware(
					corsMiddleware(s.allowedOrigins, traced)))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if !s.wsHub.add(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	// A fresh client gets the current list right away.
	if summaries, ok := s.sessionSummaries(r.Context()); ok {
		client.sendMessage(s.logger, "sessions", summaries)
	}
}

// BroadcastSessions pushes the current session list to every WebSocket
// client. It is safe to call from any goroutine and never blocks.
func (s *Server) BroadcastSessions() {
	if s.wsHub == nil || s.wsHub.clientCount() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summaries, ok := s.sessionSummaries(ctx)
	if !ok {
		return
	}
	s.wsHub.Broadcast("sessions", summaries)
}

func (s *Server) sessionSummaries(ctx context.Context) ([]sessionSummary, bool) {
	if s.listStates == nil {
		return nil, false
	}
	handles, err := s.listStates.Execute(ctx)
	if err != nil {
		s.logger.Debug("ws list sessions failed", slog.String("error", err.Error()))
		return nil, false
	}
	out := make([]sessionSummary, 0, len(handles))
	for _, h := range handles {
		out = append(out, summarizeSession(h))
	}
	return out, true
}
