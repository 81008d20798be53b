package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"golang.org/x/sync/semaphore"

	apihttp "torrentgate/internal/api/http"
	"torrentgate/internal/app"
	"torrentgate/internal/domain/ports"
	"torrentgate/internal/metrics"
	mongorepo "torrentgate/internal/repository/mongo"
	redisrepo "torrentgate/internal/repository/redis"
	"torrentgate/internal/services/torrent/engine/anacrolix"
	"torrentgate/internal/telemetry"
	"torrentgate/internal/usecase"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	journalQueueSize    = 256
	controllerDeadline  = 8 * time.Second
	httpDrainDeadline   = 3 * time.Second
	flushDeadline       = 2 * time.Second
	streamReadahead     = 2 << 20
	metricsSamplePeriod = 5 * time.Second
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    "torrentgate",
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
		SampleRate:     cfg.OTelSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}

	logger.Info("configuration loaded",
		slog.String("service", "torrentgate"),
		slog.String("version", version),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.Int("maxSessions", cfg.MaxSessions),
		slog.Duration("sessionTTL", cfg.SessionTTL),
		slog.Bool("journal", cfg.MongoURI != ""),
		slog.Bool("descriptorCache", cfg.RedisURL != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mongoClient, journal, asyncJournal := openJournal(rootCtx, cfg, logger)
	redisClient, descriptorCache := openDescriptorCache(rootCtx, cfg, logger)

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir: cfg.TorrentDataDir,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The controller reports changes before the HTTP server exists.
	var handler *apihttp.Server
	broadcast := func() {
		if handler != nil {
			go handler.BroadcastSessions()
		}
	}

	controller := usecase.NewAdmissionController(engine, usecase.AdmissionConfig{
		Capacity:     cfg.MaxSessions,
		TTL:          cfg.SessionTTL,
		AddTimeout:   cfg.AddTimeout,
		MetadataWait: cfg.MetadataWait,
	},
		usecase.WithJournal(journal),
		usecase.WithAdmissionLogger(logger),
		usecase.WithChangeObserver(broadcast),
	)
	registry := controller.Registry()

	fetchUC := usecase.NewFetchDescriptor(usecase.FetchConfig{
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.FetchUserAgent,
		CacheTTL:  cfg.DescriptorCacheTTL,
		Retry:     usecase.DefaultRetryConfig(),
	}, descriptorCache, logger)
	exportUC := usecase.ExportArchive{
		Registry:         registry,
		DataDir:          cfg.TorrentDataDir,
		CompressionLevel: cfg.ExportCompressionLevel,
		Limiter:          semaphore.NewWeighted(cfg.ExportMaxConcurrent),
		Logger:           logger,
	}
	healthUC := usecase.Health{
		Controller: controller,
		Engine:     engine,
		DataDir:    cfg.TorrentDataDir,
		Version:    version,
		StartedAt:  time.Now(),
	}

	opts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithGetSessionState(usecase.GetSessionState{Registry: registry}),
		apihttp.WithListSessionStates(usecase.ListSessionStates{Registry: registry}),
		apihttp.WithStreamFile(usecase.StreamFile{Registry: registry, ReadaheadBytes: streamReadahead}),
		apihttp.WithExportArchive(exportUC),
		apihttp.WithFetchDescriptor(fetchUC),
		apihttp.WithHealth(healthUC),
		apihttp.WithPublicBaseURL(cfg.PublicBaseURL),
		apihttp.WithMaxChunkBytes(cfg.StreamMaxChunkBytes),
		apihttp.WithUploadMaxBytes(cfg.UploadMaxBytes),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
	}
	if asyncJournal != nil {
		opts = append(opts, apihttp.WithJournal(asyncJournal))
	}
	handler = apihttp.NewServer(controller, opts...)

	reaper := usecase.Reaper{
		Controller: controller,
		Logger:     logger,
		Interval:   cfg.ReaperInterval,
		OnTick: func(report usecase.EvictionReport) {
			metrics.AdmittedSessions.Set(float64(report.Live))
			handler.BroadcastSessions()
		},
	}
	go reaper.Run(rootCtx)
	go updateSessionMetrics(rootCtx, registry)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // streams and archives are unbounded
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	exitCode := 0
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			exitCode = 1
		}
	}

	watchdog := time.AfterFunc(cfg.ShutdownHardDeadline, func() {
		logger.Error("shutdown deadline exceeded, forcing exit",
			slog.Duration("deadline", cfg.ShutdownHardDeadline))
		os.Exit(1)
	})
	defer watchdog.Stop()

	budget := newShutdownBudget(cfg.ShutdownHardDeadline)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), budget.drain)
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	drainCancel()
	handler.Close()

	controllerCtx, controllerCancel := context.WithTimeout(context.Background(), budget.removal)
	if err := controller.Shutdown(controllerCtx); err != nil {
		logger.Warn("admission shutdown error", slog.String("error", err.Error()))
	}
	controllerCancel()

	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if asyncJournal != nil {
		asyncJournal.Close()
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), budget.flush)
	defer flushCancel()
	if mongoClient != nil {
		if err := mongoClient.Disconnect(flushCtx); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(flushCtx)
	}

	logger.Info("server stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// openJournal connects the event journal when MONGO_URI is set. Without it,
// or when Mongo is unreachable, the service runs with a no-op journal.
func openJournal(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongo.Client, ports.SessionJournal, *usecase.AsyncJournal) {
	if strings.TrimSpace(cfg.MongoURI) == "" {
		return nil, usecase.NopJournal{}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Warn("mongo connect failed, journal disabled", slog.String("error", err.Error()))
		return nil, usecase.NopJournal{}, nil
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Warn("mongo ping failed, journal disabled", slog.String("error", err.Error()))
		_ = client.Disconnect(context.Background())
		return nil, usecase.NopJournal{}, nil
	}

	store := mongorepo.NewJournal(client, cfg.MongoDatabase, cfg.MongoEventsCollection, cfg.JournalRetention)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	async := usecase.NewAsyncJournal(store, logger, journalQueueSize)
	return client, async, async
}

// openDescriptorCache returns a nil cache when REDIS_URL is unset or Redis
// cannot be reached; remote fetches then always go upstream.
func openDescriptorCache(ctx context.Context, cfg app.Config, logger *slog.Logger) (*goredis.Client, ports.DescriptorCache) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := redisrepo.Connect(connectCtx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, descriptor cache disabled", slog.String("error", err.Error()))
		return nil, nil
	}
	return client, redisrepo.NewDescriptorCache(client)
}

// updateSessionMetrics periodically folds per-session engine counters into
// the aggregate Prometheus gauges.
func updateSessionMetrics(ctx context.Context, registry *usecase.Registry) {
	ticker := time.NewTicker(metricsSamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var dlTotal, ulTotal, peersTotal int64
			for _, h := range registry.Handles() {
				dlTotal += h.Metrics.DownloadRate
				ulTotal += h.Metrics.UploadRate
				peersTotal += int64(h.Metrics.Peers)
			}
			metrics.AdmittedSessions.Set(float64(registry.Len()))
			metrics.DownloadSpeedBytes.Set(float64(dlTotal))
			metrics.UploadSpeedBytes.Set(float64(ulTotal))
			metrics.PeersConnected.Set(float64(peersTotal))
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	handlerOpts := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// shutdownBudget splits the hard deadline between the shutdown phases so
// that every phase still has time left before the watchdog fires.
type shutdownBudget struct {
	drain   time.Duration
	removal time.Duration
	flush   time.Duration
}

func newShutdownBudget(hard time.Duration) shutdownBudget {
	b := shutdownBudget{
		drain:   httpDrainDeadline,
		removal: controllerDeadline,
		flush:   flushDeadline,
	}
	// A tenth of the deadline stays in reserve for closing the engine.
	usable := hard - hard/10
	if hard <= 0 || b.drain+b.removal+b.flush <= usable {
		return b
	}
	b.drain = usable / 5
	b.flush = usable / 10
	b.removal = usable - b.drain - b.flush
	return b
}
