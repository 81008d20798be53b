package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
	"torrentgate/internal/metrics"
)

const (
	defaultCapacity     = 20
	defaultSessionTTL   = 3 * time.Hour
	defaultAddTimeout   = 60 * time.Second
	defaultMetadataWait = 10 * time.Minute
	shutdownParallelism = 8
)

type AdmissionConfig struct {
	Capacity     int
	TTL          time.Duration
	AddTimeout   time.Duration
	MetadataWait time.Duration // how long a timed-out add may still complete late
}

func (c AdmissionConfig) withDefaults() AdmissionConfig {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.TTL <= 0 {
		c.TTL = defaultSessionTTL
	}
	if c.AddTimeout <= 0 {
		c.AddTimeout = defaultAddTimeout
	}
	if c.MetadataWait <= 0 {
		c.MetadataWait = defaultMetadataWait
	}
	return c
}

type addOutcome int

const (
	outcomeReady addOutcome = iota
	outcomeTimeout
	outcomeFailed
	outcomeDropped
)

type addResult struct {
	res      reservation
	transfer ports.Transfer
	outcome  addOutcome
	err      error
	elapsed  time.Duration
}

// EvictionReport summarizes one eviction run.
type EvictionReport struct {
	Overflow []domain.SessionID
	Expired  []domain.SessionID
	Pruned   int
	Live     int
	Tracked  int
}

func (r EvictionReport) Removed() int { return len(r.Overflow) + len(r.Expired) }

type AdmissionOption func(*AdmissionController)

func WithJournal(j ports.SessionJournal) AdmissionOption {
	return func(c *AdmissionController) {
		if j != nil {
			c.journal = j
		}
	}
}

func WithAdmissionLogger(l *slog.Logger) AdmissionOption {
	return func(c *AdmissionController) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) AdmissionOption {
	return func(c *AdmissionController) {
		if now != nil {
			c.now = now
		}
	}
}

// WithChangeObserver registers a callback invoked after the admitted set or a
// session's phase changes. It must not block.
func WithChangeObserver(fn func()) AdmissionOption {
	return func(c *AdmissionController) {
		c.onChange = fn
	}
}

// AdmissionController owns the Registry and is the only path through which
// sessions enter or leave it.
type AdmissionController struct {
	engine   ports.Engine
	registry *Registry
	journal  ports.SessionJournal
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      AdmissionConfig
	now      func() time.Time
	onChange func()

	evictMu sync.Mutex
	results chan addResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAdmissionController(engine ports.Engine, cfg AdmissionConfig, opts ...AdmissionOption) *AdmissionController {
	ctx, cancel := context.WithCancel(context.Background())
	c := &AdmissionController{
		engine:  engine,
		journal: NopJournal{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("torrentgate/admission"),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		results: make(chan addResult, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = NewRegistry(engine, NewLedger(c.now), c.now)

	c.wg.Add(1)
	go c.completionLoop()
	return c
}

func (c *AdmissionController) Registry() *Registry { return c.registry }

func (c *AdmissionController) Capacity() int { return c.cfg.Capacity }

// Admit registers a session for src and returns without waiting for the
// engine to resolve metadata. Admitting an id that is already admitted
// returns the existing session.
func (c *AdmissionController) Admit(ctx context.Context, src domain.Source) (domain.SessionHandle, error) {
	id, err := c.engine.Identify(src)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues("invalid").Inc()
		return domain.SessionHandle{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	res, err := c.registry.reserve(id, c.cfg.Capacity)
	if errors.Is(err, ErrCapacityExceeded) {
		report := c.Evict(ctx)
		c.logger.Info("admission at capacity, forced eviction",
			slog.String("sessionId", string(id)),
			slog.Int("removed", report.Removed()),
			slog.Int("live", report.Live),
		)
		res, err = c.registry.reserve(id, c.cfg.Capacity)
	}
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues("capacity_exceeded").Inc()
		c.logger.Warn("admission rejected",
			slog.String("sessionId", string(id)),
			slog.Int("capacity", c.cfg.Capacity),
		)
		return domain.SessionHandle{}, err
	}

	if res.existing {
		metrics.AdmissionsTotal.WithLabelValues("duplicate").Inc()
		handle, _, err := c.registry.Lookup(id)
		return handle, err
	}

	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	metrics.AdmittedSessions.Set(float64(c.registry.Len()))
	c.record(domain.SessionEvent{SessionID: id, Kind: domain.EventAdmitted, Detail: src.Kind()})
	c.logger.Info("session admitted",
		slog.String("sessionId", string(id)),
		slog.String("source", src.Kind()),
	)

	link := trace.LinkFromContext(ctx)
	c.wg.Add(1)
	go c.resolve(res, src, link)

	c.notify()
	handle, _, err := c.registry.Lookup(id)
	return handle, err
}

// resolve runs the engine add for one reservation and reports the outcome on
// the results channel.
func (c *AdmissionController) resolve(res reservation, src domain.Source, link trace.Link) {
	defer c.wg.Done()
	start := c.now()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AddTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "admission.resolve",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("session.id", string(res.id)),
			attribute.String("session.source", src.Kind()),
		),
	)
	defer span.End()

	result := addResult{res: res}
	t, err := c.engine.Add(ctx, src)
	if err != nil {
		result.err = err
		result.outcome = outcomeFailed
		if errors.Is(err, context.DeadlineExceeded) {
			result.outcome = outcomeTimeout
		}
	} else {
		result.transfer = t
		if !c.registry.attach(res, t) {
			// Removed while the add was in flight.
			if !c.registry.Has(res.id) {
				c.dropEngineTransfer(c.ctx, res.id)
			}
			return
		}
		select {
		case <-t.Ready():
			result.outcome = outcomeReady
		case <-t.Failed():
			result.outcome = outcomeDropped
		case <-ctx.Done():
			result.outcome = outcomeTimeout
			result.err = ctx.Err()
		}
	}
	result.elapsed = c.now().Sub(start)

	if result.outcome != outcomeReady {
		span.SetStatus(codes.Error, "admission did not resolve")
	}

	select {
	case c.results <- result:
	case <-c.ctx.Done():
	}
}

func (c *AdmissionController) completionLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case r := <-c.results:
			c.complete(r)
		}
	}
}

func (c *AdmissionController) complete(r addResult) {
	id := r.res.id
	switch r.outcome {
	case outcomeReady:
		if !c.registry.markReady(r.res) {
			// Removed while resolving.
			return
		}
		marked := prioritizeForStreaming(r.transfer)
		metrics.AdmissionResolveDuration.Observe(r.elapsed.Seconds())
		c.record(domain.SessionEvent{SessionID: id, Kind: domain.EventReady, Name: r.transfer.Name()})
		c.logger.Info("session ready",
			slog.String("sessionId", string(id)),
			slog.String("name", r.transfer.Name()),
			slog.Int("files", len(r.transfer.Files())),
			slog.Int("hotRanges", marked),
			slog.Duration("elapsed", r.elapsed),
		)

	case outcomeTimeout:
		released := c.registry.release(r.res)
		metrics.AdmissionsTotal.WithLabelValues("timed_out").Inc()
		c.record(domain.SessionEvent{SessionID: id, Kind: domain.EventTimedOut})
		c.logger.Warn("session add timed out",
			slog.String("sessionId", string(id)),
			slog.Duration("timeout", c.cfg.AddTimeout),
			slog.Bool("released", released),
		)
		if released && r.transfer != nil {
			c.wg.Add(1)
			go c.awaitLate(r.transfer)
		}

	case outcomeFailed, outcomeDropped:
		if !c.registry.release(r.res) {
			// Removed explicitly; the engine drop is not a failed add.
			return
		}
		metrics.AdmissionsTotal.WithLabelValues("failed").Inc()
		detail := "dropped by engine"
		if r.err != nil {
			detail = r.err.Error()
		}
		c.record(domain.SessionEvent{SessionID: id, Kind: domain.EventAddFailed, Detail: detail})
		c.logger.Warn("session add failed",
			slog.String("sessionId", string(id)),
			slog.String("error", detail),
		)
	}

	metrics.AdmittedSessions.Set(float64(c.registry.Len()))
	c.notify()
}

// awaitLate watches a transfer whose reservation was released on timeout.
// If metadata still arrives, the session is re-admitted when capacity
// allows; otherwise the engine-side transfer is dropped.
func (c *AdmissionController) awaitLate(t ports.Transfer) {
	defer c.wg.Done()
	timer := time.NewTimer(c.cfg.MetadataWait)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return
	case <-t.Failed():
		return
	case <-timer.C:
		if c.registry.Has(t.ID()) {
			return
		}
		c.dropEngineTransfer(c.ctx, t.ID())
		c.logger.Info("late session abandoned",
			slog.String("sessionId", string(t.ID())),
			slog.Duration("waited", c.cfg.MetadataWait),
		)
		return
	case <-t.Ready():
	}

	accepted, taken := c.registry.acceptLate(t, c.cfg.Capacity)
	if taken {
		return
	}
	if !accepted {
		c.Evict(c.ctx)
		accepted, taken = c.registry.acceptLate(t, c.cfg.Capacity)
		if taken {
			return
		}
	}

	if !accepted {
		c.dropEngineTransfer(c.ctx, t.ID())
		metrics.AdmissionsTotal.WithLabelValues("late_rejected").Inc()
		c.record(domain.SessionEvent{SessionID: t.ID(), Kind: domain.EventLateRejected, Name: t.Name()})
		c.logger.Warn("late session rejected, at capacity",
			slog.String("sessionId", string(t.ID())),
			slog.Int("capacity", c.cfg.Capacity),
		)
		return
	}

	prioritizeForStreaming(t)
	metrics.AdmissionsTotal.WithLabelValues("late_accepted").Inc()
	metrics.AdmittedSessions.Set(float64(c.registry.Len()))
	c.record(domain.SessionEvent{SessionID: t.ID(), Kind: domain.EventLateAccepted, Name: t.Name()})
	c.logger.Info("late session accepted",
		slog.String("sessionId", string(t.ID())),
		slog.String("name", t.Name()),
	)
	c.notify()
}

// Remove drops a session from the registry, the ledger and the engine.
// Removing an unknown id is not an error; found reports whether anything
// was removed.
func (c *AdmissionController) Remove(ctx context.Context, id domain.SessionID) (bool, error) {
	return c.remove(ctx, id, domain.EventRemoved)
}

func (c *AdmissionController) remove(ctx context.Context, id domain.SessionID, kind domain.EventKind) (bool, error) {
	admitted := c.registry.take(id)

	engineHad := true
	if err := c.engine.Remove(ctx, id); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("engine remove failed",
				slog.String("sessionId", string(id)),
				slog.String("error", err.Error()),
			)
			return admitted, wrapEngine(err)
		}
		engineHad = false
	}

	found := admitted || engineHad
	if found {
		metrics.AdmittedSessions.Set(float64(c.registry.Len()))
		c.record(domain.SessionEvent{SessionID: id, Kind: kind})
		c.logger.Info("session removed",
			slog.String("sessionId", string(id)),
			slog.String("reason", string(kind)),
		)
		c.notify()
	}
	return found, nil
}

func (c *AdmissionController) dropEngineTransfer(ctx context.Context, id domain.SessionID) {
	if err := c.engine.Remove(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("engine remove failed",
			slog.String("sessionId", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

// Evict applies the eviction policy to the current registry. Runs are
// serialized so concurrent callers never remove more than one plan's worth.
func (c *AdmissionController) Evict(ctx context.Context) EvictionReport {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	entries, live := c.registry.evictionSnapshot()
	plan := PlanEviction(EvictionInput{
		Entries:  entries,
		Live:     live,
		Capacity: c.cfg.Capacity,
		TTL:      c.cfg.TTL,
		Now:      c.now().UTC(),
	})

	var report EvictionReport
	for _, id := range plan.Pruned {
		if c.registry.prune(id) {
			report.Pruned++
		}
	}

	for _, id := range plan.Overflow {
		if _, err := c.remove(ctx, id, domain.EventEvictedOverflow); err == nil {
			metrics.EvictionsTotal.WithLabelValues("overflow").Inc()
			report.Overflow = append(report.Overflow, id)
		}
	}
	for _, id := range plan.Expired {
		if _, err := c.remove(ctx, id, domain.EventEvictedExpired); err == nil {
			metrics.EvictionsTotal.WithLabelValues("expired").Inc()
			report.Expired = append(report.Expired, id)
		}
	}

	report.Live = c.registry.Len()
	report.Tracked = c.registry.Ledger().Len()
	return report
}

// Shutdown stops background admission work and removes every session the
// registry or the engine knows about. It returns when all removals finish
// or ctx expires.
func (c *AdmissionController) Shutdown(ctx context.Context) error {
	c.cancel()

	ids := make(map[domain.SessionID]struct{})
	for _, id := range c.registry.IDs() {
		ids[id] = struct{}{}
	}
	for _, t := range c.engine.List() {
		ids[t.ID()] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(shutdownParallelism)
	for id := range ids {
		g.Go(func() error {
			if _, err := c.remove(gctx, id, domain.EventRemoved); err != nil {
				c.logger.Warn("shutdown remove failed",
					slog.String("sessionId", string(id)),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("all sessions removed", slog.Int("count", len(ids)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *AdmissionController) record(event domain.SessionEvent) {
	if event.At.IsZero() {
		event.At = c.now().UTC()
	}
	if err := c.journal.Record(c.ctx, event); err != nil {
		c.logger.Debug("journal record failed",
			slog.String("sessionId", string(event.SessionID)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *AdmissionController) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}
