package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"torrentgate/internal/domain/ports"
	"torrentgate/internal/metrics"
)

const (
	DefaultUploadMaxBytes  int64 = 10 << 20
	defaultFetchTimeout          = 10 * time.Second
	defaultMaxRedirects          = 5
	defaultDescriptorTTL         = time.Hour
	defaultBrowserAgent          = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	descriptorAcceptHeader       = "application/x-bittorrent, application/octet-stream;q=0.9, */*;q=0.8"
)

var errTooManyRedirects = errors.New("too many redirects")

type upstreamStatusError struct {
	code int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded %d %s", e.code, http.StatusText(e.code))
}

type FetchConfig struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBytes     int64
	MaxRedirects int
	CacheTTL     time.Duration
	Retry        RetryConfig
}

// FetchDescriptor downloads .torrent files from remote origins. Concurrent
// requests for the same URL share one fetch.
type FetchDescriptor struct {
	client *http.Client
	cache  ports.DescriptorCache
	cfg    FetchConfig
	logger *slog.Logger
	group  singleflight.Group
}

func NewFetchDescriptor(cfg FetchConfig, cache ports.DescriptorCache, logger *slog.Logger) *FetchDescriptor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultBrowserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultUploadMaxBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultDescriptorTTL
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &FetchDescriptor{cache: cache, cfg: cfg, logger: logger}
	f.client = &http.Client{
		Timeout:       cfg.Timeout,
		Transport:     otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: f.checkRedirect,
	}
	return f
}

func (f *FetchDescriptor) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.cfg.MaxRedirects {
		return errTooManyRedirects
	}
	f.logger.Info("descriptor fetch redirected",
		slog.String("from", via[len(via)-1].URL.String()),
		slog.String("to", req.URL.String()),
		slog.Int("hop", len(via)),
	)
	return nil
}

// Execute returns the body of the descriptor at rawURL.
func (f *FetchDescriptor) Execute(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := validateDescriptorURL(rawURL)
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		body, ok, err := f.cache.Get(ctx, target)
		if err != nil {
			f.logger.Warn("descriptor cache read failed", slog.String("error", err.Error()))
		} else if ok {
			metrics.DescriptorFetchesTotal.WithLabelValues("cached").Inc()
			return body, nil
		}
	}

	v, err, shared := f.group.Do(target, func() (any, error) {
		return f.fetch(context.WithoutCancel(ctx), target)
	})
	if err != nil {
		metrics.DescriptorFetchesTotal.WithLabelValues("error").Inc()
		f.logger.Warn("descriptor fetch failed",
			slog.String("url", target),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	body := v.([]byte)
	metrics.DescriptorFetchesTotal.WithLabelValues("ok").Inc()

	if f.cache != nil && !shared {
		if err := f.cache.Set(ctx, target, body, f.cfg.CacheTTL); err != nil {
			f.logger.Warn("descriptor cache write failed", slog.String("error", err.Error()))
		}
	}
	return body, nil
}

// fetch retries quick failures but never runs past one fetch timeout in total.
func (f *FetchDescriptor) fetch(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var body []byte
	err := RetryWithBackoff(ctx, f.cfg.Retry, func() error {
		b, err := f.fetchOnce(ctx, target)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err == nil {
		return body, nil
	}
	var statusErr *upstreamStatusError
	switch {
	case errors.Is(err, errTooManyRedirects):
		return nil, invalidInput("descriptor URL redirected more than %d times", f.cfg.MaxRedirects)
	case errors.Is(err, ErrInvalidInput):
		return nil, err
	case errors.As(err, &statusErr):
		return nil, fmt.Errorf("%w: %v", ErrUpstream, statusErr)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}

func (f *FetchDescriptor) fetchOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, invalidInput("bad descriptor URL: %v", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", descriptorAcceptHeader)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &upstreamStatusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, invalidInput("descriptor exceeds %d bytes", f.cfg.MaxBytes)
	}
	if len(body) == 0 {
		return nil, invalidInput("descriptor is empty")
	}
	return body, nil
}

func validateDescriptorURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidInput("descriptor URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", invalidInput("bad descriptor URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", invalidInput("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", invalidInput("descriptor URL has no host")
	}
	return u.String(), nil
}
