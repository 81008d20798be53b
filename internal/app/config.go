package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr       string `yaml:"http_addr"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	TorrentDataDir string `yaml:"data_dir"`

	MaxSessions    int           `yaml:"max_sessions"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	AddTimeout     time.Duration `yaml:"add_timeout"`
	MetadataWait   time.Duration `yaml:"metadata_wait"`
	ReaperInterval time.Duration `yaml:"reaper_interval"`

	StreamMaxChunkBytes int64 `yaml:"stream_max_chunk_bytes"`
	UploadMaxBytes      int64 `yaml:"upload_max_bytes"`

	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	FetchUserAgent string        `yaml:"fetch_user_agent"`

	ExportMaxConcurrent    int64 `yaml:"export_max_concurrent"`
	ExportCompressionLevel int   `yaml:"export_compression_level"`

	PublicBaseURL      string   `yaml:"public_base_url"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RateLimitRPS       float64  `yaml:"rate_limit_rps"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`

	MongoURI              string        `yaml:"mongo_uri"`
	MongoDatabase         string        `yaml:"mongo_db"`
	MongoEventsCollection string        `yaml:"mongo_events_collection"`
	JournalRetention      time.Duration `yaml:"journal_retention"`

	RedisURL           string        `yaml:"redis_url"`
	DescriptorCacheTTL time.Duration `yaml:"descriptor_cache_ttl"`

	ShutdownHardDeadline time.Duration `yaml:"shutdown_hard_deadline"`

	OTelEndpoint   string  `yaml:"otel_endpoint"`
	OTelSampleRate float64 `yaml:"otel_sample_rate"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:               ":8080",
		LogLevel:               "info",
		LogFormat:              "text",
		TorrentDataDir:         "data",
		MaxSessions:            20,
		SessionTTL:             3 * time.Hour,
		AddTimeout:             60 * time.Second,
		MetadataWait:           10 * time.Minute,
		ReaperInterval:         15 * time.Minute,
		StreamMaxChunkBytes:    2 << 20,
		UploadMaxBytes:         10 << 20,
		FetchTimeout:           10 * time.Second,
		ExportMaxConcurrent:    2,
		ExportCompressionLevel: 6,
		RateLimitRPS:           100,
		RateLimitBurst:         200,
		MongoDatabase:          "torrentgate",
		MongoEventsCollection:  "session_events",
		JournalRetention:       7 * 24 * time.Hour,
		DescriptorCacheTTL:     time.Hour,
		ShutdownHardDeadline:   15 * time.Second,
		OTelSampleRate:         0.1,
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by CONFIG_FILE, and then environment variables.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", cfg.LogFormat))
	cfg.TorrentDataDir = getEnv("TORRENT_DATA_DIR", cfg.TorrentDataDir)

	cfg.MaxSessions = int(getEnvInt64("TORRENT_MAX_SESSIONS", int64(cfg.MaxSessions)))
	cfg.SessionTTL = getEnvDuration("TORRENT_TTL", cfg.SessionTTL)
	cfg.AddTimeout = getEnvDuration("TORRENT_ADD_TIMEOUT", cfg.AddTimeout)
	cfg.MetadataWait = getEnvDuration("TORRENT_METADATA_WAIT", cfg.MetadataWait)
	cfg.ReaperInterval = getEnvDuration("REAPER_INTERVAL", cfg.ReaperInterval)

	cfg.StreamMaxChunkBytes = getEnvInt64("STREAM_MAX_CHUNK_BYTES", cfg.StreamMaxChunkBytes)
	cfg.UploadMaxBytes = getEnvInt64("UPLOAD_MAX_BYTES", cfg.UploadMaxBytes)

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.FetchUserAgent = getEnv("FETCH_USER_AGENT", cfg.FetchUserAgent)

	cfg.ExportMaxConcurrent = getEnvInt64("EXPORT_MAX_CONCURRENT", cfg.ExportMaxConcurrent)
	cfg.ExportCompressionLevel = int(getEnvInt64("EXPORT_COMPRESSION_LEVEL", int64(cfg.ExportCompressionLevel)))

	cfg.PublicBaseURL = getEnv("PUBLIC_BASE_URL", cfg.PublicBaseURL)
	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		cfg.CORSAllowedOrigins = parseCSV(raw)
	}
	cfg.RateLimitRPS = getEnvFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = int(getEnvInt64("RATE_LIMIT_BURST", int64(cfg.RateLimitBurst)))

	cfg.MongoURI = getEnv("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = getEnv("MONGO_DB", cfg.MongoDatabase)
	cfg.MongoEventsCollection = getEnv("MONGO_EVENTS_COLLECTION", cfg.MongoEventsCollection)
	cfg.JournalRetention = getEnvDuration("JOURNAL_RETENTION", cfg.JournalRetention)

	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.DescriptorCacheTTL = getEnvDuration("DESCRIPTOR_CACHE_TTL", cfg.DescriptorCacheTTL)

	cfg.ShutdownHardDeadline = getEnvDuration("SHUTDOWN_HARD_DEADLINE", cfg.ShutdownHardDeadline)

	cfg.OTelEndpoint = strings.TrimSpace(getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTelEndpoint))
	cfg.OTelSampleRate = getEnvFloat("OTEL_TRACE_SAMPLE_RATE", cfg.OTelSampleRate)
	if cfg.OTelSampleRate < 0 || cfg.OTelSampleRate > 1 {
		cfg.OTelSampleRate = 0.1
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s", "3h") or a bare number of
// seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
