// Package config loads and validates daemon configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store kinds.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreNone     = "none"
)

// Config holds all daemon configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Event pipeline.
	DrainInterval   time.Duration
	SettleThreshold time.Duration
	ChunkInterval   time.Duration
	SampleRingSize  int
	JoinTimeout     time.Duration
	ResponseTimeout time.Duration // Platform sync point wait during replay.

	// Kernel input.
	InputDir     string
	InputDevices []string // Explicit device paths; empty means every eventN under InputDir.
	InputWatch   bool     // Pick up devices created after startup.

	// Recording storage.
	Store             string // "sqlite", "postgres" or "none"
	SQLitePath        string
	DatabaseURL       string
	NotifyURL         string // Direct Postgres URL for LISTEN/NOTIFY; defaults to DatabaseURL.
	WALDir            string // Empty disables the WAL.
	WALSyncMode       string
	EventBufferSize   int
	EventFlushTimeout time.Duration

	// Controller auth.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	ControllerAPIKey  string
	AuthDisabled      bool

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = appendErr(errs, err)
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = appendErr(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = appendErr(errs, err)
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = appendErr(errs, err)
		return v
	}

	cfg := Config{
		Port:                integer("TAPEDECK_PORT", 33001),
		ReadTimeout:         duration("TAPEDECK_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        duration("TAPEDECK_WRITE_TIMEOUT", 30*time.Second),
		DrainInterval:       duration("TAPEDECK_DRAIN_INTERVAL", time.Second),
		SettleThreshold:     duration("TAPEDECK_SETTLE_THRESHOLD", 100*time.Millisecond),
		ChunkInterval:       duration("TAPEDECK_CHUNK_INTERVAL", time.Second),
		SampleRingSize:      integer("TAPEDECK_SAMPLE_RING_SIZE", 5000),
		JoinTimeout:         duration("TAPEDECK_JOIN_TIMEOUT", 5*time.Second),
		ResponseTimeout:     duration("TAPEDECK_REPLAY_RESPONSE_TIMEOUT", 60*time.Second),
		InputDir:            str("TAPEDECK_INPUT_DIR", "/dev/input"),
		InputDevices:        envList("TAPEDECK_INPUT_DEVICES"),
		InputWatch:          boolean("TAPEDECK_INPUT_WATCH", true),
		Store:               str("TAPEDECK_STORE", StoreSQLite),
		SQLitePath:          str("TAPEDECK_SQLITE_PATH", "tapedeck.db"),
		DatabaseURL:         str("DATABASE_URL", ""),
		NotifyURL:           str("NOTIFY_URL", ""),
		WALDir:              str("TAPEDECK_WAL_DIR", ""),
		WALSyncMode:         str("TAPEDECK_WAL_SYNC_MODE", "batch"),
		EventBufferSize:     integer("TAPEDECK_EVENT_BUFFER_SIZE", 1000),
		EventFlushTimeout:   duration("TAPEDECK_EVENT_FLUSH_TIMEOUT", 100*time.Millisecond),
		JWTPrivateKeyPath:   str("TAPEDECK_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    str("TAPEDECK_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       duration("TAPEDECK_JWT_EXPIRATION", 24*time.Hour),
		ControllerAPIKey:    str("TAPEDECK_CONTROLLER_API_KEY", ""),
		AuthDisabled:        boolean("TAPEDECK_AUTH_DISABLED", false),
		RateLimitEnabled:    boolean("TAPEDECK_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        float("TAPEDECK_RATE_LIMIT_RPS", 50),
		RateLimitBurst:      integer("TAPEDECK_RATE_LIMIT_BURST", 100),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         str("OTEL_SERVICE_NAME", "tapedeck"),
		OTELInsecure:        boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:            str("TAPEDECK_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(integer("TAPEDECK_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("TAPEDECK_PORT", c.Port > 0 && c.Port < 65536)
	positive("TAPEDECK_DRAIN_INTERVAL", c.DrainInterval > 0)
	positive("TAPEDECK_SETTLE_THRESHOLD", c.SettleThreshold > 0)
	positive("TAPEDECK_CHUNK_INTERVAL", c.ChunkInterval > 0)
	positive("TAPEDECK_SAMPLE_RING_SIZE", c.SampleRingSize > 0)
	positive("TAPEDECK_JOIN_TIMEOUT", c.JoinTimeout > 0)
	positive("TAPEDECK_REPLAY_RESPONSE_TIMEOUT", c.ResponseTimeout > 0)
	positive("TAPEDECK_EVENT_BUFFER_SIZE", c.EventBufferSize > 0)
	positive("TAPEDECK_EVENT_FLUSH_TIMEOUT", c.EventFlushTimeout > 0)
	positive("TAPEDECK_MAX_REQUEST_BODY_BYTES", c.MaxRequestBodyBytes > 0)
	if c.RateLimitEnabled {
		positive("TAPEDECK_RATE_LIMIT_RPS", c.RateLimitRPS > 0)
		positive("TAPEDECK_RATE_LIMIT_BURST", c.RateLimitBurst > 0)
	}

	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("TAPEDECK_SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreNone:
	default:
		errs = append(errs, fmt.Errorf("TAPEDECK_STORE=%q must be sqlite, postgres or none", c.Store))
	}

	switch c.WALSyncMode {
	case "full", "batch", "none":
	default:
		errs = append(errs, fmt.Errorf("TAPEDECK_WAL_SYNC_MODE=%q must be full, batch or none", c.WALSyncMode))
	}

	if !c.AuthDisabled && c.ControllerAPIKey == "" {
		errs = append(errs, errors.New("TAPEDECK_CONTROLLER_API_KEY is required unless TAPEDECK_AUTH_DISABLED=true"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
