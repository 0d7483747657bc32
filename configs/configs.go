// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pbsg/kraken-ingest/internal/models"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// DBDSN is the Postgres/TimescaleDB connection string.
	DBDSN string

	// Kraken contains websocket feed settings.
	Kraken KrakenConfig

	// Ingester contains settings for batch writes to storage.
	Ingester IngesterConfig

	// Pipeline contains settings for the in-process queue and dedup filter.
	Pipeline PipelineConfig

	// Health contains settings for the health/metrics endpoint.
	Health HealthConfig
}

// KrakenConfig holds websocket feed settings.
type KrakenConfig struct {
	// WSURL is the Kraken WS v2 endpoint.
	WSURL string

	// Symbols is the set of trading pairs to subscribe (comma-separated in env).
	Symbols []string

	// Timeframes is the set of candle intervals to subscribe.
	Timeframes []models.Timeframe

	// Snapshot requests the historical snapshot on subscribe.
	Snapshot bool
}

// IngesterConfig holds settings for batch processing.
type IngesterConfig struct {
	// BatchSize is the maximum number of candles to accumulate before flushing.
	BatchSize int

	// BatchTimeout is the maximum time to wait before flushing a partial batch.
	BatchTimeout time.Duration

	// MaxFlushAttempts bounds storage retries before the failure is fatal.
	MaxFlushAttempts int
}

// PipelineConfig holds settings for the adapter-to-writer queue and dedup cache.
type PipelineConfig struct {
	// QueueCapacity bounds the in-memory queue between reader and writer.
	QueueCapacity int

	// QueuePolicy is the full-queue policy: "block" or "drop-oldest".
	QueuePolicy string

	// DedupWindow is the per-(symbol, timeframe) recency cache capacity.
	DedupWindow int
}

// HealthConfig holds health endpoint and degradation thresholds.
type HealthConfig struct {
	// Port is the HTTP port for /health and /metrics.
	Port int

	// StalenessTimeout marks the feed unhealthy when no message arrives within it.
	StalenessTimeout time.Duration

	// ErrorRateCeiling is the errors-per-minute threshold for unhealthy status.
	ErrorRateCeiling float64
}

// getDatabaseDSN constructs the Postgres DSN from environment variables.
func getDatabaseDSN() string {
	if dsn := getEnv("DATABASE_URL", ""); dsn != "" {
		return dsn
	}

	dbUser := getEnv("POSTGRES_USER", "")
	dbPassword := getEnv("POSTGRES_PASSWORD", "")
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbName := getEnv("POSTGRES_DB", "")

	if dbUser == "" || dbName == "" {
		return ""
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// getKrakenConfig loads websocket feed settings from environment.
func getKrakenConfig(env *envParser) (KrakenConfig, error) {
	symbols := splitCSV(getEnv("KRAKEN_SYMBOLS", "BTC/USD,ETH/USD"))

	var timeframes []models.Timeframe
	for _, raw := range splitCSV(getEnv("KRAKEN_TIMEFRAMES", "15m")) {
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			return KrakenConfig{}, fmt.Errorf("KRAKEN_TIMEFRAMES: %w", err)
		}
		timeframes = append(timeframes, tf)
	}

	return KrakenConfig{
		WSURL:      getEnv("KRAKEN_WS_URL", "wss://ws.kraken.com/v2"),
		Symbols:    symbols,
		Timeframes: timeframes,
		Snapshot:   env.Bool("KRAKEN_SNAPSHOT", true),
	}, nil
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup; a non-nil error is fatal.
func AppLoad() (*AppConfig, error) {
	_ = godotenv.Load() // Ignore error - .env is optional

	env := &envParser{}

	kraken, err := getKrakenConfig(env)
	if err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		DBDSN:  getDatabaseDSN(),
		Kraken: kraken,
		Ingester: IngesterConfig{
			BatchSize:        env.Int("BATCH_SIZE", 1000),
			BatchTimeout:     time.Duration(env.Int("BATCH_TIMEOUT_SECONDS", 5)) * time.Second,
			MaxFlushAttempts: env.Int("MAX_FLUSH_ATTEMPTS", 5),
		},
		Pipeline: PipelineConfig{
			QueueCapacity: env.Int("QUEUE_CAPACITY", 4096),
			QueuePolicy:   getEnv("QUEUE_POLICY", "block"),
			DedupWindow:   env.Int("DEDUP_WINDOW", 512),
		},
		Health: HealthConfig{
			Port:             env.Int("HEALTH_PORT", 8088),
			StalenessTimeout: time.Duration(env.Int("STALENESS_TIMEOUT_SECONDS", 120)) * time.Second,
			ErrorRateCeiling: env.Float("ERROR_RATE_CEILING", 10),
		},
	}

	// A malformed value is a configuration error and aborts startup;
	// silently running with a default would mask the operator's intent.
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process must not start with.
func (c *AppConfig) Validate() error {
	if c.DBDSN == "" {
		return fmt.Errorf("database not configured: set DATABASE_URL or POSTGRES_USER/POSTGRES_DB")
	}
	if len(c.Kraken.Symbols) == 0 {
		return fmt.Errorf("KRAKEN_SYMBOLS is empty")
	}
	if len(c.Kraken.Timeframes) == 0 {
		return fmt.Errorf("KRAKEN_TIMEFRAMES is empty")
	}
	if c.Ingester.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Ingester.BatchSize)
	}
	if c.Pipeline.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.Pipeline.QueueCapacity)
	}
	switch c.Pipeline.QueuePolicy {
	case "block", "drop-oldest":
	default:
		return fmt.Errorf("QUEUE_POLICY must be \"block\" or \"drop-oldest\", got %q", c.Pipeline.QueuePolicy)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// envParser parses typed environment variables and retains the first
// malformed value it encounters.
type envParser struct {
	err error
}

func (p *envParser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: malformed value %q: %w", key, value, err)
	}
}

// Int returns the environment variable as int or a default.
func (p *envParser) Int(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		p.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}

// Float returns the environment variable as float64 or a default.
func (p *envParser) Float(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		p.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}

// Bool returns the environment variable as bool or a default.
func (p *envParser) Bool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		p.fail(key, valueStr, err)
		return defaultValue
	}
	return value
}
