// Package config loads the server configuration from environment variables
// with defaults and validates it on startup so misconfiguration fails fast.
package config

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all server configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Pipeline  PipelineConfig
	Storage   StorageConfig
	Cache     CacheConfig
	Incidence IncidenceConfig
	Catalog   CatalogConfig
	Security  SecurityConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout covers the upload body, so it is generous.
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// RateLimit is requests per minute per client IP; 0 disables it
	RateLimit int `env:"SERVER_RATE_LIMIT" default:"100"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL accepts DATABASE_URL or DB_URL.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate applies the embedded schema on startup.
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// PipelineConfig holds the dispatcher and stage settings.
type PipelineConfig struct {
	// Workers is the number of stage workers (default: 4)
	Workers int `env:"PIPELINE_WORKERS" default:"4"`

	// MaxActive bounds the chains alive at once (default: 5)
	MaxActive int `env:"PIPELINE_MAX_ACTIVE" default:"5"`

	// MaxWait is how long an upload waits for a chain slot (default: 30s)
	MaxWait time.Duration `env:"PIPELINE_MAX_WAIT" default:"30s"`

	// StageTimeout bounds a single stage; a stage that exceeds it fails
	// the upload (default: 5m)
	StageTimeout time.Duration `env:"PIPELINE_STAGE_TIMEOUT" default:"5m"`

	// MaxFileSize is the largest accepted workbook in bytes (default: 50MB)
	MaxFileSize int64 `env:"PIPELINE_MAX_FILE_SIZE" default:"52428800"`

	// MaxRowErrors caps the row errors persisted per upload (default: 500)
	MaxRowErrors int `env:"PIPELINE_MAX_ROW_ERRORS" default:"500"`

	// MaxHeaderSearchRows is how far down a sheet the header is searched
	MaxHeaderSearchRows int `env:"PIPELINE_HEADER_SEARCH_ROWS" default:"20"`

	// StaleAfter is how long an idle active upload survives the sweeper
	StaleAfter    time.Duration `env:"PIPELINE_STALE_AFTER" default:"30m"`
	SweepInterval time.Duration `env:"PIPELINE_SWEEP_INTERVAL" default:"5m"`
}

// StorageConfig holds uploaded file storage settings.
type StorageConfig struct {
	UploadsDir string `env:"UPLOADS_DIR" default:"./data/uploads"`
}

// CacheConfig selects the snapshot cache handle.
type CacheConfig struct {
	// Driver is memory or sqlite (default: memory)
	Driver string `env:"SNAPSHOT_CACHE_DRIVER" default:"memory"`
	Path   string `env:"SNAPSHOT_CACHE_PATH" default:"./data/snapshots.db"`
}

// IncidenceConfig holds detection settings.
type IncidenceConfig struct {
	// Tolerance is the largest balance discrepancy treated as balanced.
	Tolerance decimal.Decimal `env:"BALANCE_TOLERANCE" default:"0.01"`

	// SampleRows is how many source rows an incidence lists (default: 20)
	SampleRows int `env:"INCIDENCE_SAMPLE_ROWS" default:"20"`
}

// CatalogConfig points at an optional YAML seed applied on startup.
type CatalogConfig struct {
	SeedFile string `env:"CATALOG_SEED_FILE"`
}

// SecurityConfig holds request authentication settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// forwarding headers are trusted
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	RequireAPIKey bool     `env:"REQUIRE_API_KEY" default:"false"`
	APIKeys       []string `env:"API_KEYS"`
}

// CORSConfig holds cross-origin settings for dashboard consumers.
type CORSConfig struct {
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" default:"*"`
	MaxAge         time.Duration `env:"CORS_MAX_AGE" default:"5m"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
