// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Elastic   ElasticConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Upload    UploadConfig
	ETL       ETLConfig
	Parser    ParserConfig
	Templates TemplatesConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 0, uploads run synchronously)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 10m)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"10m"`

	// RateLimit is requests per minute per IP; 0 disables (default: 100)
	RateLimit int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate applies the embedded schema on startup (default: true)
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// ElasticConfig holds the document store settings used for validated and
// published rows.
type ElasticConfig struct {
	// Addresses is a comma-separated list of node URLs (default: http://localhost:9200)
	Addresses []string `env:"ELASTIC_ADDRESSES" default:"http://localhost:9200"`

	// Username and Password enable basic auth when set
	Username string `env:"ELASTIC_USERNAME"`
	Password string `env:"ELASTIC_PASSWORD"`

	// APIKey takes precedence over basic auth
	APIKey string `env:"ELASTIC_API_KEY"`

	// ScanBatchSize is documents fetched per scan round trip (default: 1000)
	ScanBatchSize int `env:"ELASTIC_SCAN_BATCH_SIZE" default:"1000"`

	// ScanLease is how long a scan cursor stays open between fetches (default: 1m)
	ScanLease time.Duration `env:"ELASTIC_SCAN_LEASE" default:"1m"`

	// CloseTimeout bounds releasing a cursor after the scan ends (default: 5s)
	CloseTimeout time.Duration `env:"ELASTIC_CLOSE_TIMEOUT" default:"5s"`

	// BulkWorkers is the number of bulk indexer workers (default: 2)
	BulkWorkers int `env:"ELASTIC_BULK_WORKERS" default:"2"`
}

// RedisConfig holds the optional taxpayer cache settings. An empty Addr
// disables the cache.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" default:"0"`
	TTL      time.Duration `env:"REDIS_TAXPAYER_TTL" default:"10m"`
}

// Enabled reports whether a Redis address is configured.
func (c *RedisConfig) Enabled() bool { return c.Addr != "" }

// StorageConfig holds where original uploaded files are kept.
type StorageConfig struct {
	// Backend is "local" or "gcs" (default: local)
	Backend string `env:"STORAGE_BACKEND" default:"local"`

	// LocalDir is the root for the local backend (default: ./data/uploads)
	LocalDir string `env:"STORAGE_LOCAL_DIR" default:"./data/uploads"`

	// Bucket and Prefix locate objects for the gcs backend
	Bucket string `env:"STORAGE_GCS_BUCKET"`
	Prefix string `env:"STORAGE_GCS_PREFIX"`

	// CredentialsFile is a service account key; empty uses application default credentials
	CredentialsFile string `env:"STORAGE_GCS_CREDENTIALS_FILE"`
}

// UploadConfig holds intake settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// MaxConcurrent is the maximum number of parallel uploads (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an upload slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// BatchSize is the number of validated rows written per call (default: 500)
	BatchSize int `env:"UPLOAD_BATCH_SIZE" default:"500"`

	// MaxHeaderSearchRows is how many leading rows may precede the header (default: 20)
	MaxHeaderSearchRows int `env:"UPLOAD_MAX_HEADER_SEARCH_ROWS" default:"20"`

	// Timeout is the maximum duration for a single upload operation (default: 10m)
	Timeout time.Duration `env:"UPLOAD_TIMEOUT" default:"10m"`
}

// ETLConfig holds the publication stage settings.
type ETLConfig struct {
	// Enabled starts the periodic scheduler (default: true)
	Enabled bool `env:"ETL_ENABLED" default:"true"`

	// Workers is documents processed in parallel (default: 4)
	Workers int `env:"ETL_WORKERS" default:"4"`

	// Timeout bounds the processing of one document (default: 5m)
	Timeout time.Duration `env:"ETL_TIMEOUT" default:"5m"`

	// Interval is the scheduler period (default: 1m)
	Interval time.Duration `env:"ETL_INTERVAL" default:"1m"`

	// BatchSize is rows per publish call (default: 500)
	BatchSize int `env:"ETL_BATCH_SIZE" default:"500"`

	// Limit caps documents picked per run; 0 means all (default: 0)
	Limit int `env:"ETL_LIMIT" default:"0"`
}

// ParserConfig holds the value inference settings.
type ParserConfig struct {
	// Languages for textual month names, comma-separated BCP 47 tags (default: en,pt)
	Languages []string `env:"PARSER_LANGUAGES" default:"en,pt"`

	// TwoDigitYearPivot: two-digit years more than this far in the future
	// belong to the previous century (default: 20)
	TwoDigitYearPivot int `env:"PARSER_TWO_DIGIT_YEAR_PIVOT" default:"20"`

	// TimeZone dates are interpreted in (default: UTC)
	TimeZone string `env:"PARSER_TIME_ZONE" default:"UTC"`
}

// TemplatesConfig locates the template catalogue.
type TemplatesConfig struct {
	// Path is the YAML catalogue (default: configs/templates.yaml)
	Path string `env:"TEMPLATES_PATH" default:"configs/templates.yaml"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// APIKeys is a comma-separated list of accepted X-API-Key values; empty disables auth
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
