package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// LookupFunc returns the value of a variable and whether it is set.
type LookupFunc func(key string) (string, bool)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with an explicit variable source.
func LoadFrom(lookup LookupFunc) (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), lookup); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// MapLookup serves variables from a map. Empty values count as unset.
func MapLookup(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok && v != ""
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// loadStruct recursively populates struct fields from the env, envAlt,
// default and required tags.
func loadStruct(v reflect.Value, lookup LookupFunc) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)
		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal, lookup); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value, ok := lookup(envName)
		if !ok || value == "" {
			if alt := field.Tag.Get("envAlt"); alt != "" {
				value, ok = lookup(alt)
			}
		}
		if !ok || value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		var items []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		field.Set(reflect.ValueOf(items))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	// Database
	if c.Database.URL == "" {
		fail("DATABASE_URL is required")
	}
	if c.Database.MaxConns <= 0 {
		fail("DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		fail("DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		fail("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("SERVER_PORT (%d) must be 1-65535", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		fail("SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		fail("SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.RateLimit < 0 {
		fail("RATE_LIMIT_REQUESTS_PER_MINUTE must be non-negative")
	}

	// Document store
	if len(c.Elastic.Addresses) == 0 {
		fail("ELASTIC_ADDRESSES must list at least one node")
	}
	if c.Elastic.ScanBatchSize <= 0 {
		fail("ELASTIC_SCAN_BATCH_SIZE must be positive")
	}
	if c.Elastic.ScanLease <= 0 {
		fail("ELASTIC_SCAN_LEASE must be positive")
	}

	// Redis
	if c.Redis.Enabled() && c.Redis.TTL <= 0 {
		fail("REDIS_TAXPAYER_TTL must be positive when REDIS_ADDR is set")
	}

	// Storage
	switch strings.ToLower(c.Storage.Backend) {
	case "local":
		if c.Storage.LocalDir == "" {
			fail("STORAGE_LOCAL_DIR is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			fail("STORAGE_GCS_BUCKET is required for the gcs backend")
		}
	default:
		fail("STORAGE_BACKEND (%q) must be one of: local, gcs", c.Storage.Backend)
	}

	// Upload
	if c.Upload.MaxFileSize <= 0 {
		fail("UPLOAD_MAX_FILE_SIZE must be positive")
	}
	if c.Upload.MaxConcurrent <= 0 {
		fail("UPLOAD_MAX_CONCURRENT must be positive")
	}
	if c.Upload.BatchSize <= 0 {
		fail("UPLOAD_BATCH_SIZE must be positive")
	}
	if c.Upload.MaxHeaderSearchRows <= 0 {
		fail("UPLOAD_MAX_HEADER_SEARCH_ROWS must be positive")
	}
	if c.Upload.MaxWaitTime <= 0 {
		fail("UPLOAD_MAX_WAIT_TIME must be positive")
	}
	if c.Upload.Timeout <= 0 {
		fail("UPLOAD_TIMEOUT must be positive")
	}

	// ETL
	if c.ETL.Workers <= 0 {
		fail("ETL_WORKERS must be positive")
	}
	if c.ETL.Timeout <= 0 {
		fail("ETL_TIMEOUT must be positive")
	}
	if c.ETL.Enabled && c.ETL.Interval <= 0 {
		fail("ETL_INTERVAL must be positive when ETL_ENABLED is true")
	}
	if c.ETL.Limit < 0 {
		fail("ETL_LIMIT must be non-negative")
	}

	// Parser
	for _, tag := range c.Parser.Languages {
		if _, err := language.Parse(tag); err != nil {
			fail("PARSER_LANGUAGES contains invalid tag %q", tag)
		}
	}
	if c.Parser.TwoDigitYearPivot < 0 || c.Parser.TwoDigitYearPivot > 99 {
		fail("PARSER_TWO_DIGIT_YEAR_PIVOT (%d) must be 0-99", c.Parser.TwoDigitYearPivot)
	}
	if _, err := time.LoadLocation(c.Parser.TimeZone); err != nil {
		fail("PARSER_TIME_ZONE (%q) is not a known time zone", c.Parser.TimeZone)
	}

	// Templates
	if c.Templates.Path == "" {
		fail("TEMPLATES_PATH is required")
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		fail("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		fail("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Location returns the parser time zone, UTC when it does not load.
func (c *ParserConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// String returns a safe string representation of the config for logging.
// Credentials are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d, RateLimit: %d}, ", c.Server.Host, c.Server.Port, c.Server.RateLimit)
	fmt.Fprintf(&b, "Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ", c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Elastic: {Addresses: %v, Credentials: %s}, ", c.Elastic.Addresses, masked(c.Elastic.Password+c.Elastic.APIKey))
	fmt.Fprintf(&b, "Redis: {Enabled: %v}, ", c.Redis.Enabled())
	fmt.Fprintf(&b, "Storage: {Backend: %q}, ", c.Storage.Backend)
	fmt.Fprintf(&b, "Upload: {MaxFileSize: %d, MaxConcurrent: %d, BatchSize: %d}, ",
		c.Upload.MaxFileSize, c.Upload.MaxConcurrent, c.Upload.BatchSize)
	fmt.Fprintf(&b, "ETL: {Enabled: %v, Workers: %d, Interval: %s}, ", c.ETL.Enabled, c.ETL.Workers, c.ETL.Interval)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func masked(secret string) string {
	if secret == "" {
		return "none"
	}
	return "[MASKED]"
}
