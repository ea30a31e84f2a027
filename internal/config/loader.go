package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/BartekS5/opendata-import/pkg/models"
	"github.com/caarlos0/env/v11"
)

// Load reads the environment and applies defaults without validating, so
// callers can apply flag overrides first.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if cfg.Postgres.URL == "" {
		cfg.Postgres.URL = strings.TrimSpace(os.Getenv("DB_URL"))
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	return validationError(append(c.storeProblems(), c.settingsProblems()...))
}

// ValidateSettings checks everything except the store credentials; dry runs
// never open a store.
func (c *Config) ValidateSettings() error {
	return validationError(c.settingsProblems())
}

func validationError(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) storeProblems() []string {
	var errs []string

	switch c.Store {
	case StoreREST:
		if c.REST.URL == "" || c.REST.ServiceKey == "" {
			errs = append(errs, "SUPABASE_URL and SUPABASE_SERVICE_KEY are required for STORE=rest")
		}
		if c.REST.Timeout <= 0 {
			errs = append(errs, "REST_TIMEOUT must be positive")
		}
	case StorePostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, "DATABASE_URL is required for STORE=postgres")
		}
		if c.Postgres.MaxConns <= 0 || c.Postgres.MaxConns > math.MaxInt32 {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS must be between 1 and %d", math.MaxInt32))
		}
	case StoreMongo:
		if c.Mongo.ConnString == "" {
			errs = append(errs, "MONGO_CONNECTION_STRING is required for STORE=mongo")
		}
		if c.Mongo.Database == "" {
			errs = append(errs, "MONGO_DATABASE must not be empty")
		}
	case StoreSQLServer:
		if c.SQL.ConnString == "" {
			errs = append(errs, "SQL_CONNECTION_STRING is required for STORE=sqlserver")
		}
	case StoreSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, "SQLITE_PATH must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE (%q) must be one of: rest, postgres, mongo, sqlserver, sqlite", c.Store))
	}

	return errs
}

func (c *Config) settingsProblems() []string {
	var errs []string

	if c.Import.BatchSize <= 0 {
		errs = append(errs, "BATCH_SIZE must be positive")
	}
	if c.Import.MaxRetries < 0 {
		errs = append(errs, "MAX_RETRIES must be non-negative")
	}
	if c.Import.RetryBaseDelay < 0 {
		errs = append(errs, "RETRY_BASE_DELAY must be non-negative")
	}
	if c.Import.RetryMaxDelay < c.Import.RetryBaseDelay {
		errs = append(errs, fmt.Sprintf("RETRY_MAX_DELAY (%s) must be >= RETRY_BASE_DELAY (%s)",
			c.Import.RetryMaxDelay, c.Import.RetryBaseDelay))
	}
	if c.Import.BatchPause < 0 {
		errs = append(errs, "BATCH_PAUSE must be non-negative")
	}
	if c.Import.FetchTimeout <= 0 {
		errs = append(errs, "FETCH_TIMEOUT must be positive")
	}
	if c.Import.FetchConcurrency <= 0 {
		errs = append(errs, "FETCH_CONCURRENCY must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	return errs
}

// String is safe to log: credentials and connection strings are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Store: %q, ", c.Store)
	fmt.Fprintf(&b, "REST: {URL: %q, ServiceKey: %s, Schema: %q}, ", c.REST.URL, mask(c.REST.ServiceKey), c.REST.Schema)
	fmt.Fprintf(&b, "Postgres: {URL: %s}, ", mask(c.Postgres.URL))
	fmt.Fprintf(&b, "Mongo: {ConnString: %s, Database: %q}, ", mask(c.Mongo.ConnString), c.Mongo.Database)
	fmt.Fprintf(&b, "SQLServer: {ConnString: %s}, ", mask(c.SQL.ConnString))
	fmt.Fprintf(&b, "SQLite: {Path: %q}, ", c.SQLite.Path)
	fmt.Fprintf(&b, "Import: {BatchSize: %d, MaxRetries: %d, RetryBaseDelay: %s, RetryMaxDelay: %s, BatchPause: %s}, ",
		c.Import.BatchSize, c.Import.MaxRetries, c.Import.RetryBaseDelay, c.Import.RetryMaxDelay, c.Import.BatchPause)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return "[UNSET]"
	}
	return "[MASKED]"
}

// DestinationREST resolves a pipeline destination's credentials from the
// environment variables it names. Schema and timeout default to base. ok is
// false when either the URL or the key is unset.
func DestinationREST(base RESTConfig, d models.Destination) (RESTConfig, bool) {
	rc := RESTConfig{
		URL:        strings.TrimSpace(os.Getenv(d.URLEnv)),
		ServiceKey: strings.TrimSpace(os.Getenv(d.KeyEnv)),
		Schema:     base.Schema,
		Timeout:    base.Timeout,
	}
	if d.Schema != "" {
		rc.Schema = d.Schema
	}
	return rc, rc.URL != "" && rc.ServiceKey != ""
}
