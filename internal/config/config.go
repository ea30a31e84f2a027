// Package config loads process settings from the environment and pipeline
// definitions from the mapping file.
package config

import "time"

// Store kinds accepted in STORE.
const (
	StoreREST      = "rest"
	StorePostgres  = "postgres"
	StoreMongo     = "mongo"
	StoreSQLServer = "sqlserver"
	StoreSQLite    = "sqlite"
)

// Config holds all configuration for the importer, typically loaded from
// environment variables (populated from .env in main.go).
type Config struct {
	Store    string `env:"STORE" envDefault:"rest"`
	REST     RESTConfig
	Postgres PostgresConfig
	Mongo    MongoConfig
	SQL      SQLServerConfig
	SQLite   SQLiteConfig
	Import   ImportConfig
	Logging  LoggingConfig
}

type RESTConfig struct {
	URL        string        `env:"SUPABASE_URL"`
	ServiceKey string        `env:"SUPABASE_SERVICE_KEY"`
	Schema     string        `env:"SUPABASE_SCHEMA" envDefault:"public"`
	Timeout    time.Duration `env:"REST_TIMEOUT" envDefault:"30s"`
}

type PostgresConfig struct {
	// URL falls back to DB_URL when DATABASE_URL is unset.
	URL             string        `env:"DATABASE_URL"`
	Schema          string        `env:"DB_SCHEMA"`
	MaxConns        int           `env:"DB_MAX_CONNS" envDefault:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
}

type MongoConfig struct {
	ConnString string `env:"MONGO_CONNECTION_STRING"`
	Database   string `env:"MONGO_DATABASE" envDefault:"opendata"`
}

type SQLServerConfig struct {
	ConnString string `env:"SQL_CONNECTION_STRING"`
	Schema     string `env:"SQL_SCHEMA" envDefault:"dbo"`
}

type SQLiteConfig struct {
	Path string `env:"SQLITE_PATH" envDefault:"opendata.db"`
}

// ImportConfig holds the batching, retry and download defaults. Pipeline
// definitions and CLI flags may override batch size and retries.
type ImportConfig struct {
	MappingFile      string        `env:"MAPPING_FILE" envDefault:"configs/pipelines.json"`
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"500"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	BatchPause       time.Duration `env:"BATCH_PAUSE" envDefault:"300ms"`
	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT" envDefault:"120s"`
	FetchConcurrency int           `env:"FETCH_CONCURRENCY" envDefault:"4"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
	File   string `env:"LOG_FILE"`
}
