package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB is the Postgres result store
type DB struct {
	client *sql.DB
	config *Config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
	StoreBodies  bool          // Keep raw page bodies alongside fetch metadata
}

// GetConfig returns the DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

func (c *Config) applyDefaults() {
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 20 * time.Minute
	}
}

// New opens a connection, verifies it and makes sure the schema exists
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}
	config.applyDefaults()

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	log.Info().
		Int("max_open_conns", config.MaxOpenConns).
		Bool("store_bodies", config.StoreBodies).
		Msg("Connected to PostgreSQL")

	return &DB{client: client, config: config}, nil
}

// InitFromURL connects using a DATABASE_URL, tagging the connection with
// an application name and a statement timeout.
func InitFromURL(databaseURL string, appEnv string, storeBodies bool) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	dsn := tuneDSN(databaseURL, "listing-harvester-"+appEnv, defaultStatementTimeout)
	return New(&Config{DatabaseURL: dsn, StoreBodies: storeBodies})
}

// setupSchema creates the result tables
func setupSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS harvest_cycles (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL,
			stage INTEGER NOT NULL DEFAULT 1,
			total INTEGER NOT NULL DEFAULT 0,
			attempted INTEGER NOT NULL DEFAULT 0,
			succeeded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create harvest_cycles table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fetched_pages (
			url TEXT PRIMARY KEY,
			cycle_id UUID NOT NULL,
			status_code INTEGER NOT NULL,
			content_type TEXT,
			body_size INTEGER NOT NULL DEFAULT 0,
			body BYTEA,
			proxy_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 1,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			fetched_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create fetched_pages table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fetch_failures (
			id BIGSERIAL PRIMARY KEY,
			cycle_id UUID NOT NULL,
			url TEXT NOT NULL,
			failure_kind TEXT NOT NULL,
			error_message TEXT,
			status_code INTEGER,
			attempts INTEGER NOT NULL DEFAULT 0,
			tried_proxies TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create fetch_failures table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_fetch_failures_cycle ON fetch_failures(cycle_id)`)
	if err != nil {
		return fmt.Errorf("failed to create fetch_failures index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}
