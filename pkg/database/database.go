package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// DB wraps a database connection with driver information
type DB struct {
	*sql.DB
	driver string
	logger *zap.Logger
}

// NewDB creates a new database connection.
// A non-empty dsn selects PostgreSQL, otherwise SQLite at dbPath.
func NewDB(dsn, dbPath string, logger *zap.Logger) (*DB, error) {
	var db *sql.DB
	var driver string
	var err error

	if dsn != "" {
		// PostgreSQL
		db, err = sql.Open("postgres", dsn)
		driver = "postgres"
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
		}
		logger.Info("connected to PostgreSQL database")
	} else {
		// SQLite (default for development/testing)
		if dbPath == "" {
			dbPath = "./cmbcluster.db"
		}
		// modernc.org/sqlite uses "sqlite" as driver name and different pragma syntax
		db, err = sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
		driver = "sqlite"
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		logger.Info("connected to SQLite database", zap.String("path", dbPath))
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &DB{
		DB:     db,
		driver: driver,
		logger: logger,
	}

	// Run migrations
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	db.logger.Info("running database migrations")

	// Create schema_version table if it doesn't exist
	createVersionTable := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	// Get current version
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	db.logger.Info("current schema version", zap.Int("version", currentVersion))

	// Run migrations
	migrations := getMigrations()
	for version := 1; version <= len(migrations); version++ {
		if version <= currentVersion {
			continue
		}

		db.logger.Info("applying migration", zap.Int("version", version))

		// Execute migration
		if _, err := db.Exec(migrations[version]); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}

		// Record version
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES ($1)", version); err != nil {
			return fmt.Errorf("failed to record migration version %d: %w", version, err)
		}

		db.logger.Info("migration applied successfully", zap.Int("version", version))
	}

	db.logger.Info("database migrations completed")
	return nil
}

// getMigrations returns a map of version -> SQL migration
func getMigrations() map[int]string {
	return map[int]string{
		1: initialSchema,
	}
}

// initialSchema is the initial database schema
const initialSchema = `
-- Users table
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email VARCHAR(255) UNIQUE NOT NULL,
    display_name TEXT,
    provider VARCHAR(50) NOT NULL,
    subject VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    tier VARCHAR(50) NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_login TIMESTAMP,
    UNIQUE(provider, subject)
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_subject ON users(provider, subject);

-- Environments table
CREATE TABLE IF NOT EXISTS environments (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    status VARCHAR(50) NOT NULL,
    image TEXT NOT NULL,
    pod_name TEXT NOT NULL,
    namespace TEXT NOT NULL,
    bucket_name TEXT,
    mount_path TEXT,
    provider VARCHAR(50) NOT NULL,
    resources_cpu TEXT NOT NULL,
    resources_memory TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMP,
    stopped_at TIMESTAMP,
    last_heartbeat_at TIMESTAMP,
    keep_storage BOOLEAN NOT NULL DEFAULT FALSE,
    uptime_warned BOOLEAN NOT NULL DEFAULT FALSE,
    failure_detail TEXT,
    env_vars TEXT,
    labels TEXT,
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_environments_user_id ON environments(user_id);
CREATE INDEX IF NOT EXISTS idx_environments_status ON environments(status);

-- Buckets table
CREATE TABLE IF NOT EXISTS buckets (
    name TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    environment_id TEXT,
    provider VARCHAR(50) NOT NULL,
    region VARCHAR(50),
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_buckets_user_id ON buckets(user_id);
CREATE INDEX IF NOT EXISTS idx_buckets_env_id ON buckets(environment_id);

-- Environment Events table
CREATE TABLE IF NOT EXISTS environment_events (
    id TEXT PRIMARY KEY,
    environment_id TEXT NOT NULL,
    event_type VARCHAR(50) NOT NULL,
    message TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_env_events_env_id ON environment_events(environment_id);
CREATE INDEX IF NOT EXISTS idx_env_events_created_at ON environment_events(created_at);
`
