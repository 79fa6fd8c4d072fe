package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Well-known state keys.
const (
	KeyPrompts           = "prompts"
	KeyLastScheduleCheck = "lastScheduleCheck"
)

const schema = `
CREATE TABLE IF NOT EXISTS app_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Config holds store configuration settings
type Config struct {
	// Required settings
	DBPath string

	// Optional settings (will use defaults if not set)
	CacheSizeKB   int
	BusyTimeoutMS int
}

// NewConfig creates a new store configuration with default values
func NewConfig(dbPath string) *Config {
	return &Config{
		DBPath:        dbPath,
		CacheSizeKB:   -8000, // 8MB
		BusyTimeoutMS: 5000,
	}
}

// Store is the durable key-value blob store behind the prompt feed. It holds
// the serialized prompt collection and the last schedule-check timestamp.
type Store struct {
	db *sqlx.DB
}

// Open creates the store database if needed and returns a connection.
func Open(cfg *Config) (*Store, error) {
	dir := filepath.Dir(cfg.DBPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for store: %w", err)
		}
	}

	// WAL mode allows the feed to be read while a persist is in flight
	dsn := fmt.Sprintf("%s?_journal=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		cfg.DBPath, cfg.BusyTimeoutMS)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = %d;", cfg.CacheSizeKB),
		"PRAGMA temp_store = MEMORY;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("Failed to set PRAGMA")
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create app_state table: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store database: %w", err)
	}

	log.Debug().Str("path", cfg.DBPath).Msg("Store opened")
	return &Store{db: db}, nil
}

// Get returns the value for key. The second return is false when the key has
// never been written; absence is not an error.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM app_state WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read state key %q: %w", key, err)
	}
	return value, true, nil
}

// Set writes the value for key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write state key %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
