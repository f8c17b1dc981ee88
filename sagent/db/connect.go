// Package db opens libsql connections and keeps the schema migrated.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// Options configures a libsql connection.
type Options struct {
	DSN            string // "file:/path/to.db" for embedded, libsql:// or https:// for remote
	AuthToken      string
	MaxOpenConns   int
	MaxIdleConns   int
	ConnMaxIdleSec int
	ConnMaxLifeSec int
}

// Open connects, applies PRAGMAs to embedded databases and runs migrations.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*sql.DB, error) {
	dsn := opts.DSN
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	embedded := strings.HasPrefix(dsn, "file:")
	if embedded {
		path := strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:")
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Info().Str("path", path).Msg("Database not found, creating a new one")
		}
	} else if opts.AuthToken != "" {
		dsn = withAuthToken(dsn, opts.AuthToken)
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	configureConnectionPooling(db, opts, logger)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping libsql: %w", err)
	}

	if embedded {
		if err := configurePragmaSettings(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Bool("embedded", embedded).Msg("Connected to libsql")
	return db, nil
}

func withAuthToken(dsn, token string) string {
	if u, err := url.Parse(dsn); err == nil {
		q := u.Query()
		q.Set("authToken", token)
		u.RawQuery = q.Encode()
		return u.String()
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&authToken=" + url.QueryEscape(token)
	}
	return dsn + "?authToken=" + url.QueryEscape(token)
}

// configurePragmaSettings applies PRAGMA settings to an embedded database
func configurePragmaSettings(ctx context.Context, db *sql.DB) error {
	pragmaSettings := []struct {
		name  string
		value string
	}{
		{"busy_timeout", "5000"}, // must precede journal_mode, which takes a write lock
		{"journal_mode", "WAL"},
		{"synchronous", "NORMAL"},
		{"foreign_keys", "ON"},
	}

	for _, setting := range pragmaSettings {
		// Some PRAGMA statements return values, so we need to handle them differently
		query := fmt.Sprintf("PRAGMA %s = %s", setting.name, setting.value)
		if _, err := db.ExecContext(ctx, query); err != nil {
			if !strings.Contains(err.Error(), "returned rows") {
				return fmt.Errorf("failed to set %s: %w", setting.name, err)
			}
			rows, err := db.QueryContext(ctx, query)
			if err != nil {
				return fmt.Errorf("failed to set %s: %w", setting.name, err)
			}
			rows.Close()
		}
	}

	return nil
}

// configureConnectionPooling sets connection pooling parameters
func configureConnectionPooling(db *sql.DB, opts Options, logger zerolog.Logger) {
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1 // single writer for embedded SQLite
	}
	db.SetMaxOpenConns(maxOpen)

	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	db.SetMaxIdleConns(maxIdle)

	idleTime := time.Duration(opts.ConnMaxIdleSec) * time.Second
	if idleTime <= 0 {
		idleTime = 5 * time.Minute
	}
	db.SetConnMaxIdleTime(idleTime)

	lifeTime := time.Duration(opts.ConnMaxLifeSec) * time.Second
	if lifeTime <= 0 {
		lifeTime = time.Hour
	}
	db.SetConnMaxLifetime(lifeTime)

	logger.Debug().
		Int("max_open", maxOpen).
		Int("max_idle", maxIdle).
		Dur("max_idle_time", idleTime).
		Dur("max_lifetime", lifeTime).
		Msg("Connection pool configured")
}

// WithTx runs fn inside a transaction, rolling back on error.
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %v, rollback failed: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a primary key or unique constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
