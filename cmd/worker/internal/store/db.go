// Package store provides database connectivity and the repositories the
// worker uses to claim videos and persist transcripts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"

	// DefaultMaxOpenConns is the default maximum number of open connections
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum connection lifetime
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultPingTimeout is the default timeout for ping operations
	DefaultPingTimeout = 5 * time.Second
)

var (
	// ErrClaimLost is returned by owner-guarded writes when the caller's claim
	// token no longer owns the row (lease expired and another worker reclaimed it).
	ErrClaimLost = errors.New("claim lost")
	// ErrVideoNotFound is returned when a video id does not exist.
	ErrVideoNotFound = errors.New("video not found")
	// ErrNoVideoAvailable is returned by Claim when nothing is eligible.
	ErrNoVideoAvailable = errors.New("no video available")
	// ErrTranscriptNotFound is returned when a video has no persisted transcript.
	ErrTranscriptNotFound = errors.New("transcript not found")
)

// Config holds database configuration.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// Open connects and pings. SQLite is limited to a single connection so
// every transaction is serialised through one writer.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = DefaultMaxOpenConns
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(min(DefaultMaxIdleConns, maxOpen))
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	return db, nil
}

// Ping implements the health probe for the store.
type Ping struct {
	DB *sqlx.DB
}

func (p Ping) Name() string { return "store" }

func (p Ping) HealthCheck(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

func execRequireRows(result interface{ RowsAffected() (int64, error) }, err, notFoundErr error) error {
	if err != nil {
		return err
	}
	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return affectedErr
	}
	if n == 0 {
		return notFoundErr
	}
	return nil
}
