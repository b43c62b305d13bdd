// Package database persists normalized runtime records in PostgreSQL.
// It handles the connection pool and provides the storage side of reconciliation.
package database

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/blake3"
)

// ErrStorage is returned when a record could not be written. Retrying may succeed.
var ErrStorage = errors.New("storage failure")

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool  dbPool
	timeout time.Duration
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
	timeout time.Duration
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// WithTimeout bounds every write to the database.
func WithTimeout(d time.Duration) Options {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates database manager with a PostgreSQL connection pool using the provided configuration.
// The connection is validated with a ping, but it is not maintained.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
		timeout: 10 * time.Second,
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool, timeout: opts.timeout}, nil
}

// UploadInvalid stores a message that could not be decoded, so that it can be inspected later.
// Messages are keyed by their BLAKE3 digest: storing the same message twice is a no-op.
func (db Manager) UploadInvalid(ctx context.Context, channel, rawMessage, reason string) error {
	const table = "invalid_messages"

	digest := blake3.Sum256([]byte(rawMessage))
	return db.upload(ctx, table, func(ctx context.Context, table string) (pgconn.CommandTag, error) {
		query := fmt.Sprintf(
			`INSERT INTO %s (
				digest,
				entry_time,
				channel,
				raw_message,
				reason
			) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (digest) DO NOTHING`,
			table,
		)

		return db.dbpool.Exec(ctx, query,
			hex.EncodeToString(digest[:]), // digest
			time.Now(),                    // entry_time
			channel,                       // channel
			rawMessage,                    // raw_message
			reason,                        // reason
		)
	})
}

func (db Manager) upload(ctx context.Context, table string, execFn func(context.Context, string) (pgconn.CommandTag, error)) error {
	if db.dbpool == nil {
		return fmt.Errorf("%w: database not initialized", ErrStorage)
	}

	table = pgx.Identifier{table}.Sanitize()

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	_, err := execFn(ctx, table)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: upload canceled: %v", ErrStorage, err)
		}
		return fmt.Errorf("%w: failed to upload data: %v", ErrStorage, err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (db *Manager) Ping(ctx context.Context) error {
	if db.dbpool == nil {
		return fmt.Errorf("%w: database not initialized", ErrStorage)
	}
	if err := db.dbpool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping failed: %v", ErrStorage, err)
	}
	return nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
