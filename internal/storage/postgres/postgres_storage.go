// Package postgres implements core.Repository against PostgreSQL via pgx,
// the storage backend for the Standard deployment profile (HA-ready,
// multiple control-plane replicas sharing one database).
//
// Unlike the SQLite adapter, PostgresRepository does not own connection
// lifecycle: the pgxpool.Pool is created and health-checked by the caller
// (internal/database/postgres) and handed in, so replicas can share a pool
// warm-up and graceful-shutdown sequence with whatever else uses the same
// database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetota/control-plane/internal/core"
)

// PostgresRepository implements core.Repository against a shared pgxpool.Pool.
// It has no in-process write mutex: UpdateDeviceTx relies on PostgreSQL's own
// row-level locking (SELECT ... FOR UPDATE inside a transaction) to serialize
// concurrent writers, which — unlike the SQLite adapter's single-node mutex —
// also serializes writers across replicas.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresRepository wraps an already-connected pgxpool.Pool.
func NewPostgresRepository(pool *pgxpool.Pool, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{pool: pool, logger: logger}
}

// Close releases the repository's reference to the pool. It does not close
// the pool itself — the pool's owner (internal/database/postgres) does that,
// since other components may share it.
func (r *PostgresRepository) Close() error {
	return nil
}

// Health checks database connectivity via Ping.
func (r *PostgresRepository) Health(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// pgRow and pgx.Rows both satisfy this, mirroring the sqlite adapter's
// scanner interface so scan helpers don't duplicate between QueryRow/Query.
type scanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	// pgx wraps the driver error; checking the message avoids importing
	// github.com/jackc/pgx/v5/pgconn just for the SQLSTATE constant here.
	return strings.Contains(err.Error(), "SQLSTATE 23505") || strings.Contains(err.Error(), "duplicate key value")
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ core.Repository = (*PostgresRepository)(nil)
