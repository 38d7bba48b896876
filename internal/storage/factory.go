// Package storage provides storage backend selection logic based on deployment profile.
// Supports both Lite (SQLite embedded) and Standard (PostgreSQL external) profiles.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetota/control-plane/internal/config"
	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/storage/memory"
	"github.com/fleetota/control-plane/internal/storage/postgres"
	"github.com/fleetota/control-plane/internal/storage/sqlite"
)

// NewStorage creates the appropriate storage backend based on deployment
// profile and returns the unified core.Repository interface.
//
// Profiles:
//   - Lite: SQLite embedded storage (pgPool can be nil)
//   - Standard: PostgreSQL external storage (pgPool required)
func NewStorage(
	ctx context.Context,
	cfg *config.Config,
	pgPool *pgxpool.Pool,
	logger *slog.Logger,
) (core.Repository, error) {
	startTime := time.Now()

	if cfg == nil {
		return nil, &ErrInvalidProfile{
			Profile: "",
			Cause:   fmt.Errorf("config cannot be nil"),
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ErrInvalidProfile{
			Profile: string(cfg.Profile),
			Cause:   err,
		}
	}

	logger.Info("initializing storage backend",
		"profile", cfg.Profile,
		"backend", cfg.Storage.Backend,
	)

	var repo core.Repository
	var err error

	switch {
	case cfg.IsLiteProfile():
		repo, err = initLiteStorage(ctx, cfg, logger)
		if err != nil {
			return nil, &ErrStorageInitFailed{
				Backend: "sqlite",
				Profile: string(cfg.Profile),
				Cause:   err,
			}
		}

	case cfg.IsStandardProfile():
		repo, err = initStandardStorage(ctx, cfg, pgPool, logger)
		if err != nil {
			return nil, &ErrStorageInitFailed{
				Backend: "postgres",
				Profile: string(cfg.Profile),
				Cause:   err,
			}
		}

	default:
		return nil, &ErrInvalidProfile{
			Profile: string(cfg.Profile),
			Cause:   fmt.Errorf("unknown deployment profile: %s", cfg.Profile),
		}
	}

	duration := time.Since(startTime)
	logger.Info("storage backend initialized",
		"profile", cfg.Profile,
		"backend", cfg.Storage.Backend,
		"duration_ms", duration.Milliseconds(),
	)

	StorageOperationsTotal.WithLabelValues("init", string(cfg.Storage.Backend), "success").Inc()
	StorageOperationDuration.WithLabelValues("init", string(cfg.Storage.Backend)).Observe(duration.Seconds())

	return repo, nil
}

// initLiteStorage initializes SQLite embedded storage for the Lite profile.
// The SQLite file is created at cfg.Storage.FilesystemPath with secure
// permissions (0600); the parent directory is created with mode 0700.
func initLiteStorage(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (core.Repository, error) {
	logger.Info("initializing embedded storage (lite profile)",
		"backend", cfg.Storage.Backend,
		"path", cfg.Storage.FilesystemPath,
		"profile", cfg.Profile,
	)

	if cfg.Storage.FilesystemPath == "" {
		return nil, fmt.Errorf("lite profile requires storage.filesystem_path (e.g., /data/fleetota.db)")
	}

	repo, err := sqlite.NewSQLiteRepository(ctx, cfg.Storage.FilesystemPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
	}

	fileSize := repo.GetFileSize()

	logger.Info("SQLite storage initialized",
		"path", cfg.Storage.FilesystemPath,
		"file_size_bytes", fileSize,
		"wal_mode", true,
		"max_connections", 10,
	)

	SQLiteFileSizeBytes.Set(float64(fileSize))
	StorageBackendType.WithLabelValues("sqlite").Set(1)

	return repo, nil
}

// initStandardStorage initializes PostgreSQL storage for the Standard profile.
func initStandardStorage(
	ctx context.Context,
	cfg *config.Config,
	pgPool *pgxpool.Pool,
	logger *slog.Logger,
) (core.Repository, error) {
	logger.Info("initializing PostgreSQL storage (standard profile)",
		"host", cfg.Database.Host,
		"database", cfg.Database.Database,
		"port", cfg.Database.Port,
		"profile", cfg.Profile,
	)

	if pgPool == nil {
		return nil, fmt.Errorf("postgresql pool is nil (required for standard profile)")
	}

	if err := pgPool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgresql connection failed: %w", err)
	}

	stats := pgPool.Stat()
	logger.Info("PostgreSQL connection verified",
		"total_conns", stats.TotalConns(),
		"idle_conns", stats.IdleConns(),
		"acquired_conns", stats.AcquiredConns(),
	)

	repo := postgres.NewPostgresRepository(pgPool, logger)

	StorageBackendType.WithLabelValues("postgres").Set(2)
	StorageConnections.WithLabelValues("postgres", "total").Set(float64(stats.TotalConns()))
	StorageConnections.WithLabelValues("postgres", "idle").Set(float64(stats.IdleConns()))
	StorageConnections.WithLabelValues("postgres", "in_use").Set(float64(stats.AcquiredConns()))

	return repo, nil
}

// NewFallbackStorage creates in-memory storage for graceful degradation,
// used when primary storage (SQLite/Postgres) initialization fails.
//
// WARNING: not suitable for production use — data is lost on restart.
func NewFallbackStorage(logger *slog.Logger) core.Repository {
	logger.Warn("creating fallback in-memory storage (data will NOT persist)")
	logger.Warn("this is not suitable for production use")
	logger.Warn("fix storage configuration to restore persistent storage")

	StorageBackendType.WithLabelValues("memory").Set(0)
	StorageHealthStatus.WithLabelValues("memory").Set(2)

	return memory.NewMemoryRepository(logger)
}
