// Package sqlite implements core.Repository against an embedded SQLite
// database. It is the storage backend for the Lite deployment profile
// (single node, no external dependencies).
//
// Features:
//   - WAL mode enabled (concurrent reads during writes)
//   - Foreign keys enabled (data integrity)
//   - Secure file permissions (0600, owner read/write only)
//   - UpdateDeviceTx serialized via an in-process write mutex, matching the
//     single-writer-per-MAC guarantee core.Repository requires
//   - Schema compatible in shape with the PostgreSQL adapter
//
// Limitations:
//   - No horizontal scaling (single-node only)
//   - Limited concurrency (max 10 connections)
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// Pure Go SQLite driver (no CGO, easier cross-compilation)
	_ "modernc.org/sqlite"

	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/storage"
)

// SQLiteRepository implements core.Repository using an embedded SQLite
// database. writeMu serializes device mutations so concurrent callers for
// the same MAC (or any MAC) observe single-writer semantics; SQLite itself
// already serializes writers at the file level, but the mutex also
// serializes the read-mutate-write round trip that UpdateDeviceTx needs.
type SQLiteRepository struct {
	db      *sql.DB
	logger  *slog.Logger
	path    string
	writeMu sync.Mutex
}

// NewSQLiteRepository opens (creating if necessary) the SQLite database at
// path and initializes its schema.
func NewSQLiteRepository(ctx context.Context, path string, logger *slog.Logger) (*SQLiteRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, &storage.ErrInvalidFilePath{Path: path, Reason: "contains '..'"}
	}
	forbiddenPrefixes := []string{"/etc", "/sys", "/proc", "/dev"}
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil, &storage.ErrInvalidFilePath{Path: path, Reason: fmt.Sprintf("forbidden path prefix %s", prefix)}
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	r := &SQLiteRepository{db: db, logger: logger, path: path}

	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, &storage.ErrSchemaInitFailed{Backend: "sqlite", Cause: err}
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("failed to set file permissions to 0600", "path", path, "error", err)
	}

	logger.Info("sqlite storage initialized", "path", path, "wal_mode", true, "max_open_conns", 10)

	return r, nil
}

func (r *SQLiteRepository) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    mac TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    group_name TEXT NOT NULL DEFAULT '',
    current_version TEXT NOT NULL DEFAULT '',
    previous_version TEXT NOT NULL DEFAULT '',
    target_version TEXT NOT NULL DEFAULT '',
    ota_status TEXT NOT NULL DEFAULT 'idle',
    status TEXT NOT NULL DEFAULT 'offline',
    health_score INTEGER NOT NULL DEFAULT 100,
    signal_strength INTEGER,
    free_heap INTEGER,
    uptime INTEGER,
    last_heartbeat INTEGER,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    update_started_at INTEGER,
    expected_checkin_by INTEGER,
    update_attempts INTEGER NOT NULL DEFAULT 0,
    is_at_risk INTEGER NOT NULL DEFAULT 0,
    latitude REAL,
    longitude REAL,
    config_version INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_seen INTEGER,
    last_ota_check INTEGER
);
CREATE INDEX IF NOT EXISTS idx_devices_group ON devices(group_name);
CREATE INDEX IF NOT EXISTS idx_devices_ota_status ON devices(ota_status);
CREATE INDEX IF NOT EXISTS idx_devices_is_at_risk ON devices(is_at_risk);

CREATE TABLE IF NOT EXISTS firmware (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL UNIQUE,
    filename TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL DEFAULT '',
    release_notes TEXT NOT NULL DEFAULT '',
    download_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_logs (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL DEFAULT '',
    mac TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    from_version TEXT NOT NULL DEFAULT '',
    to_version TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,
    cleared INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_device_logs_mac ON device_logs(mac, timestamp);

CREATE TABLE IF NOT EXISTS staged_rollouts (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    current_stage INTEGER NOT NULL DEFAULT 1,
    stage_percentages TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'active',
    total_devices INTEGER NOT NULL DEFAULT 0,
    updated_devices INTEGER NOT NULL DEFAULT 0,
    failed_devices INTEGER NOT NULL DEFAULT 0,
    auto_expand INTEGER NOT NULL DEFAULT 0,
    expand_after_minutes INTEGER NOT NULL DEFAULT 0,
    failure_threshold INTEGER NOT NULL DEFAULT 0,
    last_expanded INTEGER,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_heartbeats (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL DEFAULT '',
    mac TEXT NOT NULL,
    rssi INTEGER,
    free_heap INTEGER,
    uptime INTEGER,
    cpu_temp REAL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_mac ON device_heartbeats(mac, recorded_at);

CREATE TABLE IF NOT EXISTS audit_logs (
    id TEXT PRIMARY KEY,
    actor TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    entity_id TEXT NOT NULL DEFAULT '',
    entity_name TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '{}',
    ip TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL DEFAULT 'info',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);

CREATE TABLE IF NOT EXISTS webhooks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL,
    secret TEXT NOT NULL DEFAULT '',
    events TEXT NOT NULL DEFAULT '[]',
    active INTEGER NOT NULL DEFAULT 1,
    last_status_code INTEGER NOT NULL DEFAULT 0,
    last_triggered_at INTEGER,
    failure_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhooks_active ON webhooks(active);

CREATE TABLE IF NOT EXISTS device_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    config_data TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_config_assignments (
    mac TEXT PRIMARY KEY,
    config_id TEXT NOT NULL,
    config_version INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    assigned_at INTEGER NOT NULL,
    applied_at INTEGER
);

CREATE TABLE IF NOT EXISTS device_commands (
    id TEXT PRIMARY KEY,
    mac TEXT NOT NULL,
    command TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    response TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    sent_at INTEGER,
    acknowledged_at INTEGER,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_mac_status ON device_commands(mac, status);
`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	r.logger.Debug("sqlite schema initialized", "tables", 10)
	return nil
}

// Close gracefully closes the database connection. Idempotent.
func (r *SQLiteRepository) Close() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.db != nil {
		err := r.db.Close()
		r.db = nil
		if err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
		r.logger.Info("sqlite storage closed", "path", r.path)
		storage.SetHealthStatus("sqlite", 0)
	}
	return nil
}

// Health checks database connection liveness via Ping.
func (r *SQLiteRepository) Health(ctx context.Context) error {
	if r.db == nil {
		storage.SetHealthStatus("sqlite", 0)
		return fmt.Errorf("database connection is nil")
	}
	if err := r.db.PingContext(ctx); err != nil {
		storage.SetHealthStatus("sqlite", 0)
		return fmt.Errorf("health check failed: %w", err)
	}
	storage.SetHealthStatus("sqlite", 1)
	return nil
}

// GetFileSize returns the current SQLite file size in bytes.
func (r *SQLiteRepository) GetFileSize() int64 {
	info, err := os.Stat(r.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// GetPath returns the SQLite database file path.
func (r *SQLiteRepository) GetPath() string {
	return r.path
}

func unixOrZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

var _ core.Repository = (*SQLiteRepository)(nil)
