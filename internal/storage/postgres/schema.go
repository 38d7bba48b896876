package postgres

import (
	"context"
	"fmt"
)

// schema is the Standard-profile table layout, kept in shape with the
// SQLite adapter's schema (internal/storage/sqlite) so the two backends stay
// swappable without a data-model migration beyond the storage layer itself.
// Actual schema management in a running deployment goes through goose
// migrations (internal/storage/postgres/migrations); this string backs the
// package's own tests, which run against a disposable testcontainers
// instance rather than the migration runner.
const schema = `
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
    free_heap BIGINT,
    uptime BIGINT,
    last_heartbeat TIMESTAMPTZ,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    update_started_at TIMESTAMPTZ,
    expected_checkin_by TIMESTAMPTZ,
    update_attempts INTEGER NOT NULL DEFAULT 0,
    is_at_risk BOOLEAN NOT NULL DEFAULT FALSE,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    config_version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    last_seen TIMESTAMPTZ,
    last_ota_check TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_devices_group ON devices(group_name);
CREATE INDEX IF NOT EXISTS idx_devices_ota_status ON devices(ota_status);
CREATE INDEX IF NOT EXISTS idx_devices_is_at_risk ON devices(is_at_risk);

CREATE TABLE IF NOT EXISTS firmware (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL UNIQUE,
    filename TEXT NOT NULL DEFAULT '',
    size_bytes BIGINT NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL DEFAULT '',
    release_notes TEXT NOT NULL DEFAULT '',
    download_count BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL
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
    timestamp TIMESTAMPTZ NOT NULL,
    cleared BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_device_logs_mac ON device_logs(mac, timestamp DESC);

CREATE TABLE IF NOT EXISTS staged_rollouts (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    current_stage INTEGER NOT NULL DEFAULT 1,
    stage_percentages TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'active',
    total_devices INTEGER NOT NULL DEFAULT 0,
    updated_devices INTEGER NOT NULL DEFAULT 0,
    failed_devices INTEGER NOT NULL DEFAULT 0,
    auto_expand BOOLEAN NOT NULL DEFAULT FALSE,
    expand_after_minutes INTEGER NOT NULL DEFAULT 0,
    failure_threshold INTEGER NOT NULL DEFAULT 0,
    last_expanded TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS device_heartbeats (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL DEFAULT '',
    mac TEXT NOT NULL,
    rssi INTEGER,
    free_heap BIGINT,
    uptime BIGINT,
    cpu_temp DOUBLE PRECISION,
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_mac ON device_heartbeats(mac, recorded_at DESC);

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
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at DESC);

CREATE TABLE IF NOT EXISTS webhooks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL,
    secret TEXT NOT NULL DEFAULT '',
    events TEXT NOT NULL DEFAULT '[]',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    last_status_code INTEGER NOT NULL DEFAULT 0,
    last_triggered_at TIMESTAMPTZ,
    failure_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhooks_active ON webhooks(active);

CREATE TABLE IF NOT EXISTS device_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    config_data TEXT NOT NULL DEFAULT '{}',
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS device_config_assignments (
    mac TEXT PRIMARY KEY,
    config_id TEXT NOT NULL,
    config_version BIGINT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    assigned_at TIMESTAMPTZ NOT NULL,
    applied_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS device_commands (
    id TEXT PRIMARY KEY,
    mac TEXT NOT NULL,
    command TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    response TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    sent_at TIMESTAMPTZ,
    acknowledged_at TIMESTAMPTZ,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_mac_status ON device_commands(mac, status);
`

// InitSchema creates the Standard-profile tables if they do not already
// exist. Production deployments should prefer the goose migrations under
// internal/storage/postgres/migrations; this is kept for parity with the
// SQLite adapter's self-initializing behavior in tests and local runs.
func (r *PostgresRepository) InitSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return nil
}
