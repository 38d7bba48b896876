package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

const configColumns = `id, name, config_data, version, created_at, updated_at`

func scanConfig(row scanner) (*core.DeviceConfig, error) {
	var c core.DeviceConfig
	err := row.Scan(&c.ID, &c.Name, &c.ConfigData, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) CreateConfig(ctx context.Context, c *core.DeviceConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO device_configs (`+configColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.Name, c.ConfigData, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetConfig(ctx context.Context, id string) (*core.DeviceConfig, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM device_configs WHERE id = $1`, id)
	c, err := scanConfig(row)
	if isNoRows(err) {
		return nil, core.ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) ListConfigs(ctx context.Context) ([]*core.DeviceConfig, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+configColumns+` FROM device_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	var out []*core.DeviceConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConfig bumps the version monotonically on every write, so assigned
// devices can detect staleness by comparing the version they last applied.
func (r *PostgresRepository) UpdateConfig(ctx context.Context, id string, configData string) (*core.DeviceConfig, error) {
	now := time.Now()
	tag, err := r.pool.Exec(ctx,
		`UPDATE device_configs SET config_data=$1, version=version+1, updated_at=$2 WHERE id=$3`,
		configData, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, core.ErrConfigNotFound
	}
	return r.GetConfig(ctx, id)
}

func (r *PostgresRepository) DeleteConfig(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM device_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrConfigNotFound
	}
	return nil
}

const assignmentColumns = `mac, config_id, config_version, status, assigned_at, applied_at`

func scanAssignment(row scanner) (*core.DeviceConfigAssignment, error) {
	var a core.DeviceConfigAssignment
	var appliedAt sql.NullTime
	err := row.Scan(&a.MAC, &a.ConfigID, &a.ConfigVersion, &a.Status, &a.AssignedAt, &appliedAt)
	if err != nil {
		return nil, err
	}
	a.AppliedAt = appliedAt.Time
	return &a, nil
}

func (r *PostgresRepository) AssignConfig(ctx context.Context, a *core.DeviceConfigAssignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO device_config_assignments (`+assignmentColumns+`) VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT(mac) DO UPDATE SET config_id=excluded.config_id, config_version=excluded.config_version,
			status=excluded.status, assigned_at=excluded.assigned_at, applied_at=excluded.applied_at`,
		a.MAC, a.ConfigID, a.ConfigVersion, a.Status, a.AssignedAt, nullTime(a.AppliedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to assign config: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetConfigAssignment(ctx context.Context, mac string) (*core.DeviceConfigAssignment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM device_config_assignments WHERE mac = $1`, mac)
	a, err := scanAssignment(row)
	if isNoRows(err) {
		return nil, core.ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config assignment: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) AckConfigAssignment(ctx context.Context, mac string, configVersion int64, appliedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE device_config_assignments SET status=$1, applied_at=$2 WHERE mac=$3 AND config_version=$4`,
		core.ConfigAssignmentApplied, appliedAt, mac, configVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to ack config assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrConfigNotFound
	}
	return nil
}
