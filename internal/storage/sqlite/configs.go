package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

const configColumns = `id, name, config_data, version, created_at, updated_at`

func scanConfig(row scanner) (*core.DeviceConfig, error) {
	var c core.DeviceConfig
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.Name, &c.ConfigData, &c.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return &c, nil
}

func (r *SQLiteRepository) CreateConfig(ctx context.Context, c *core.DeviceConfig) error {
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
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_configs (`+configColumns+`) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Name, c.ConfigData, c.Version, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, id string) (*core.DeviceConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM device_configs WHERE id = ?`, id)
	c, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) ListConfigs(ctx context.Context) ([]*core.DeviceConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+configColumns+` FROM device_configs ORDER BY created_at DESC`)
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
func (r *SQLiteRepository) UpdateConfig(ctx context.Context, id string, configData string) (*core.DeviceConfig, error) {
	now := time.Now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE device_configs SET config_data=?, version=version+1, updated_at=? WHERE id=?`,
		configData, now.UnixMilli(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update config: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, core.ErrConfigNotFound
	}
	return r.GetConfig(ctx, id)
}

func (r *SQLiteRepository) DeleteConfig(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM device_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrConfigNotFound
	}
	return nil
}

const assignmentColumns = `mac, config_id, config_version, status, assigned_at, applied_at`

func scanAssignment(row scanner) (*core.DeviceConfigAssignment, error) {
	var a core.DeviceConfigAssignment
	var assignedAt int64
	var appliedAt sql.NullInt64
	err := row.Scan(&a.MAC, &a.ConfigID, &a.ConfigVersion, &a.Status, &assignedAt, &appliedAt)
	if err != nil {
		return nil, err
	}
	a.AssignedAt = time.UnixMilli(assignedAt)
	a.AppliedAt = timeFromMillis(appliedAt)
	return &a, nil
}

func (r *SQLiteRepository) AssignConfig(ctx context.Context, a *core.DeviceConfigAssignment) error {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_config_assignments (`+assignmentColumns+`) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(mac) DO UPDATE SET config_id=excluded.config_id, config_version=excluded.config_version,
			status=excluded.status, assigned_at=excluded.assigned_at, applied_at=excluded.applied_at`,
		a.MAC, a.ConfigID, a.ConfigVersion, a.Status, a.AssignedAt.UnixMilli(), unixOrZero(a.AppliedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to assign config: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetConfigAssignment(ctx context.Context, mac string) (*core.DeviceConfigAssignment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM device_config_assignments WHERE mac = ?`, mac)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config assignment: %w", err)
	}
	return a, nil
}

func (r *SQLiteRepository) AckConfigAssignment(ctx context.Context, mac string, configVersion int64, appliedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE device_config_assignments SET status=?, applied_at=? WHERE mac=? AND config_version=?`,
		core.ConfigAssignmentApplied, appliedAt.UnixMilli(), mac, configVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to ack config assignment: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrConfigNotFound
	}
	return nil
}
