package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
	"github.com/fleetota/control-plane/internal/storage"
)

const deviceColumns = `id, mac, name, group_name, current_version, previous_version, target_version,
	ota_status, status, health_score, signal_strength, free_heap, uptime, last_heartbeat,
	consecutive_failures, update_started_at, expected_checkin_by, update_attempts, is_at_risk,
	latitude, longitude, config_version, created_at, updated_at, last_seen, last_ota_check`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row scanner) (*core.Device, error) {
	var d core.Device
	var lastHeartbeat, updateStartedAt, expectedCheckinBy, lastSeen, lastOTACheck sql.NullInt64
	var isAtRisk int
	var signalStrength, freeHeap, uptime sql.NullInt64
	var latitude, longitude sql.NullFloat64
	var createdAt, updatedAt int64

	err := row.Scan(
		&d.ID, &d.MAC, &d.Name, &d.Group, &d.CurrentVersion, &d.PreviousVersion, &d.TargetVersion,
		&d.OTAStatus, &d.Status, &d.HealthScore, &signalStrength, &freeHeap, &uptime, &lastHeartbeat,
		&d.ConsecutiveFailures, &updateStartedAt, &expectedCheckinBy, &d.UpdateAttempts, &isAtRisk,
		&latitude, &longitude, &d.ConfigVersion, &createdAt, &updatedAt, &lastSeen, &lastOTACheck,
	)
	if err != nil {
		return nil, err
	}

	d.IsAtRisk = isAtRisk != 0
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	d.LastSeen = timeFromMillis(lastSeen)
	d.LastHeartbeat = timeFromMillis(lastHeartbeat)
	d.UpdateStartedAt = timeFromMillis(updateStartedAt)
	d.ExpectedCheckinBy = timeFromMillis(expectedCheckinBy)
	d.LastOTACheck = timeFromMillis(lastOTACheck)

	if signalStrength.Valid {
		v := int(signalStrength.Int64)
		d.SignalStrength = &v
	}
	if freeHeap.Valid {
		d.FreeHeap = &freeHeap.Int64
	}
	if uptime.Valid {
		d.Uptime = &uptime.Int64
	}
	if latitude.Valid {
		d.Latitude = &latitude.Float64
	}
	if longitude.Valid {
		d.Longitude = &longitude.Float64
	}

	return &d, nil
}

func (r *SQLiteRepository) CreateDevice(ctx context.Context, d *core.Device) error {
	start := time.Now()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	query := `INSERT INTO devices (` + deviceColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.MAC, d.Name, d.Group, d.CurrentVersion, d.PreviousVersion, d.TargetVersion,
		d.OTAStatus, d.Status, d.HealthScore, d.SignalStrength, d.FreeHeap, d.Uptime, unixOrZero(d.LastHeartbeat),
		d.ConsecutiveFailures, unixOrZero(d.UpdateStartedAt), unixOrZero(d.ExpectedCheckinBy), d.UpdateAttempts, boolToInt(d.IsAtRisk),
		d.Latitude, d.Longitude, d.ConfigVersion, d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli(), unixOrZero(d.LastSeen), unixOrZero(d.LastOTACheck),
	)
	if err != nil {
		storage.RecordOperation("create", "sqlite", "error")
		if isUniqueViolation(err) {
			return core.ErrDeviceExists
		}
		return fmt.Errorf("failed to create device: %w", err)
	}

	storage.RecordOperation("create", "sqlite", "success")
	storage.RecordOperationDuration("create", "sqlite", time.Since(start).Seconds())
	return nil
}

func (r *SQLiteRepository) GetDeviceByMAC(ctx context.Context, mac string) (*core.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac = ?`, mac)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (r *SQLiteRepository) GetDeviceByID(ctx context.Context, id string) (*core.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (r *SQLiteRepository) ListDevices(ctx context.Context, filter core.DeviceFilter) ([]*core.Device, error) {
	clauses := []string{}
	args := []interface{}{}

	if filter.Group != "" {
		clauses = append(clauses, "group_name = ?")
		args = append(args, filter.Group)
	}
	if filter.OTAStatus != "" {
		clauses = append(clauses, "ota_status = ?")
		args = append(args, filter.OTAStatus)
	}
	if filter.IsAtRisk != nil {
		clauses = append(clauses, "is_at_risk = ?")
		args = append(args, boolToInt(*filter.IsAtRisk))
	}

	query := `SELECT ` + deviceColumns + ` FROM devices`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY mac ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*core.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (r *SQLiteRepository) CountDevices(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) DeleteDevice(ctx context.Context, mac, reason string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE mac = ?`, mac)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrDeviceNotFound
	}

	r.logger.Info("device deleted", "mac", mac, "reason", reason)
	return nil
}

// UpdateDeviceTx reads the device by MAC, applies mutate, and writes it back
// within a SQLite transaction. writeMu additionally serializes the whole
// read-mutate-write round trip in-process, since the caller's mutator runs
// between the read and the write and must not race another goroutine's.
func (r *SQLiteRepository) UpdateDeviceTx(ctx context.Context, mac string, mutate core.DeviceMutator) (*core.Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac = ?`, mac)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device: %w", err)
	}

	if err := mutate(d); err != nil {
		return nil, err
	}
	d.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `UPDATE devices SET
		name=?, group_name=?, current_version=?, previous_version=?, target_version=?,
		ota_status=?, status=?, health_score=?, signal_strength=?, free_heap=?, uptime=?, last_heartbeat=?,
		consecutive_failures=?, update_started_at=?, expected_checkin_by=?, update_attempts=?, is_at_risk=?,
		latitude=?, longitude=?, config_version=?, updated_at=?, last_seen=?, last_ota_check=?
		WHERE mac = ?`,
		d.Name, d.Group, d.CurrentVersion, d.PreviousVersion, d.TargetVersion,
		d.OTAStatus, d.Status, d.HealthScore, d.SignalStrength, d.FreeHeap, d.Uptime, unixOrZero(d.LastHeartbeat),
		d.ConsecutiveFailures, unixOrZero(d.UpdateStartedAt), unixOrZero(d.ExpectedCheckinBy), d.UpdateAttempts, boolToInt(d.IsAtRisk),
		d.Latitude, d.Longitude, d.ConfigVersion, d.UpdatedAt.UnixMilli(), unixOrZero(d.LastSeen), unixOrZero(d.LastOTACheck),
		mac,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit device update: %w", err)
	}

	return d, nil
}

// TouchLastSeen advances last_seen to max(current, seenAt) in a single
// conditional UPDATE, so it never regresses the stored value.
func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, mac string, seenAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE mac = ? AND (last_seen IS NULL OR last_seen < ?)`,
		seenAt.UnixMilli(), mac, seenAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to touch last_seen: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either already newer, or the device doesn't exist — disambiguate.
		var exists int
		if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE mac = ?`, mac).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return core.ErrDeviceNotFound
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
