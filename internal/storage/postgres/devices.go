package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

const deviceColumns = `id, mac, name, group_name, current_version, previous_version, target_version,
	ota_status, status, health_score, signal_strength, free_heap, uptime, last_heartbeat,
	consecutive_failures, update_started_at, expected_checkin_by, update_attempts, is_at_risk,
	latitude, longitude, config_version, created_at, updated_at, last_seen, last_ota_check`

func scanDevice(row scanner) (*core.Device, error) {
	var d core.Device
	var signalStrength, freeHeap, uptime sql.NullInt64
	var lastHeartbeat, updateStartedAt, expectedCheckinBy, lastSeen, lastOTACheck sql.NullTime
	var latitude, longitude sql.NullFloat64

	err := row.Scan(
		&d.ID, &d.MAC, &d.Name, &d.Group, &d.CurrentVersion, &d.PreviousVersion, &d.TargetVersion,
		&d.OTAStatus, &d.Status, &d.HealthScore, &signalStrength, &freeHeap, &uptime, &lastHeartbeat,
		&d.ConsecutiveFailures, &updateStartedAt, &expectedCheckinBy, &d.UpdateAttempts, &d.IsAtRisk,
		&latitude, &longitude, &d.ConfigVersion, &d.CreatedAt, &d.UpdatedAt, &lastSeen, &lastOTACheck,
	)
	if err != nil {
		return nil, err
	}

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
	d.LastHeartbeat = lastHeartbeat.Time
	d.UpdateStartedAt = updateStartedAt.Time
	d.ExpectedCheckinBy = expectedCheckinBy.Time
	d.LastSeen = lastSeen.Time
	d.LastOTACheck = lastOTACheck.Time

	return &d, nil
}

func (r *PostgresRepository) CreateDevice(ctx context.Context, d *core.Device) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := r.pool.Exec(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		d.ID, d.MAC, d.Name, d.Group, d.CurrentVersion, d.PreviousVersion, d.TargetVersion,
		d.OTAStatus, d.Status, d.HealthScore, d.SignalStrength, d.FreeHeap, d.Uptime, nullTime(d.LastHeartbeat),
		d.ConsecutiveFailures, nullTime(d.UpdateStartedAt), nullTime(d.ExpectedCheckinBy), d.UpdateAttempts, d.IsAtRisk,
		d.Latitude, d.Longitude, d.ConfigVersion, d.CreatedAt, d.UpdatedAt, nullTime(d.LastSeen), nullTime(d.LastOTACheck),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDeviceExists
		}
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetDeviceByMAC(ctx context.Context, mac string) (*core.Device, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac = $1`, mac)
	d, err := scanDevice(row)
	if isNoRows(err) {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) GetDeviceByID(ctx context.Context, id string) (*core.Device, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if isNoRows(err) {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) ListDevices(ctx context.Context, filter core.DeviceFilter) ([]*core.Device, error) {
	clauses := []string{}
	args := []interface{}{}
	bind := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Group != "" {
		clauses = append(clauses, "group_name = "+bind(filter.Group))
	}
	if filter.OTAStatus != "" {
		clauses = append(clauses, "ota_status = "+bind(filter.OTAStatus))
	}
	if filter.IsAtRisk != nil {
		clauses = append(clauses, "is_at_risk = "+bind(*filter.IsAtRisk))
	}

	query := `SELECT ` + deviceColumns + ` FROM devices`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY mac ASC"

	if filter.Limit > 0 {
		query += " LIMIT " + bind(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + bind(filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
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

func (r *PostgresRepository) CountDevices(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) DeleteDevice(ctx context.Context, mac, reason string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM devices WHERE mac = $1`, mac)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrDeviceNotFound
	}
	r.logger.Info("device deleted", "mac", mac, "reason", reason)
	return nil
}

// UpdateDeviceTx reads the device with SELECT ... FOR UPDATE inside a
// transaction, applies mutate, and writes it back before committing. The row
// lock — not an in-process mutex — is what serializes concurrent writers,
// since Standard-profile replicas don't share an address space the way the
// SQLite adapter's single node does.
func (r *PostgresRepository) UpdateDeviceTx(ctx context.Context, mac string, mutate core.DeviceMutator) (*core.Device, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac = $1 FOR UPDATE`, mac)
	d, err := scanDevice(row)
	if isNoRows(err) {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device: %w", err)
	}

	if err := mutate(d); err != nil {
		return nil, err
	}
	d.UpdatedAt = time.Now()

	_, err = tx.Exec(ctx, `UPDATE devices SET
		name=$1, group_name=$2, current_version=$3, previous_version=$4, target_version=$5,
		ota_status=$6, status=$7, health_score=$8, signal_strength=$9, free_heap=$10, uptime=$11, last_heartbeat=$12,
		consecutive_failures=$13, update_started_at=$14, expected_checkin_by=$15, update_attempts=$16, is_at_risk=$17,
		latitude=$18, longitude=$19, config_version=$20, updated_at=$21, last_seen=$22, last_ota_check=$23
		WHERE mac = $24`,
		d.Name, d.Group, d.CurrentVersion, d.PreviousVersion, d.TargetVersion,
		d.OTAStatus, d.Status, d.HealthScore, d.SignalStrength, d.FreeHeap, d.Uptime, nullTime(d.LastHeartbeat),
		d.ConsecutiveFailures, nullTime(d.UpdateStartedAt), nullTime(d.ExpectedCheckinBy), d.UpdateAttempts, d.IsAtRisk,
		d.Latitude, d.Longitude, d.ConfigVersion, d.UpdatedAt, nullTime(d.LastSeen), nullTime(d.LastOTACheck),
		mac,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update device: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit device update: %w", err)
	}

	return d, nil
}

// TouchLastSeen advances last_seen to max(current, seenAt) in a single
// conditional UPDATE, so it never regresses the stored value.
func (r *PostgresRepository) TouchLastSeen(ctx context.Context, mac string, seenAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE devices SET last_seen = $1 WHERE mac = $2 AND (last_seen IS NULL OR last_seen < $1)`,
		seenAt, mac,
	)
	if err != nil {
		return fmt.Errorf("failed to touch last_seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := r.pool.QueryRow(ctx, `SELECT 1 FROM devices WHERE mac = $1`, mac).Scan(&exists)
		if isNoRows(err) {
			return core.ErrDeviceNotFound
		}
	}
	return nil
}
