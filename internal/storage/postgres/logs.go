package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

func (r *PostgresRepository) AppendDeviceLog(ctx context.Context, log *core.DeviceLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO device_logs (id, device_id, mac, action, status, from_version, to_version, message, timestamp, cleared)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		log.ID, log.DeviceID, log.MAC, log.Action, log.Status, log.FromVersion, log.ToVersion, log.Message,
		log.Timestamp, log.Cleared,
	)
	if err != nil {
		return fmt.Errorf("failed to append device log: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListDeviceLogs(ctx context.Context, mac string, limit int) ([]*core.DeviceLog, error) {
	query := `SELECT id, device_id, mac, action, status, from_version, to_version, message, timestamp, cleared
		FROM device_logs WHERE mac = $1 ORDER BY timestamp DESC`
	args := []interface{}{mac}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list device logs: %w", err)
	}
	defer rows.Close()

	var out []*core.DeviceLog
	for rows.Next() {
		var l core.DeviceLog
		if err := rows.Scan(&l.ID, &l.DeviceID, &l.MAC, &l.Action, &l.Status, &l.FromVersion, &l.ToVersion, &l.Message, &l.Timestamp, &l.Cleared); err != nil {
			return nil, fmt.Errorf("failed to scan device log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
