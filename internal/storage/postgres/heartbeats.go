package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

func (r *PostgresRepository) CreateHeartbeat(ctx context.Context, h *core.DeviceHeartbeat) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.RecordedAt.IsZero() {
		h.RecordedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO device_heartbeats (id, device_id, mac, rssi, free_heap, uptime, cpu_temp, recorded_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.DeviceID, h.MAC, h.RSSI, h.FreeHeap, h.Uptime, h.CPUTemp, h.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListHeartbeats(ctx context.Context, mac string, limit int) ([]*core.DeviceHeartbeat, error) {
	query := `SELECT id, device_id, mac, rssi, free_heap, uptime, cpu_temp, recorded_at
		FROM device_heartbeats WHERE mac = $1 ORDER BY recorded_at DESC`
	args := []interface{}{mac}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []*core.DeviceHeartbeat
	for rows.Next() {
		var h core.DeviceHeartbeat
		var rssi, freeHeap, uptime sql.NullInt64
		var cpuTemp sql.NullFloat64

		if err := rows.Scan(&h.ID, &h.DeviceID, &h.MAC, &rssi, &freeHeap, &uptime, &cpuTemp, &h.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		if rssi.Valid {
			v := int(rssi.Int64)
			h.RSSI = &v
		}
		if freeHeap.Valid {
			h.FreeHeap = &freeHeap.Int64
		}
		if uptime.Valid {
			h.Uptime = &uptime.Int64
		}
		if cpuTemp.Valid {
			h.CPUTemp = &cpuTemp.Float64
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
