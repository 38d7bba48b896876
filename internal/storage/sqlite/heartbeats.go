package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

func (r *SQLiteRepository) CreateHeartbeat(ctx context.Context, h *core.DeviceHeartbeat) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.RecordedAt.IsZero() {
		h.RecordedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_heartbeats (id, device_id, mac, rssi, free_heap, uptime, cpu_temp, recorded_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		h.ID, h.DeviceID, h.MAC, h.RSSI, h.FreeHeap, h.Uptime, h.CPUTemp, h.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListHeartbeats(ctx context.Context, mac string, limit int) ([]*core.DeviceHeartbeat, error) {
	query := `SELECT id, device_id, mac, rssi, free_heap, uptime, cpu_temp, recorded_at
		FROM device_heartbeats WHERE mac = ? ORDER BY recorded_at DESC`
	args := []interface{}{mac}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []*core.DeviceHeartbeat
	for rows.Next() {
		var h core.DeviceHeartbeat
		var rssi, freeHeap, uptime sql.NullInt64
		var cpuTemp sql.NullFloat64
		var recordedAt int64

		if err := rows.Scan(&h.ID, &h.DeviceID, &h.MAC, &rssi, &freeHeap, &uptime, &cpuTemp, &recordedAt); err != nil {
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
		h.RecordedAt = time.UnixMilli(recordedAt)
		out = append(out, &h)
	}
	return out, rows.Err()
}
