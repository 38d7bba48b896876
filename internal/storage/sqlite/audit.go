package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

func (r *SQLiteRepository) AppendAuditLog(ctx context.Context, a *core.AuditLog) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, entity_name, details, ip, severity, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Actor, a.Action, a.EntityType, a.EntityID, a.EntityName, marshalJSON(a.Details), a.IP, a.Severity, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListAuditLogs(ctx context.Context, limit, offset int) ([]*core.AuditLog, error) {
	query := `SELECT id, actor, action, entity_type, entity_id, entity_name, details, ip, severity, created_at
		FROM audit_logs ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	} else if offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var out []*core.AuditLog
	for rows.Next() {
		var a core.AuditLog
		var detailsJSON string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.EntityType, &a.EntityID, &a.EntityName, &detailsJSON, &a.IP, &a.Severity, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if detailsJSON != "" && detailsJSON != "null" {
			if err := json.Unmarshal([]byte(detailsJSON), &a.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		a.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
