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

const commandColumns = `id, mac, command, payload, status, response, created_at, sent_at, acknowledged_at, expires_at`

func scanCommand(row scanner) (*core.DeviceCommand, error) {
	var c core.DeviceCommand
	var createdAt, expiresAt int64
	var sentAt, acknowledgedAt sql.NullInt64

	err := row.Scan(&c.ID, &c.MAC, &c.Command, &c.Payload, &c.Status, &c.Response, &createdAt, &sentAt, &acknowledgedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	c.ExpiresAt = time.UnixMilli(expiresAt)
	c.SentAt = timeFromMillis(sentAt)
	c.AcknowledgedAt = timeFromMillis(acknowledgedAt)
	return &c, nil
}

func (r *SQLiteRepository) EnqueueCommand(ctx context.Context, c *core.DeviceCommand) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.CreatedAt.Add(core.DefaultCommandTTL)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_commands (`+commandColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.MAC, c.Command, c.Payload, c.Status, c.Response, c.CreatedAt.UnixMilli(), unixOrZero(c.SentAt), unixOrZero(c.AcknowledgedAt), c.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}
	return nil
}

// ListPendingCommands excludes expired entries so a device that was offline
// past TTL never receives a stale command on reconnect.
func (r *SQLiteRepository) ListPendingCommands(ctx context.Context, mac string, now time.Time) ([]*core.DeviceCommand, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM device_commands WHERE mac = ? AND status = ? AND expires_at > ? ORDER BY created_at ASC`,
		mac, core.CommandPending, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	defer rows.Close()

	var out []*core.DeviceCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) MarkCommandsSent(ctx context.Context, ids []string, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, core.CommandSent, sentAt.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE device_commands SET status=?, sent_at=? WHERE id IN (%s)`, placeholders(len(ids)))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark commands sent: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ExpireCommands(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, core.CommandExpired)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE device_commands SET status=? WHERE id IN (%s)`, placeholders(len(ids)))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to expire commands: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetCommand(ctx context.Context, id string) (*core.DeviceCommand, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) AcknowledgeCommand(ctx context.Context, id string, status core.CommandStatus, response string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE device_commands SET status=?, response=?, acknowledged_at=? WHERE id=?`,
		status, response, at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to acknowledge command: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrCommandNotFound
	}
	return nil
}
