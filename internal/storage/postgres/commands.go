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

const commandColumns = `id, mac, command, payload, status, response, created_at, sent_at, acknowledged_at, expires_at`

func scanCommand(row scanner) (*core.DeviceCommand, error) {
	var c core.DeviceCommand
	var sentAt, acknowledgedAt sql.NullTime

	err := row.Scan(&c.ID, &c.MAC, &c.Command, &c.Payload, &c.Status, &c.Response, &c.CreatedAt, &sentAt, &acknowledgedAt, &c.ExpiresAt)
	if err != nil {
		return nil, err
	}
	c.SentAt = sentAt.Time
	c.AcknowledgedAt = acknowledgedAt.Time
	return &c, nil
}

func (r *PostgresRepository) EnqueueCommand(ctx context.Context, c *core.DeviceCommand) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.CreatedAt.Add(core.DefaultCommandTTL)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO device_commands (`+commandColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.MAC, c.Command, c.Payload, c.Status, c.Response, c.CreatedAt, nullTime(c.SentAt), nullTime(c.AcknowledgedAt), c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}
	return nil
}

// ListPendingCommands excludes expired entries so a device that was offline
// past TTL never receives a stale command on reconnect.
func (r *PostgresRepository) ListPendingCommands(ctx context.Context, mac string, now time.Time) ([]*core.DeviceCommand, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+commandColumns+` FROM device_commands WHERE mac = $1 AND status = $2 AND expires_at > $3 ORDER BY created_at ASC`,
		mac, core.CommandPending, now,
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

func placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ",")
}

func (r *PostgresRepository) MarkCommandsSent(ctx context.Context, ids []string, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, core.CommandSent, sentAt)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE device_commands SET status=$1, sent_at=$2 WHERE id IN (%s)`, placeholders(3, len(ids)))
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark commands sent: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ExpireCommands(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, core.CommandExpired)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE device_commands SET status=$1 WHERE id IN (%s)`, placeholders(2, len(ids)))
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to expire commands: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCommand(ctx context.Context, id string) (*core.DeviceCommand, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id = $1`, id)
	c, err := scanCommand(row)
	if isNoRows(err) {
		return nil, core.ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) AcknowledgeCommand(ctx context.Context, id string, status core.CommandStatus, response string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE device_commands SET status=$1, response=$2, acknowledged_at=$3 WHERE id=$4`,
		status, response, at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to acknowledge command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrCommandNotFound
	}
	return nil
}
