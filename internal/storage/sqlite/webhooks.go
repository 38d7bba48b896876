package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

const webhookColumns = `id, name, url, secret, events, active, last_status_code, last_triggered_at, failure_count, created_at`

func scanWebhook(row scanner) (*core.Webhook, error) {
	var w core.Webhook
	var eventsJSON string
	var active int
	var lastTriggeredAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &eventsJSON, &active, &w.LastStatusCode, &lastTriggeredAt, &w.FailureCount, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &w.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	w.Active = active != 0
	w.LastTriggeredAt = timeFromMillis(lastTriggeredAt)
	w.CreatedAt = time.UnixMilli(createdAt)
	return &w, nil
}

func (r *SQLiteRepository) CreateWebhook(ctx context.Context, w *core.Webhook) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhooks (`+webhookColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Name, w.URL, w.Secret, marshalJSON(w.Events), boolToInt(w.Active), w.LastStatusCode, unixOrZero(w.LastTriggeredAt), w.FailureCount, w.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetWebhook(ctx context.Context, id string) (*core.Webhook, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return w, nil
}

func (r *SQLiteRepository) ListWebhooks(ctx context.Context) ([]*core.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*core.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListActiveWebhooksForEvent filters in Go rather than SQL, since wildcard
// matching ("*" subscribes to every event) isn't expressible as a simple
// column comparison over the JSON-encoded events array.
func (r *SQLiteRepository) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*core.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active webhooks: %w", err)
	}
	defer rows.Close()

	var out []*core.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		if w.Subscribes(event) {
			out = append(out, w)
		}
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) UpdateWebhook(ctx context.Context, w *core.Webhook) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE webhooks SET name=?, url=?, secret=?, events=?, active=?, last_status_code=?, last_triggered_at=?, failure_count=?
		 WHERE id = ?`,
		w.Name, w.URL, w.Secret, marshalJSON(w.Events), boolToInt(w.Active), w.LastStatusCode, unixOrZero(w.LastTriggeredAt), w.FailureCount,
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrWebhookNotFound
	}
	return nil
}

func (r *SQLiteRepository) DeleteWebhook(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrWebhookNotFound
	}
	return nil
}

func (r *SQLiteRepository) RecordWebhookDelivery(ctx context.Context, id string, statusCode int, success bool, at time.Time) error {
	var query string
	if success {
		query = `UPDATE webhooks SET last_status_code=?, last_triggered_at=?, failure_count=0 WHERE id=?`
	} else {
		query = `UPDATE webhooks SET last_status_code=?, last_triggered_at=?, failure_count=failure_count+1 WHERE id=?`
	}
	result, err := r.db.ExecContext(ctx, query, statusCode, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrWebhookNotFound
	}
	return nil
}
