package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

const webhookColumns = `id, name, url, secret, events, active, last_status_code, last_triggered_at, failure_count, created_at`

func scanWebhook(row scanner) (*core.Webhook, error) {
	var w core.Webhook
	var eventsJSON string
	var lastTriggeredAt sql.NullTime

	err := row.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &eventsJSON, &w.Active, &w.LastStatusCode, &lastTriggeredAt, &w.FailureCount, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &w.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	w.LastTriggeredAt = lastTriggeredAt.Time
	return &w, nil
}

func (r *PostgresRepository) CreateWebhook(ctx context.Context, w *core.Webhook) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhooks (`+webhookColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		w.ID, w.Name, w.URL, w.Secret, marshalJSON(w.Events), w.Active, w.LastStatusCode, nullTime(w.LastTriggeredAt), w.FailureCount, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetWebhook(ctx context.Context, id string) (*core.Webhook, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	w, err := scanWebhook(row)
	if isNoRows(err) {
		return nil, core.ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return w, nil
}

func (r *PostgresRepository) ListWebhooks(ctx context.Context) ([]*core.Webhook, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at DESC`)
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
// column comparison over the JSON-encoded events array — same tradeoff as
// the SQLite adapter.
func (r *PostgresRepository) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*core.Webhook, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE active = true`)
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

func (r *PostgresRepository) UpdateWebhook(ctx context.Context, w *core.Webhook) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhooks SET name=$1, url=$2, secret=$3, events=$4, active=$5, last_status_code=$6, last_triggered_at=$7, failure_count=$8
		 WHERE id = $9`,
		w.Name, w.URL, w.Secret, marshalJSON(w.Events), w.Active, w.LastStatusCode, nullTime(w.LastTriggeredAt), w.FailureCount,
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrWebhookNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteWebhook(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrWebhookNotFound
	}
	return nil
}

func (r *PostgresRepository) RecordWebhookDelivery(ctx context.Context, id string, statusCode int, success bool, at time.Time) error {
	var query string
	if success {
		query = `UPDATE webhooks SET last_status_code=$1, last_triggered_at=$2, failure_count=0 WHERE id=$3`
	} else {
		query = `UPDATE webhooks SET last_status_code=$1, last_triggered_at=$2, failure_count=failure_count+1 WHERE id=$3`
	}
	tag, err := r.pool.Exec(ctx, query, statusCode, at, id)
	if err != nil {
		return fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrWebhookNotFound
	}
	return nil
}
