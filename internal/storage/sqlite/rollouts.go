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

const rolloutColumns = `id, version, current_stage, stage_percentages, status, total_devices, updated_devices,
	failed_devices, auto_expand, expand_after_minutes, failure_threshold, last_expanded, created_at`

func scanRollout(row scanner) (*core.StagedRollout, error) {
	var rl core.StagedRollout
	var stagePercentagesJSON string
	var autoExpand int
	var lastExpanded sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&rl.ID, &rl.Version, &rl.CurrentStage, &stagePercentagesJSON, &rl.Status, &rl.TotalDevices, &rl.UpdatedDevices,
		&rl.FailedDevices, &autoExpand, &rl.ExpandAfterMinutes, &rl.FailureThreshold, &lastExpanded, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stagePercentagesJSON), &rl.StagePercentages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage_percentages: %w", err)
	}
	rl.AutoExpand = autoExpand != 0
	rl.LastExpanded = timeFromMillis(lastExpanded)
	rl.CreatedAt = time.UnixMilli(createdAt)
	return &rl, nil
}

func (r *SQLiteRepository) CreateRollout(ctx context.Context, rl *core.StagedRollout) error {
	if rl.ID == "" {
		rl.ID = uuid.New().String()
	}
	if rl.CreatedAt.IsZero() {
		rl.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO staged_rollouts (`+rolloutColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rl.ID, rl.Version, rl.CurrentStage, marshalJSON(rl.StagePercentages), rl.Status, rl.TotalDevices, rl.UpdatedDevices,
		rl.FailedDevices, boolToInt(rl.AutoExpand), rl.ExpandAfterMinutes, rl.FailureThreshold, unixOrZero(rl.LastExpanded), rl.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create rollout: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetRollout(ctx context.Context, id string) (*core.StagedRollout, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM staged_rollouts WHERE id = ?`, id)
	rl, err := scanRollout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrRolloutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollout: %w", err)
	}
	return rl, nil
}

func (r *SQLiteRepository) ListRollouts(ctx context.Context) ([]*core.StagedRollout, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+rolloutColumns+` FROM staged_rollouts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollouts: %w", err)
	}
	defer rows.Close()

	var out []*core.StagedRollout
	for rows.Next() {
		rl, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollout: %w", err)
		}
		out = append(out, rl)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) UpdateRollout(ctx context.Context, rl *core.StagedRollout) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE staged_rollouts SET version=?, current_stage=?, stage_percentages=?, status=?, total_devices=?,
			updated_devices=?, failed_devices=?, auto_expand=?, expand_after_minutes=?, failure_threshold=?, last_expanded=?
		 WHERE id = ?`,
		rl.Version, rl.CurrentStage, marshalJSON(rl.StagePercentages), rl.Status, rl.TotalDevices,
		rl.UpdatedDevices, rl.FailedDevices, boolToInt(rl.AutoExpand), rl.ExpandAfterMinutes, rl.FailureThreshold, unixOrZero(rl.LastExpanded),
		rl.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rollout: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrRolloutNotFound
	}
	return nil
}

func (r *SQLiteRepository) DeleteRollout(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM staged_rollouts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rollout: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrRolloutNotFound
	}
	return nil
}
