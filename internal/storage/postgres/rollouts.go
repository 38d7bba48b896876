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

const rolloutColumns = `id, version, current_stage, stage_percentages, status, total_devices, updated_devices,
	failed_devices, auto_expand, expand_after_minutes, failure_threshold, last_expanded, created_at`

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func scanRollout(row scanner) (*core.StagedRollout, error) {
	var rl core.StagedRollout
	var stagePercentagesJSON string
	var lastExpanded sql.NullTime

	err := row.Scan(
		&rl.ID, &rl.Version, &rl.CurrentStage, &stagePercentagesJSON, &rl.Status, &rl.TotalDevices, &rl.UpdatedDevices,
		&rl.FailedDevices, &rl.AutoExpand, &rl.ExpandAfterMinutes, &rl.FailureThreshold, &lastExpanded, &rl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stagePercentagesJSON), &rl.StagePercentages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage_percentages: %w", err)
	}
	rl.LastExpanded = lastExpanded.Time
	return &rl, nil
}

func (r *PostgresRepository) CreateRollout(ctx context.Context, rl *core.StagedRollout) error {
	if rl.ID == "" {
		rl.ID = uuid.New().String()
	}
	if rl.CreatedAt.IsZero() {
		rl.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO staged_rollouts (`+rolloutColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rl.ID, rl.Version, rl.CurrentStage, marshalJSON(rl.StagePercentages), rl.Status, rl.TotalDevices, rl.UpdatedDevices,
		rl.FailedDevices, rl.AutoExpand, rl.ExpandAfterMinutes, rl.FailureThreshold, nullTime(rl.LastExpanded), rl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rollout: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetRollout(ctx context.Context, id string) (*core.StagedRollout, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+rolloutColumns+` FROM staged_rollouts WHERE id = $1`, id)
	rl, err := scanRollout(row)
	if isNoRows(err) {
		return nil, core.ErrRolloutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollout: %w", err)
	}
	return rl, nil
}

func (r *PostgresRepository) ListRollouts(ctx context.Context) ([]*core.StagedRollout, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rolloutColumns+` FROM staged_rollouts ORDER BY created_at DESC`)
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

func (r *PostgresRepository) UpdateRollout(ctx context.Context, rl *core.StagedRollout) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE staged_rollouts SET version=$1, current_stage=$2, stage_percentages=$3, status=$4, total_devices=$5,
			updated_devices=$6, failed_devices=$7, auto_expand=$8, expand_after_minutes=$9, failure_threshold=$10, last_expanded=$11
		 WHERE id = $12`,
		rl.Version, rl.CurrentStage, marshalJSON(rl.StagePercentages), rl.Status, rl.TotalDevices,
		rl.UpdatedDevices, rl.FailedDevices, rl.AutoExpand, rl.ExpandAfterMinutes, rl.FailureThreshold, nullTime(rl.LastExpanded),
		rl.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rollout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRolloutNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteRollout(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM staged_rollouts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rollout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRolloutNotFound
	}
	return nil
}
