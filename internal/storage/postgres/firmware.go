package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetota/control-plane/internal/core"
)

const firmwareColumns = `id, version, filename, size_bytes, content_hash, release_notes, download_count, created_at`

func scanFirmware(row scanner) (*core.Firmware, error) {
	var f core.Firmware
	err := row.Scan(&f.ID, &f.Version, &f.Filename, &f.SizeBytes, &f.ContentHash, &f.ReleaseNotes, &f.DownloadCount, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *PostgresRepository) CreateFirmware(ctx context.Context, f *core.Firmware) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO firmware (`+firmwareColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		f.ID, f.Version, f.Filename, f.SizeBytes, f.ContentHash, f.ReleaseNotes, f.DownloadCount, f.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrFirmwareExists
		}
		return fmt.Errorf("failed to create firmware: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetFirmwareByVersion(ctx context.Context, version string) (*core.Firmware, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+firmwareColumns+` FROM firmware WHERE version = $1`, version)
	f, err := scanFirmware(row)
	if isNoRows(err) {
		return nil, core.ErrFirmwareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get firmware: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) GetFirmwareByID(ctx context.Context, id string) (*core.Firmware, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+firmwareColumns+` FROM firmware WHERE id = $1`, id)
	f, err := scanFirmware(row)
	if isNoRows(err) {
		return nil, core.ErrFirmwareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get firmware: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) ListFirmware(ctx context.Context) ([]*core.Firmware, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+firmwareColumns+` FROM firmware ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list firmware: %w", err)
	}
	defer rows.Close()

	var out []*core.Firmware
	for rows.Next() {
		f, err := scanFirmware(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan firmware: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteFirmware(ctx context.Context, version string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM firmware WHERE version = $1`, version)
	if err != nil {
		return fmt.Errorf("failed to delete firmware: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrFirmwareNotFound
	}
	return nil
}

func (r *PostgresRepository) IncrementDownloadCount(ctx context.Context, version string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE firmware SET download_count = download_count + 1 WHERE version = $1`, version)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrFirmwareNotFound
	}
	return nil
}
