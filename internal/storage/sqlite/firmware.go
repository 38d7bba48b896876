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

const firmwareColumns = `id, version, filename, size_bytes, content_hash, release_notes, download_count, created_at`

func scanFirmware(row scanner) (*core.Firmware, error) {
	var f core.Firmware
	var createdAt int64
	err := row.Scan(&f.ID, &f.Version, &f.Filename, &f.SizeBytes, &f.ContentHash, &f.ReleaseNotes, &f.DownloadCount, &createdAt)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = time.UnixMilli(createdAt)
	return &f, nil
}

func (r *SQLiteRepository) CreateFirmware(ctx context.Context, f *core.Firmware) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO firmware (`+firmwareColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.Version, f.Filename, f.SizeBytes, f.ContentHash, f.ReleaseNotes, f.DownloadCount, f.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrFirmwareExists
		}
		return fmt.Errorf("failed to create firmware: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetFirmwareByVersion(ctx context.Context, version string) (*core.Firmware, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+firmwareColumns+` FROM firmware WHERE version = ?`, version)
	f, err := scanFirmware(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrFirmwareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get firmware: %w", err)
	}
	return f, nil
}

func (r *SQLiteRepository) GetFirmwareByID(ctx context.Context, id string) (*core.Firmware, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+firmwareColumns+` FROM firmware WHERE id = ?`, id)
	f, err := scanFirmware(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrFirmwareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get firmware: %w", err)
	}
	return f, nil
}

func (r *SQLiteRepository) ListFirmware(ctx context.Context) ([]*core.Firmware, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+firmwareColumns+` FROM firmware ORDER BY created_at DESC`)
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

func (r *SQLiteRepository) DeleteFirmware(ctx context.Context, version string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM firmware WHERE version = ?`, version)
	if err != nil {
		return fmt.Errorf("failed to delete firmware: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrFirmwareNotFound
	}
	return nil
}

func (r *SQLiteRepository) IncrementDownloadCount(ctx context.Context, version string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE firmware SET download_count = download_count + 1 WHERE version = ?`, version)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return core.ErrFirmwareNotFound
	}
	return nil
}
