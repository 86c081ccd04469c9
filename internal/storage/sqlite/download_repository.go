package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/filedistribution/internal/storage"
)

const selectColumns = `SELECT file_reference, path, status, requested_by, attempts, updated_at FROM downloads`

// timeLayout has a fixed width so updated_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DownloadRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.DownloadRepository = (*DownloadRepository)(nil)

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, now: time.Now}
}

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY file_reference`)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetPendingDownloads returns references left in progress, up to a limit.
func (r *DownloadRepository) GetPendingDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		selectColumns+` WHERE status = ? ORDER BY updated_at LIMIT ?`,
		storage.StatusInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending downloads: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// TrackRequest upserts the reference as in progress and counts the attempt.
func (r *DownloadRepository) TrackRequest(ctx context.Context, fileReference, instanceID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (file_reference, path, status, requested_by, attempts, updated_at)
		VALUES (?, '', ?, ?, 1, ?)
		ON CONFLICT(file_reference) DO UPDATE SET
			status = excluded.status,
			requested_by = excluded.requested_by,
			attempts = downloads.attempts + 1,
			updated_at = excluded.updated_at
	`, fileReference, storage.StatusInProgress, instanceID, r.timestamp())
	if err != nil {
		return fmt.Errorf("failed to track request: %w", err)
	}

	return nil
}

// UpdateDownloadStatus sets the status and, when non-empty, the resolved path.
func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, fileReference, status, path string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET
			status = ?,
			path = CASE WHEN ? = '' THEN path ELSE ? END,
			updated_at = ?
		WHERE file_reference = ?
	`, status, path, path, r.timestamp(), fileReference)
	if err != nil {
		return fmt.Errorf("failed to update download status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotTracked, fileReference)
	}

	return nil
}

func (r *DownloadRepository) timestamp() string {
	return r.now().UTC().Format(timeLayout)
}

func scanRecords(rows *sql.Rows) ([]storage.DownloadRecord, error) {
	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			record    storage.DownloadRecord
			updatedAt string
		)

		if err := rows.Scan(&record.FileReference, &record.Path, &record.Status, &record.RequestedBy, &record.Attempts, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}

		ts, err := time.Parse(timeLayout, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at of %s: %w", record.FileReference, err)
		}

		record.UpdatedAt = ts
		downloads = append(downloads, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate downloads: %w", err)
	}

	return downloads, nil
}
