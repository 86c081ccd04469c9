package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/filedistribution/internal/storage"
	"github.com/italolelis/filedistribution/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentLedgerOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloads(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetPendingDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentLedgerOperation(ctx, "get_pending_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetPendingDownloads(ctx, limit)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) TrackRequest(ctx context.Context, fileReference, instanceID string) error {
	return r.telemetry.InstrumentLedgerOperation(ctx, "track_request", func(ctx context.Context) error {
		return r.repo.TrackRequest(ctx, fileReference, instanceID)
	})
}

func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(ctx context.Context, fileReference, status, path string) error {
	return r.telemetry.InstrumentLedgerOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(ctx, fileReference, status, path)
	})
}
