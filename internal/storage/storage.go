package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotTracked is returned when a status update targets a reference the
// ledger has never seen.
var ErrNotTracked = errors.New("file reference is not tracked")

// Ledger states of a file reference.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DownloadRecord represents the last known request cycle of a file reference.
type DownloadRecord struct {
	FileReference string
	Path          string
	Status        string
	RequestedBy   string
	Attempts      int
	UpdatedAt     time.Time
}

type DownloadReadRepository interface {
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	// GetPendingDownloads returns references whose last cycle never reached a
	// terminal state, oldest first.
	GetPendingDownloads(ctx context.Context, limit int) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	// TrackRequest records the start of a request cycle issued by instanceID.
	TrackRequest(ctx context.Context, fileReference, instanceID string) error
	// UpdateDownloadStatus records the terminal state of the current cycle.
	UpdateDownloadStatus(ctx context.Context, fileReference, status, path string) error
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
