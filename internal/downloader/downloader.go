package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/filedistribution/internal/cache"
	"github.com/italolelis/filedistribution/internal/content"
	"github.com/italolelis/filedistribution/internal/downloader/progress"
	"github.com/italolelis/filedistribution/internal/fileref"
	"github.com/italolelis/filedistribution/internal/logctx"
	"github.com/italolelis/filedistribution/internal/registry"
	"github.com/italolelis/filedistribution/internal/storage"
	"github.com/italolelis/filedistribution/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const defaultMaxParallel = 5

// ErrClosed is the failure cause of cycles triggered after Close.
var ErrClosed = errors.New("file downloader is closed")

// Requester asks a peer to start pushing the content of a reference.
type Requester interface {
	RequestServe(ctx context.Context, ref fileref.Reference) error
}

type Option func(*FileDownloader)

// WithLedger records every request cycle in repo.
func WithLedger(repo storage.DownloadWriteRepository) Option {
	return func(d *FileDownloader) { d.ledger = repo }
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *FileDownloader) { d.telemetry = tel }
}

// WithMaxParallel bounds the number of serve requests in flight.
func WithMaxParallel(n int) Option {
	return func(d *FileDownloader) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

// WithInstanceID sets the identifier recorded as requester in the ledger.
func WithInstanceID(id string) Option {
	return func(d *FileDownloader) { d.instanceID = id }
}

// FileDownloader fetches files by reference from peers and serves cached
// copies without touching the network. Concurrent callers for the same
// reference share one request cycle.
type FileDownloader struct {
	store      *cache.Store
	registry   *registry.Registry
	requester  Requester
	timeout    time.Duration
	ledger     storage.DownloadWriteRepository
	telemetry  *telemetry.Telemetry
	instanceID string

	maxParallel int
	sem         chan struct{}

	// ctx outlives callers: a serve request keeps going after the caller that
	// triggered it gave up. Only Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	mu     sync.RWMutex
	closed bool
}

// New returns a FileDownloader caching under store. timeout bounds every
// GetFile wait. ctx only provides the logger for background work.
func New(ctx context.Context, store *cache.Store, requester Requester, timeout time.Duration, opts ...Option) *FileDownloader {
	d := &FileDownloader{
		store:       store,
		registry:    registry.New(),
		requester:   requester,
		timeout:     timeout,
		maxParallel: defaultMaxParallel,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.instanceID == "" {
		d.instanceID = GenerateInstanceID()
	}

	d.sem = make(chan struct{}, d.maxParallel)
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))

	return d
}

// GetFile returns the local path of ref, fetching it from a peer when it is not
// cached. It blocks for at most the configured timeout and reports false when
// the file is not available by then. Giving up does not cancel the fetch.
func (d *FileDownloader) GetFile(ctx context.Context, ref fileref.Reference) (string, bool) {
	ctx, logger := logctx.WithAttrs(ctx, "file_reference", ref.String())

	if err := ref.Validate(); err != nil {
		logger.Warn("rejecting file request", "err", err)

		return "", false
	}

	if path, ok := d.cached(ctx, ref); ok {
		return path, true
	}

	d.trigger(ctx, ref)

	outcome := d.registry.Await(ctx, ref, d.timeout)

	switch outcome.Kind {
	case registry.OutcomeCompleted:
		return outcome.Path, true
	case registry.OutcomeFailed:
		logger.Info("file download failed", "err", outcome.Err)
	case registry.OutcomeTimedOut:
		logger.Info("gave up waiting for file", "timeout", d.timeout.String(), "err", outcome.Err)
	}

	return "", false
}

// QueueForDownload starts fetching every reference that is neither cached nor
// already in flight, without waiting for any of them.
func (d *FileDownloader) QueueForDownload(ctx context.Context, refs []fileref.Reference) {
	for _, ref := range refs {
		ctx, logger := logctx.WithAttrs(ctx, "file_reference", ref.String())

		if err := ref.Validate(); err != nil {
			logger.Warn("skipping queued reference", "err", err)

			continue
		}

		if _, ok := d.cached(ctx, ref); ok {
			continue
		}

		d.trigger(ctx, ref)
	}
}

// ReceiveFile accepts pushed content for ref. Content that does not hash to
// expectedHash is discarded and fails the running cycle. A malformed push is
// refused without touching the cycle. A push for a reference that is already
// completed is acknowledged and ignored.
func (d *FileDownloader) ReceiveFile(ctx context.Context, ref fileref.Reference, filename string, data []byte, expectedHash uint64) error {
	ctx, logger := logctx.WithAttrs(ctx, "file_reference", ref.String(), "filename", filename)

	if err := ref.Validate(); err != nil {
		return err
	}

	if err := cache.ValidateFilename(filename); err != nil {
		logger.Warn("refusing pushed file", "err", err)

		return err
	}

	d.telemetry.RecordBytesReceived(ctx, int64(len(data)))

	if err := content.Check(ref.String(), filename, data, expectedHash); err != nil {
		logger.Warn("discarding pushed file", "err", err)
		d.fail(ctx, ref, err)

		return err
	}

	err := d.registry.Serialize(ref, func() error {
		if info, ok := d.registry.Info(ref); ok && info.Status == registry.Completed {
			logger.Debug("ignoring push for completed reference", "path", info.Path)

			return nil
		}

		written, err := d.store.Write(ref, filename, data, func(read, total int64) {
			d.registry.UpdateProgress(ref, progress.Percent(read, total))
		})
		if err != nil {
			return err
		}

		tr := d.complete(ctx, ref, written)

		logger.Info("stored pushed file", "path", tr.Path, "size", humanize.Bytes(uint64(len(data))))

		return nil
	})
	if err != nil {
		logger.Error("failed to store pushed file", "err", err)
		d.telemetry.RecordSystemError(ctx, "cache", "write")
		d.fail(ctx, ref, err)

		return fmt.Errorf("failed to store pushed file: %w", err)
	}

	return nil
}

// DownloadStatus returns the progress of ref in percent, 0 for unknown references.
func (d *FileDownloader) DownloadStatus(ref fileref.Reference) float64 {
	return d.registry.StatusOf(ref)
}

// DownloadStatuses returns the progress of every reference seen so far.
func (d *FileDownloader) DownloadStatuses() map[fileref.Reference]float64 {
	return d.registry.Snapshot()
}

// Info returns diagnostics for ref.
func (d *FileDownloader) Info(ref fileref.Reference) (registry.Info, bool) {
	return d.registry.Info(ref)
}

func (d *FileDownloader) DownloadDirectory() string {
	return d.store.Root()
}

// ResumePending queues references the ledger still has in progress, typically
// left behind by a previous process.
func (d *FileDownloader) ResumePending(ctx context.Context, repo storage.DownloadReadRepository, limit int) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := repo.GetPendingDownloads(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending downloads: %w", err)
	}

	refs := make([]fileref.Reference, 0, len(records))

	for _, rec := range records {
		ref, err := fileref.New(rec.FileReference)
		if err != nil {
			logger.Warn("skipping invalid ledger entry", "file_reference", rec.FileReference, "err", err)

			continue
		}

		refs = append(refs, ref)
	}

	d.QueueForDownload(ctx, refs)

	return len(refs), nil
}

// Close cancels outstanding serve requests and waits for them to return.
// Cycles cut short this way fail; their ledger rows stay in progress.
func (d *FileDownloader) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return nil
	}

	d.closed = true
	d.mu.Unlock()

	d.cancel()

	return d.group.Wait()
}

// cached resolves ref from disk and marks it completed on a hit.
func (d *FileDownloader) cached(ctx context.Context, ref fileref.Reference) (string, bool) {
	path, ok, err := d.store.ExistingPath(ref)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to inspect cache", "err", err)
		d.telemetry.RecordSystemError(ctx, "cache", "inspect")

		return "", false
	}

	if !ok {
		return "", false
	}

	tr := d.complete(ctx, ref, path)
	if tr.Changed() && tr.From != registry.InProgress {
		d.telemetry.RecordCacheHit(ctx)
	}

	return tr.Path, true
}

// trigger starts a request cycle for ref unless one is already running.
func (d *FileDownloader) trigger(ctx context.Context, ref fileref.Reference) {
	logger := logctx.LoggerFromContext(ctx)

	if !d.registry.MarkInProgress(ref) {
		logger.Debug("joining existing download")

		return
	}

	logger.Debug("requesting file from peer")

	d.telemetry.AddActiveDownloads(ctx, 1)
	d.track(ctx, ref)

	if !d.dispatch(ref) {
		d.fail(ctx, ref, ErrClosed)
	}
}

func (d *FileDownloader) dispatch(ref fileref.Reference) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}

	d.group.Go(func() error {
		d.request(ref)

		return nil
	})

	return true
}

// request issues the single serve request of a cycle. Failures end the cycle;
// an acknowledgement leaves it running until the push arrives.
func (d *FileDownloader) request(ref fileref.Reference) {
	ctx, logger := logctx.WithAttrs(d.ctx, "file_reference", ref.String())

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.fail(ctx, ref, ctx.Err())

		return
	}
	defer func() { <-d.sem }()

	if err := d.requester.RequestServe(ctx, ref); err != nil {
		logger.Warn("peer did not accept serve request", "err", err)
		d.fail(ctx, ref, err)

		return
	}

	logger.Debug("peer will push file")
}

// complete marks ref completed. tr.Path is the path every caller must see.
func (d *FileDownloader) complete(ctx context.Context, ref fileref.Reference, path string) registry.Transition {
	tr := d.registry.MarkCompleted(ref, path)
	if !tr.Changed() {
		return tr
	}

	if tr.From == registry.InProgress {
		d.telemetry.AddActiveDownloads(ctx, -1)
		d.telemetry.RecordDownload(ctx, "completed", time.Since(tr.StartedAt))
	}

	d.record(ctx, ref, storage.StatusCompleted, tr.Path)

	return tr
}

func (d *FileDownloader) fail(ctx context.Context, ref fileref.Reference, cause error) {
	tr := d.registry.MarkFailed(ref, cause)
	if !tr.Changed() {
		return
	}

	if tr.From == registry.InProgress {
		d.telemetry.AddActiveDownloads(ctx, -1)
		d.telemetry.RecordDownload(ctx, "failed", time.Since(tr.StartedAt))
	}

	if d.ctx.Err() != nil {
		return
	}

	d.record(ctx, ref, storage.StatusFailed, "")
}

func (d *FileDownloader) track(ctx context.Context, ref fileref.Reference) {
	if d.ledger == nil {
		return
	}

	if err := d.ledger.TrackRequest(context.WithoutCancel(ctx), ref.String(), d.instanceID); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to record download request", "err", err)
	}
}

func (d *FileDownloader) record(ctx context.Context, ref fileref.Reference, status, path string) {
	if d.ledger == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)

	err := d.ledger.UpdateDownloadStatus(ctx, ref.String(), status, path)
	if errors.Is(err, storage.ErrNotTracked) {
		// Cache hits and unsolicited pushes never started a cycle.
		if err = d.ledger.TrackRequest(ctx, ref.String(), d.instanceID); err == nil {
			err = d.ledger.UpdateDownloadStatus(ctx, ref.String(), status, path)
		}
	}

	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to record download status", "status", status, "err", err)
	}
}
