package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/filedistribution/internal/cache"
	"github.com/italolelis/filedistribution/internal/content"
	"github.com/italolelis/filedistribution/internal/fileref"
	"github.com/italolelis/filedistribution/internal/logctx"
	"github.com/italolelis/filedistribution/internal/registry"
	"github.com/italolelis/filedistribution/internal/storage"
)

// Push results use the serveFile status convention: 0 is success.
const (
	pushStatusOK       int32 = 0
	pushStatusRejected int32 = 1
)

// FileService is the part of the file downloader exposed over HTTP.
type FileService interface {
	GetFile(ctx context.Context, ref fileref.Reference) (string, bool)
	QueueForDownload(ctx context.Context, refs []fileref.Reference)
	ReceiveFile(ctx context.Context, ref fileref.Reference, filename string, data []byte, expectedHash uint64) error
	DownloadStatuses() map[fileref.Reference]float64
	Info(ref fileref.Reference) (registry.Info, bool)
}

// PushRequest is a peer delivering the content of a reference. Content is
// base64 encoded, Hash is the 64-bit content hash as 16 hex digits.
type PushRequest struct {
	FileReference string `json:"fileReference"`
	Filename      string `json:"filename"`
	Content       string `json:"content"`
	Hash          string `json:"hash"`
}

type PushResponse struct {
	Status  int32  `json:"status"`
	Message string `json:"message"`
}

type QueueRequest struct {
	FileReferences []string `json:"fileReferences"`
}

type QueueResponse struct {
	Queued int `json:"queued"`
}

type StatusResponse struct {
	FileReference string     `json:"fileReference"`
	Status        string     `json:"status"`
	Progress      float64    `json:"progress"`
	Path          string     `json:"path,omitempty"`
	Cycle         int        `json:"cycle"`
	Waiters       int        `json:"waiters"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

type StatusesResponse struct {
	Downloads map[string]float64 `json:"downloads"`
}

type FileResponse struct {
	FileReference string `json:"fileReference"`
	Path          string `json:"path"`
}

type LedgerEntry struct {
	FileReference string    `json:"fileReference"`
	Status        string    `json:"status"`
	Path          string    `json:"path,omitempty"`
	RequestedBy   string    `json:"requestedBy"`
	Attempts      int       `json:"attempts"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type LedgerResponse struct {
	Downloads []LedgerEntry `json:"downloads"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type FileDistributionHandler struct {
	files       FileService
	ledger      storage.DownloadReadRepository
	maxPushSize int64
}

// NewFileDistributionHandler creates the push and status handler. Pushes
// larger than maxPushSize bytes on the wire are refused.
func NewFileDistributionHandler(files FileService, maxPushSize int64) *FileDistributionHandler {
	return &FileDistributionHandler{files: files, maxPushSize: maxPushSize}
}

// WithLedger exposes the download ledger under /filedistribution/ledger.
func (h *FileDistributionHandler) WithLedger(repo storage.DownloadReadRepository) *FileDistributionHandler {
	h.ledger = repo

	return h
}

func (h *FileDistributionHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/filedistribution", func(r chi.Router) {
		r.Post("/receiveFile", h.HandleReceiveFile)
		r.Post("/queue", h.HandleQueue)
		r.Get("/status", h.HandleStatuses)
		r.Get("/status/{ref}", h.HandleStatus)
		r.Get("/files/{ref}", h.HandleGetFile)

		if h.ledger != nil {
			r.Get("/ledger", h.HandleLedger)
		}
	})

	return r
}

// HandleReceiveFile is the reverse channel: a peer pushes content it agreed to serve.
func (h *FileDistributionHandler) HandleReceiveFile(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req PushRequest

	body := http.MaxBytesReader(w, r.Body, h.maxPushSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("push exceeds size limit", "limit", humanize.Bytes(uint64(tooLarge.Limit)))
			writePush(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("push exceeds %s", humanize.Bytes(uint64(tooLarge.Limit))))

			return
		}

		logger.Error("failed to decode push", "err", err)
		writePush(w, http.StatusBadRequest, "invalid request body")

		return
	}

	ref, err := fileref.New(req.FileReference)
	if err != nil {
		writePush(w, http.StatusBadRequest, err.Error())

		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writePush(w, http.StatusBadRequest, fmt.Sprintf("invalid base64 content: %v", err))

		return
	}

	expected, err := strconv.ParseUint(req.Hash, 16, 64)
	if err != nil {
		writePush(w, http.StatusBadRequest, fmt.Sprintf("invalid hash %q: must be 16 hex digits", req.Hash))

		return
	}

	if err := h.files.ReceiveFile(r.Context(), ref, req.Filename, data, expected); err != nil {
		writePush(w, pushErrorStatus(err), err.Error())

		return
	}

	writeJSON(w, http.StatusOK, PushResponse{Status: pushStatusOK, Message: "OK"})
}

// HandleQueue starts fetching references without waiting for them.
func (h *FileDistributionHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	refs, err := fileref.Parse(req.FileReferences)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	h.files.QueueForDownload(r.Context(), refs)

	writeJSON(w, http.StatusAccepted, QueueResponse{Queued: len(refs)})
}

func (h *FileDistributionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ref, err := fileref.New(chi.URLParam(r, "ref"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	resp := StatusResponse{FileReference: ref.String(), Status: registry.NotStarted.String()}

	if info, ok := h.files.Info(ref); ok {
		resp.Status = info.Status.String()
		resp.Progress = info.Progress
		resp.Path = info.Path
		resp.Cycle = info.Cycle
		resp.Waiters = info.Waiters
		resp.CreatedAt = &info.CreatedAt

		if info.LastErr != nil {
			resp.LastError = info.LastErr.Error()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *FileDistributionHandler) HandleStatuses(w http.ResponseWriter, r *http.Request) {
	statuses := h.files.DownloadStatuses()

	resp := StatusesResponse{Downloads: make(map[string]float64, len(statuses))}
	for ref, pct := range statuses {
		resp.Downloads[ref.String()] = pct
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleGetFile blocks until the file is available or the download timeout passes.
func (h *FileDistributionHandler) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	ref, err := fileref.New(chi.URLParam(r, "ref"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	path, ok := h.files.GetFile(r.Context(), ref)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("file %s is not available", ref)})

		return
	}

	writeJSON(w, http.StatusOK, FileResponse{FileReference: ref.String(), Path: path})
}

// HandleLedger lists the last recorded cycle of every reference, including
// those requested by a previous process.
func (h *FileDistributionHandler) HandleLedger(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.GetDownloads(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read download ledger", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read download ledger"})

		return
	}

	resp := LedgerResponse{Downloads: make([]LedgerEntry, 0, len(records))}
	for _, rec := range records {
		resp.Downloads = append(resp.Downloads, LedgerEntry{
			FileReference: rec.FileReference,
			Status:        rec.Status,
			Path:          rec.Path,
			RequestedBy:   rec.RequestedBy,
			Attempts:      rec.Attempts,
			UpdatedAt:     rec.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func pushErrorStatus(err error) int {
	var integrity *content.IntegrityError

	switch {
	case errors.As(err, &integrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, cache.ErrInvalidFilename), errors.Is(err, fileref.ErrInvalidReference):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writePush(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, PushResponse{Status: pushStatusRejected, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(v)
}
