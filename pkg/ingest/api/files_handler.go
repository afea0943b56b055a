// Package api exposes the ingestion lifecycle over HTTP.
package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/tendant/simple-ingest/pkg/ingest"
	"github.com/tendant/simple-ingest/pkg/ingest/digest"
)

// DefaultMaxUploadSize caps a single multipart upload
const DefaultMaxUploadSize int64 = 512 << 20

// DefaultRecentLimit is the listing size when no limit is given
const DefaultRecentLimit = 20

// FilesHandler handles file upload and management endpoints
type FilesHandler struct {
	manager       *ingest.Manager
	logger        *zap.Logger
	maxUploadSize int64
}

// NewFilesHandler creates a handler over manager. A non-positive
// maxUploadSize uses DefaultMaxUploadSize.
func NewFilesHandler(manager *ingest.Manager, logger *zap.Logger, maxUploadSize int64) *FilesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &FilesHandler{
		manager:       manager,
		logger:        logger.Named("api"),
		maxUploadSize: maxUploadSize,
	}
}

// Routes returns the router for files endpoints
func (h *FilesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.UploadFile)
	r.Get("/", h.ListFiles)
	r.Get("/{file_id}", h.GetFile)
	r.Get("/{file_id}/metadata", h.GetMetadata)
	r.Post("/{file_id}/reanalyze", h.ReanalyzeFile)
	r.Delete("/{file_id}", h.DeleteFile)
	return r
}

// FileResponse is a file record plus the public address of each stored
// representation
type FileResponse struct {
	*ingest.FileRecord
	URLs map[string]string `json:"urls,omitempty"`
}

// DeleteResponse reports a deletion whose storage cleanup may be incomplete
type DeleteResponse struct {
	ID              int64    `json:"id"`
	Deleted         bool     `json:"deleted"`
	CleanupFailures []string `json:"cleanup_failures,omitempty"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// UploadFile stages a multipart "file" part and creates its record. The
// parent item comes from the "item_id" form field.
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.respondError(w, r, http.StatusBadRequest, fmt.Errorf("invalid multipart upload: %w", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	itemID, err := strconv.ParseInt(r.FormValue("item_id"), 10, 64)
	if err != nil || itemID <= 0 {
		h.respondError(w, r, http.StatusBadRequest, errors.New("item_id must be a positive integer"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, fmt.Errorf("file part is required: %w", err))
		return
	}
	defer file.Close()

	staged, sum, err := h.stage(file, header.Filename)
	if err != nil {
		h.logger.Error("failed to stage upload", zap.Error(err))
		h.respondError(w, r, http.StatusInternalServerError, errors.New("failed to stage upload"))
		return
	}

	rec, err := h.manager.Create(r.Context(), ingest.CreateFileRequest{
		ItemID:           itemID,
		StagedPath:       staged,
		OriginalFilename: header.Filename,
		ReportedMIMEType: header.Header.Get("Content-Type"),
		Digest:           &sum,
	})
	if err != nil && rec == nil {
		_ = os.Remove(staged)
		h.fail(w, r, err)
		return
	}
	if err != nil {
		// the record exists; the retry sweep enqueues it later
		h.logger.Warn("file created without job", zap.Int64("file_id", rec.ID), zap.Error(err))
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, FileResponse{FileRecord: rec})
}

// stage copies an upload into the staging directory under a fresh archive
// filename that keeps the original extension, hashing the bytes on the way.
func (h *FilesHandler) stage(src multipart.File, original string) (string, ingest.Digest, error) {
	path := filepath.Join(h.manager.StagingDir(), stagedName(original))

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", ingest.Digest{}, err
	}
	sum, err := digest.Reader(io.TeeReader(src, dst))
	if err != nil {
		dst.Close()
		os.Remove(path)
		return "", ingest.Digest{}, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", ingest.Digest{}, err
	}
	return path, sum, nil
}

// GetFile returns one file record
func (h *FilesHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.fileID(w, r)
	if !ok {
		return
	}
	rec, err := h.manager.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, h.response(rec))
}

// ListFiles returns the most recent files, optionally filtered by item_id
// and state
func (h *FilesHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := DefaultRecentLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.respondError(w, r, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	params := ingest.ListFilesParams{Limit: limit, Newest: true}
	if v := q.Get("item_id"); v != "" {
		itemID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.respondError(w, r, http.StatusBadRequest, errors.New("item_id must be an integer"))
			return
		}
		params.ItemID = itemID
	}
	for _, s := range splitList(q.Get("state")) {
		params.States = append(params.States, ingest.State(s))
	}

	var (
		recs []*ingest.FileRecord
		err  error
	)
	if params.ItemID == 0 && len(params.States) == 0 {
		recs, err = h.manager.Recent(r.Context(), limit)
	} else if limit == 0 {
		recs = []*ingest.FileRecord{}
	} else {
		recs, err = h.manager.List(r.Context(), params)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	render.JSON(w, r, lo.Map(recs, func(rec *ingest.FileRecord, _ int) FileResponse {
		return h.response(rec)
	}))
}

// GetMetadata returns the technical metadata of a file. The optional
// fields parameter is a comma separated allow-list.
func (h *FilesHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := h.fileID(w, r)
	if !ok {
		return
	}
	md, err := h.manager.Metadata(r.Context(), id, splitList(r.URL.Query().Get("fields")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, md)
}

// ReanalyzeFile re-runs media analysis for a processed file and returns the
// updated record
func (h *FilesHandler) ReanalyzeFile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.fileID(w, r)
	if !ok {
		return
	}
	rec, _, err := h.manager.Reanalyze(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, h.response(rec))
}

// DeleteFile removes a file record and its stored representations
func (h *FilesHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.fileID(w, r)
	if !ok {
		return
	}

	err := h.manager.Delete(r.Context(), id)
	var deleteErr *ingest.StorageDeleteError
	switch {
	case err == nil:
		render.JSON(w, r, DeleteResponse{ID: id, Deleted: true})
	case errors.As(err, &deleteErr):
		failures := lo.Map(lo.Keys(deleteErr.Failed), func(rep ingest.Representation, _ int) string {
			return string(rep)
		})
		slices.Sort(failures)
		render.JSON(w, r, DeleteResponse{ID: id, Deleted: true, CleanupFailures: failures})
	default:
		h.fail(w, r, err)
	}
}

func (h *FilesHandler) response(rec *ingest.FileRecord) FileResponse {
	resp := FileResponse{FileRecord: rec}
	if !rec.Stored {
		return resp
	}
	resp.URLs = make(map[string]string)
	for _, rep := range rec.Representations() {
		uri, err := h.manager.WebPath(rec, rep)
		if err != nil {
			h.logger.Debug("no public address", zap.Int64("file_id", rec.ID), zap.String("representation", string(rep)), zap.Error(err))
			continue
		}
		resp.URLs[string(rep)] = uri
	}
	return resp
}

func (h *FilesHandler) fileID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "file_id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, r, http.StatusBadRequest, errors.New("invalid file id"))
		return 0, false
	}
	return id, true
}

// fail maps lifecycle errors to HTTP statuses
func (h *FilesHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ingest.ErrFileNotFound), errors.Is(err, ingest.ErrRepresentationMissing):
		status = http.StatusNotFound
	case errors.Is(err, ingest.ErrItemNotFound):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrInvalidState), errors.Is(err, ingest.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ingest.ErrIO):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	h.respondError(w, r, status, err)
}

func (h *FilesHandler) respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}

func splitList(raw string) []string {
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}
