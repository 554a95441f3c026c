package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/upload"
	"github.com/voxpipe/voxpipe/internal/webhook"
)

// OwnerHeader carries the caller identity. Authentication itself lives in
// front of this API; the header is the contract with it.
const OwnerHeader = "X-Owner-ID"

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	uploads    *upload.Manager
	jobs       job.Store
	blobs      blob.Store
	local      *blob.LocalStore
	webhooks   webhook.Store
	validator  *validator.Validate
	logger     *slog.Logger
	presignTTL time.Duration
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithLocalBlobStore enables the /blobs download route that serves the
// LocalStore's presigned URLs. Not used when blobs live in S3.
func WithLocalBlobStore(s *blob.LocalStore) HandlerOption {
	return func(h *Handlers) {
		h.local = s
	}
}

// WithPresignTTL sets the lifetime of asset download URLs.
func WithPresignTTL(ttl time.Duration) HandlerOption {
	return func(h *Handlers) {
		h.presignTTL = ttl
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(uploads *upload.Manager, jobs job.Store, blobs blob.Store, webhooks webhook.Store, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		uploads:    uploads,
		jobs:       jobs,
		blobs:      blobs,
		webhooks:   webhooks,
		validator:  validator.New(),
		logger:     logger,
		presignTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateSession handles POST /uploads/sessions requests.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	sess, err := h.uploads.CreateSession(r.Context(), owner, req.Filename, req.TotalSize, req.MimeType)
	if err != nil {
		h.writeUploadError(w, err, "create session failed")
		return
	}

	h.logger.Info("upload session created",
		slog.String("upload_id", sess.UploadID),
		slog.String("owner_id", owner),
		slog.Int64("total_size", req.TotalSize),
	)
	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

// GetSession handles GET /uploads/{id} requests.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	sess, err := h.uploads.GetSession(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		h.writeUploadError(w, err, "get session failed")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// PutChunk handles PUT /uploads/{id}/chunks/{index} requests. The chunk
// bytes are the raw request body.
func (h *Handlers) PutChunk(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "chunk index must be a non-negative integer", "INVALID_CHUNK_INDEX")
		return
	}

	sess, err := h.uploads.PutChunk(r.Context(), owner, r.PathValue("id"), index, r.Body)
	if err != nil {
		h.writeUploadError(w, err, "put chunk failed")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// Finalize handles POST /uploads/{id}/finalize requests.
func (h *Handlers) Finalize(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req FinalizeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
	}

	created, err := h.uploads.Finalize(r.Context(), owner, r.PathValue("id"), upload.FinalizeRequest{
		ClientSHA256: req.SHA256,
		Language:     req.Language,
		Diarize:      req.Diarize,
	})
	if err != nil {
		h.writeUploadError(w, err, "finalize failed")
		return
	}

	h.logger.Info("upload finalized",
		slog.String("upload_id", r.PathValue("id")),
		slog.String("job_id", created.ID),
	)
	writeJSON(w, http.StatusCreated, jobResponse(created))
}

// AbortSession handles POST /uploads/{id}/abort requests.
func (h *Handlers) AbortSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	if err := h.uploads.Abort(r.Context(), owner, r.PathValue("id")); err != nil {
		h.writeUploadError(w, err, "abort failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	j, ok := h.ownedJob(w, r, owner)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(j))
}

// ListJobs handles GET /jobs requests with optional state and limit filters.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var f job.ListFilter
	if state := r.URL.Query().Get("state"); state != "" {
		f.State = job.State(state)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "INVALID_LIMIT")
			return
		}
		f.Limit = limit
	}

	found, err := h.jobs.ListOwnerJobs(r.Context(), owner, f)
	if err != nil {
		h.logger.Error("list jobs failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_LIST_FAILED")
		return
	}

	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(found))}
	for _, j := range found {
		resp.Jobs = append(resp.Jobs, jobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob handles POST /jobs/{id}/cancel requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	j, ok := h.ownedJob(w, r, owner)
	if !ok {
		return
	}

	if err := h.jobs.RequestCancel(r.Context(), j.ID); err != nil {
		if errors.Is(err, job.ErrTerminal) {
			writeError(w, http.StatusConflict, "job already finished", "ALREADY_TERMINAL")
			return
		}
		h.logger.Error("cancel request failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to request cancellation", "CANCEL_FAILED")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListAssets handles GET /jobs/{id}/assets requests. Each asset carries a
// presigned download URL. Assets written before a job failed stay readable
// but are flagged non-canonical.
func (h *Handlers) ListAssets(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	j, ok := h.ownedJob(w, r, owner)
	if !ok {
		return
	}
	if j.State != job.StateComplete && j.State != job.StateFailed {
		writeError(w, http.StatusConflict, "job has no assets yet", "JOB_NOT_COMPLETE")
		return
	}

	assets, err := h.jobs.ListAssets(r.Context(), j.ID)
	if err != nil {
		h.logger.Error("list assets failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list assets", "ASSET_LIST_FAILED")
		return
	}

	resp := AssetListResponse{Assets: make([]AssetResponse, 0, len(assets))}
	for _, a := range assets {
		url, err := h.blobs.PresignGet(r.Context(), a.StorageKey, h.presignTTL)
		if err != nil {
			h.logger.Error("presign asset failed",
				slog.String("job_id", j.ID),
				slog.String("key", a.StorageKey),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to presign asset", "PRESIGN_FAILED")
			return
		}
		resp.Assets = append(resp.Assets, AssetResponse{
			ID:          a.ID,
			Kind:        string(a.Kind),
			MimeType:    a.MimeType,
			ByteSize:    a.ByteSize,
			DownloadURL: url,
			Canonical:   j.State == job.StateComplete,
			CreatedAt:   a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateWebhook handles POST /webhooks requests.
func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	reg := webhook.NewRegistration(owner, req.URL, req.Secret)
	if err := h.webhooks.CreateRegistration(r.Context(), reg); err != nil {
		h.logger.Error("create webhook failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create webhook", "WEBHOOK_CREATE_FAILED")
		return
	}
	writeJSON(w, http.StatusCreated, webhookResponse(reg))
}

// ListWebhooks handles GET /webhooks requests.
func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	regs, err := h.webhooks.ListByOwner(r.Context(), owner)
	if err != nil {
		h.logger.Error("list webhooks failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list webhooks", "WEBHOOK_LIST_FAILED")
		return
	}

	resp := WebhookListResponse{Webhooks: make([]WebhookResponse, 0, len(regs))}
	for _, reg := range regs {
		resp.Webhooks = append(resp.Webhooks, webhookResponse(reg))
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteWebhook handles DELETE /webhooks/{id} requests.
func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	reg, err := h.webhooks.GetRegistration(r.Context(), r.PathValue("id"))
	if err != nil || reg.OwnerID != owner {
		writeError(w, http.StatusNotFound, "webhook not found", "WEBHOOK_NOT_FOUND")
		return
	}
	if err := h.webhooks.DeleteRegistration(r.Context(), reg.ID); err != nil {
		h.logger.Error("delete webhook failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to delete webhook", "WEBHOOK_DELETE_FAILED")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadBlob handles GET /blobs/{key...} requests, serving LocalStore
// presigned URLs. The route is not registered when blobs live in S3.
func (h *Handlers) DownloadBlob(w http.ResponseWriter, r *http.Request) {
	if h.local == nil {
		writeError(w, http.StatusNotFound, "not found", "NOT_FOUND")
		return
	}

	key := r.PathValue("key")
	exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid download token", "INVALID_TOKEN")
		return
	}
	if !h.local.VerifyPresign(key, exp, r.URL.Query().Get("sig")) {
		writeError(w, http.StatusForbidden, "invalid or expired download token", "INVALID_TOKEN")
		return
	}

	rc, err := h.local.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "blob not found", "BLOB_NOT_FOUND")
			return
		}
		h.logger.Error("open blob failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to open blob", "BLOB_OPEN_FAILED")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("blob download interrupted",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func webhookResponse(reg *webhook.Registration) WebhookResponse {
	return WebhookResponse{
		ID:        reg.ID,
		URL:       reg.URL,
		Enabled:   reg.Enabled,
		CreatedAt: reg.CreatedAt,
	}
}

// owner reads the caller identity header, writing a 401 if absent.
func (h *Handlers) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, OwnerHeader+" header is required", "MISSING_OWNER")
		return "", false
	}
	return owner, true
}

// ownedJob fetches the path's job and enforces ownership. Foreign jobs read
// as not found so job IDs leak nothing.
func (h *Handlers) ownedJob(w http.ResponseWriter, r *http.Request, owner string) (*job.Job, bool) {
	j, err := h.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return nil, false
		}
		h.logger.Error("get job failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return nil, false
	}
	if j.OwnerID != owner {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return nil, false
	}
	return j, true
}

// writeUploadError maps upload manager sentinels to HTTP responses.
func (h *Handlers) writeUploadError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound), errors.Is(err, upload.ErrNotOwner):
		writeError(w, http.StatusNotFound, "upload session not found", "SESSION_NOT_FOUND")
	case errors.Is(err, upload.ErrSessionClosed):
		writeError(w, http.StatusConflict, "upload session is closed", "SESSION_CLOSED")
	case errors.Is(err, upload.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error(), "UPLOAD_TOO_LARGE")
	case errors.Is(err, upload.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error(), "UNSUPPORTED_TYPE")
	case errors.Is(err, upload.ErrChunkOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error(), "CHUNK_OUT_OF_RANGE")
	case errors.Is(err, upload.ErrChunkSize):
		writeError(w, http.StatusBadRequest, err.Error(), "CHUNK_SIZE_MISMATCH")
	case errors.Is(err, upload.ErrChunkConflict):
		writeError(w, http.StatusConflict, "chunk already uploaded with different content", "CHUNK_CONFLICT")
	case errors.Is(err, upload.ErrIncomplete):
		writeError(w, http.StatusConflict, err.Error(), "UPLOAD_INCOMPLETE")
	case errors.Is(err, upload.ErrHashMismatch):
		writeError(w, http.StatusConflict, "assembled file hash does not match", "HASH_MISMATCH")
	case errors.Is(err, upload.ErrFinalizeInFlight):
		writeError(w, http.StatusConflict, "finalize already in progress", "FINALIZE_IN_FLIGHT")
	default:
		h.logger.Error(logMsg, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
