// Package api exposes the upload coordination HTTP surface: admission
// checks, upload intake, and asset status reads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/logging"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/queue"
	"clipforge/internal/quota"
	"clipforge/internal/storage"
)

// Handler serves the coordination API. Every dependency is required except
// Logger and Metrics, which default to the process-wide instances.
type Handler struct {
	Store   storage.Repository
	Quota   *quota.Controller
	Queue   queue.Queue
	Bucket  string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// NewHandler wires the API handler with defaults filled in.
func NewHandler(store storage.Repository, quotaCtrl *quota.Controller, q queue.Queue, bucket string) *Handler {
	return &Handler{
		Store:   store,
		Quota:   quotaCtrl,
		Queue:   q,
		Bucket:  bucket,
		Logger:  slog.Default(),
		Metrics: metrics.Default(),
	}
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type admissionRequest struct {
	OrgID          string `json:"org_id"`
	RequestedBytes int64  `json:"requested_bytes"`
}

// Admission runs a quota check without reserving anything. The response
// carries the full decision either way; clients use it to pre-flight large
// uploads.
func (h *Handler) Admission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req admissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if strings.TrimSpace(req.OrgID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("org_id is required"))
		return
	}
	if req.RequestedBytes <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("requested_bytes must be positive"))
		return
	}
	decision, err := h.Quota.Check(r.Context(), req.OrgID, req.RequestedBytes)
	if err != nil {
		h.logger(r.Context()).Error("admission check failed", "org_id", req.OrgID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("admission check failed"))
		return
	}
	h.observeDecision(decision)
	writeJSON(w, http.StatusOK, decision)
}

type uploadRequest struct {
	OrgID           string  `json:"org_id"`
	FileName        string  `json:"file_name"`
	FileSizeBytes   int64   `json:"file_size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type uploadResponse struct {
	Asset    models.MediaAsset `json:"asset"`
	JobID    string            `json:"job_id"`
	Decision quota.Decision    `json:"quota"`
}

// Uploads admits an upload, records its asset, and queues the transcode
// job. A denied quota check returns 507 with the decision so the client can
// surface usage against the limit.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if strings.TrimSpace(req.OrgID) == "" || strings.TrimSpace(req.FileName) == "" {
		writeError(w, http.StatusBadRequest, errors.New("org_id and file_name are required"))
		return
	}
	if req.FileSizeBytes <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("file_size_bytes must be positive"))
		return
	}
	ctx := r.Context()
	logger := h.logger(ctx)

	decision, err := h.Quota.Check(ctx, req.OrgID, req.FileSizeBytes)
	if err != nil {
		logger.Error("admission check failed", "org_id", req.OrgID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("admission check failed"))
		return
	}
	h.observeDecision(decision)
	if !decision.Allowed {
		writeJSON(w, http.StatusInsufficientStorage, decision)
		return
	}

	assetID := uuid.NewString()
	asset, err := h.Store.CreateMediaAsset(ctx, models.MediaAsset{
		ID:              assetID,
		OrgID:           req.OrgID,
		Bucket:          h.Bucket,
		StoragePath:     objectstore.RawKey(req.OrgID, assetID, req.FileName),
		FileName:        req.FileName,
		FileSizeBytes:   req.FileSizeBytes,
		DurationSeconds: req.DurationSeconds,
		ProcessingStage: models.StageUploaded,
	})
	if err != nil {
		logger.Error("asset create failed", "org_id", req.OrgID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("asset create failed"))
		return
	}

	msg := models.TranscodeMessage{
		MediaAssetID:    asset.ID,
		OrgID:           asset.OrgID,
		RawStoragePath:  asset.StoragePath,
		FileSizeBytes:   asset.FileSizeBytes,
		DurationSeconds: asset.DurationSeconds,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("payload marshal failed", "asset_id", asset.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("job create failed"))
		return
	}
	job, err := h.Store.CreateJob(ctx, models.Job{
		OrgID:   asset.OrgID,
		Type:    models.JobTypeTranscode,
		Payload: payload,
	})
	if err != nil {
		logger.Error("job create failed", "asset_id", asset.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("job create failed"))
		return
	}

	msg.JobID = job.ID
	body, err := json.Marshal(msg)
	if err != nil {
		logger.Error("message marshal failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("enqueue failed"))
		return
	}
	if err := h.Queue.Enqueue(ctx, body); err != nil {
		logger.Error("enqueue failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("enqueue failed"))
		return
	}
	h.recorder().ObserveQueueEvent("enqueue")

	if err := h.Store.SetProcessingStage(ctx, asset.ID, models.StageQueued); err != nil {
		logger.Warn("stage update failed", "asset_id", asset.ID, "error", err)
	} else {
		asset.ProcessingStage = models.StageQueued
	}

	logger.Info("upload admitted",
		"org_id", asset.OrgID,
		"asset_id", asset.ID,
		"job_id", job.ID,
		"file_size_bytes", asset.FileSizeBytes)
	writeJSON(w, http.StatusCreated, uploadResponse{Asset: asset, JobID: job.ID, Decision: decision})
}

type assetStatusResponse struct {
	Asset    models.MediaAsset `json:"asset"`
	Segments int               `json:"segments"`
}

// UploadByID serves asset status reads and keys like
// /api/v1/uploads/{id}/segments.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/uploads/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	asset, err := h.Store.GetMediaAsset(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("asset not found"))
			return
		}
		h.logger(ctx).Error("asset lookup failed", "asset_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("asset lookup failed"))
		return
	}
	switch sub {
	case "":
		segments, err := h.Store.ListSegments(ctx, id)
		if err != nil {
			h.logger(ctx).Error("segment lookup failed", "asset_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("segment lookup failed"))
			return
		}
		writeJSON(w, http.StatusOK, assetStatusResponse{Asset: asset, Segments: len(segments)})
	case "segments":
		segments, err := h.Store.ListSegments(ctx, id)
		if err != nil {
			h.logger(ctx).Error("segment lookup failed", "asset_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("segment lookup failed"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"segments": segments})
	case "playlist":
		writeJSON(w, http.StatusOK, map[string]string{
			"playlist": objectstore.PlaylistKey(asset.OrgID, asset.ID),
		})
	default:
		http.NotFound(w, r)
	}
}

// JobByID serves job status reads and cancellation at
// /api/v1/jobs/{id} and /api/v1/jobs/{id}/cancel.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	switch {
	case sub == "" && r.Method == http.MethodGet:
		job, err := h.Store.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, errors.New("job not found"))
				return
			}
			h.logger(ctx).Error("job lookup failed", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("job lookup failed"))
			return
		}
		writeJSON(w, http.StatusOK, job)
	case sub == "cancel" && r.Method == http.MethodPost:
		if err := h.Store.CancelJob(ctx, id); err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				writeError(w, http.StatusNotFound, errors.New("job not found"))
			case errors.Is(err, storage.ErrStaleTransition):
				writeError(w, http.StatusConflict, errors.New("job already finished"))
			default:
				h.logger(ctx).Error("cancel failed", "job_id", id, "error", err)
				writeError(w, http.StatusInternalServerError, errors.New("cancel failed"))
			}
			return
		}
		h.logger(ctx).Info("job canceled", "job_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"state": string(models.JobCanceled)})
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (h *Handler) observeDecision(decision quota.Decision) {
	if decision.Allowed {
		h.recorder().ObserveQuotaDecision("allowed")
	} else {
		h.recorder().ObserveQuotaDecision("denied")
	}
}
