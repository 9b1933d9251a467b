package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/logging"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/queue"
	"clipforge/internal/segment"
	"clipforge/internal/storage"
)

// Error codes recorded on failed jobs. Each maps to the phase that failed.
const (
	ErrCodeDownload = "DOWNLOAD_FAILED"
	ErrCodeFFmpeg   = "FFMPEG_FAILED"
	ErrCodeUpload   = "UPLOAD_FAILED"
	ErrCodeAttempts = "ATTEMPTS_EXHAUSTED"
)

// WorkerConfig wires one transcode worker to its dependencies.
type WorkerConfig struct {
	Queue    queue.Queue
	Repo     storage.Repository
	Store    objectstore.Store
	Pipeline Pipeline
	Segments *segment.Generator

	// Estimator sizes the visibility window once the payload is decoded.
	// Nil uses the stock tiers.
	Estimator *LeaseEstimator

	// Bucket is the object store bucket used when the asset does not name
	// one of its own.
	Bucket string

	// ScratchDir holds per-job working directories. Each job's directory
	// is removed when the job finishes, whatever the outcome.
	ScratchDir string

	// ReceiveWait bounds each long poll; ReceiveVisibility is the initial
	// lease granted before the payload has been inspected.
	ReceiveWait       time.Duration
	ReceiveVisibility time.Duration

	HeartbeatInterval  time.Duration
	HeartbeatExtension time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Worker consumes transcode jobs from the queue and drives each one through
// download, transcode, upload, and bookkeeping. Multiple workers may run
// against the same queue; the visibility lease keeps each message with a
// single worker while it is being processed.
type Worker struct {
	cfg WorkerConfig
}

// NewWorker validates the configuration and fills defaults.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Estimator == nil {
		cfg.Estimator = DefaultLeaseEstimator()
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 20 * time.Second
	}
	if cfg.ReceiveVisibility <= 0 {
		cfg.ReceiveVisibility = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &Worker{cfg: cfg}, nil
}

// Run polls the queue until the context is canceled. Receive errors back the
// loop off briefly instead of spinning.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delivery, err := w.cfg.Queue.Receive(ctx, w.cfg.ReceiveWait, w.cfg.ReceiveVisibility)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.cfg.Logger.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		w.cfg.Metrics.ObserveQueueEvent("receive")
		w.handle(ctx, delivery)
	}
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	var msg models.TranscodeMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.cfg.Logger.Error("discarding malformed message", "delivery_id", d.ID, "error", err)
		w.deleteMessage(ctx, d)
		return
	}
	logger := w.cfg.Logger.With("job_id", msg.JobID, "asset_id", msg.MediaAssetID)
	ctx = logging.ContextWithJobID(ctx, msg.JobID)

	job, err := w.cfg.Repo.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("job row missing, discarding message")
			w.deleteMessage(ctx, d)
			return
		}
		logger.Error("job lookup failed", "error", err)
		return
	}
	if job.State.Terminal() {
		// Duplicate delivery after another worker finished, or the job
		// was canceled while queued.
		logger.Info("skipping terminal job", "state", job.State)
		w.deleteMessage(ctx, d)
		return
	}

	// Re-lease for the full expected duration now that the file size is
	// known; the receive-time lease only covers this setup.
	window := w.cfg.Estimator.Window(msg.FileSizeBytes)
	if err := w.cfg.Queue.Extend(ctx, d, window); err != nil {
		w.cfg.Metrics.ObserveLeaseExtension("failed")
		logger.Warn("initial lease extension failed", "error", err)
		return
	}
	w.cfg.Metrics.ObserveLeaseExtension("ok")
	logger.Info("processing job",
		"attempt", job.Attempt+1,
		"file_size_bytes", msg.FileSizeBytes,
		"lease_window", window,
		"estimated_processing", EstimateProcessing(msg.FileSizeBytes))

	if _, err := w.cfg.Repo.MarkJobRunning(ctx, msg.JobID); err != nil {
		switch {
		case errors.Is(err, storage.ErrAttemptsExhausted):
			logger.Warn("attempt ceiling reached, failing job")
			w.failJob(ctx, d, msg, ErrCodeAttempts, "maximum transcode attempts reached", nil)
		case errors.Is(err, storage.ErrStaleTransition):
			logger.Info("job no longer runnable, discarding message")
			w.deleteMessage(ctx, d)
		default:
			logger.Error("mark running failed", "error", err)
		}
		return
	}
	w.cfg.Metrics.JobStarted()

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	hb := StartHeartbeat(ctx, HeartbeatConfig{
		Queue:     w.cfg.Queue,
		Delivery:  d,
		Interval:  w.cfg.HeartbeatInterval,
		Extension: w.cfg.HeartbeatExtension,
		Logger:    logger,
		OnFailure: func(err error) {
			// The lease is gone, so another worker may already own this
			// message. Abandon local work and let that attempt win.
			w.cfg.Metrics.ObserveLeaseExtension("failed")
			cancelJob()
		},
	})
	defer hb.Stop()

	if err := w.process(jobCtx, d, msg, logger); err != nil {
		return
	}

	hb.Stop()
	w.cfg.Metrics.JobCompleted()
	w.deleteMessage(ctx, d)
	logger.Info("job complete", "lease_extensions", hb.Stats().Extensions)
}

// process runs the transcode phases. It handles its own bookkeeping on
// failure and returns a non-nil error to signal that the message must not
// be acknowledged as succeeded.
func (w *Worker) process(ctx context.Context, d *queue.Delivery, msg models.TranscodeMessage, logger *slog.Logger) error {
	if err := w.cfg.Repo.BeginTranscode(ctx, msg.MediaAssetID); err != nil {
		return w.phaseFailed(ctx, d, msg, ErrCodeFFmpeg, "asset not in a transcodable stage", err, logger)
	}

	scratch, err := os.MkdirTemp(w.cfg.ScratchDir, "transcode-*")
	if err != nil {
		return w.phaseFailed(ctx, d, msg, ErrCodeDownload, "scratch directory unavailable", err, logger)
	}
	defer os.RemoveAll(scratch)

	bucket := w.bucketFor(ctx, msg)
	input := path.Join(scratch, "source")
	if err := w.cfg.Store.Download(ctx, bucket, msg.RawStoragePath, input); err != nil {
		return w.phaseFailed(ctx, d, msg, ErrCodeDownload, "raw object download failed", err, logger)
	}

	outputDir := path.Join(scratch, "streaming")
	lastFlushed := -1
	if err := w.cfg.Pipeline.Run(ctx, input, outputDir, func(pct int) {
		if pct <= lastFlushed || pct-lastFlushed < 5 && pct < 100 {
			return
		}
		lastFlushed = pct
		if err := w.cfg.Repo.SetTranscodeProgress(ctx, msg.MediaAssetID, pct); err != nil {
			logger.Warn("progress update failed", "progress", pct, "error", err)
		}
	}); err != nil {
		return w.phaseFailed(ctx, d, msg, ErrCodeFFmpeg, "ffmpeg pipeline failed", err, logger)
	}

	thumbnailKey := w.captureThumbnail(ctx, msg, bucket, input, scratch, logger)

	prefix := objectstore.StreamingPrefix(msg.OrgID, msg.MediaAssetID)
	uploaded, err := w.cfg.Store.UploadDir(ctx, bucket, prefix, outputDir)
	if err != nil {
		return w.phaseFailed(ctx, d, msg, ErrCodeUpload, "streaming output upload failed", err, logger)
	}

	if err := w.cfg.Repo.MarkStreamingReady(ctx, msg.MediaAssetID, thumbnailKey); err != nil {
		return w.phaseFailed(ctx, d, msg, ErrCodeUpload, "asset finalization failed", err, logger)
	}

	result, err := json.Marshal(map[string]any{
		"streaming_path": objectstore.PlaylistKey(msg.OrgID, msg.MediaAssetID),
		"objects":        uploaded,
	})
	if err != nil {
		result = nil
	}
	if err := w.cfg.Repo.CompleteJob(ctx, msg.JobID, result); err != nil {
		if errors.Is(err, storage.ErrStaleTransition) {
			// Canceled out-of-band or finished by a competing attempt.
			// The asset output is idempotent, so nothing to roll back.
			logger.Info("job finished elsewhere, leaving record as-is")
			return nil
		}
		logger.Error("complete job failed", "error", err)
		w.cfg.Metrics.JobAbandoned()
		return err
	}

	w.generateSegments(ctx, msg, logger)
	return nil
}

// phaseFailed classifies a phase error. A canceled context means the lease
// was lost or the worker is shutting down: the attempt is abandoned with no
// terminal writes and the message stays leased, so lease expiry redelivers
// it to another worker. Any other error is a real failure for this job.
func (w *Worker) phaseFailed(ctx context.Context, d *queue.Delivery, msg models.TranscodeMessage, code, reason string, cause error, logger *slog.Logger) error {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		logger.Warn("abandoning attempt", "phase", code, "error", cause)
		w.cfg.Metrics.JobAbandoned()
		return cause
	}
	logger.Error(reason, "error", cause)
	w.failJob(ctx, d, msg, code, reason, cause)
	return cause
}

func (w *Worker) captureThumbnail(ctx context.Context, msg models.TranscodeMessage, bucket, input, scratch string, logger *slog.Logger) string {
	thumbnailer, ok := w.cfg.Pipeline.(Thumbnailer)
	if !ok {
		return ""
	}
	local := path.Join(scratch, "thumbnail.jpg")
	if err := thumbnailer.Thumbnail(ctx, input, local); err != nil {
		logger.Warn("thumbnail capture failed", "error", err)
		return ""
	}
	key := objectstore.ThumbnailKey(msg.OrgID, msg.MediaAssetID)
	if err := w.cfg.Store.UploadFile(ctx, bucket, key, local); err != nil {
		logger.Warn("thumbnail upload failed", "error", err)
		return ""
	}
	return key
}

func (w *Worker) generateSegments(ctx context.Context, msg models.TranscodeMessage, logger *slog.Logger) {
	if w.cfg.Segments == nil {
		return
	}
	created, err := w.cfg.Segments.Generate(ctx, msg.MediaAssetID)
	if err != nil {
		// Ready assets are picked up by the segmenter sweep, so a failed
		// inline pass is not fatal to the job.
		logger.Warn("segment generation failed", "error", err)
		return
	}
	if created > 0 {
		w.cfg.Metrics.ObserveSegmentsCreated(created)
		logger.Info("segments generated", "created", created)
	}
}

func (w *Worker) bucketFor(ctx context.Context, msg models.TranscodeMessage) string {
	asset, err := w.cfg.Repo.GetMediaAsset(ctx, msg.MediaAssetID)
	if err == nil && asset.Bucket != "" {
		return asset.Bucket
	}
	return w.cfg.Bucket
}

// failJob records a terminal failure on the job and its asset, then removes
// the message. Stale transitions are expected when a competing attempt got
// there first and are not re-reported.
func (w *Worker) failJob(ctx context.Context, d *queue.Delivery, msg models.TranscodeMessage, code, reason string, cause error) {
	detail := reason
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", reason, cause)
	}
	if err := w.cfg.Repo.FailJob(ctx, msg.JobID, code, detail); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
		w.cfg.Logger.Error("fail job write failed", "job_id", msg.JobID, "error", err)
	}
	if err := w.cfg.Repo.SetProcessingStage(ctx, msg.MediaAssetID, models.StageError); err != nil && !errors.Is(err, storage.ErrStaleTransition) {
		w.cfg.Logger.Error("stage error write failed", "asset_id", msg.MediaAssetID, "error", err)
	}
	w.cfg.Metrics.JobFailed()
	w.deleteMessage(ctx, d)
}

func (w *Worker) deleteMessage(ctx context.Context, d *queue.Delivery) {
	if err := w.cfg.Queue.Delete(ctx, d); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			w.cfg.Logger.Warn("lease lost before delete", "delivery_id", d.ID)
			return
		}
		w.cfg.Logger.Error("queue delete failed", "delivery_id", d.ID, "error", err)
		return
	}
	w.cfg.Metrics.ObserveQueueEvent("delete")
}
