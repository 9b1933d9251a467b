// Package storage persists jobs, media assets, and segments. Two drivers are
// provided: an in-memory repository for tests and development, and a
// Postgres-backed repository for production deployments.
package storage

import (
	"context"
	"encoding/json"
	"errors"

	"clipforge/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrStaleTransition is returned when a state or stage write is rejected
	// by a monotonicity guard, typically because another actor already moved
	// the row past the expected state.
	ErrStaleTransition = errors.New("storage: stale transition")
	// ErrAttemptsExhausted is returned when a job has reached its maximum
	// attempt ceiling and may not start another attempt.
	ErrAttemptsExhausted = errors.New("storage: attempts exhausted")
)

// DefaultMaxAttempts bounds how many times a job may start running before
// further attempts are refused. Retries past the ceiling are an operator
// action, not automatic.
const DefaultMaxAttempts = 3

// Repository is the durable store shared by the API service, the workers, and
// the segmenter. All mutating methods enforce the job/asset state machines:
// attempts only increase, job states move forward only, and processing stages
// never regress.
type Repository interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// MarkJobRunning transitions the job to running and increments its
	// attempt counter. It returns ErrStaleTransition when the job is already
	// terminal and ErrAttemptsExhausted when the attempt ceiling is reached.
	MarkJobRunning(ctx context.Context, id string) (models.Job, error)
	// CompleteJob marks a running job succeeded. Writes against jobs that are
	// no longer running (canceled out-of-band, or completed by another
	// worker after lease loss) return ErrStaleTransition.
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	// FailJob marks a queued or running job failed with a structured error.
	// Queued jobs fail when their attempt ceiling is hit at receive time.
	FailJob(ctx context.Context, id, errorCode, errorMessage string) error
	// CancelJob is the operator-level cancellation path; it rejects jobs that
	// are already terminal.
	CancelJob(ctx context.Context, id string) error

	CreateMediaAsset(ctx context.Context, asset models.MediaAsset) (models.MediaAsset, error)
	GetMediaAsset(ctx context.Context, id string) (models.MediaAsset, error)
	// SetProcessingStage advances the asset's stage, enforcing the
	// forward-only ordering via models.StageAdvances.
	SetProcessingStage(ctx context.Context, id string, stage models.ProcessingStage) error
	// BeginTranscode moves the asset to the transcoding stage and resets its
	// progress for the new attempt.
	BeginTranscode(ctx context.Context, id string) error
	// SetTranscodeProgress records coarse progress; values below the current
	// progress are ignored so progress is non-decreasing within an attempt.
	SetTranscodeProgress(ctx context.Context, id string, progress int) error
	// MarkStreamingReady atomically sets streaming_ready and advances the
	// stage, recording the thumbnail key when one was produced.
	MarkStreamingReady(ctx context.Context, id, thumbnailPath string) error
	ListStreamingReadyAssets(ctx context.Context) ([]models.MediaAsset, error)

	// OrgUsedBytes sums file_size_bytes over the org's assets at call time.
	// The aggregate is recomputed per call and never cached.
	OrgUsedBytes(ctx context.Context, orgID string) (int64, error)

	ListSegments(ctx context.Context, assetID string) ([]models.Segment, error)
	// InsertSegments writes the full segment set for one asset as a single
	// batch upsert keyed on (media_asset_id, segment_index). Either the whole
	// batch lands or none of it does. The returned count excludes rows that
	// already existed.
	InsertSegments(ctx context.Context, assetID string, segments []models.Segment) (int, error)

	Close(ctx context.Context) error
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
