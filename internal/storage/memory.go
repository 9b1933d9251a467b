package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipforge/internal/models"
)

// MemoryRepository keeps all rows in process memory behind a single mutex. It
// enforces the same state-machine guards as the Postgres driver and is the
// default for tests and local development.
type MemoryRepository struct {
	mu          sync.Mutex
	jobs        map[string]models.Job
	assets      map[string]models.MediaAsset
	segments    map[string][]models.Segment
	maxAttempts int
	now         func() time.Time
}

// MemoryOption customises a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithMaxAttempts overrides the job attempt ceiling.
func WithMaxAttempts(ceiling int) MemoryOption {
	return func(r *MemoryRepository) {
		if ceiling > 0 {
			r.maxAttempts = ceiling
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	repo := &MemoryRepository{
		jobs:        make(map[string]models.Job),
		assets:      make(map[string]models.MediaAsset),
		segments:    make(map[string][]models.Segment),
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

func (r *MemoryRepository) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := r.jobs[job.ID]; exists {
		return models.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Type == "" {
		job.Type = models.JobTypeTranscode
	}
	if job.State == "" {
		job.State = models.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}
	r.jobs[job.ID] = job
	return job, nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (r *MemoryRepository) MarkJobRunning(_ context.Context, id string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.State.Terminal() {
		return models.Job{}, ErrStaleTransition
	}
	if job.Attempt >= r.maxAttempts {
		return models.Job{}, ErrAttemptsExhausted
	}
	now := r.now()
	job.State = models.JobRunning
	job.Attempt++
	job.StartedAt = &now
	r.jobs[id] = job
	return job, nil
}

func (r *MemoryRepository) CompleteJob(_ context.Context, id string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State != models.JobRunning {
		return ErrStaleTransition
	}
	now := r.now()
	job.State = models.JobSucceeded
	job.Result = result
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.FinishedAt = &now
	r.jobs[id] = job
	return nil
}

func (r *MemoryRepository) FailJob(_ context.Context, id, errorCode, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State != models.JobRunning && job.State != models.JobQueued {
		return ErrStaleTransition
	}
	now := r.now()
	job.State = models.JobFailed
	job.ErrorCode = errorCode
	job.ErrorMessage = errorMessage
	job.FinishedAt = &now
	r.jobs[id] = job
	return nil
}

func (r *MemoryRepository) CancelJob(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State.Terminal() {
		return ErrStaleTransition
	}
	now := r.now()
	job.State = models.JobCanceled
	job.FinishedAt = &now
	r.jobs[id] = job
	return nil
}

func (r *MemoryRepository) CreateMediaAsset(_ context.Context, asset models.MediaAsset) (models.MediaAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(asset.ID) == "" {
		asset.ID = uuid.NewString()
	}
	if _, exists := r.assets[asset.ID]; exists {
		return models.MediaAsset{}, fmt.Errorf("media asset %s already exists", asset.ID)
	}
	if asset.ProcessingStage == "" {
		asset.ProcessingStage = models.StageUploaded
	}
	r.assets[asset.ID] = asset
	return asset, nil
}

func (r *MemoryRepository) GetMediaAsset(_ context.Context, id string) (models.MediaAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[id]
	if !ok {
		return models.MediaAsset{}, ErrNotFound
	}
	return asset, nil
}

func (r *MemoryRepository) SetProcessingStage(_ context.Context, id string, stage models.ProcessingStage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[id]
	if !ok {
		return ErrNotFound
	}
	if !models.StageAdvances(asset.ProcessingStage, stage) {
		return ErrStaleTransition
	}
	asset.ProcessingStage = stage
	r.assets[id] = asset
	return nil
}

func (r *MemoryRepository) BeginTranscode(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[id]
	if !ok {
		return ErrNotFound
	}
	if !models.StageAdvances(asset.ProcessingStage, models.StageTranscoding) {
		return ErrStaleTransition
	}
	asset.ProcessingStage = models.StageTranscoding
	asset.TranscodeProgress = 0
	r.assets[id] = asset
	return nil
}

func (r *MemoryRepository) SetTranscodeProgress(_ context.Context, id string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[id]
	if !ok {
		return ErrNotFound
	}
	progress = clampProgress(progress)
	if progress > asset.TranscodeProgress {
		asset.TranscodeProgress = progress
		r.assets[id] = asset
	}
	return nil
}

func (r *MemoryRepository) MarkStreamingReady(_ context.Context, id, thumbnailPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[id]
	if !ok {
		return ErrNotFound
	}
	if !models.StageAdvances(asset.ProcessingStage, models.StageStreamingReady) {
		return ErrStaleTransition
	}
	asset.ProcessingStage = models.StageStreamingReady
	asset.StreamingReady = true
	asset.TranscodeProgress = 100
	if thumbnailPath != "" {
		asset.ThumbnailPath = thumbnailPath
	}
	r.assets[id] = asset
	return nil
}

func (r *MemoryRepository) ListStreamingReadyAssets(_ context.Context) ([]models.MediaAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MediaAsset
	for _, asset := range r.assets {
		if asset.StreamingReady {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) OrgUsedBytes(_ context.Context, orgID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var used int64
	for _, asset := range r.assets {
		if asset.OrgID == orgID {
			used += asset.FileSizeBytes
		}
	}
	return used, nil
}

func (r *MemoryRepository) ListSegments(_ context.Context, assetID string) ([]models.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.segments[assetID]
	out := make([]models.Segment, len(existing))
	copy(out, existing)
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentIndex < out[j].SegmentIndex })
	return out, nil
}

func (r *MemoryRepository) InsertSegments(_ context.Context, assetID string, segments []models.Segment) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[assetID]; !ok {
		return 0, ErrNotFound
	}
	existing := make(map[int]struct{}, len(r.segments[assetID]))
	for _, seg := range r.segments[assetID] {
		existing[seg.SegmentIndex] = struct{}{}
	}
	created := 0
	for _, seg := range segments {
		if _, dup := existing[seg.SegmentIndex]; dup {
			continue
		}
		if seg.ID == "" {
			seg.ID = uuid.NewString()
		}
		seg.MediaAssetID = assetID
		r.segments[assetID] = append(r.segments[assetID], seg)
		existing[seg.SegmentIndex] = struct{}{}
		created++
	}
	return created, nil
}

func (r *MemoryRepository) Close(context.Context) error {
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
