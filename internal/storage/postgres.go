package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipforge/internal/models"
)

// PostgresRepository persists jobs, assets, and segments in Postgres using a
// pgx connection pool.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewPostgresRepository opens a pooled Postgres connection. Callers should
// invoke EnsureSchema before serving traffic.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, maxAttempts: cfg.maxAttempts()}, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const jobColumns = `id, org_id, type, state, attempt, payload, result,
	COALESCE(error_code, ''), COALESCE(error_message, ''),
	created_at, started_at, finished_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload, result []byte
	var state string
	err := row.Scan(&job.ID, &job.OrgID, &job.Type, &state, &job.Attempt,
		&payload, &result, &job.ErrorCode, &job.ErrorMessage,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, err
	}
	job.State = models.JobState(state)
	job.Payload = json.RawMessage(payload)
	job.Result = json.RawMessage(result)
	return job, nil
}

func (r *PostgresRepository) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = models.JobTypeTranscode
	}
	if job.State == "" {
		job.State = models.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, org_id, type, state, attempt, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+jobColumns,
		job.ID, job.OrgID, job.Type, string(job.State), job.Attempt, []byte(job.Payload), job.CreatedAt)
	created, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *PostgresRepository) MarkJobRunning(ctx context.Context, id string) (models.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = 'running', attempt = attempt + 1, started_at = now()
		WHERE id = $1 AND state IN ('queued', 'running') AND attempt < $2
		RETURNING `+jobColumns, id, r.maxAttempts)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Job{}, fmt.Errorf("mark job running: %w", err)
	}
	return models.Job{}, r.classifyJobGuard(ctx, id)
}

// classifyJobGuard distinguishes why a guarded job update matched no rows.
func (r *PostgresRepository) classifyJobGuard(ctx context.Context, id string) error {
	var state string
	var attempt int
	err := r.pool.QueryRow(ctx, `SELECT state, attempt FROM jobs WHERE id = $1`, id).Scan(&state, &attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if models.JobState(state).Terminal() {
		return ErrStaleTransition
	}
	if attempt >= r.maxAttempts {
		return ErrAttemptsExhausted
	}
	return ErrStaleTransition
}

func (r *PostgresRepository) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'succeeded', result = $2, error_code = NULL, error_message = NULL, finished_at = now()
		WHERE id = $1 AND state = 'running'`, id, []byte(result))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyJobGuard(ctx, id)
	}
	return nil
}

func (r *PostgresRepository) FailJob(ctx context.Context, id, errorCode, errorMessage string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'failed', error_code = $2, error_message = $3, finished_at = now()
		WHERE id = $1 AND state IN ('queued', 'running')`, id, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyJobGuard(ctx, id)
	}
	return nil
}

func (r *PostgresRepository) CancelJob(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'canceled', finished_at = now()
		WHERE id = $1 AND state IN ('queued', 'running')`, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyJobGuard(ctx, id)
	}
	return nil
}

const assetColumns = `id, org_id, COALESCE(bucket, ''), storage_path, file_name,
	file_size_bytes, duration_seconds, processing_stage, transcode_progress,
	streaming_ready, COALESCE(thumbnail_path, '')`

func scanAsset(row pgx.Row) (models.MediaAsset, error) {
	var asset models.MediaAsset
	var stage string
	err := row.Scan(&asset.ID, &asset.OrgID, &asset.Bucket, &asset.StoragePath,
		&asset.FileName, &asset.FileSizeBytes, &asset.DurationSeconds,
		&stage, &asset.TranscodeProgress, &asset.StreamingReady, &asset.ThumbnailPath)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MediaAsset{}, ErrNotFound
		}
		return models.MediaAsset{}, err
	}
	asset.ProcessingStage = models.ProcessingStage(stage)
	return asset, nil
}

func (r *PostgresRepository) CreateMediaAsset(ctx context.Context, asset models.MediaAsset) (models.MediaAsset, error) {
	if strings.TrimSpace(asset.ID) == "" {
		asset.ID = uuid.NewString()
	}
	if asset.ProcessingStage == "" {
		asset.ProcessingStage = models.StageUploaded
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO media_assets (id, org_id, bucket, storage_path, file_name,
			file_size_bytes, duration_seconds, processing_stage, transcode_progress, streaming_ready)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+assetColumns,
		asset.ID, asset.OrgID, asset.Bucket, asset.StoragePath, asset.FileName,
		asset.FileSizeBytes, asset.DurationSeconds, string(asset.ProcessingStage),
		asset.TranscodeProgress, asset.StreamingReady)
	created, err := scanAsset(row)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("insert media asset: %w", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetMediaAsset(ctx context.Context, id string) (models.MediaAsset, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM media_assets WHERE id = $1`, id)
	return scanAsset(row)
}

// withAssetStage runs fn inside a transaction that holds a row lock on the
// asset, so the stage-regression guard and the subsequent write are atomic.
func (r *PostgresRepository) withAssetStage(ctx context.Context, id string, fn func(tx pgx.Tx, current models.ProcessingStage) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin asset transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	var stage string
	err = tx.QueryRow(ctx, `SELECT processing_stage FROM media_assets WHERE id = $1 FOR UPDATE`, id).Scan(&stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := fn(tx, models.ProcessingStage(stage)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit asset transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetProcessingStage(ctx context.Context, id string, stage models.ProcessingStage) error {
	return r.withAssetStage(ctx, id, func(tx pgx.Tx, current models.ProcessingStage) error {
		if !models.StageAdvances(current, stage) {
			return ErrStaleTransition
		}
		_, err := tx.Exec(ctx, `UPDATE media_assets SET processing_stage = $2 WHERE id = $1`, id, string(stage))
		return err
	})
}

func (r *PostgresRepository) BeginTranscode(ctx context.Context, id string) error {
	return r.withAssetStage(ctx, id, func(tx pgx.Tx, current models.ProcessingStage) error {
		if !models.StageAdvances(current, models.StageTranscoding) {
			return ErrStaleTransition
		}
		_, err := tx.Exec(ctx, `
			UPDATE media_assets
			SET processing_stage = 'transcoding', transcode_progress = 0
			WHERE id = $1`, id)
		return err
	})
}

func (r *PostgresRepository) SetTranscodeProgress(ctx context.Context, id string, progress int) error {
	progress = clampProgress(progress)
	tag, err := r.pool.Exec(ctx, `
		UPDATE media_assets
		SET transcode_progress = $2
		WHERE id = $1 AND transcode_progress < $2`, id, progress)
	if err != nil {
		return fmt.Errorf("set transcode progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown, or progress already at or past the value; only the
		// former is an error.
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM media_assets WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (r *PostgresRepository) MarkStreamingReady(ctx context.Context, id, thumbnailPath string) error {
	return r.withAssetStage(ctx, id, func(tx pgx.Tx, current models.ProcessingStage) error {
		if !models.StageAdvances(current, models.StageStreamingReady) {
			return ErrStaleTransition
		}
		_, err := tx.Exec(ctx, `
			UPDATE media_assets
			SET processing_stage = 'streaming_ready', streaming_ready = TRUE,
				transcode_progress = 100,
				thumbnail_path = CASE WHEN $2 <> '' THEN $2 ELSE thumbnail_path END
			WHERE id = $1`, id, thumbnailPath)
		return err
	})
}

func (r *PostgresRepository) ListStreamingReadyAssets(ctx context.Context) ([]models.MediaAsset, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assetColumns+` FROM media_assets WHERE streaming_ready ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list streaming-ready assets: %w", err)
	}
	defer rows.Close()
	var out []models.MediaAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) OrgUsedBytes(ctx context.Context, orgID string) (int64, error) {
	var used int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(file_size_bytes), 0) FROM media_assets WHERE org_id = $1`, orgID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("sum org storage: %w", err)
	}
	return used, nil
}

func (r *PostgresRepository) ListSegments(ctx context.Context, assetID string) ([]models.Segment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, media_asset_id, segment_index, start_seconds, end_seconds
		FROM segments WHERE media_asset_id = $1 ORDER BY segment_index`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()
	var out []models.Segment
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(&seg.ID, &seg.MediaAssetID, &seg.SegmentIndex, &seg.StartSeconds, &seg.EndSeconds); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) InsertSegments(ctx context.Context, assetID string, segments []models.Segment) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin segment transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	created := 0
	for _, seg := range segments {
		id := seg.ID
		if id == "" {
			id = uuid.NewString()
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO segments (id, media_asset_id, segment_index, start_seconds, end_seconds)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (media_asset_id, segment_index) DO NOTHING`,
			id, assetID, seg.SegmentIndex, seg.StartSeconds, seg.EndSeconds)
		if err != nil {
			return 0, fmt.Errorf("insert segment %d: %w", seg.SegmentIndex, err)
		}
		created += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit segment batch: %w", err)
	}
	return created, nil
}

var _ Repository = (*PostgresRepository)(nil)
