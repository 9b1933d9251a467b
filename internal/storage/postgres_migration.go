package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		payload JSONB,
		result JSONB,
		error_code TEXT,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_org_state_idx ON jobs (org_id, state)`,
	`CREATE TABLE IF NOT EXISTS media_assets (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		bucket TEXT,
		storage_path TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_size_bytes BIGINT NOT NULL DEFAULT 0,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		processing_stage TEXT NOT NULL DEFAULT 'uploaded',
		transcode_progress INTEGER NOT NULL DEFAULT 0,
		streaming_ready BOOLEAN NOT NULL DEFAULT FALSE,
		thumbnail_path TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS media_assets_org_idx ON media_assets (org_id)`,
	`CREATE TABLE IF NOT EXISTS segments (
		id TEXT PRIMARY KEY,
		media_asset_id TEXT NOT NULL REFERENCES media_assets (id) ON DELETE CASCADE,
		segment_index INTEGER NOT NULL,
		start_seconds DOUBLE PRECISION NOT NULL,
		end_seconds DOUBLE PRECISION NOT NULL,
		UNIQUE (media_asset_id, segment_index)
	)`,
}

// EnsureSchema creates the tables and indexes used by the repository when
// they do not already exist. It is safe to run on every startup.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
