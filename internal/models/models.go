// Package models defines the persistent records shared by the API service,
// the transcoding workers, and the operator tooling.
package models

import (
	"encoding/json"
	"time"
)

// JobState enumerates the lifecycle of a transcode job. Transitions are
// monotonic along queued -> running -> {succeeded | failed}; canceled is an
// operator-level terminal state applied out-of-band.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// Terminal reports whether the state permits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// JobTypeTranscode is the only job type owned by this subsystem.
const JobTypeTranscode = "transcode"

// Job is the durable record of one unit of queue-driven work. It is mutated
// only by the worker currently holding the queue lease for it.
type Job struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	Type         string          `json:"type"`
	State        JobState        `json:"state"`
	Attempt      int             `json:"attempt"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// ProcessingStage enumerates the pipeline position of a media asset.
type ProcessingStage string

const (
	StageUploaded       ProcessingStage = "uploaded"
	StageQueued         ProcessingStage = "queued"
	StageTranscoding    ProcessingStage = "transcoding"
	StageStreamingReady ProcessingStage = "streaming_ready"
	StageError          ProcessingStage = "error"
)

func stageRank(stage ProcessingStage) int {
	switch stage {
	case StageUploaded:
		return 0
	case StageQueued:
		return 1
	case StageTranscoding:
		return 2
	case StageStreamingReady:
		return 3
	default:
		return -1
	}
}

// StageAdvances reports whether moving from one stage to another respects the
// forward-only ordering of the pipeline. The error stage is reachable from any
// stage that is not already streaming-ready; re-entering the current stage is
// allowed so a retried attempt can re-assert "transcoding".
func StageAdvances(from, to ProcessingStage) bool {
	if to == StageError {
		return from != StageStreamingReady
	}
	if from == StageError {
		// A new attempt restarts processing after an operator retry.
		return to == StageTranscoding || to == StageQueued
	}
	fromRank, toRank := stageRank(from), stageRank(to)
	if fromRank < 0 || toRank < 0 {
		return false
	}
	return toRank >= fromRank
}

// MediaAsset is the durable record of one uploaded video and its processing
// progress. Rows are created on upload-session grant and never deleted by
// this subsystem.
type MediaAsset struct {
	ID                string          `json:"id"`
	OrgID             string          `json:"org_id"`
	Bucket            string          `json:"bucket,omitempty"`
	StoragePath       string          `json:"storage_path"`
	FileName          string          `json:"file_name"`
	FileSizeBytes     int64           `json:"file_size_bytes"`
	DurationSeconds   float64         `json:"duration_seconds"`
	ProcessingStage   ProcessingStage `json:"processing_stage"`
	TranscodeProgress int             `json:"transcode_progress"`
	StreamingReady    bool            `json:"streaming_ready"`
	ThumbnailPath     string          `json:"thumbnail_path,omitempty"`
}

// Segment is one fixed-duration playback slice of a finished asset. Segments
// for an asset are contiguous, non-overlapping, ordered by index from zero,
// and together cover [0, duration_seconds).
type Segment struct {
	ID           string  `json:"id"`
	MediaAssetID string  `json:"media_asset_id"`
	SegmentIndex int     `json:"segment_index"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// TranscodeMessage is the queue payload for one transcode job.
type TranscodeMessage struct {
	JobID           string  `json:"job_id"`
	MediaAssetID    string  `json:"media_asset_id"`
	OrgID           string  `json:"org_id"`
	RawStoragePath  string  `json:"raw_storage_path"`
	FileSizeBytes   int64   `json:"file_size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
}
