package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/queue"
	"clipforge/internal/quota"
	"clipforge/internal/storage"
)

const mib = int64(1024 * 1024)

type apiFixture struct {
	repo   *storage.MemoryRepository
	queue  *queue.MemoryQueue
	server *httptest.Server
}

func newAPIFixture(t *testing.T, limitBytes int64) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := storage.NewMemoryRepository()
	q := queue.NewMemoryQueue()
	ctrl := quota.NewController(repo, func(context.Context, string) (int64, error) {
		return limitBytes, nil
	}, logger)

	handler := NewHandler(repo, ctrl, q, "media")
	handler.Logger = logger
	handler.Metrics = metrics.New()

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)
	return &apiFixture{repo: repo, queue: q, server: server}
}

func (f *apiFixture) do(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, 10240*mib)
	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestAdmissionAllowed(t *testing.T) {
	f := newAPIFixture(t, 10240*mib)
	resp, raw := f.do(t, http.MethodPost, "/api/v1/uploads/admission", map[string]any{
		"org_id":          "org-1",
		"requested_bytes": 1000 * mib,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var decision quota.Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decision.Allowed || decision.LimitBytes != 10240*mib {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestAdmissionDenied(t *testing.T) {
	f := newAPIFixture(t, 100*mib)
	if _, err := f.repo.CreateMediaAsset(context.Background(), models.MediaAsset{
		OrgID:         "org-1",
		FileSizeBytes: 80 * mib,
	}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	resp, raw := f.do(t, http.MethodPost, "/api/v1/uploads/admission", map[string]any{
		"org_id":          "org-1",
		"requested_bytes": 50 * mib,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("denied admission still answers 200, got %d", resp.StatusCode)
	}
	var decision quota.Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decision.Allowed || decision.Reason == nil {
		t.Fatalf("expected deny with reason, got %+v", decision)
	}
	if decision.RemainingBytes != 20*mib {
		t.Fatalf("expected %d remaining, got %d", 20*mib, decision.RemainingBytes)
	}
}

func TestAdmissionValidation(t *testing.T) {
	f := newAPIFixture(t, 10240*mib)
	cases := []map[string]any{
		{"requested_bytes": 100},
		{"org_id": "org-1"},
		{"org_id": "org-1", "requested_bytes": 0},
		{"org_id": "org-1", "requested_bytes": -5},
	}
	for _, payload := range cases {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/uploads/admission", payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("payload %v: expected 400, got %d", payload, resp.StatusCode)
		}
	}
	resp, _ := f.do(t, http.MethodGet, "/api/v1/uploads/admission", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", resp.StatusCode)
	}
}

func TestUploadCreatesAssetAndJob(t *testing.T) {
	f := newAPIFixture(t, 10240*mib)
	resp, raw := f.do(t, http.MethodPost, "/api/v1/uploads", map[string]any{
		"org_id":           "org-1",
		"file_name":        "movie.mp4",
		"file_size_bytes":  500 * mib,
		"duration_seconds": 95,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, raw)
	}
	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID == "" || out.Asset.ID == "" {
		t.Fatalf("missing identifiers in %+v", out)
	}
	if out.Asset.ProcessingStage != models.StageQueued {
		t.Fatalf("expected queued stage, got %s", out.Asset.ProcessingStage)
	}
	if want := objectstore.RawKey("org-1", out.Asset.ID, "movie.mp4"); out.Asset.StoragePath != want {
		t.Fatalf("storage path %q, want %q", out.Asset.StoragePath, want)
	}
	if !out.Decision.Allowed {
		t.Fatalf("expected allowed decision in response")
	}

	ctx := context.Background()
	job, err := f.repo.GetJob(ctx, out.JobID)
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if job.State != models.JobQueued || job.Type != models.JobTypeTranscode {
		t.Fatalf("unexpected job %+v", job)
	}

	d, err := f.queue.Receive(ctx, time.Second, time.Minute)
	if err != nil || d == nil {
		t.Fatalf("expected queued message, got %v %v", d, err)
	}
	var msg models.TranscodeMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.JobID != out.JobID || msg.MediaAssetID != out.Asset.ID {
		t.Fatalf("message does not reference the created rows: %+v", msg)
	}
	if msg.RawStoragePath != out.Asset.StoragePath || msg.FileSizeBytes != 500*mib {
		t.Fatalf("unexpected message payload %+v", msg)
	}
}

func TestUploadDeniedByQuota(t *testing.T) {
	f := newAPIFixture(t, 100*mib)
	resp, raw := f.do(t, http.MethodPost, "/api/v1/uploads", map[string]any{
		"org_id":          "org-1",
		"file_name":       "movie.mp4",
		"file_size_bytes": 500 * mib,
	})
	if resp.StatusCode != http.StatusInsufficientStorage {
		t.Fatalf("expected 507, got %d: %s", resp.StatusCode, raw)
	}
	var decision quota.Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decision.Allowed || decision.Reason == nil {
		t.Fatalf("expected deny decision, got %+v", decision)
	}
	if f.queue.Depth() != 0 {
		t.Fatalf("denied upload must not enqueue")
	}
}

func TestUploadValidation(t *testing.T) {
	f := newAPIFixture(t, 10240*mib)
	cases := []map[string]any{
		{"file_name": "a.mp4", "file_size_bytes": 100},
		{"org_id": "org-1", "file_size_bytes": 100},
		{"org_id": "org-1", "file_name": "a.mp4", "file_size_bytes": 0},
	}
	for _, payload := range cases {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/uploads", payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("payload %v: expected 400, got %d", payload, resp.StatusCode)
		}
	}
}

func TestUploadStatusAndSegments(t *testing.T) {
	f := newAPIFixture(t, 10240*mib)
	ctx := context.Background()
	asset, err := f.repo.CreateMediaAsset(ctx, models.MediaAsset{
		OrgID:           "org-1",
		FileName:        "movie.mp4",
		FileSizeBytes:   100 * mib,
		DurationSeconds: 65,
		ProcessingStage: models.StageStreamingReady,
		StreamingReady:  true,
	})
	if err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	if _, err := f.repo.InsertSegments(ctx, asset.ID, []models.Segment{
		{SegmentIndex: 0, StartSeconds: 0, EndSeconds: 30},
		{SegmentIndex: 1, StartSeconds: 30, EndSeconds: 60},
		{SegmentIndex: 2, StartSeconds: 60, EndSeconds: 65},
	}); err != nil {
		t.Fatalf("seed segments: %v", err)
	}

	resp, raw := f.do(t, http.MethodGet, "/api/v1/uploads/"+asset.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status assetStatusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Asset.ID != asset.ID || status.Segments != 3 {
		t.Fatalf("unexpected status %+v", status)
	}

	resp, raw = f.do(t, http.MethodGet, "/api/v1/uploads/"+asset.ID+"/segments", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var listing struct {
		Segments []models.Segment `json:"segments"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Segments) != 3 || listing.Segments[2].EndSeconds != 65 {
		t.Fatalf("unexpected segment listing %+v", listing.Segments)
	}

	resp, raw = f.do(t, http.MethodGet, "/api/v1/uploads/"+asset.ID+"/playlist", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var playlist map[string]string
	if err := json.Unmarshal(raw, &playlist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := objectstore.PlaylistKey("org-1", asset.ID); playlist["playlist"] != want {
		t.Fatalf("playlist %q, want %q", playlist["playlist"], want)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/v1/uploads/does-not-exist", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown asset, got %d", resp.StatusCode)
	}
}

func TestJobStatusAndCancel(t *testing.T) {
	f := newAPIFixture(t, 10240*mib)
	ctx := context.Background()
	job, err := f.repo.CreateJob(ctx, models.Job{OrgID: "org-1", Type: models.JobTypeTranscode})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	resp, raw := f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got models.Job
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != job.ID || got.State != models.JobQueued {
		t.Fatalf("unexpected job %+v", got)
	}

	resp, raw = f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var cancel map[string]string
	if err := json.Unmarshal(raw, &cancel); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cancel["state"] != string(models.JobCanceled) {
		t.Fatalf("unexpected cancel response %v", cancel)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for double cancel, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/v1/jobs/missing/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
