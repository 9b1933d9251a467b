package objectstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestKeyLayout(t *testing.T) {
	if got, want := RawKey("org-1", "asset-1", "movie.mp4"), "orgs/org-1/uploads/asset-1/raw/movie.mp4"; got != want {
		t.Errorf("RawKey = %q, want %q", got, want)
	}
	if got, want := StreamingPrefix("org-1", "asset-1"), "orgs/org-1/uploads/asset-1/streaming"; got != want {
		t.Errorf("StreamingPrefix = %q, want %q", got, want)
	}
	if got, want := PlaylistKey("org-1", "asset-1"), "orgs/org-1/uploads/asset-1/streaming/index.m3u8"; got != want {
		t.Errorf("PlaylistKey = %q, want %q", got, want)
	}
	if got, want := ThumbnailKey("org-1", "asset-1"), "orgs/org-1/uploads/asset-1/thumbnail.jpg"; got != want {
		t.Errorf("ThumbnailKey = %q, want %q", got, want)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put("media", "orgs/org-1/uploads/a/raw/movie.mp4", []byte("payload"))

	dest := filepath.Join(t.TempDir(), "nested", "source")
	if err := store.Download(ctx, "media", "orgs/org-1/uploads/a/raw/movie.mp4", dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("downloaded %q", data)
	}

	if err := store.Download(ctx, "media", "missing", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Fatalf("expected error for missing object")
	}
}

func TestMemoryStoreUploadDir(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte("#EXTM3U"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "v0"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "v0", "segment_000000.ts"), []byte("ts"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	uploaded, err := store.UploadDir(ctx, "media", "orgs/org-1/uploads/a/streaming", dir)
	if err != nil {
		t.Fatalf("upload dir: %v", err)
	}
	if uploaded != 2 {
		t.Fatalf("expected 2 objects uploaded, got %d", uploaded)
	}

	keys := store.Keys("media", "orgs/org-1/uploads/a/streaming")
	sort.Strings(keys)
	want := []string{
		"orgs/org-1/uploads/a/streaming/index.m3u8",
		"orgs/org-1/uploads/a/streaming/v0/segment_000000.ts",
	}
	if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("stored keys %v, want %v", keys, want)
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put("media", "k", []byte("v"))

	if err := store.Remove(ctx, "media", "k"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := store.Get("media", "k"); ok {
		t.Fatalf("object should be gone")
	}
	if err := store.Remove(ctx, "media", "k"); err != nil {
		t.Fatalf("removing a missing object must not error: %v", err)
	}
}

func TestContentTypes(t *testing.T) {
	cases := map[string]string{
		"index.m3u8":        "application/vnd.apple.mpegurl",
		"segment_000001.ts": "video/mp2t",
		"movie.mp4":         "video/mp4",
		"thumbnail.jpg":     "image/jpeg",
		"thumbnail.jpeg":    "image/jpeg",
		"poster.png":        "image/png",
		"unknown.bin":       "application/octet-stream",
	}
	for name, want := range cases {
		if got := contentTypeFor(name); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}
