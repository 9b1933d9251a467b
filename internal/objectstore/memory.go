package objectstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
)

// MemoryStore keeps objects in process memory. Tests use it in place of a
// real S3-compatible endpoint.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

var _ Store = (*MemoryStore)(nil)

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// Put seeds an object directly. Tests use it to stage raw uploads.
func (s *MemoryStore) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey(bucket, key)] = append([]byte(nil), data...)
}

// Get returns a stored object and whether it exists.
func (s *MemoryStore) Get(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[objectKey(bucket, key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Keys lists stored keys in the bucket with the given prefix.
func (s *MemoryStore) Keys(bucket, prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	full := objectKey(bucket, prefix)
	var keys []string
	for k := range s.objects {
		if len(k) >= len(full) && k[:len(full)] == full {
			keys = append(keys, k[len(bucket)+1:])
		}
	}
	return keys
}

func (s *MemoryStore) Download(ctx context.Context, bucket, key, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, ok := s.Get(bucket, key)
	if !ok {
		return fmt.Errorf("object %s/%s not found", bucket, key)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func (s *MemoryStore) UploadFile(ctx context.Context, bucket, key, src string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	s.Put(bucket, key, data)
	return nil
}

func (s *MemoryStore) UploadDir(ctx context.Context, bucket, prefix, dir string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if err := s.UploadFile(ctx, bucket, path.Join(prefix, filepath.ToSlash(rel)), p); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	return uploaded, err
}

func (s *MemoryStore) Remove(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey(bucket, key))
	return nil
}
