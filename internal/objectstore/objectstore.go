package objectstore

import (
	"context"
	"fmt"
	"path"
)

// Store abstracts the object storage used for raw uploads and transcoded
// streaming output.
type Store interface {
	// Download copies the object at key into the local file at dest.
	Download(ctx context.Context, bucket, key, dest string) error

	// UploadFile stores the local file at src under key.
	UploadFile(ctx context.Context, bucket, key, src string) error

	// UploadDir stores every regular file under dir beneath prefix,
	// preserving relative paths. It returns the number of objects written.
	UploadDir(ctx context.Context, bucket, prefix, dir string) (int, error)

	// Remove deletes the object at key. Missing objects are not an error.
	Remove(ctx context.Context, bucket, key string) error
}

// RawKey is the storage location of an original upload.
func RawKey(orgID, assetID, fileName string) string {
	return fmt.Sprintf("orgs/%s/uploads/%s/raw/%s", orgID, assetID, fileName)
}

// StreamingPrefix is the storage prefix for an asset's transcoded output.
func StreamingPrefix(orgID, assetID string) string {
	return fmt.Sprintf("orgs/%s/uploads/%s/streaming", orgID, assetID)
}

// PlaylistKey is the master playlist location under the streaming prefix.
func PlaylistKey(orgID, assetID string) string {
	return path.Join(StreamingPrefix(orgID, assetID), "index.m3u8")
}

// ThumbnailKey is the preview image location for an asset.
func ThumbnailKey(orgID, assetID string) string {
	return fmt.Sprintf("orgs/%s/uploads/%s/thumbnail.jpg", orgID, assetID)
}
