package transcode

import "context"

// Pipeline converts a downloaded source file into streaming output under
// outputDir. Implementations report percentage progress through the
// callback; values outside [0, 100] are clamped by the caller.
type Pipeline interface {
	Run(ctx context.Context, input, outputDir string, progress func(int)) error
}

// Thumbnailer extracts a preview frame from the source file. Pipelines that
// also implement this interface get a best-effort thumbnail pass after a
// successful transcode.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, input, dest string) error
}
