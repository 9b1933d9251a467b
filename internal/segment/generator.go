// Package segment derives the fixed-window playback index for finished
// assets. Segment rows are the unit downstream clip extraction addresses,
// so the set for an asset is written exactly once and never mutated.
package segment

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"clipforge/internal/models"
	"clipforge/internal/storage"
)

// DefaultWindowSeconds is the nominal segment length.
const DefaultWindowSeconds = 30.0

// Generator plans and persists segment sets for streaming-ready assets.
type Generator struct {
	repo          storage.Repository
	windowSeconds float64
	logger        *slog.Logger
}

// Option adjusts a Generator.
type Option func(*Generator)

// WithWindowSeconds overrides the nominal segment length.
func WithWindowSeconds(seconds float64) Option {
	return func(g *Generator) {
		if seconds > 0 {
			g.windowSeconds = seconds
		}
	}
}

// WithLogger overrides the generator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGenerator constructs a Generator over the given repository.
func NewGenerator(repo storage.Repository, opts ...Option) *Generator {
	g := &Generator{
		repo:          repo,
		windowSeconds: DefaultWindowSeconds,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Plan computes the segment windows covering [0, duration). Windows are
// contiguous and fixed length except the last, which takes the remainder.
// A non-positive duration yields no segments.
func Plan(duration, window float64) []models.Segment {
	if duration <= 0 || window <= 0 {
		return nil
	}
	count := int(math.Ceil(duration / window))
	segments := make([]models.Segment, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * window
		end := start + window
		if end > duration {
			end = duration
		}
		segments = append(segments, models.Segment{
			SegmentIndex: i,
			StartSeconds: start,
			EndSeconds:   end,
		})
	}
	return segments
}

// Generate writes the segment set for one asset. It is idempotent: when any
// rows already exist for the asset the call is a no-op. Assets that are not
// streaming ready, or whose duration is unknown, are skipped without error
// rows being written.
func (g *Generator) Generate(ctx context.Context, assetID string) (int, error) {
	asset, err := g.repo.GetMediaAsset(ctx, assetID)
	if err != nil {
		return 0, fmt.Errorf("load asset: %w", err)
	}
	if !asset.StreamingReady {
		g.logger.Debug("asset not streaming ready, skipping", "asset_id", assetID)
		return 0, nil
	}
	if asset.DurationSeconds <= 0 {
		g.logger.Warn("asset has no duration, skipping", "asset_id", assetID)
		return 0, nil
	}

	existing, err := g.repo.ListSegments(ctx, assetID)
	if err != nil {
		return 0, fmt.Errorf("list segments: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	planned := Plan(asset.DurationSeconds, g.windowSeconds)
	created, err := g.repo.InsertSegments(ctx, assetID, planned)
	if err != nil {
		return 0, fmt.Errorf("insert segments: %w", err)
	}
	g.logger.Info("segments written",
		"asset_id", assetID,
		"duration_seconds", asset.DurationSeconds,
		"created", created)
	return created, nil
}

// GenerateAll sweeps every streaming-ready asset, continuing past per-asset
// failures so one bad row cannot stall the batch. It returns the total rows
// created and the number of assets that failed.
func (g *Generator) GenerateAll(ctx context.Context) (int, int, error) {
	assets, err := g.repo.ListStreamingReadyAssets(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list ready assets: %w", err)
	}
	total := 0
	failed := 0
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return total, failed, err
		}
		created, err := g.Generate(ctx, asset.ID)
		if err != nil {
			failed++
			g.logger.Error("segment generation failed", "asset_id", asset.ID, "error", err)
			continue
		}
		total += created
	}
	return total, failed, nil
}
