// Package quota enforces per-org storage limits at upload admission time.
// Usage is an aggregate over asset sizes recomputed on every check; nothing
// is cached, so deletions are reflected on the next admission decision.
package quota

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultLimitBytes applies to orgs without an explicit limit (10 GiB).
const DefaultLimitBytes = int64(10) * 1024 * 1024 * 1024

// UsageSource reports an org's current storage consumption.
type UsageSource interface {
	OrgUsedBytes(ctx context.Context, orgID string) (int64, error)
}

// LimitResolver maps an org to its storage limit in bytes. Returning a
// non-positive limit falls back to DefaultLimitBytes.
type LimitResolver func(ctx context.Context, orgID string) (int64, error)

// Decision is the outcome of one admission check. Reason is set only on
// denial. RemainingBytes never goes negative even when usage exceeds the
// limit.
type Decision struct {
	Allowed        bool    `json:"allowed"`
	Reason         *string `json:"reason,omitempty"`
	UsedBytes      int64   `json:"used_bytes"`
	LimitBytes     int64   `json:"limit_bytes"`
	RemainingBytes int64   `json:"remaining_bytes"`
}

// Controller performs admission checks against live usage aggregates.
type Controller struct {
	usage  UsageSource
	limits LimitResolver
	logger *slog.Logger
}

// NewController builds a Controller. A nil resolver gives every org the
// default limit.
func NewController(usage UsageSource, limits LimitResolver, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{usage: usage, limits: limits, logger: logger}
}

// Check decides whether an upload of the given size fits within the org's
// limit. The quota is soft: concurrent admissions may both pass against the
// same snapshot, and enforcement self-corrects on later checks.
func (c *Controller) Check(ctx context.Context, orgID string, sizeBytes int64) (Decision, error) {
	if sizeBytes < 0 {
		return Decision{}, fmt.Errorf("size must be non-negative")
	}
	limit := int64(0)
	if c.limits != nil {
		resolved, err := c.limits(ctx, orgID)
		if err != nil {
			return Decision{}, fmt.Errorf("resolve limit: %w", err)
		}
		limit = resolved
	}
	if limit <= 0 {
		limit = DefaultLimitBytes
	}

	used, err := c.usage.OrgUsedBytes(ctx, orgID)
	if err != nil {
		return Decision{}, fmt.Errorf("compute usage: %w", err)
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		UsedBytes:      used,
		LimitBytes:     limit,
		RemainingBytes: remaining,
	}
	if used+sizeBytes <= limit {
		decision.Allowed = true
		return decision, nil
	}
	reason := fmt.Sprintf("storage quota exceeded: used %d of %d bytes, %d remaining, requested %d",
		used, limit, remaining, sizeBytes)
	decision.Reason = &reason
	c.logger.Info("upload denied by quota",
		"org_id", orgID,
		"used_bytes", used,
		"limit_bytes", limit,
		"requested_bytes", sizeBytes)
	return decision, nil
}
