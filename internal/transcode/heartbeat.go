package transcode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clipforge/internal/queue"
)

// LeaseExtender is the slice of the queue a heartbeat needs.
type LeaseExtender interface {
	Extend(ctx context.Context, d *queue.Delivery, visibility time.Duration) error
}

// HeartbeatConfig configures a lease heartbeat for one delivery.
type HeartbeatConfig struct {
	Queue    LeaseExtender
	Delivery *queue.Delivery

	// Interval is the gap between extensions; Extension is the window
	// each extension grants. Interval must stay below Extension so the
	// lease never lapses between beats.
	Interval  time.Duration
	Extension time.Duration

	Logger *slog.Logger

	// OnFailure runs once when an extension fails. The heartbeat stops
	// after calling it.
	OnFailure func(error)
}

// Heartbeat periodically extends a message lease while its job runs. Stop
// it before deleting the message so an extension cannot race the delete.
type Heartbeat struct {
	cfg    HeartbeatConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	extensions int
	lastBeat   time.Time
	failed     bool
}

const (
	// DefaultHeartbeatInterval and DefaultHeartbeatExtension keep an
	// actively processed message invisible to other consumers.
	DefaultHeartbeatInterval  = 4 * time.Minute
	DefaultHeartbeatExtension = 5 * time.Minute
)

// StartHeartbeat begins extending the delivery's lease in the background.
func StartHeartbeat(ctx context.Context, cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.Extension <= 0 {
		cfg.Extension = DefaultHeartbeatExtension
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go hb.run(ctx)
	return hb
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := h.cfg.Queue.Extend(ctx, h.cfg.Delivery, h.cfg.Extension); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.cfg.Logger.Warn("lease extension failed",
				"delivery_id", h.cfg.Delivery.ID,
				"error", err)
			h.mu.Lock()
			h.failed = true
			h.mu.Unlock()
			if h.cfg.OnFailure != nil {
				h.cfg.OnFailure(err)
			}
			return
		}
		h.mu.Lock()
		h.extensions++
		h.lastBeat = time.Now()
		h.mu.Unlock()
		h.cfg.Logger.Debug("lease extended",
			"delivery_id", h.cfg.Delivery.ID,
			"extension", h.cfg.Extension)
	}
}

// Stop halts the heartbeat and waits for the loop to exit.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}

// HeartbeatStats is a snapshot of a heartbeat's activity.
type HeartbeatStats struct {
	Extensions int
	LastBeat   time.Time
	Failed     bool
}

// Stats reports how many extensions have been applied and whether the
// heartbeat stopped on a failed extension.
func (h *Heartbeat) Stats() HeartbeatStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeartbeatStats{Extensions: h.extensions, LastBeat: h.lastBeat, Failed: h.failed}
}
