package transcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"clipforge/internal/queue"
)

type fakeExtender struct {
	mu      sync.Mutex
	calls   int
	windows []time.Duration
	err     error
}

func (f *fakeExtender) Extend(_ context.Context, _ *queue.Delivery, visibility time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.windows = append(f.windows, visibility)
	return f.err
}

func (f *fakeExtender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestHeartbeatExtendsUntilStopped(t *testing.T) {
	extender := &fakeExtender{}
	hb := StartHeartbeat(context.Background(), HeartbeatConfig{
		Queue:     extender,
		Delivery:  &queue.Delivery{ID: "d1"},
		Interval:  10 * time.Millisecond,
		Extension: 5 * time.Minute,
		Logger:    discardLogger(),
	})

	waitFor(t, time.Second, func() bool { return extender.callCount() >= 3 })
	hb.Stop()

	stats := hb.Stats()
	if stats.Extensions < 3 {
		t.Fatalf("expected at least 3 extensions, got %d", stats.Extensions)
	}
	if stats.Failed {
		t.Fatalf("heartbeat should not report failure")
	}
	if stats.LastBeat.IsZero() {
		t.Fatalf("expected last beat timestamp")
	}

	extender.mu.Lock()
	for _, window := range extender.windows {
		if window != 5*time.Minute {
			t.Fatalf("expected 5m extension, got %v", window)
		}
	}
	extender.mu.Unlock()

	// No further beats after Stop.
	settled := extender.callCount()
	time.Sleep(50 * time.Millisecond)
	if got := extender.callCount(); got != settled {
		t.Fatalf("heartbeat kept beating after stop: %d != %d", got, settled)
	}
}

func TestHeartbeatStopsOnExtensionFailure(t *testing.T) {
	extender := &fakeExtender{err: queue.ErrLeaseLost}
	failures := make(chan error, 1)
	hb := StartHeartbeat(context.Background(), HeartbeatConfig{
		Queue:     extender,
		Delivery:  &queue.Delivery{ID: "d1"},
		Interval:  10 * time.Millisecond,
		Extension: 5 * time.Minute,
		Logger:    discardLogger(),
		OnFailure: func(err error) { failures <- err },
	})
	defer hb.Stop()

	select {
	case err := <-failures:
		if !errors.Is(err, queue.ErrLeaseLost) {
			t.Fatalf("expected lease lost, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnFailure was not called")
	}

	waitFor(t, time.Second, func() bool { return hb.Stats().Failed })

	// The loop exits after the failed extension.
	settled := extender.callCount()
	time.Sleep(50 * time.Millisecond)
	if got := extender.callCount(); got != settled {
		t.Fatalf("heartbeat kept beating after failure: %d != %d", got, settled)
	}
	if hb.Stats().Extensions != 0 {
		t.Fatalf("failed beats must not count as extensions, got %d", hb.Stats().Extensions)
	}
}

func TestHeartbeatDefaults(t *testing.T) {
	if DefaultHeartbeatInterval >= DefaultHeartbeatExtension {
		t.Fatalf("interval %v must stay below extension %v so the lease cannot lapse between beats",
			DefaultHeartbeatInterval, DefaultHeartbeatExtension)
	}
}
