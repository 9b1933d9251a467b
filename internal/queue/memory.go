package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue with in-process state. It mirrors the lease
// semantics of the Redis implementation and is intended for tests and
// single-node development.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []string
	inflight map[string]memoryLease
	payloads map[string][]byte
	now      func() time.Time
	closed   bool
}

type memoryLease struct {
	token string
	due   time.Time
}

// MemoryOption adjusts a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithMemoryClock overrides the queue's clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewMemoryQueue constructs an empty in-memory queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		inflight: make(map[string]memoryLease),
		payloads: make(map[string][]byte),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	q.payloads[id] = append([]byte(nil), body...)
	q.ready = append(q.ready, id)
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*Delivery, error) {
	deadline := q.clock().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d := q.tryReceive(visibility); d != nil {
			return d, nil
		}
		if !q.clock().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) tryReceive(visibility time.Duration) *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for id, lease := range q.inflight {
		if !lease.due.After(now) {
			delete(q.inflight, id)
			q.ready = append(q.ready, id)
		}
	}
	if len(q.ready) == 0 {
		return nil
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	token := uuid.NewString()
	q.inflight[id] = memoryLease{token: token, due: now.Add(visibility)}
	return &Delivery{ID: id, Token: token, Body: append([]byte(nil), q.payloads[id]...)}
}

func (q *MemoryQueue) Extend(ctx context.Context, d *Delivery, visibility time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	lease, ok := q.inflight[d.ID]
	if !ok || lease.token != d.Token || !lease.due.After(q.now()) {
		return ErrLeaseLost
	}
	q.inflight[d.ID] = memoryLease{token: lease.token, due: q.now().Add(visibility)}
	return nil
}

func (q *MemoryQueue) Delete(ctx context.Context, d *Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	lease, ok := q.inflight[d.ID]
	if !ok || lease.token != d.Token || !lease.due.After(q.now()) {
		return ErrLeaseLost
	}
	delete(q.inflight, d.ID)
	delete(q.payloads, d.ID)
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *MemoryQueue) clock() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now()
}

// Depth reports the number of immediately receivable messages. Tests use it
// to observe redelivery after lease expiry.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	depth := len(q.ready)
	for _, lease := range q.inflight {
		if !lease.due.After(now) {
			depth++
		}
	}
	return depth
}
