package queue

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost reports that a message's visibility lease is no longer held
// by the caller. The message has either been deleted or reclaimed after its
// lease expired.
var ErrLeaseLost = errors.New("queue: lease lost")

// Delivery is a single leased message. ID names the message; Token is the
// receipt for this lease and changes on every redelivery, so a handle from
// an expired lease cannot extend or delete a later holder's lease. Body is
// the enqueued payload.
type Delivery struct {
	ID    string
	Token string
	Body  []byte
}

// Queue is a visibility-lease message queue. Receive hands a message to at
// most one consumer at a time; the consumer must Delete it before the lease
// expires or call Extend to keep it. Expired messages become receivable
// again, so consumers see at-least-once delivery.
type Queue interface {
	// Enqueue makes body available for delivery.
	Enqueue(ctx context.Context, body []byte) error

	// Receive blocks up to wait for a message and leases it for the
	// visibility window. It returns nil with no error when the wait
	// elapses without a message.
	Receive(ctx context.Context, wait, visibility time.Duration) (*Delivery, error)

	// Extend replaces the remaining lease on the delivery with the given
	// window measured from now. It returns ErrLeaseLost when the lease is
	// no longer held.
	Extend(ctx context.Context, d *Delivery, visibility time.Duration) error

	// Delete removes the delivery permanently. It returns ErrLeaseLost
	// when the lease has already expired or been deleted.
	Delete(ctx context.Context, d *Delivery) error

	Close() error
}
