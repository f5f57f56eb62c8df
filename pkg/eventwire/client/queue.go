package client

import (
	"errors"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// ErrQueueFull is returned by Send when the outbound queue is full and the
// overflow policy is Reject.
var ErrQueueFull = errors.New("outbound queue is full")

// OverflowPolicy decides what happens when a message is queued while the
// outbound queue is at capacity.
type OverflowPolicy uint8

const (
	// DropOldest discards the oldest queued message to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming message.
	DropNewest
	// Reject refuses the incoming message with ErrQueueFull.
	Reject
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// outboundQueue holds envelopes awaiting a connected transport. It is not
// safe for concurrent use; the manager lock guards it.
type outboundQueue struct {
	buf     *circularbuffer.Queue
	policy  OverflowPolicy
	dropped uint64
}

func newOutboundQueue(capacity int, policy OverflowPolicy) *outboundQueue {
	return &outboundQueue{
		buf:    circularbuffer.New(capacity),
		policy: policy,
	}
}

// push appends env, applying the overflow policy when full. It reports
// whether a message was discarded.
func (q *outboundQueue) push(env protocol.Envelope) (bool, error) {
	if !q.buf.Full() {
		q.buf.Enqueue(env)
		return false, nil
	}

	switch q.policy {
	case DropNewest:
		q.dropped++
		return true, nil
	case Reject:
		return false, ErrQueueFull
	default:
		q.buf.Dequeue()
		q.buf.Enqueue(env)
		q.dropped++
		return true, nil
	}
}

func (q *outboundQueue) peek() (protocol.Envelope, bool) {
	v, ok := q.buf.Peek()
	if !ok {
		return protocol.Envelope{}, false
	}
	return v.(protocol.Envelope), true
}

func (q *outboundQueue) pop() (protocol.Envelope, bool) {
	v, ok := q.buf.Dequeue()
	if !ok {
		return protocol.Envelope{}, false
	}
	return v.(protocol.Envelope), true
}

func (q *outboundQueue) len() int {
	return q.buf.Size()
}

func (q *outboundQueue) clear() {
	q.buf.Clear()
}
