package realtime

import (
	"sync"
	"sync/atomic"

	"unisale/cmd/internal/chat"
	v1 "unisale/shared/contracts/realtime/v1"
)

// Client is the outbound side of one session. Producers are the read loop and the
// subscription callbacks of every conversation the session has open; the only consumer is the
// connection's writer goroutine.
//
// The outbox is never closed: a callback may still be delivering while the session shuts down,
// so producers check Done and Offer never blocks.
type Client struct {
	SessionID string
	Actor     chat.Actor

	outbox  chan v1.Envelope
	dropped atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient builds a client whose outbox holds queueSize frames.
func NewClient(actor chat.Actor, sessionID string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = wsDefaultSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		Actor:     actor,
		outbox:    make(chan v1.Envelope, queueSize),
		done:      make(chan struct{}),
	}
}

// Offer queues env for the writer. It reports false when the session is closing or the outbox
// is full; a full outbox counts as a drop.
func (c *Client) Offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbox <- env:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Outbox is the writer's side of the queue.
func (c *Client) Outbox() <-chan v1.Envelope { return c.outbox }

// Dropped is the number of frames lost to a full outbox.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Done is closed once the session starts shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close starts the shutdown. Safe to call from any goroutine, more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
