package realtime

import (
	"sync"

	v1 "chatwire/contracts/realtime/v1"
)

// Client is the server-side handle for one websocket session: the account
// and session identity plus the outbound queue the fanout path writes into.
//
// Send stays open for the life of the client. Broadcast goroutines write to
// it concurrently, so shutdown is signalled through done rather than by
// closing the channel.
type Client struct {
	SessionID string
	AccountID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient builds a client with a bounded outbound queue. The queue size
// falls back to a small default when non-positive.
func NewClient(accountID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		AccountID: accountID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done reports client shutdown. A nil client counts as already shut down,
// which lets fanout skip it without a guard.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close stops the connection goroutines. Idempotent, and Send is left open
// for any broadcaster still holding a reference.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
