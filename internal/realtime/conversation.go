package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "chatwire/contracts/realtime/v1"
)

// Conversation is an in-memory membership and broadcast fanout primitive.
//
// Concurrency guarantees:
//   - Join/Leave are safe under concurrent Broadcast.
//   - Broadcast never blocks (drops under backpressure).
//   - Broadcast is panic-safe because Client.Send is never closed.
type Conversation struct {
	log  *slog.Logger
	ID   string
	Kind string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewConversation constructs a conversation.
func NewConversation(log *slog.Logger, id, kind string) *Conversation {
	return &Conversation{
		log:     log,
		ID:      id,
		Kind:    kind,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (c *Conversation) Join(client *Client) {
	if c == nil || client == nil || client.SessionID == "" {
		return
	}

	c.mu.Lock()
	c.members[client.SessionID] = client
	c.mu.Unlock()

	c.log.Info("conversation.member.join", "conversation_id", c.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership. It does not close the client:
// leaving a conversation and tearing down the connection are separate
// concerns, and a session may rejoin later on the same connection.
func (c *Conversation) Leave(sessionID string) {
	if c == nil || sessionID == "" {
		return
	}

	c.mu.Lock()
	_, ok := c.members[sessionID]
	delete(c.members, sessionID)
	c.mu.Unlock()

	if ok {
		c.log.Info("conversation.member.leave", "conversation_id", c.ID, "session_id", sessionID)
	}
}

// Member reports whether the session is currently a member.
func (c *Conversation) Member(sessionID string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[sessionID]
	return ok
}

// Members returns the current member session ids, sorted.
func (c *Conversation) Members() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	c.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Broadcast fans an envelope out to all members. Non-blocking: members with
// a full queue or in shutdown are skipped.
func (c *Conversation) Broadcast(env v1.Envelope) {
	c.BroadcastExcept(env, "")
}

// BroadcastExcept fans an envelope out to all members except the named
// session. Used for presence announcements, which the acting session learns
// about through its own ack instead.
func (c *Conversation) BroadcastExcept(env v1.Envelope, exceptSessionID string) {
	if c == nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, m := range c.members {
		if m == nil || id == exceptSessionID {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole conversation.
		}
	}
}
