package realtime

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrDuplicateSession is returned when an account already holds a live
// realtime session.
var ErrDuplicateSession = errors.New("realtime: duplicate session for account")

// Hub owns in-memory conversations and the single-session-per-account
// registry. Persistence lives behind MessageStore.
type Hub struct {
	log *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
	sessions      map[string]*Client // account id -> live client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:           log,
		conversations: make(map[string]*Conversation),
		sessions:      make(map[string]*Client),
	}
}

// GetOrCreateConversation returns a stable in-memory conversation handle.
func (h *Hub) GetOrCreateConversation(conversationID, kind string) *Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conversations[conversationID]; ok {
		return c
	}

	if kind == "" {
		kind = "group"
	}
	c := NewConversation(h.log, conversationID, kind)
	h.conversations[conversationID] = c
	return c
}

// RegisterSession claims the account's realtime slot for the given client.
// An account may hold at most one live session at a time.
func (h *Hub) RegisterSession(client *Client) error {
	if client == nil || client.AccountID == "" {
		return errors.New("realtime: invalid client")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.sessions[client.AccountID]; ok {
		select {
		case <-existing.Done():
			// Stale registration from a torn-down connection.
		default:
			return ErrDuplicateSession
		}
	}

	h.sessions[client.AccountID] = client
	return nil
}

// UnregisterSession releases the account slot, but only when it is still
// held by this client. A newer session must not be evicted by an older
// connection's teardown.
func (h *Hub) UnregisterSession(client *Client) {
	if client == nil || client.AccountID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[client.AccountID] == client {
		delete(h.sessions, client.AccountID)
	}
}
