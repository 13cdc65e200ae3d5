package history

import (
	"context"
	"log/slog"
	"time"

	"chatwire/conversation"
)

// Loader feeds fetched pages into a conversation store.
//
// The snapshot timestamp is captured once at construction and reused for
// every page, which is what makes the store's write-once page contract sound:
// refetching a page is guaranteed to return the same content.
type Loader struct {
	log      *slog.Logger
	client   *Client
	store    *conversation.Store
	pageSize int
	before   time.Time
}

// NewLoader constructs a loader pinned to the given snapshot time. A zero
// before pins to the current time.
func NewLoader(log *slog.Logger, client *Client, store *conversation.Store, pageSize int, before time.Time) *Loader {
	if log == nil {
		log = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	if before.IsZero() {
		before = time.Now().UTC()
	}
	return &Loader{
		log:      log,
		client:   client,
		store:    store,
		pageSize: pageSize,
		before:   before,
	}
}

// Snapshot returns the pinned snapshot timestamp.
func (l *Loader) Snapshot() time.Time { return l.before }

// LoadPage fetches one page and merges it into the store. When the fetched
// page is the oldest one, the conversation is marked history-exhausted.
// Loading an already-loaded page is a no-op thanks to the store's
// idempotence.
func (l *Loader) LoadPage(ctx context.Context, conversationID string, kind conversation.Kind, pageIndex int) (Page, error) {
	page, err := l.client.FetchPage(ctx, conversationID, kind, pageIndex, l.pageSize, l.before)
	if err != nil {
		return Page{}, err
	}

	l.store.Ensure(conversationID, conversation.Seed{Kind: kind})
	if err := l.store.SetHistoryPage(conversationID, pageIndex, page.Content); err != nil {
		return Page{}, err
	}

	if pageIndex >= page.Info.TotalPages-1 {
		l.store.MarkHistoryExhausted(conversationID)
	}

	l.log.Debug("history.page.loaded",
		"conversation_id", conversationID,
		"page", pageIndex,
		"count", len(page.Content),
		"total_pages", page.Info.TotalPages,
	)
	return page, nil
}
