package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chatwire/internal/ids"
)

const (
	memMaxMessagesPerConversation = 10_000

	defaultPageSize = 25
	maxPageSize     = 200
)

// InMemoryStore is the dev and test fallback when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
}

type memConv struct {
	seq    int64
	dedupe map[string]StoredMessage // client_msg_id -> stored message
	msgs   []StoredMessage          // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ConversationID == "" || in.ClientMsgID == "" || in.SenderSession == "" {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "text"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		c = &memConv{
			dedupe: make(map[string]StoredMessage),
			msgs:   make([]StoredMessage, 0, 256),
		}
		s.convs[in.ConversationID] = c
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	c.seq++
	msg := StoredMessage{
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		ServerMsgID:    ids.MustULID(now),
		Seq:            c.seq,
		SenderSession:  in.SenderSession,
		ContentType:    contentType,
		Text:           in.Text,
		ServerTS:       now,
	}
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return AppendMessageResult{Stored: msg, Duplicated: false}, nil
}

// FetchPage returns one snapshot-pinned history page. Page 0 is the most
// recent window; within a page messages are ordered oldest first.
func (s *InMemoryStore) FetchPage(ctx context.Context, in PageQuery) (PageResult, error) {
	if in.ConversationID == "" {
		return PageResult{}, errors.New("missing conversation_id")
	}
	if in.Page < 0 {
		return PageResult{}, errors.New("negative page")
	}
	if err := ctx.Err(); err != nil {
		return PageResult{}, err
	}

	perPage := in.PerPage
	if perPage <= 0 {
		perPage = defaultPageSize
	}
	if perPage > maxPageSize {
		perPage = maxPageSize
	}

	before := in.Before
	if before.IsZero() {
		before = time.Now().UTC()
	}

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []StoredMessage
	if c != nil {
		snap = append([]StoredMessage(nil), c.msgs...)
	}
	s.mu.Unlock()

	visible := snap[:0]
	for _, m := range snap {
		if m.ServerTS.Before(before) {
			visible = append(visible, m)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].Seq < visible[j].Seq })

	total := int64(len(visible))
	totalPages := int((total + int64(perPage) - 1) / int64(perPage))

	out := PageResult{
		Page:          in.Page,
		PerPage:       perPage,
		TotalElements: total,
		TotalPages:    totalPages,
	}

	// Page p counts back from the newest message.
	end := len(visible) - in.Page*perPage
	if end <= 0 {
		return out, nil
	}
	start := end - perPage
	if start < 0 {
		start = 0
	}
	out.Messages = append([]StoredMessage(nil), visible[start:end]...)
	return out, nil
}
