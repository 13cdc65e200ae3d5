package realtime

import (
	"context"
	"time"
)

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	ConversationID string
	ClientMsgID    string
	ServerMsgID    string
	Seq            int64
	SenderSession  string
	ContentType    string
	Text           string
	ServerTS       time.Time
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (conversation_id, client_msg_id)
//   - Monotonic seq per conversation (no gaps for duplicates)
//   - Page queries pinned to a snapshot timestamp: page 0 is the most
//     recent page, the highest index the oldest, and within a page
//     messages are ordered oldest first
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchPage(ctx context.Context, in PageQuery) (PageResult, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	ClientMsgID    string
	SenderSession  string
	ContentType    string
	Text           string
	Now            time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// PageQuery describes a snapshot-pinned history page request. Only messages
// with a server timestamp strictly before Before are visible, so a page
// index always resolves to the same content for a fixed Before.
type PageQuery struct {
	ConversationID string
	Page           int
	PerPage        int
	Before         time.Time
}

// PageResult contains one history page and the paging metadata.
type PageResult struct {
	Messages      []StoredMessage
	Page          int
	PerPage       int
	TotalElements int64
	TotalPages    int
}
