package conversation

import "time"

// Kind distinguishes direct chats from group chats.
type Kind string

// Conversation kinds (wire-stable).
const (
	KindPrivate Kind = "private"
	KindGroup   Kind = "group"
)

// ContentType describes what a message body carries.
type ContentType string

// Message content types.
const (
	ContentText       ContentType = "text"
	ContentAttachment ContentType = "attachment"
)

// Message is an immutable message value. It is produced either by the history
// provider (historical) or by the realtime transport (live) and is never
// mutated after creation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ContentType    ContentType
	Content        string
	Timestamp      time.Time
	Seq            int64
}

// Participant is a user reference inside a conversation, unique by ID.
type Participant struct {
	ID          string
	DisplayName string
}

// Seed carries the metadata known about a conversation when it is first
// referenced. Zero values are ignored on updates.
type Seed struct {
	Kind         Kind
	DisplayName  string
	Participants []Participant
}
