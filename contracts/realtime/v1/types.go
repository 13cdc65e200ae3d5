// Package v1 defines the chatwire realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the client core and the reference server to keep the
// wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated during the handshake.
const Subprotocol = "chatwire.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin requests membership in a conversation (client -> server).
	TypeConversationJoin = "conversation_join"
	// TypeConversationJoined acknowledges a join request (server -> client).
	TypeConversationJoined = "conversation_joined"

	// TypeConversationLeave requests leaving the active conversation (client -> server).
	TypeConversationLeave = "conversation_leave"
	// TypeConversationLeft acknowledges a leave request (server -> client).
	TypeConversationLeft = "conversation_left"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly accepted message (server -> conversation members).
	TypeMessageNew = "message_new"

	// TypePresenceJoin announces a member joining (server -> conversation members).
	TypePresenceJoin = "presence_join"
	// TypePresenceLeave announces a member leaving (server -> conversation members).
	TypePresenceLeave = "presence_leave"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Handshake-level websocket close codes. The server rejects a connection by
// closing with one of these so clients can classify the failure as terminal
// without inspecting transport internals.
const (
	// CloseTicketInvalid: the one-time ticket is unknown, already redeemed, or expired.
	CloseTicketInvalid = 4401
	// CloseAccountBlocked: the account behind the ticket is blocked.
	CloseAccountBlocked = 4403
	// CloseDuplicateSession: another live session already holds this identity.
	CloseDuplicateSession = 4409
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeConversationJoined,
		TypeConversationLeave,
		TypeConversationLeft,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypePresenceJoin,
		TypePresenceLeave,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ConversationJoinPayload requests membership in a conversation.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind,omitempty"`
}

// ConversationJoinedPayload acknowledges a join and describes the conversation.
type ConversationJoinedPayload struct {
	ConversationID string   `json:"conversation_id"`
	Kind           string   `json:"kind"`
	Members        []string `json:"members,omitempty"`
}

// ConversationLeavePayload requests leaving a conversation.
type ConversationLeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationLeftPayload acknowledges a leave request.
type ConversationLeftPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	ContentType    string `json:"content_type,omitempty"`
	Text           string `json:"text"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	ServerMsgID    string `json:"server_msg_id"`
	Seq            int64  `json:"seq"`
}

// MessageNewPayload is broadcast when a new message is accepted (non-duplicate).
type MessageNewPayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id"`
	ServerMsgID    string    `json:"server_msg_id"`
	Seq            int64     `json:"seq"`
	Sender         string    `json:"sender"`
	ContentType    string    `json:"content_type,omitempty"`
	Text           string    `json:"text"`
	ServerTS       time.Time `json:"server_ts"`
}

// PresencePayload announces a membership change inside a conversation.
type PresencePayload struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// ErrorPayload is a generic error response payload.
// Fatal indicates the server will close the connection after this envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}
