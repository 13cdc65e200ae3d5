package client

import "chatwire/conversation"

// ConnState is the connection lifecycle state.
type ConnState uint8

// Connection states.
const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

// String returns a stable label for logs.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MembershipState is the conversation membership substate. It can only be
// non-NotJoined while the connection state is Connected.
type MembershipState uint8

// Membership states.
const (
	NotJoined MembershipState = iota
	Joining
	Joined
)

// String returns a stable label for logs.
func (s MembershipState) String() string {
	switch s {
	case NotJoined:
		return "not_joined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// Event is the inbound surface delivered to the UI layer. Events arrive in
// the order the transport delivered the envelopes that caused them.
type Event interface{ isEvent() }

// StateEvent reports a session state transition. Err carries the failure that
// caused the transition, or nil for a successful one.
type StateEvent struct {
	Connection ConnState
	Membership MembershipState
	Err        *Failure
}

// MessageEvent reports a live message appended to the conversation store.
type MessageEvent struct {
	Message conversation.Message
}

// MessageAckEvent reports the server's acknowledgment of a send, carrying the
// canonical server ids for optimistic-UI reconciliation.
type MessageAckEvent struct {
	ConversationID string
	ClientMsgID    string
	ServerMsgID    string
	Seq            int64
}

// PresenceEvent reports a member joining or leaving the active conversation.
type PresenceEvent struct {
	ConversationID string
	SessionID      string
	Joined         bool
}

// ErrorEvent reports a non-fatal domain error from the server.
type ErrorEvent struct {
	Failure Failure
}

func (StateEvent) isEvent()      {}
func (MessageEvent) isEvent()    {}
func (MessageAckEvent) isEvent() {}
func (PresenceEvent) isEvent()   {}
func (ErrorEvent) isEvent()      {}
