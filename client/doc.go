// Package client implements the chatwire realtime session core.
//
// SessionManager owns exactly one Transport at a time and drives the
// connection and membership state machines:
//
//	Idle -> Connecting -> Connected -> Disconnected -> Idle
//	                      NotJoined -> Joining -> Joined -> NotJoined
//
// Reconnection is never automatic: every connect is a fresh handshake with a
// fresh one-time ticket, and a connect failure is surfaced once and left for
// the caller to act on. Each connect bumps an internal generation token, so
// events from a superseded transport are provably inert.
//
// Inbound traffic is reduced to state transitions plus values on the Events
// channel; an asynchronous transport failure never escapes as a panic or an
// unhandled error. Synchronous misuse (for example Send before Join) is the
// only condition reported as a returned error, wrapped in ErrPrecondition.
package client
