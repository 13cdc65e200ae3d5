// Package realtime is the reference realtime gateway: websocket session
// handling, conversation fanout with presence, and message persistence.
//
// Connections authenticate with a one-time ticket redeemed during the
// handshake. Rejections close the websocket with a dedicated close code so
// clients can classify the failure without inspecting transport internals.
package realtime
