package realtime

import "time"

// Per-connection protocol limits. The frame and text bounds are hard caps;
// the heartbeat and rate values are defaults that CHATWIRE_WS_* env knobs
// may override in ws_gateway.go.
const (
	// Largest websocket frame the gateway will read.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Longest message text, counted in runes.
	maxMessageChars = 4000

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Inbound envelopes admitted per sliding window.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
