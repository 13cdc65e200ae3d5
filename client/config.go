package client

import "time"

// Defaults for Config fields left zero.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultJoinTimeout    = 7 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultEventBuffer    = 256
	minEventBuffer        = 16
)

// Config bounds the session manager's acknowledgment windows.
//
// A hang in any acknowledgment must never leave the session stuck in
// Connecting or Joining past the configured bound; the state is reverted and
// a connection-lost (or join-rejected) failure is surfaced instead.
type Config struct {
	// ConnectTimeout bounds dial plus handshake acknowledgment.
	ConnectTimeout time.Duration

	// JoinTimeout bounds a join request's acknowledgment.
	JoinTimeout time.Duration

	// WriteTimeout bounds a single outbound envelope write.
	WriteTimeout time.Duration

	// EventBuffer sizes the inbound Events channel. When the consumer falls
	// behind, events are dropped rather than blocking the session loop.
	EventBuffer int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: defaultConnectTimeout,
		JoinTimeout:    defaultJoinTimeout,
		WriteTimeout:   defaultWriteTimeout,
		EventBuffer:    defaultEventBuffer,
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.EventBuffer < minEventBuffer {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}
