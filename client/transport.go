package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	v1 "chatwire/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxInboundBytes = 1 << 20 // 1 MiB

// Transport is a single full-duplex, message-oriented connection. A Transport
// is created connected and cannot reconnect; the session manager dials a
// fresh one (with a fresh ticket) for every connect.
type Transport interface {
	// Read blocks for the next inbound envelope. After the peer closes the
	// connection it returns an error wrapping *CloseError.
	Read(ctx context.Context) (v1.Envelope, error)

	// Write sends one envelope.
	Write(ctx context.Context, env v1.Envelope) error

	// Close performs a clean close with the given reason. Idempotent.
	Close(reason string) error
}

// Dialer establishes a Transport bound to a URI, with the one-time ticket
// embedded in the handshake.
type Dialer interface {
	Dial(ctx context.Context, uri, ticket string) (Transport, error)
}

// CloseError reports that the peer closed the connection, carrying the
// protocol-level close code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport closed: code=%d reason=%q", e.Code, e.Reason)
}

// Clean reports a normal closure (as opposed to an abnormal loss).
func (e *CloseError) Clean() bool {
	return e.Code == int(websocket.StatusNormalClosure) || e.Code == int(websocket.StatusGoingAway)
}

// HandshakeReject maps handshake-level close codes to a terminal failure
// code, or returns false for everything else.
func (e *CloseError) HandshakeReject() (code string, ok bool) {
	switch e.Code {
	case v1.CloseTicketInvalid:
		return "ticket_invalid", true
	case v1.CloseAccountBlocked:
		return "account_blocked", true
	case v1.CloseDuplicateSession:
		return "duplicate_session", true
	default:
		return "", false
	}
}

// HandshakeError reports that the server refused the websocket upgrade
// itself (for example a missing or malformed ticket).
type HandshakeError struct {
	Status int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport handshake refused: status=%d", e.Status)
}

// ---- websocket implementation ----

// WebsocketDialer is the production Dialer built on coder/websocket.
type WebsocketDialer struct {
	// HTTPClient overrides the HTTP client used for the upgrade request.
	HTTPClient *http.Client
}

// Dial connects to uri with the ticket as a query parameter and negotiates
// the chatwire.v1 subprotocol.
func (d *WebsocketDialer) Dial(ctx context.Context, uri, ticket string) (Transport, error) {
	target, err := withTicket(uri, ticket)
	if err != nil {
		return nil, err
	}

	opts := &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	}
	if d != nil && d.HTTPClient != nil {
		opts.HTTPClient = d.HTTPClient
	}

	conn, resp, err := websocket.Dial(ctx, target, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("dial %s: %w", uri, &HandshakeError{Status: resp.StatusCode})
		}
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("dial %s: unsupported subprotocol %q", uri, sp)
	}

	conn.SetReadLimit(maxInboundBytes)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) (v1.Envelope, error) {
	mt, data, err := t.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return v1.Envelope{}, &CloseError{Code: int(status), Reason: closeReason(err)}
		}
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad envelope json: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad envelope: %w", err)
	}
	return env, nil
}

func (t *wsTransport) Write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) Close(reason string) error {
	err := t.conn.Close(websocket.StatusNormalClosure, reason)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func withTicket(uri, ticket string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid uri: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid uri scheme: %q", u.Scheme)
	}
	q := u.Query()
	q.Set("ticket", ticket)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return strings.TrimSpace(err.Error())
}
