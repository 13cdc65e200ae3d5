package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "chatwire/contracts/realtime/v1"
	"chatwire/conversation"
)

const testWait = 3 * time.Second

// ---- fake transport ----

type fakeTransport struct {
	in  chan v1.Envelope // server -> client
	out chan v1.Envelope // client -> server
	err chan error       // injected terminal read error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan v1.Envelope, 64),
		out:    make(chan v1.Envelope, 64),
		err:    make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) (v1.Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case err := <-t.err:
		return v1.Envelope{}, err
	case <-t.closed:
		return v1.Envelope{}, errors.New("transport closed locally")
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, env v1.Envelope) error {
	select {
	case <-t.closed:
		return errors.New("write on closed transport")
	default:
	}
	t.out <- env
	return nil
}

func (t *fakeTransport) Close(string) error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// serverSend pushes a server-originated envelope into the read loop.
func (t *fakeTransport) serverSend(tb testing.TB, typ string, payload any) {
	tb.Helper()

	b, err := json.Marshal(payload)
	if err != nil {
		tb.Fatalf("marshal %s payload: %v", typ, err)
	}
	t.in <- v1.Envelope{V: v1.Version, Type: typ, ID: "srv-" + typ, TS: time.Now().UTC(), Payload: b}
}

// expectWrite asserts the next client write and decodes its payload into out.
func (t *fakeTransport) expectWrite(tb testing.TB, typ string, out any) {
	tb.Helper()

	select {
	case env := <-t.out:
		if env.Type != typ {
			tb.Fatalf("expected write %q, got %q", typ, env.Type)
		}
		if out != nil {
			if err := json.Unmarshal(env.Payload, out); err != nil {
				tb.Fatalf("unmarshal %s payload: %v", typ, err)
			}
		}
	case <-time.After(testWait):
		tb.Fatalf("timeout waiting for write %q", typ)
	}
}

func (t *fakeTransport) expectNoWrite(tb testing.TB, wait time.Duration) {
	tb.Helper()

	select {
	case env := <-t.out:
		tb.Fatalf("unexpected write: %q", env.Type)
	case <-time.After(wait):
	}
}

type fakeDialer struct {
	dialErr error
	dialed  chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeTransport, 8)}
}

func (d *fakeDialer) Dial(context.Context, string, string) (Transport, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	tr := newFakeTransport()
	d.dialed <- tr
	return tr, nil
}

func (d *fakeDialer) waitTransport(tb testing.TB) *fakeTransport {
	tb.Helper()

	select {
	case tr := <-d.dialed:
		return tr
	case <-time.After(testWait):
		tb.Fatalf("timeout waiting for dial")
		return nil
	}
}

// ---- event helpers ----

func waitStateEvent(tb testing.TB, sm *SessionManager, pred func(StateEvent) bool) StateEvent {
	tb.Helper()

	deadline := time.After(testWait)
	for {
		select {
		case ev := <-sm.Events():
			if st, ok := ev.(StateEvent); ok && pred(st) {
				return st
			}
		case <-deadline:
			tb.Fatalf("timeout waiting for state event")
			return StateEvent{}
		}
	}
}

func waitMessageEvent(tb testing.TB, sm *SessionManager) MessageEvent {
	tb.Helper()

	deadline := time.After(testWait)
	for {
		select {
		case ev := <-sm.Events():
			if me, ok := ev.(MessageEvent); ok {
				return me
			}
		case <-deadline:
			tb.Fatalf("timeout waiting for message event")
			return MessageEvent{}
		}
	}
}

func newTestSession(tb testing.TB, cfg Config) (*SessionManager, *fakeDialer) {
	tb.Helper()

	log := slog.New(slog.DiscardHandler)
	dialer := newFakeDialer()
	store := conversation.NewStore(log)
	return NewSessionManager(log, cfg, dialer, store, nil), dialer
}

// connectAndHandshake drives the session to Connected.
func connectAndHandshake(tb testing.TB, sm *SessionManager, dialer *fakeDialer, sessionID string) *fakeTransport {
	tb.Helper()

	sm.Connect(context.Background(), "ws://test/ws", "ticket-1")
	tr := dialer.waitTransport(tb)
	tr.expectWrite(tb, v1.TypeHello, nil)
	tr.serverSend(tb, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: sessionID})

	waitStateEvent(tb, sm, func(ev StateEvent) bool { return ev.Connection == StateConnected })
	return tr
}

// joinAndAck drives the session to Joined.
func joinAndAck(tb testing.TB, sm *SessionManager, tr *fakeTransport, conversationID string) {
	tb.Helper()

	if err := sm.Join(conversationID); err != nil {
		tb.Fatalf("join: %v", err)
	}
	var joinReq v1.ConversationJoinPayload
	tr.expectWrite(tb, v1.TypeConversationJoin, &joinReq)
	if joinReq.ConversationID != conversationID {
		tb.Fatalf("join request conversation: got=%q want=%q", joinReq.ConversationID, conversationID)
	}
	tr.serverSend(tb, v1.TypeConversationJoined, v1.ConversationJoinedPayload{
		ConversationID: conversationID,
		Kind:           string(conversation.KindGroup),
	})
	waitStateEvent(tb, sm, func(ev StateEvent) bool { return ev.Membership == Joined })
}

// ---- tests ----

func TestSessionManager_ConnectHandshake(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())

	sm.Connect(context.Background(), "ws://test/ws", "ticket-1")
	waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Connection == StateConnecting })

	tr := dialer.waitTransport(t)
	tr.expectWrite(t, v1.TypeHello, nil)
	tr.serverSend(t, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: "sess-1"})

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Connection == StateConnected })
	if ev.Err != nil {
		t.Fatalf("unexpected error on connect: %v", ev.Err)
	}
	if got := sm.SessionID(); got != "sess-1" {
		t.Fatalf("session id: got=%q want=%q", got, "sess-1")
	}
	if sm.LastError() != nil {
		t.Fatalf("lastError must be cleared on successful transition")
	}
}

// Scenario: connect, join, send one message, receive its echo.
func TestSessionManager_JoinSendAndEcho(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr := connectAndHandshake(t, sm, dialer, "sess-1")
	joinAndAck(t, sm, tr, "room-1")

	clientMsgID, err := sm.Send("room-1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if clientMsgID == "" {
		t.Fatalf("send must return the client message id")
	}

	var sendReq v1.MessageSendPayload
	tr.expectWrite(t, v1.TypeMessageSend, &sendReq)
	if sendReq.ConversationID != "room-1" || sendReq.ClientMsgID != clientMsgID || sendReq.Text != "hello" {
		t.Fatalf("send payload mismatch: %+v", sendReq)
	}
	// Exactly one outbound emission.
	tr.expectNoWrite(t, 100*time.Millisecond)

	tr.serverSend(t, v1.TypeMessageNew, v1.MessageNewPayload{
		ConversationID: "room-1",
		ClientMsgID:    clientMsgID,
		ServerMsgID:    "m1",
		Seq:            1,
		Sender:         "sess-1",
		Text:           "hello",
		ServerTS:       time.Now().UTC(),
	})

	me := waitMessageEvent(t, sm)
	if me.Message.ID != "m1" {
		t.Fatalf("message id: got=%q want=%q", me.Message.ID, "m1")
	}
	if got := sm.Store().Len("room-1"); got != 1 {
		t.Fatalf("store len: got=%d want=1", got)
	}
}

func TestSessionManager_SupersededTransportIsInert(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr1 := connectAndHandshake(t, sm, dialer, "sess-1")

	// Second connect supersedes the first transport.
	sm.Connect(context.Background(), "ws://test/ws", "ticket-2")
	tr2 := dialer.waitTransport(t)
	tr2.expectWrite(t, v1.TypeHello, nil)

	if !tr1.isClosed() {
		t.Fatalf("superseded transport must be closed")
	}

	// Late traffic from the superseded transport must cause no transition.
	tr1.serverSend(t, v1.TypeMessageNew, v1.MessageNewPayload{
		ConversationID: "room-1",
		ServerMsgID:    "stale-1",
		Seq:            9,
		Sender:         "ghost",
		Text:           "stale",
		ServerTS:       time.Now().UTC(),
	})

	tr2.serverSend(t, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: "sess-2"})
	waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Connection == StateConnected })

	if got := sm.SessionID(); got != "sess-2" {
		t.Fatalf("session id: got=%q want=%q", got, "sess-2")
	}
	if got := sm.Store().Len("room-1"); got != 0 {
		t.Fatalf("stale message leaked into store: %d entries", got)
	}
}

func TestSessionManager_PreconditionErrors(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())

	if err := sm.Join("room-1"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("join while idle: expected ErrPrecondition, got %v", err)
	}
	if _, err := sm.Send("room-1", "hi"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("send while idle: expected ErrPrecondition, got %v", err)
	}
	if err := sm.Leave(); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("leave while idle: expected ErrPrecondition, got %v", err)
	}

	tr := connectAndHandshake(t, sm, dialer, "sess-1")

	// Connected but not joined: send must fail synchronously and emit nothing.
	if _, err := sm.Send("room-1", "hi"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("send while not joined: expected ErrPrecondition, got %v", err)
	}
	tr.expectNoWrite(t, 100*time.Millisecond)

	// Precondition errors never transition state.
	if conn, mem := sm.State(); conn != StateConnected || mem != NotJoined {
		t.Fatalf("state changed by precondition error: %s/%s", conn, mem)
	}

	joinAndAck(t, sm, tr, "room-1")

	// Send addressed to a conversation other than the joined one.
	if _, err := sm.Send("room-2", "hi"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("send to wrong conversation: expected ErrPrecondition, got %v", err)
	}

	// Join while already joined.
	if err := sm.Join("room-2"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("join while joined: expected ErrPrecondition, got %v", err)
	}
}

func TestSessionManager_LeaveDuringJoiningSuppressesLateAck(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr := connectAndHandshake(t, sm, dialer, "sess-1")

	if err := sm.Join("room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tr.expectWrite(t, v1.TypeConversationJoin, nil)

	if err := sm.Leave(); err != nil {
		t.Fatalf("leave while joining: %v", err)
	}
	tr.expectWrite(t, v1.TypeConversationLeave, nil)

	// The join ack arrives after the leave was issued: it must not flip the
	// membership to Joined.
	tr.serverSend(t, v1.TypeConversationJoined, v1.ConversationJoinedPayload{
		ConversationID: "room-1",
		Kind:           string(conversation.KindGroup),
	})
	tr.serverSend(t, v1.TypeConversationLeft, v1.ConversationLeftPayload{ConversationID: "room-1"})

	waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Membership == NotJoined && ev.Connection == StateConnected })

	if _, mem := sm.State(); mem != NotJoined {
		t.Fatalf("late join ack resurrected membership: %s", mem)
	}
}

// Leave racing a rejected join: the server never acks the join, and answers
// the leave with a domain error instead of conversation_left. The errors must
// resolve the pending leave rather than leaving membership in Joining.
func TestSessionManager_LeaveDuringJoiningResolvedByServerError(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr := connectAndHandshake(t, sm, dialer, "sess-1")

	if err := sm.Join("room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tr.expectWrite(t, v1.TypeConversationJoin, nil)

	if err := sm.Leave(); err != nil {
		t.Fatalf("leave while joining: %v", err)
	}
	tr.expectWrite(t, v1.TypeConversationLeave, nil)

	tr.serverSend(t, v1.TypeError, v1.ErrorPayload{Code: "join_failed", Message: "not a member"})
	tr.serverSend(t, v1.TypeError, v1.ErrorPayload{Code: "not_joined", Message: "no active conversation"})

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Membership == NotJoined && ev.Err != nil })
	if ev.Err.Kind != FailureJoinRejected {
		t.Fatalf("expected membership-rejected failure, got %v", ev.Err)
	}
	if conn, _ := sm.State(); conn != StateConnected {
		t.Fatalf("membership resolution must not drop the connection, state=%s", conn)
	}

	// Membership settled: a fresh join is valid again.
	if err := sm.Join("room-2"); err != nil {
		t.Fatalf("join after resolved leave: %v", err)
	}
	tr.expectWrite(t, v1.TypeConversationJoin, nil)
}

func TestSessionManager_LeaveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JoinTimeout = 80 * time.Millisecond

	sm, dialer := newTestSession(t, cfg)
	tr := connectAndHandshake(t, sm, dialer, "sess-1")

	if err := sm.Join("room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tr.expectWrite(t, v1.TypeConversationJoin, nil)

	if err := sm.Leave(); err != nil {
		t.Fatalf("leave while joining: %v", err)
	}
	tr.expectWrite(t, v1.TypeConversationLeave, nil)
	// Never acknowledge the leave.

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Membership == NotJoined && ev.Err != nil })
	if ev.Err.Kind != FailureJoinRejected || ev.Err.Code != "leave_timeout" {
		t.Fatalf("expected leave_timeout failure, got %v", ev.Err)
	}
	if conn, _ := sm.State(); conn != StateConnected {
		t.Fatalf("leave timeout must not drop the connection, state=%s", conn)
	}

	// A late left ack after the timeout is stale.
	tr.serverSend(t, v1.TypeConversationLeft, v1.ConversationLeftPayload{ConversationID: "room-1"})
	time.Sleep(50 * time.Millisecond)
	if _, mem := sm.State(); mem != NotJoined {
		t.Fatalf("stale left ack changed membership: %s", mem)
	}
}

// Scenario: abnormal close while Joined.
func TestSessionManager_AbnormalCloseWhileJoined(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr := connectAndHandshake(t, sm, dialer, "sess-1")
	joinAndAck(t, sm, tr, "room-1")

	tr.err <- &CloseError{Code: 1006, Reason: "abnormal closure"}

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Connection == StateDisconnected })
	if ev.Membership != NotJoined {
		t.Fatalf("membership after abnormal close: %s", ev.Membership)
	}
	if ev.Err == nil || ev.Err.Kind != FailureConnectionLost {
		t.Fatalf("expected connection-lost failure, got %v", ev.Err)
	}
	if !ev.Err.Retryable() {
		t.Fatalf("connection loss must be retryable")
	}

	// Join is rejected as a precondition error until connect succeeds again.
	if err := sm.Join("room-1"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("join after loss: expected ErrPrecondition, got %v", err)
	}

	tr2 := connectAndHandshake(t, sm, dialer, "sess-2")
	if err := sm.Join("room-1"); err != nil {
		t.Fatalf("join after reconnect: %v", err)
	}
	tr2.expectWrite(t, v1.TypeConversationJoin, nil)
}

func TestSessionManager_HandshakeRejectedNotRetryable(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())

	sm.Connect(context.Background(), "ws://test/ws", "bad-ticket")
	tr := dialer.waitTransport(t)
	tr.expectWrite(t, v1.TypeHello, nil)

	tr.err <- &CloseError{Code: v1.CloseTicketInvalid, Reason: "ticket invalid"}

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Connection == StateDisconnected })
	if ev.Err == nil || ev.Err.Kind != FailureHandshakeRejected {
		t.Fatalf("expected handshake-rejected failure, got %v", ev.Err)
	}
	if ev.Err.Code != "ticket_invalid" {
		t.Fatalf("failure code: got=%q want=%q", ev.Err.Code, "ticket_invalid")
	}
	if ev.Err.Retryable() {
		t.Fatalf("handshake rejection must not be retryable")
	}
}

func TestSessionManager_ServerCleanCloseRecordsNoError(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr := connectAndHandshake(t, sm, dialer, "sess-1")

	tr.err <- &CloseError{Code: 1000, Reason: "bye"}

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Connection == StateDisconnected })
	if ev.Err != nil {
		t.Fatalf("clean close must record no error, got %v", ev.Err)
	}
}

func TestSessionManager_ConnectTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 80 * time.Millisecond

	sm, dialer := newTestSession(t, cfg)
	sm.Connect(context.Background(), "ws://test/ws", "ticket-1")

	tr := dialer.waitTransport(t)
	tr.expectWrite(t, v1.TypeHello, nil)
	// Never acknowledge the handshake.

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Connection == StateDisconnected })
	if ev.Err == nil || ev.Err.Code != "connect_timeout" {
		t.Fatalf("expected connect_timeout failure, got %v", ev.Err)
	}
	if !tr.isClosed() {
		t.Fatalf("timed-out transport must be closed")
	}
}

func TestSessionManager_JoinTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JoinTimeout = 80 * time.Millisecond

	sm, dialer := newTestSession(t, cfg)
	tr := connectAndHandshake(t, sm, dialer, "sess-1")

	if err := sm.Join("room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tr.expectWrite(t, v1.TypeConversationJoin, nil)
	// Never acknowledge the join.

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Membership == NotJoined && ev.Err != nil })
	if ev.Err.Kind != FailureJoinRejected || ev.Err.Code != "join_timeout" {
		t.Fatalf("expected join_timeout failure, got %v", ev.Err)
	}
	if conn, _ := sm.State(); conn != StateConnected {
		t.Fatalf("join timeout must not drop the connection, state=%s", conn)
	}

	// A late ack for the timed-out attempt is stale.
	tr.serverSend(t, v1.TypeConversationJoined, v1.ConversationJoinedPayload{ConversationID: "room-1"})
	time.Sleep(50 * time.Millisecond)
	if _, mem := sm.State(); mem != NotJoined {
		t.Fatalf("stale ack after timeout resurrected membership: %s", mem)
	}
}

func TestSessionManager_JoinRejectedByServer(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr := connectAndHandshake(t, sm, dialer, "sess-1")

	if err := sm.Join("room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	tr.expectWrite(t, v1.TypeConversationJoin, nil)

	tr.serverSend(t, v1.TypeError, v1.ErrorPayload{Code: "join_failed", Message: "not a member"})

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Membership == NotJoined && ev.Err != nil })
	if ev.Err.Kind != FailureJoinRejected {
		t.Fatalf("expected join-rejected failure, got %v", ev.Err)
	}
	if conn, _ := sm.State(); conn != StateConnected {
		t.Fatalf("join rejection must not drop the connection, state=%s", conn)
	}
}

func TestSessionManager_DisconnectIdempotent(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr := connectAndHandshake(t, sm, dialer, "sess-1")

	sm.Disconnect()
	if !tr.isClosed() {
		t.Fatalf("disconnect must close the transport")
	}

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Connection == StateIdle })
	if ev.Err != nil {
		t.Fatalf("clean disconnect must record no error, got %v", ev.Err)
	}

	// Second disconnect is a no-op: no extra event.
	sm.Disconnect()
	select {
	case got := <-sm.Events():
		t.Fatalf("unexpected event after idempotent disconnect: %#v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionManager_DuplicateLiveDeliveryIgnored(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr := connectAndHandshake(t, sm, dialer, "sess-1")
	joinAndAck(t, sm, tr, "room-1")

	payload := v1.MessageNewPayload{
		ConversationID: "room-1",
		ServerMsgID:    "m1",
		Seq:            1,
		Sender:         "other",
		Text:           "hi",
		ServerTS:       time.Now().UTC(),
	}
	tr.serverSend(t, v1.TypeMessageNew, payload)
	tr.serverSend(t, v1.TypeMessageNew, payload)

	waitMessageEvent(t, sm)

	// The duplicate produces no second message event; presence of a later
	// envelope proves both were processed.
	tr.serverSend(t, v1.TypeMessageNew, v1.MessageNewPayload{
		ConversationID: "room-1",
		ServerMsgID:    "m2",
		Seq:            2,
		Sender:         "other",
		Text:           "again",
		ServerTS:       time.Now().UTC(),
	})
	me := waitMessageEvent(t, sm)
	if me.Message.ID != "m2" {
		t.Fatalf("expected m2 after duplicate drop, got %q", me.Message.ID)
	}

	if got := sm.Store().Len("room-1"); got != 2 {
		t.Fatalf("store len: got=%d want=2", got)
	}
}

func TestSessionManager_DialFailureSurfacesOnce(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	dialer.dialErr = errors.New("connection refused")

	sm.Connect(context.Background(), "ws://test/ws", "ticket-1")

	ev := waitStateEvent(t, sm, func(ev StateEvent) bool { return ev.Connection == StateDisconnected })
	if ev.Err == nil || ev.Err.Kind != FailureConnectionLost || ev.Err.Code != "dial_failed" {
		t.Fatalf("expected dial_failed connection loss, got %v", ev.Err)
	}
}

func TestSessionManager_PresenceUpdatesParticipants(t *testing.T) {
	sm, dialer := newTestSession(t, DefaultConfig())
	tr := connectAndHandshake(t, sm, dialer, "sess-1")
	joinAndAck(t, sm, tr, "room-1")

	tr.serverSend(t, v1.TypePresenceJoin, v1.PresencePayload{ConversationID: "room-1", SessionID: "sess-9"})

	deadline := time.After(testWait)
	for {
		select {
		case ev := <-sm.Events():
			if pe, ok := ev.(PresenceEvent); ok {
				if pe.SessionID != "sess-9" || !pe.Joined {
					t.Fatalf("presence event mismatch: %+v", pe)
				}
				participants, err := sm.Store().Participants("room-1")
				if err != nil {
					t.Fatalf("participants: %v", err)
				}
				found := false
				for _, p := range participants {
					if p.ID == "sess-9" {
						found = true
					}
				}
				if !found {
					t.Fatalf("presence join not reflected in store participants")
				}
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for presence event")
		}
	}
}
