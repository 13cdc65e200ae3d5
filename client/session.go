package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "chatwire/contracts/realtime/v1"
	"chatwire/conversation"
	"chatwire/internal/ids"
)

// SessionManager drives the realtime session state machine. It owns exactly
// one Transport at a time; a new Connect supersedes the previous transport
// and bumps the generation token so late events from the old one are inert.
//
// All transitions happen under one mutex, and inbound envelopes are applied
// by a single read loop per connection, so events take effect in transport
// arrival order.
type SessionManager struct {
	log     *slog.Logger
	cfg     Config
	dialer  Dialer
	store   *conversation.Store
	metrics *Metrics

	events chan Event

	mu        sync.Mutex
	gen       uint64
	connState ConnState
	memState  MembershipState
	lastErr   *Failure
	sessionID string

	tr         Transport
	connCancel context.CancelFunc

	connectTimer *time.Timer
	joinTimer    *time.Timer

	joinSeq      uint64
	pendingJoin  *joinAttempt
	activeConv   string
	leavePending bool
}

// joinAttempt tags one join request. Acks are matched against the latest
// pending attempt; anything else is stale.
type joinAttempt struct {
	seq            uint64
	conversationID string
}

// NewSessionManager constructs a session manager. A nil dialer selects the
// production websocket dialer; a nil store creates a fresh conversation
// store; metrics may be nil.
func NewSessionManager(log *slog.Logger, cfg Config, dialer Dialer, store *conversation.Store, metrics *Metrics) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = &WebsocketDialer{}
	}
	if store == nil {
		store = conversation.NewStore(log)
	}

	return &SessionManager{
		log:     log,
		cfg:     cfg,
		dialer:  dialer,
		store:   store,
		metrics: metrics,
		events:  make(chan Event, cfg.EventBuffer),
	}
}

// Events is the inbound event surface for the UI layer. When the consumer
// falls behind, events are dropped rather than blocking the session.
func (s *SessionManager) Events() <-chan Event { return s.events }

// Store returns the conversation store this session feeds.
func (s *SessionManager) Store() *conversation.Store { return s.store }

// State returns the current connection and membership states.
func (s *SessionManager) State() (ConnState, MembershipState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState, s.memState
}

// LastError returns the failure recorded by the most recent unsuccessful
// transition, or nil. It is cleared on every successful transition.
func (s *SessionManager) LastError() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return nil
	}
	f := *s.lastErr
	return &f
}

// SessionID returns the server-assigned session id, or "" before the
// handshake completes.
func (s *SessionManager) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ActiveConversation returns the id of the joined conversation, or "".
func (s *SessionManager) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConv
}

// Connect establishes a fresh transport bound to uri with the one-time
// ticket embedded in the handshake. Valid from any state: an existing
// transport is superseded synchronously before dialing.
//
// The call returns once the state is Connecting; success or failure arrives
// as a StateEvent. There is no automatic retry.
func (s *SessionManager) Connect(ctx context.Context, uri, ticket string) {
	s.mu.Lock()

	s.teardownLocked("superseded")

	connCtx, cancel := context.WithCancel(ctx)
	s.connCancel = cancel

	s.connState = StateConnecting
	s.lastErr = nil
	g := s.gen

	s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, func() { s.onConnectTimeout(g) })

	s.log.Info("session.connect", "uri", uri, "generation", g)
	s.emitStateLocked()
	s.mu.Unlock()

	go s.runConnection(connCtx, g, uri, ticket)
}

// Join requests membership in a conversation. Valid only while Connected
// with membership NotJoined; anything else fails synchronously with a
// precondition error. The acknowledgment arrives as a StateEvent.
func (s *SessionManager) Join(conversationID string) error {
	s.mu.Lock()

	if conversationID == "" {
		s.mu.Unlock()
		return preconditionf("join requires a conversation id")
	}
	if s.connState != StateConnected {
		s.mu.Unlock()
		return preconditionf("join requires state %s, have %s", StateConnected, s.connState)
	}
	if s.memState != NotJoined {
		s.mu.Unlock()
		return preconditionf("join requires membership %s, have %s", NotJoined, s.memState)
	}

	s.joinSeq++
	attempt := &joinAttempt{seq: s.joinSeq, conversationID: conversationID}
	s.pendingJoin = attempt
	s.memState = Joining

	g := s.gen
	tr := s.tr
	s.joinTimer = time.AfterFunc(s.cfg.JoinTimeout, func() { s.onJoinTimeout(g, attempt.seq) })

	s.log.Info("session.join", "conversation_id", conversationID, "join_seq", attempt.seq)
	s.emitStateLocked()
	s.mu.Unlock()

	s.writeEnvelope(g, tr, v1.TypeConversationJoin, v1.ConversationJoinPayload{
		ConversationID: conversationID,
	})
	return nil
}

// Leave requests leaving the active conversation. Valid while Joined or
// Joining. Membership is cleared only once the server acknowledges; a join
// ack arriving after Leave was issued can never resurrect Joined.
func (s *SessionManager) Leave() error {
	s.mu.Lock()

	if s.memState != Joined && s.memState != Joining {
		s.mu.Unlock()
		return preconditionf("leave requires membership %s or %s, have %s", Joined, Joining, s.memState)
	}

	conversationID := s.activeConv
	if s.pendingJoin != nil {
		conversationID = s.pendingJoin.conversationID
	}

	// Invalidate the pending join so a late ack is ignored.
	s.pendingJoin = nil
	s.stopJoinTimerLocked()
	s.leavePending = true

	g := s.gen
	tr := s.tr

	// The leave ack is awaited under the same bound as a join ack. Without
	// this, a server that answers with a domain error instead of an ack
	// (leave racing a rejected join) would leave membership unresolved.
	s.joinTimer = time.AfterFunc(s.cfg.JoinTimeout, func() { s.onLeaveTimeout(g) })

	s.log.Info("session.leave", "conversation_id", conversationID)
	s.mu.Unlock()

	s.writeEnvelope(g, tr, v1.TypeConversationLeave, v1.ConversationLeavePayload{
		ConversationID: conversationID,
	})
	return nil
}

// Send emits one text message to the joined conversation and returns the
// generated client message id. Fire-and-forget: the call does not await the
// server ack, which arrives later as a MessageAckEvent.
//
// Send never queues: outside Connected/Joined it fails synchronously with a
// precondition error and nothing reaches the transport.
func (s *SessionManager) Send(conversationID, text string) (string, error) {
	s.mu.Lock()

	if s.connState != StateConnected {
		s.mu.Unlock()
		return "", preconditionf("send requires state %s, have %s", StateConnected, s.connState)
	}
	if s.memState != Joined {
		s.mu.Unlock()
		return "", preconditionf("send requires membership %s, have %s", Joined, s.memState)
	}
	if conversationID != s.activeConv {
		s.mu.Unlock()
		return "", preconditionf("send addressed to %q but joined to %q", conversationID, s.activeConv)
	}

	clientMsgID := ids.MustULID(time.Now().UTC())
	g := s.gen
	tr := s.tr
	s.mu.Unlock()

	s.metrics.messageSent()
	s.writeEnvelope(g, tr, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
		ContentType:    string(conversation.ContentText),
		Text:           text,
	})
	return clientMsgID, nil
}

// Disconnect tears the transport down cleanly and returns the session to
// Idle. Idempotent; a clean disconnect records no error.
func (s *SessionManager) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connState == StateIdle && s.tr == nil {
		return
	}

	s.teardownLocked("bye")
	s.connState = StateIdle
	s.lastErr = nil
	s.sessionID = ""

	s.log.Info("session.disconnect")
	s.emitStateLocked()
}

// ---- connection goroutine ----

func (s *SessionManager) runConnection(ctx context.Context, g uint64, uri, ticket string) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	tr, err := s.dialer.Dial(dialCtx, uri, ticket)
	cancel()
	if err != nil {
		s.connectFailed(g, err)
		return
	}

	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		_ = tr.Close("superseded")
		return
	}
	s.tr = tr
	s.mu.Unlock()

	s.writeEnvelope(g, tr, v1.TypeHello, v1.HelloPayload{})

	for {
		env, err := tr.Read(ctx)
		if err != nil {
			s.transportFailed(g, err)
			return
		}
		if !s.handleEnvelope(g, env) {
			return
		}
	}
}

func (s *SessionManager) handleEnvelope(g uint64, env v1.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g != s.gen {
		return false
	}

	switch env.Type {
	case v1.TypeHelloAck:
		s.onHelloAckLocked(env)
	case v1.TypeConversationJoined:
		s.onJoinedLocked(env)
	case v1.TypeConversationLeft:
		s.onLeftLocked(env)
	case v1.TypeMessageNew:
		s.onMessageNewLocked(env)
	case v1.TypeMessageAck:
		s.onMessageAckLocked(env)
	case v1.TypePresenceJoin:
		s.onPresenceLocked(env, true)
	case v1.TypePresenceLeave:
		s.onPresenceLocked(env, false)
	case v1.TypeError:
		s.onErrorLocked(env)
	default:
		s.log.Debug("session.envelope.ignored", "type", env.Type)
	}
	return true
}

func (s *SessionManager) onHelloAckLocked(env v1.Envelope) {
	if s.connState != StateConnecting {
		s.log.Debug("session.hello_ack.stale", "state", s.connState)
		return
	}

	var p v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.hello_ack.bad_payload", "err", err)
		return
	}

	s.stopConnectTimerLocked()
	s.sessionID = p.SessionID
	s.connState = StateConnected
	s.lastErr = nil
	s.metrics.connect("ok")

	s.log.Info("session.connected", "session_id", p.SessionID)
	s.emitStateLocked()
}

func (s *SessionManager) onJoinedLocked(env v1.Envelope) {
	var p v1.ConversationJoinedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.joined.bad_payload", "err", err)
		return
	}

	if s.pendingJoin == nil || s.pendingJoin.conversationID != p.ConversationID {
		// Stale ack: the attempt was superseded, timed out, or a leave was
		// issued in the meantime.
		s.log.Info("session.join.stale_ack", "conversation_id", p.ConversationID)
		return
	}

	s.pendingJoin = nil
	s.stopJoinTimerLocked()
	s.memState = Joined
	s.activeConv = p.ConversationID
	s.lastErr = nil

	seed := conversation.Seed{Kind: conversation.Kind(p.Kind)}
	for _, member := range p.Members {
		seed.Participants = append(seed.Participants, conversation.Participant{ID: member})
	}
	s.store.Ensure(p.ConversationID, seed)

	s.log.Info("session.joined", "conversation_id", p.ConversationID)
	s.emitStateLocked()
}

func (s *SessionManager) onLeftLocked(env v1.Envelope) {
	var p v1.ConversationLeftPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.left.bad_payload", "err", err)
		return
	}

	if !s.leavePending {
		s.log.Debug("session.left.stale", "conversation_id", p.ConversationID)
		return
	}

	s.leavePending = false
	s.stopJoinTimerLocked()
	s.memState = NotJoined
	s.activeConv = ""
	s.lastErr = nil

	s.log.Info("session.left", "conversation_id", p.ConversationID)
	s.emitStateLocked()
}

func (s *SessionManager) onMessageNewLocked(env v1.Envelope) {
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.message.bad_payload", "err", err)
		return
	}

	contentType := conversation.ContentType(p.ContentType)
	if contentType == "" {
		contentType = conversation.ContentText
	}

	msg := conversation.Message{
		ID:             p.ServerMsgID,
		ConversationID: p.ConversationID,
		SenderID:       p.Sender,
		ContentType:    contentType,
		Content:        p.Text,
		Timestamp:      p.ServerTS,
		Seq:            p.Seq,
	}

	if err := s.store.AppendLive(p.ConversationID, msg); err != nil {
		if errors.Is(err, conversation.ErrDuplicateMessage) {
			s.metrics.duplicateDropped()
			s.log.Debug("session.message.duplicate", "message_id", msg.ID)
			return
		}
		s.log.Warn("session.message.rejected", "message_id", msg.ID, "err", err)
		return
	}

	s.metrics.messageReceived()
	s.emitLocked(MessageEvent{Message: msg})
}

func (s *SessionManager) onMessageAckLocked(env v1.Envelope) {
	var p v1.MessageAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.ack.bad_payload", "err", err)
		return
	}

	s.emitLocked(MessageAckEvent{
		ConversationID: p.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		ServerMsgID:    p.ServerMsgID,
		Seq:            p.Seq,
	})
}

func (s *SessionManager) onPresenceLocked(env v1.Envelope, joined bool) {
	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.presence.bad_payload", "err", err)
		return
	}

	if joined {
		s.store.Ensure(p.ConversationID, conversation.Seed{
			Participants: []conversation.Participant{{ID: p.SessionID}},
		})
	}

	s.emitLocked(PresenceEvent{
		ConversationID: p.ConversationID,
		SessionID:      p.SessionID,
		Joined:         joined,
	})
}

func (s *SessionManager) onErrorLocked(env v1.Envelope) {
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("session.error.bad_payload", "err", err)
		return
	}

	// join_failed and not_joined resolve whichever membership operation is in
	// flight. With a leave pending they also answer the leave: the server is
	// saying this session is not a member, so membership settles at NotJoined.
	if (s.pendingJoin != nil || s.leavePending) && (p.Code == "join_failed" || p.Code == "not_joined") {
		s.pendingJoin = nil
		s.leavePending = false
		s.stopJoinTimerLocked()
		s.memState = NotJoined
		s.activeConv = ""
		s.lastErr = &Failure{Kind: FailureJoinRejected, Code: p.Code, Message: p.Message}

		s.log.Info("session.membership.rejected", "code", p.Code)
		s.emitStateLocked()
		return
	}

	failure := Failure{Kind: FailureDomain, Code: p.Code, Message: p.Message}
	s.lastErr = &failure

	s.log.Info("session.domain_error", "code", p.Code, "fatal", p.Fatal)
	s.emitLocked(ErrorEvent{Failure: failure})
}

// ---- failure paths ----

func (s *SessionManager) connectFailed(g uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g != s.gen {
		return
	}

	s.teardownLocked("connect failed")
	s.connState = StateDisconnected
	s.lastErr = classifyDialError(err)
	s.metrics.connect("error")

	s.log.Info("session.connect.fail", "kind", s.lastErr.Kind.String(), "code", s.lastErr.Code, "err", err)
	s.emitStateLocked()
}

func (s *SessionManager) transportFailed(g uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g != s.gen {
		// Superseded transport; its late events are inert.
		return
	}

	wasConnecting := s.connState == StateConnecting

	s.teardownLocked("transport failed")
	s.connState = StateDisconnected
	s.lastErr = classifyTransportError(err, wasConnecting)
	if wasConnecting {
		s.metrics.connect("error")
	}

	if s.lastErr == nil {
		s.log.Info("session.closed.clean")
	} else {
		s.log.Info("session.closed",
			"kind", s.lastErr.Kind.String(),
			"code", s.lastErr.Code,
			"err", err,
		)
	}
	s.emitStateLocked()
}

func (s *SessionManager) onConnectTimeout(g uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g != s.gen || s.connState != StateConnecting {
		return
	}

	s.teardownLocked("connect timeout")
	s.connState = StateDisconnected
	s.lastErr = &Failure{Kind: FailureConnectionLost, Code: "connect_timeout", Message: "no handshake acknowledgment within bound"}
	s.metrics.connect("error")

	s.log.Info("session.connect.timeout")
	s.emitStateLocked()
}

func (s *SessionManager) onJoinTimeout(g uint64, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g != s.gen || s.pendingJoin == nil || s.pendingJoin.seq != seq {
		return
	}

	s.pendingJoin = nil
	s.memState = NotJoined
	s.lastErr = &Failure{Kind: FailureJoinRejected, Code: "join_timeout", Message: "no join acknowledgment within bound"}

	s.log.Info("session.join.timeout", "join_seq", seq)
	s.emitStateLocked()
}

func (s *SessionManager) onLeaveTimeout(g uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g != s.gen || !s.leavePending {
		return
	}

	s.leavePending = false
	s.memState = NotJoined
	s.activeConv = ""
	s.lastErr = &Failure{Kind: FailureJoinRejected, Code: "leave_timeout", Message: "no leave acknowledgment within bound"}

	s.log.Info("session.leave.timeout")
	s.emitStateLocked()
}

// teardownLocked closes the current transport, invalidates its generation,
// and resets membership. It does not pick the next connection state; callers
// do that so the same helper serves supersede, failure, and clean disconnect.
func (s *SessionManager) teardownLocked(reason string) {
	if s.tr != nil {
		_ = s.tr.Close(reason)
		s.tr = nil
	}
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.stopConnectTimerLocked()
	s.stopJoinTimerLocked()

	s.gen++
	s.memState = NotJoined
	s.pendingJoin = nil
	s.leavePending = false
	s.activeConv = ""
}

func (s *SessionManager) stopConnectTimerLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *SessionManager) stopJoinTimerLocked() {
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
}

// ---- outbound ----

// writeEnvelope sends one envelope outside the session lock. A write failure
// is a transport fault and is routed through transportFailed, where the
// generation check keeps superseded transports inert.
func (s *SessionManager) writeEnvelope(g uint64, tr Transport, typ string, payload any) {
	if tr == nil {
		return
	}

	b, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("session.write.marshal", "type", typ, "err", err)
		return
	}

	now := time.Now().UTC()
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		TS:      now,
		Payload: b,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := tr.Write(ctx, env); err != nil {
		s.log.Info("session.write.fail", "type", typ, "err", err)
		s.transportFailed(g, err)
	}
}

// ---- event surface ----

func (s *SessionManager) emitStateLocked() {
	ev := StateEvent{
		Connection: s.connState,
		Membership: s.memState,
	}
	if s.lastErr != nil {
		f := *s.lastErr
		ev.Err = &f
	}
	s.emitLocked(ev)
}

func (s *SessionManager) emitLocked(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Drop rather than block the session loop.
		s.metrics.eventDropped()
		s.log.Warn("session.event.dropped")
	}
}

// ---- error classification ----

func classifyDialError(err error) *Failure {
	var he *HandshakeError
	if errors.As(err, &he) {
		return &Failure{
			Kind:    FailureHandshakeRejected,
			Code:    "upgrade_refused",
			Message: he.Error(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureConnectionLost, Code: "connect_timeout", Message: err.Error()}
	}
	return &Failure{Kind: FailureConnectionLost, Code: "dial_failed", Message: err.Error()}
}

// classifyTransportError resolves a read/write failure into the lastError
// slot. A nil result means a clean server-side close, which records no error.
func classifyTransportError(err error, connecting bool) *Failure {
	var ce *CloseError
	if errors.As(err, &ce) {
		if code, rejected := ce.HandshakeReject(); rejected {
			return &Failure{Kind: FailureHandshakeRejected, Code: code, Message: ce.Reason}
		}
		if ce.Clean() && !connecting {
			return nil
		}
		return &Failure{Kind: FailureConnectionLost, Code: "abnormal_close", Message: ce.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) && connecting {
		return &Failure{Kind: FailureConnectionLost, Code: "connect_timeout", Message: err.Error()}
	}
	return &Failure{Kind: FailureConnectionLost, Code: "transport_fault", Message: err.Error()}
}
