// Package main is a CI-friendly smoke test for a running chatwire server.
//
// It validates, through the real client SDK:
//   - ticket issuance over REST
//   - handshake + subprotocol selection + hello/ack
//   - join acknowledgment
//   - send -> ack -> fanout to a second session
//   - history page fetch merging into the conversation store
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"chatwire/client"
	"chatwire/conversation"
	"chatwire/history"
	"chatwire/ticket"
)

func main() {
	var (
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP base URL")
		wsURL   = flag.String("ws", "ws://127.0.0.1:8080/ws", "Websocket URL")
		convID  = flag.String("conv", "dev-room-1", "Conversation ID to join")
		text    = flag.String("text", "hello chatwire", "Message text to send")
		tokenA  = flag.String("token-a", "smoke-acct-a", "Access token for session A")
		tokenB  = flag.String("token-b", "smoke-acct-b", "Access token for session B")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(*verbose),
	}))

	ctx := context.Background()

	a := mustSession(ctx, log, *apiURL, *wsURL, *tokenA, *timeout)
	defer a.sm.Disconnect()

	b := mustSession(ctx, log, *apiURL, *wsURL, *tokenB, *timeout)
	defer b.sm.Disconnect()

	mustJoin(a, *convID, *timeout)
	mustJoin(b, *convID, *timeout)

	clientMsgID, err := a.sm.Send(*convID, *text)
	if err != nil {
		fatalf("send: %v", err)
	}

	ack := mustAck(a, clientMsgID, *timeout)
	got := mustMessage(b, *timeout)
	if got.Content != *text {
		fatalf("fanout text mismatch: %q", got.Content)
	}
	if got.ID != ack.ServerMsgID {
		fatalf("fanout server_msg_id mismatch: %q vs %q", got.ID, ack.ServerMsgID)
	}

	// History through the REST surface, pinned after the send.
	hc := history.NewClient(*apiURL, nil, func() string { return *tokenB })
	histStore := conversation.NewStore(log)
	loader := history.NewLoader(log, hc, histStore, 25, time.Now().UTC().Add(time.Second))

	hctx, cancel := context.WithTimeout(ctx, *timeout)
	page, err := loader.LoadPage(hctx, *convID, conversation.KindGroup, 0)
	cancel()
	if err != nil {
		fatalf("history page: %v", err)
	}
	if page.Info.TotalElements < 1 {
		fatalf("history empty after send")
	}

	found := false
	for msg := range histStore.MergedView(*convID) {
		if msg.ID == ack.ServerMsgID {
			found = true
			break
		}
	}
	if !found {
		fatalf("sent message missing from history page")
	}

	fmt.Printf("OK: a=%s b=%s conv_id=%s seq=%d server_msg_id=%s history_total=%d\n",
		a.sm.SessionID(), b.sm.SessionID(), *convID, ack.Seq, ack.ServerMsgID, page.Info.TotalElements)
}

type smokeSession struct {
	name string
	sm   *client.SessionManager
}

func mustSession(ctx context.Context, log *slog.Logger, apiURL, wsURL, token string, timeout time.Duration) *smokeSession {
	tc := ticket.NewClient(apiURL, nil, func() string { return token })

	tctx, cancel := context.WithTimeout(ctx, timeout)
	tk, err := tc.Issue(tctx)
	cancel()
	if err != nil {
		fatalf("issue ticket: %v", err)
	}

	store := conversation.NewStore(log)
	sm := client.NewSessionManager(log, client.DefaultConfig(), &client.WebsocketDialer{}, store, nil)
	sm.Connect(ctx, wsURL, tk.Value)

	s := &smokeSession{name: token, sm: sm}
	waitFor(s, timeout, func(ev client.Event) bool {
		st, ok := ev.(client.StateEvent)
		if ok && st.Err != nil {
			fatalf("%s connect failed: %s", s.name, st.Err.Error())
		}
		return ok && st.Connection == client.StateConnected
	})
	return s
}

func mustJoin(s *smokeSession, convID string, timeout time.Duration) {
	if err := s.sm.Join(convID); err != nil {
		fatalf("%s join: %v", s.name, err)
	}
	waitFor(s, timeout, func(ev client.Event) bool {
		st, ok := ev.(client.StateEvent)
		return ok && st.Membership == client.Joined
	})
}

func mustAck(s *smokeSession, clientMsgID string, timeout time.Duration) client.MessageAckEvent {
	var out client.MessageAckEvent
	waitFor(s, timeout, func(ev client.Event) bool {
		ack, ok := ev.(client.MessageAckEvent)
		if ok && ack.ClientMsgID == clientMsgID {
			out = ack
			return true
		}
		return false
	})
	return out
}

func mustMessage(s *smokeSession, timeout time.Duration) conversation.Message {
	var out conversation.Message
	waitFor(s, timeout, func(ev client.Event) bool {
		me, ok := ev.(client.MessageEvent)
		if ok {
			out = me.Message
			return true
		}
		return false
	})
	return out
}

func waitFor(s *smokeSession, timeout time.Duration, match func(client.Event) bool) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-s.sm.Events():
			if match(ev) {
				return
			}
		case <-deadline:
			fatalf("%s: timeout waiting for event", s.name)
		}
	}
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
