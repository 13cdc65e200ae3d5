package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when CHATWIRE_DATABASE_URL is set. This
// keeps local "go test ./..." fast and deterministic without Postgres.

func TestPostgresStore_Append_Dedupe_NoSeqWaste(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-dedupe-" + NewRandomHex(8)
	clientMsgID := "cmsg-" + NewRandomHex(8)
	now := time.Now().UTC()

	first, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		SenderSession:  "session-a",
		Text:           "hello",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated {
		t.Fatalf("append first: expected Duplicated=false")
	}
	if first.Stored.Seq != 1 {
		t.Fatalf("append first: expected seq=1 got=%d", first.Stored.Seq)
	}
	if strings.TrimSpace(first.Stored.ServerMsgID) == "" {
		t.Fatalf("append first: expected non-empty server_msg_id")
	}

	second, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		ClientMsgID:    clientMsgID, // duplicate on purpose
		SenderSession:  "session-a",
		Text:           "hello",
		Now:            now.Add(1 * time.Second),
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("append duplicate: expected Duplicated=true")
	}
	if second.Stored.Seq != first.Stored.Seq {
		t.Fatalf("append duplicate: seq mismatch: first=%d second=%d", first.Stored.Seq, second.Stored.Seq)
	}
	if second.Stored.ServerMsgID != first.Stored.ServerMsgID {
		t.Fatalf("append duplicate: server_msg_id mismatch")
	}

	third, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		ClientMsgID:    "cmsg-" + NewRandomHex(8),
		SenderSession:  "session-a",
		Text:           "next",
		Now:            now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("append third: %v", err)
	}
	if third.Stored.Seq != 2 {
		t.Fatalf("dedupe wasted a seq: got=%d want=2", third.Stored.Seq)
	}
}

func TestPostgresStore_FetchPage_SnapshotWindows(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convID := "it-pages-" + NewRandomHex(8)
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 7; i++ {
		if _, err := store.AppendMessage(ctx, AppendMessageInput{
			ConversationID: convID,
			ClientMsgID:    fmt.Sprintf("cmsg-%d-%s", i, NewRandomHex(4)),
			SenderSession:  "session-a",
			Text:           fmt.Sprintf("m%d", i),
			Now:            base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	before := base.Add(time.Minute)

	p0, err := store.FetchPage(ctx, PageQuery{ConversationID: convID, Page: 0, PerPage: 3, Before: before})
	if err != nil {
		t.Fatalf("page 0: %v", err)
	}
	if p0.TotalElements != 7 || p0.TotalPages != 3 {
		t.Fatalf("paging meta: total=%d pages=%d", p0.TotalElements, p0.TotalPages)
	}
	if len(p0.Messages) != 3 || p0.Messages[0].Seq != 5 || p0.Messages[2].Seq != 7 {
		t.Fatalf("page 0 window: %+v", p0.Messages)
	}

	p2, err := store.FetchPage(ctx, PageQuery{ConversationID: convID, Page: 2, PerPage: 3, Before: before})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(p2.Messages) != 1 || p2.Messages[0].Seq != 1 {
		t.Fatalf("oldest page window: %+v", p2.Messages)
	}

	// Messages at or after the snapshot are invisible.
	pinned, err := store.FetchPage(ctx, PageQuery{ConversationID: convID, Page: 0, PerPage: 3, Before: base.Add(3 * time.Second)})
	if err != nil {
		t.Fatalf("pinned page: %v", err)
	}
	if pinned.TotalElements != 3 {
		t.Fatalf("pinned total: got=%d want=3", pinned.TotalElements)
	}
}

func TestPostgresStore_ConcurrentAppend_StrictSeq_NoGaps(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	convID := "it-concurrency-" + NewRandomHex(8)

	const n = 32

	var wg sync.WaitGroup
	wg.Add(n)

	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()

			_, err := store.AppendMessage(ctx, AppendMessageInput{
				ConversationID: convID,
				ClientMsgID:    fmt.Sprintf("cmsg-%d-%s", i, NewRandomHex(5)),
				SenderSession:  "session-a",
				Text:           fmt.Sprintf("m%d", i),
				Now:            time.Now().UTC().Add(-time.Minute),
			})
			if err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent append error: %v", err)
	}

	out, err := store.FetchPage(ctx, PageQuery{ConversationID: convID, Page: 0, PerPage: 200, Before: time.Now().UTC()})
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	if len(out.Messages) != n {
		t.Fatalf("expected %d messages, got %d", n, len(out.Messages))
	}

	seen := make(map[int64]struct{}, len(out.Messages))
	for _, m := range out.Messages {
		seen[m.Seq] = struct{}{}
	}

	// Strict: seqs must be exactly 1..n.
	for want := int64(1); want <= n; want++ {
		if _, ok := seen[want]; !ok {
			t.Fatalf("missing seq=%d (gap)", want)
		}
	}
}

// ---- test helpers ----

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHATWIRE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHATWIRE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse CHATWIRE_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	// Validate acquire quickly.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "chatwire_it_" + strings.ToLower(NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	conversations := pgIdent(schema, "conversations")
	cursors := pgIdent(schema, "conversation_cursors")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL CHECK (kind IN ('private', 'group')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  server_msg_id   TEXT NOT NULL,
  client_msg_id   TEXT NOT NULL,
  sender_session  TEXT NOT NULL,
  content_type    TEXT NOT NULL DEFAULT 'text',
  text            TEXT NOT NULL,
  server_ts       TIMESTAMPTZ NOT NULL DEFAULT now(),
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, seq),
  CONSTRAINT uq_messages_conversation_client_msg UNIQUE (conversation_id, client_msg_id),
  CONSTRAINT uq_messages_server_msg_id UNIQUE (server_msg_id),
  CONSTRAINT chk_messages_text_len CHECK (char_length(text) > 0 AND char_length(text) <= 4096)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq_desc
  ON %s (conversation_id, seq DESC);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_server_ts
  ON %s (conversation_id, server_ts);
`, conversations, cursors, conversations, messages, conversations, messages, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
