package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatwire/internal/ids"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Uses per-conversation transactional advisory locks to guarantee no
//     sequence gaps caused by duplicates and strict monotonic ordering
//     under concurrency.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chatwire").
// The schema name is safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chatwire",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if in.ConversationID == "" || in.ClientMsgID == "" || in.SenderSession == "" {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "text"
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation so duplicates never waste a seq
	// and ordering stays strictly monotonic without races.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, kind) VALUES ($1, 'group')
		 ON CONFLICT (id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ConversationID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	serverMsgID := ids.MustULID(now)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, seq, server_msg_id, client_msg_id, sender_session, content_type, text, server_ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ConversationID, seq, serverMsgID, in.ClientMsgID, in.SenderSession, contentType, in.Text, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := StoredMessage{
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		ServerMsgID:    serverMsgID,
		Seq:            seq,
		SenderSession:  in.SenderSession,
		ContentType:    contentType,
		Text:           in.Text,
		ServerTS:       now,
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: out, Duplicated: false}, nil
}

// FetchPage returns one snapshot-pinned history page. Page 0 is the most
// recent window; messages within a page are returned oldest first.
func (s *PostgresStore) FetchPage(ctx context.Context, in PageQuery) (PageResult, error) {
	if s == nil || s.pool == nil {
		return PageResult{}, errors.New("realtime: nil store")
	}
	if in.ConversationID == "" {
		return PageResult{}, errors.New("missing conversation_id")
	}
	if in.Page < 0 {
		return PageResult{}, errors.New("negative page")
	}
	if err := ctx.Err(); err != nil {
		return PageResult{}, err
	}

	perPage := in.PerPage
	if perPage <= 0 {
		perPage = defaultPageSize
	}
	if perPage > maxPageSize {
		perPage = maxPageSize
	}

	before := in.Before
	if before.IsZero() {
		before = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+messages+`
		  WHERE conversation_id = $1 AND server_ts < $2`,
		in.ConversationID, before,
	).Scan(&total); err != nil {
		return PageResult{}, err
	}

	out := PageResult{
		Page:          in.Page,
		PerPage:       perPage,
		TotalElements: total,
		TotalPages:    int((total + int64(perPage) - 1) / int64(perPage)),
	}
	if total == 0 || int64(in.Page*perPage) >= total {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, client_msg_id, server_msg_id, seq, sender_session, content_type, text, server_ts
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND server_ts < $2
		  ORDER BY seq DESC
		  LIMIT $3 OFFSET $4`,
		in.ConversationID, before, perPage, in.Page*perPage,
	)
	if err != nil {
		return PageResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, perPage)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(
			&m.ConversationID,
			&m.ClientMsgID,
			&m.ServerMsgID,
			&m.Seq,
			&m.SenderSession,
			&m.ContentType,
			&m.Text,
			&m.ServerTS,
		); err != nil {
			return PageResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return PageResult{}, err
	}

	// Rows come newest first; flip to oldest-first page order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	out.Messages = msgs
	return out, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable string, conversationID, clientMsgID string) (StoredMessage, error) {
	var m StoredMessage
	err := tx.QueryRow(ctx,
		`SELECT conversation_id, client_msg_id, server_msg_id, seq, sender_session, content_type, text, server_ts
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	).Scan(&m.ConversationID, &m.ClientMsgID, &m.ServerMsgID, &m.Seq, &m.SenderSession, &m.ContentType, &m.Text, &m.ServerTS)
	return m, err
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
