// Package realtime contains Forge's realtime chat core: the room registry, sessions,
// the persist-then-broadcast fan-out engine, the WebSocket gateway and message stores.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-conversation transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic seq and created_at under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "forge").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "forge",
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

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	return s.pool.Ping(ctx)
}

// Migrate creates the schema and tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if _, err := s.pool.Exec(ctx, postgresSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("realtime: migrate: %w", err)
	}
	return nil
}

func postgresSchemaSQL(schema string) string {
	cursors := pgIdent(schema, "conversation_cursors")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  last_created_at TIMESTAMPTZ NOT NULL,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL,
  seq             BIGINT NOT NULL,
  id              TEXT NOT NULL,
  client_msg_id   TEXT,
  sender_id       TEXT NOT NULL,
  sender_name     TEXT NOT NULL DEFAULT '',
  body            TEXT NOT NULL DEFAULT '',
  image           TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (conversation_id, seq),
  CONSTRAINT uq_messages_id UNIQUE (id),
  CONSTRAINT chk_messages_content CHECK (body <> '' OR image <> '')
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_conversation_client_msg
  ON %s (conversation_id, client_msg_id) WHERE client_msg_id IS NOT NULL;
`, pgx.Identifier{schema}.Sanitize(), cursors, messages, messages)
}

// Insert appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) Insert(ctx context.Context, in InsertInput) (InsertResult, error) {
	if s == nil || s.pool == nil {
		return InsertResult{}, errors.New("realtime: nil store")
	}
	if err := in.validate(); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}

	now := insertNow(in)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return InsertResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation: no seq waste for duplicates,
	// and seq/created_at allocation cannot race.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return InsertResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if in.ClientMsgID != "" {
		existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ConversationID, in.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return InsertResult{}, err
			}
			return InsertResult{Stored: existing, Duplicate: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return InsertResult{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq, last_created_at)
		 VALUES ($1, 1, $2)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID, now,
	); err != nil {
		return InsertResult{}, err
	}

	out := Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Body:           in.Body,
		Image:          in.Image,
		ClientMsgID:    in.ClientMsgID,
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        last_created_at = GREATEST(last_created_at, $2),
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1), last_created_at`,
		in.ConversationID, now,
	).Scan(&out.Seq, &out.CreatedAt); err != nil {
		return InsertResult{}, err
	}
	out.CreatedAt = out.CreatedAt.UTC()

	if out.ID, err = NewMessageID(now); err != nil {
		return InsertResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, seq, id, client_msg_id, sender_id, sender_name, body, image, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		out.ConversationID, out.Seq, out.ID, nullIfEmpty(out.ClientMsgID),
		out.SenderID, out.SenderName, out.Body, out.Image, out.CreatedAt,
	); err != nil {
		return InsertResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Stored: out}, nil
}

const pgMessageColumns = `conversation_id, seq, id, COALESCE(client_msg_id, ''), sender_id, sender_name, body, image, created_at`

// QueryOrdered returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) QueryOrdered(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if s == nil || s.pool == nil {
		return HistoryPage{}, errors.New("realtime: nil store")
	}
	if q.ConversationID == "" {
		return HistoryPage{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := normalizeHistoryLimit(q.Limit)
	fetch := limit + 1

	var after int64
	if q.AfterSeq != nil {
		after = *q.AfterSeq
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+`
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		q.ConversationID, after, fetch,
	)
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return HistoryPage{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return HistoryPage{Messages: msgs, HasMore: hasMore}, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable string, conversationID, clientMsgID string) (Message, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+pgMessageColumns+`
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	)
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ConversationID,
		&m.Seq,
		&m.ID,
		&m.ClientMsgID,
		&m.SenderID,
		&m.SenderName,
		&m.Body,
		&m.Image,
		&m.CreatedAt,
	)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
