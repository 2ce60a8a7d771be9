package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a MessageStore backed by a local SQLite file.
//
// SQLite allows a single writer; the pool is pinned to one connection so seq allocation
// and the monotonic created_at clamp run inside one serialized transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./data/forge.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &SQLiteStore{db: db}
	if err := st.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_cursors (
		conversation_id TEXT PRIMARY KEY,
		next_seq INTEGER NOT NULL DEFAULT 1,
		last_created_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL UNIQUE,
		client_msg_id TEXT,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_conversation_client_msg
		ON messages(conversation_id, client_msg_id) WHERE client_msg_id IS NOT NULL;
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("realtime: sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Insert appends a message with idempotency and monotonic sequence allocation.
func (s *SQLiteStore) Insert(ctx context.Context, in InsertInput) (InsertResult, error) {
	if err := in.validate(); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}

	now := insertNow(in)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if in.ClientMsgID != "" {
		row := tx.QueryRowContext(ctx,
			`SELECT `+sqliteMessageColumns+` FROM messages WHERE conversation_id = ? AND client_msg_id = ?`,
			in.ConversationID, in.ClientMsgID,
		)
		existing, err := scanSQLiteMessage(row)
		if err == nil {
			return InsertResult{Stored: existing, Duplicate: true}, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return InsertResult{}, err
		}
	}

	var (
		seq      int64
		lastNano int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT next_seq, last_created_at FROM conversation_cursors WHERE conversation_id = ?`,
		in.ConversationID,
	).Scan(&seq, &lastNano)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq = 1
	case err != nil:
		return InsertResult{}, err
	}

	createdAt := clampCreatedAt(unixNanoUTC(lastNano), now)

	id, err := NewMessageID(now)
	if err != nil {
		return InsertResult{}, err
	}

	out := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            seq,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Body:           in.Body,
		Image:          in.Image,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      createdAt,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_cursors (conversation_id, next_seq, last_created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET next_seq = excluded.next_seq, last_created_at = excluded.last_created_at`,
		in.ConversationID, seq+1, createdAt.UnixNano(),
	); err != nil {
		return InsertResult{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, id, client_msg_id, sender_id, sender_name, body, image, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ConversationID, out.Seq, out.ID, sqliteNullString(out.ClientMsgID),
		out.SenderID, out.SenderName, out.Body, out.Image, out.CreatedAt.UnixNano(),
	); err != nil {
		return InsertResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Stored: out}, nil
}

// QueryOrdered returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *SQLiteStore) QueryOrdered(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if q.ConversationID == "" {
		return HistoryPage{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := normalizeHistoryLimit(q.Limit)
	var after int64
	if q.AfterSeq != nil {
		after = *q.AfterSeq
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMessageColumns+`
		   FROM messages
		  WHERE conversation_id = ? AND seq > ?
		  ORDER BY seq ASC
		  LIMIT ?`,
		q.ConversationID, after, limit+1,
	)
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit+1)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
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

const sqliteMessageColumns = `conversation_id, seq, id, client_msg_id, sender_id, sender_name, body, image, created_at`

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row sqliteScanner) (Message, error) {
	var (
		m         Message
		clientID  sql.NullString
		createdNs int64
	)
	if err := row.Scan(
		&m.ConversationID,
		&m.Seq,
		&m.ID,
		&clientID,
		&m.SenderID,
		&m.SenderName,
		&m.Body,
		&m.Image,
		&createdNs,
	); err != nil {
		return Message{}, err
	}
	m.ClientMsgID = clientID.String
	m.CreatedAt = time.Unix(0, createdNs).UTC()
	return m, nil
}

func sqliteNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
