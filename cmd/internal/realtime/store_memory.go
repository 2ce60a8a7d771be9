package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is a dev-only fallback when no durable store is configured.
// It supports:
//   - Insert: idempotent by client_msg_id + seq allocation + monotonic created_at
//   - QueryOrdered: paging by after_seq
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
}

type memConv struct {
	seq    int64
	last   Message
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Ping always succeeds for the in-memory store.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Insert persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) Insert(ctx context.Context, in InsertInput) (InsertResult, error) {
	if err := in.validate(); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}

	now := insertNow(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		c = &memConv{
			dedupe: make(map[string]Message),
			msgs:   make([]Message, 0, 64),
		}
		s.convs[in.ConversationID] = c
	}

	if in.ClientMsgID != "" {
		if existing, ok := c.dedupe[in.ClientMsgID]; ok {
			return InsertResult{Stored: existing, Duplicate: true}, nil
		}
	}

	id, err := NewMessageID(now)
	if err != nil {
		return InsertResult{}, err
	}

	c.seq++
	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Body:           in.Body,
		Image:          in.Image,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      clampCreatedAt(c.last.CreatedAt, now),
	}
	c.last = msg
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = msg
	}
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return InsertResult{Stored: msg}, nil
}

// QueryOrdered returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) QueryOrdered(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if q.ConversationID == "" {
		return HistoryPage{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := normalizeHistoryLimit(q.Limit)

	s.mu.Lock()
	var snap []Message
	if c := s.convs[q.ConversationID]; c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	start := 0
	if q.AfterSeq != nil {
		after := *q.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}
	if start >= len(snap) {
		return HistoryPage{}, nil
	}

	out := snap[start:]
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return HistoryPage{Messages: out, HasMore: hasMore}, nil
}
