package realtime

import (
	"context"
	"strings"
	"time"
)

// MessageStore persists and queries messages.
//
// Requirements for implementations:
//   - ID, Seq and CreatedAt are assigned on insert, never by the caller
//   - Seq is monotonic per conversation, starting at 1, without gaps
//   - CreatedAt never decreases within a conversation
//   - Idempotency per (conversation_id, client_msg_id) when ClientMsgID is set
//   - QueryOrdered returns a point-in-time window ordered by seq ASC
type MessageStore interface {
	Insert(ctx context.Context, in InsertInput) (InsertResult, error)
	QueryOrdered(ctx context.Context, q HistoryQuery) (HistoryPage, error)
	Ping(ctx context.Context) error
	Close() error
}

// InsertInput describes a message insert request.
type InsertInput struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	Image          string
	ClientMsgID    string
	Now            time.Time
}

// InsertResult is the insert operation result.
// Duplicate is set when ClientMsgID matched an earlier insert; Stored is that earlier message.
type InsertResult struct {
	Stored    Message
	Duplicate bool
}

// HistoryQuery describes a history window request.
type HistoryQuery struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// HistoryPage contains the retrieved history window.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

func (in InsertInput) validate() error {
	if in.ConversationID == "" || in.SenderID == "" {
		return invalidf("store: missing conversation_id or sender_id")
	}
	if strings.TrimSpace(in.Body) == "" && in.Image == "" {
		return invalidf("store: empty message")
	}
	return nil
}

func insertNow(in InsertInput) time.Time {
	if in.Now.IsZero() {
		return time.Now().UTC()
	}
	return in.Now.UTC()
}

// clampCreatedAt keeps CreatedAt non-decreasing within a conversation even when the
// wall clock steps backwards or concurrent writers captured "now" out of order.
func clampCreatedAt(last, now time.Time) time.Time {
	if now.Before(last) {
		return last
	}
	return now
}

// unixNanoUTC maps a stored nanosecond timestamp to UTC. Zero means "never".
func unixNanoUTC(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
