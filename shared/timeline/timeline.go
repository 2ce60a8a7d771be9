// Package timeline merges a conversation's history fetch with its live broadcast stream.
//
// History responses and live message_new events race each other: a message persisted
// between "subscribe" and "fetch returns" shows up on both paths. A Timeline keeps one
// copy per message id and orders by (CreatedAt, Seq, ID), so the result does not depend
// on which path delivered a message first.
package timeline

import (
	"sort"
	"sync"

	v1 "forge/shared/contracts/realtime/v1"
)

// Timeline is a de-duplicated, ordered view of one conversation.
// It is safe for concurrent use.
type Timeline struct {
	conversationID string

	mu   sync.RWMutex
	msgs []v1.Message
	ids  map[string]struct{}
}

// New constructs an empty Timeline for conversationID.
func New(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		ids:            make(map[string]struct{}),
	}
}

// ConversationID returns the conversation this timeline tracks.
func (t *Timeline) ConversationID() string { return t.conversationID }

// ApplyHistory merges a history window. It returns how many messages were new.
func (t *Timeline) ApplyHistory(msgs []v1.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if t.insertLocked(m) {
			added++
		}
	}
	return added
}

// ApplyLive merges one broadcast message. It reports whether the message was new.
func (t *Timeline) ApplyLive(m v1.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(m)
}

func (t *Timeline) insertLocked(m v1.Message) bool {
	if m.ID == "" || m.ConversationID != t.conversationID {
		return false
	}
	if _, ok := t.ids[m.ID]; ok {
		return false
	}
	t.ids[m.ID] = struct{}{}

	// Live messages almost always land at the tail.
	n := len(t.msgs)
	if n == 0 || !less(m, t.msgs[n-1]) {
		t.msgs = append(t.msgs, m)
		return true
	}

	i := sort.Search(n, func(i int) bool { return less(m, t.msgs[i]) })
	t.msgs = append(t.msgs, v1.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	return true
}

// Messages returns a copy of the merged view in canonical order.
func (t *Timeline) Messages() []v1.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]v1.Message(nil), t.msgs...)
}

// Len returns the number of distinct messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Has reports whether a message id is present.
func (t *Timeline) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// LastSeq returns the highest contiguous seq starting at 1, i.e. the value a client can
// pass as after_seq to resume without gaps. It is 0 when nothing contiguous is held.
func (t *Timeline) LastSeq() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last int64
	for _, m := range t.msgs {
		switch {
		case m.Seq == last+1:
			last = m.Seq
		case m.Seq > last+1:
			return last
		}
	}
	return last
}

// HighSeq returns the highest seq held. HighSeq() > LastSeq() means at least one earlier
// message is missing.
func (t *Timeline) HighSeq() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var high int64
	for _, m := range t.msgs {
		if m.Seq > high {
			high = m.Seq
		}
	}
	return high
}

func less(a, b v1.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}
