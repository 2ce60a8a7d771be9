package client

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	v1 "forge/shared/contracts/realtime/v1"
	"forge/shared/timeline"
)

// Room is a joined conversation whose history and live broadcasts are merged into one
// de-duplicated timeline.
type Room struct {
	c        *Client
	id       string
	pageSize int
	tl       *timeline.Timeline

	synced    atomic.Bool
	repairing atomic.Bool
}

const repairTimeout = 10 * time.Second

// OpenRoom subscribes to live messages, joins conversationID and then pages through the
// full history. Live messages that arrive while history is loading are merged too, so the
// resulting timeline holds every persisted message exactly once.
func (c *Client) OpenRoom(ctx context.Context, conversationID string, pageSize int) (*Room, error) {
	id := strings.TrimSpace(conversationID)
	r := &Room{c: c, id: id, pageSize: pageSize, tl: timeline.New(id)}

	c.attach(r)
	if err := c.Join(ctx, id); err != nil {
		c.detach(r)
		return nil, err
	}
	if err := r.Sync(ctx); err != nil {
		c.detach(r)
		return nil, err
	}
	r.synced.Store(true)
	return r, nil
}

// ID returns the conversation id.
func (r *Room) ID() string { return r.id }

// Timeline returns the merged view.
func (r *Room) Timeline() *timeline.Timeline { return r.tl }

// Messages returns the merged view in canonical order.
func (r *Room) Messages() []v1.Message { return r.tl.Messages() }

// Sync fetches history after the last contiguous seq until the server reports no more.
func (r *Room) Sync(ctx context.Context) error {
	cursor := r.tl.LastSeq()
	for {
		var after *int64
		if cursor > 0 {
			after = &cursor
		}

		chunk, err := r.c.FetchHistory(ctx, r.id, after, r.pageSize)
		if err != nil {
			return err
		}
		r.tl.ApplyHistory(chunk.Messages)

		if !chunk.HasMore || len(chunk.Messages) == 0 {
			return nil
		}
		// Pages are seq-ascending; the next page starts after this one even when the
		// stored history itself does not start at seq 1.
		cursor = chunk.Messages[len(chunk.Messages)-1].Seq
	}
}

// applyLive merges a broadcast. Once the initial sync is done, a message past a seq gap
// means an earlier broadcast never reached this client, so the gap is refetched.
func (r *Room) applyLive(m v1.Message) {
	if !r.tl.ApplyLive(m) || !r.synced.Load() {
		return
	}
	if r.tl.HighSeq() > r.tl.LastSeq() {
		r.repair()
	}
}

// repair runs Sync off the read loop, which has to stay free to deliver the history
// responses. At most one repair runs per room; it loops until no gap is left.
func (r *Room) repair() {
	if !r.repairing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		closed := r.fillGaps()
		r.repairing.Store(false)
		// A gap opened between the last check and clearing the flag has no other trigger.
		if closed && r.tl.HighSeq() > r.tl.LastSeq() {
			r.repair()
		}
	}()
}

// fillGaps syncs until no gap is left. It reports false when it gave up on an error or
// a sync that made no progress.
func (r *Room) fillGaps() bool {
	ctx, cancel := context.WithTimeout(context.Background(), repairTimeout)
	defer cancel()

	for r.tl.HighSeq() > r.tl.LastSeq() {
		before := r.tl.LastSeq()
		if err := r.Sync(ctx); err != nil || r.tl.LastSeq() == before {
			return false
		}
	}
	return true
}

// Send sends body into this room.
func (r *Room) Send(ctx context.Context, body string) (v1.MessageAckPayload, error) {
	return r.c.Send(ctx, v1.MessageSendPayload{ConversationID: r.id, Body: body})
}

// Close leaves the room and stops merging live messages.
func (r *Room) Close(ctx context.Context) error {
	r.c.detach(r)
	return r.c.Leave(ctx, r.id)
}
