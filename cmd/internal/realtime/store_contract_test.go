package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// runStoreContract exercises the MessageStore guarantees every backend must keep.
// newStore must return a fresh, empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) MessageStore) {
	t.Helper()

	t.Run("insert assigns id seq created_at", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := "c-" + NewRandomHex(6)
		now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

		res, err := st.Insert(ctx, InsertInput{ConversationID: conv, SenderID: "u1", SenderName: "Ada", Body: "hi", Now: now})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if res.Duplicate {
			t.Fatalf("expected Duplicate=false")
		}
		m := res.Stored
		if len(m.ID) != 26 {
			t.Fatalf("expected ULID id, got %q", m.ID)
		}
		if m.Seq != 1 {
			t.Fatalf("expected seq=1 got=%d", m.Seq)
		}
		if !m.CreatedAt.Equal(now) {
			t.Fatalf("created_at: want %v got %v", now, m.CreatedAt)
		}
		if m.SenderName != "Ada" || m.Body != "hi" || m.ConversationID != conv {
			t.Fatalf("unexpected stored message: %+v", m)
		}
	})

	t.Run("rejects empty content without storing", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := "c-" + NewRandomHex(6)

		_, err := st.Insert(ctx, InsertInput{ConversationID: conv, SenderID: "u1"})
		if !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage, got %v", err)
		}
		page, err := st.QueryOrdered(ctx, HistoryQuery{ConversationID: conv})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(page.Messages) != 0 {
			t.Fatalf("expected no messages, got %d", len(page.Messages))
		}
	})

	t.Run("image only message", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := "c-" + NewRandomHex(6)

		res, err := st.Insert(ctx, InsertInput{ConversationID: conv, SenderID: "u1", Image: "https://cdn.example/x.png"})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if res.Stored.Image != "https://cdn.example/x.png" || res.Stored.Body != "" {
			t.Fatalf("unexpected stored message: %+v", res.Stored)
		}
	})

	t.Run("dedupe by client_msg_id wastes no seq", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := "c-" + NewRandomHex(6)
		now := time.Now().UTC()

		first, err := st.Insert(ctx, InsertInput{ConversationID: conv, SenderID: "u1", Body: "hello", ClientMsgID: "cm-1", Now: now})
		if err != nil {
			t.Fatalf("insert first: %v", err)
		}
		second, err := st.Insert(ctx, InsertInput{ConversationID: conv, SenderID: "u1", Body: "hello again", ClientMsgID: "cm-1", Now: now.Add(time.Second)})
		if err != nil {
			t.Fatalf("insert duplicate: %v", err)
		}
		if !second.Duplicate {
			t.Fatalf("expected Duplicate=true")
		}
		if second.Stored.ID != first.Stored.ID || second.Stored.Seq != first.Stored.Seq {
			t.Fatalf("duplicate mismatch: first=%+v second=%+v", first.Stored, second.Stored)
		}
		if second.Stored.Body != "hello" {
			t.Fatalf("duplicate must return the original body, got %q", second.Stored.Body)
		}

		third, err := st.Insert(ctx, InsertInput{ConversationID: conv, SenderID: "u1", Body: "next", ClientMsgID: "cm-2", Now: now})
		if err != nil {
			t.Fatalf("insert third: %v", err)
		}
		if third.Stored.Seq != 2 {
			t.Fatalf("expected seq=2 after duplicate, got %d", third.Stored.Seq)
		}

		// The same client_msg_id in another conversation is a distinct message.
		other, err := st.Insert(ctx, InsertInput{ConversationID: conv + "-b", SenderID: "u1", Body: "x", ClientMsgID: "cm-1", Now: now})
		if err != nil {
			t.Fatalf("insert other conv: %v", err)
		}
		if other.Duplicate || other.Stored.Seq != 1 {
			t.Fatalf("expected fresh message in other conversation, got %+v", other)
		}
	})

	t.Run("created_at never decreases", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := "c-" + NewRandomHex(6)
		base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

		a, err := st.Insert(ctx, InsertInput{ConversationID: conv, SenderID: "u1", Body: "a", Now: base})
		if err != nil {
			t.Fatalf("insert a: %v", err)
		}
		// Clock stepped backwards.
		b, err := st.Insert(ctx, InsertInput{ConversationID: conv, SenderID: "u1", Body: "b", Now: base.Add(-time.Minute)})
		if err != nil {
			t.Fatalf("insert b: %v", err)
		}
		if b.Stored.CreatedAt.Before(a.Stored.CreatedAt) {
			t.Fatalf("created_at decreased: a=%v b=%v", a.Stored.CreatedAt, b.Stored.CreatedAt)
		}
		if b.Stored.Seq != a.Stored.Seq+1 {
			t.Fatalf("seq: a=%d b=%d", a.Stored.Seq, b.Stored.Seq)
		}
	})

	t.Run("history order after_seq has_more", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := "c-" + NewRandomHex(6)

		for i := 0; i < 5; i++ {
			if _, err := st.Insert(ctx, InsertInput{ConversationID: conv, SenderID: "u1", Body: fmt.Sprintf("m%d", i+1)}); err != nil {
				t.Fatalf("insert %d: %v", i, err)
			}
		}

		p1, err := st.QueryOrdered(ctx, HistoryQuery{ConversationID: conv, Limit: 2})
		if err != nil {
			t.Fatalf("query 1: %v", err)
		}
		assertSeqs(t, p1.Messages, 1, 2)
		if !p1.HasMore {
			t.Fatalf("expected HasMore=true")
		}

		after := p1.Messages[len(p1.Messages)-1].Seq
		p2, err := st.QueryOrdered(ctx, HistoryQuery{ConversationID: conv, AfterSeq: &after, Limit: 10})
		if err != nil {
			t.Fatalf("query 2: %v", err)
		}
		assertSeqs(t, p2.Messages, 3, 4, 5)
		if p2.HasMore {
			t.Fatalf("expected HasMore=false")
		}
		if p2.Messages[0].Body != "m3" {
			t.Fatalf("expected m3, got %q", p2.Messages[0].Body)
		}

		empty, err := st.QueryOrdered(ctx, HistoryQuery{ConversationID: "c-missing-" + NewRandomHex(4)})
		if err != nil {
			t.Fatalf("query missing: %v", err)
		}
		if len(empty.Messages) != 0 || empty.HasMore {
			t.Fatalf("expected empty page, got %+v", empty)
		}
	})

	t.Run("concurrent inserts are gapless", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := "c-" + NewRandomHex(6)

		const workers = 8
		const perWorker = 10

		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					_, err := st.Insert(ctx, InsertInput{
						ConversationID: conv,
						SenderID:       fmt.Sprintf("u%d", w),
						Body:           "x",
						ClientMsgID:    fmt.Sprintf("w%d-%d", w, i),
					})
					if err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent insert: %v", err)
		}

		page, err := st.QueryOrdered(ctx, HistoryQuery{ConversationID: conv, Limit: maxHistoryLimit})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(page.Messages) != workers*perWorker {
			t.Fatalf("expected %d messages, got %d", workers*perWorker, len(page.Messages))
		}

		seqs := make([]int, 0, len(page.Messages))
		ids := make(map[string]struct{}, len(page.Messages))
		for i, m := range page.Messages {
			seqs = append(seqs, int(m.Seq))
			ids[m.ID] = struct{}{}
			if i > 0 && m.CreatedAt.Before(page.Messages[i-1].CreatedAt) {
				t.Fatalf("created_at decreased at seq %d", m.Seq)
			}
		}
		if !sort.IntsAreSorted(seqs) {
			t.Fatalf("history not ordered by seq: %v", seqs)
		}
		for i, s := range seqs {
			if s != i+1 {
				t.Fatalf("seq gap at index %d: got %d", i, s)
			}
		}
		if len(ids) != len(seqs) {
			t.Fatalf("duplicate ids in history")
		}
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func assertSeqs(t *testing.T, msgs []Message, want ...int64) {
	t.Helper()
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i := range want {
		if msgs[i].Seq != want[i] {
			got := make([]string, 0, len(msgs))
			for _, m := range msgs {
				got = append(got, fmt.Sprint(m.Seq))
			}
			t.Fatalf("seqs: want %v got [%s]", want, strings.Join(got, " "))
		}
	}
}
