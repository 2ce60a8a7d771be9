package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge/cmd/internal/identity"
	v1 "forge/shared/contracts/realtime/v1"
	"forge/shared/timeline"
)

// countingStore wraps a store and counts Insert calls.
type countingStore struct {
	MessageStore
	inserts atomic.Int64
}

func (s *countingStore) Insert(ctx context.Context, in InsertInput) (InsertResult, error) {
	s.inserts.Add(1)
	return s.MessageStore.Insert(ctx, in)
}

// failingStore simulates an unreachable backend.
type failingStore struct {
	*InMemoryStore
	down  atomic.Bool
	block bool
}

var errBackendDown = errors.New("connection refused")

func (s *failingStore) Insert(ctx context.Context, in InsertInput) (InsertResult, error) {
	if s.down.Load() {
		if s.block {
			<-ctx.Done()
			return InsertResult{}, ctx.Err()
		}
		return InsertResult{}, errBackendDown
	}
	return s.InMemoryStore.Insert(ctx, in)
}

func newTestEngine(t *testing.T, store MessageStore, opts ...EngineOption) *Engine {
	t.Helper()
	return NewEngine(testLogger(), store, NewRegistry(testLogger(), nil), opts...)
}

func decodeMessageNew(t *testing.T, env v1.Envelope) v1.Message {
	t.Helper()
	require.Equal(t, v1.TypeMessageNew, env.Type)
	var m v1.Message
	require.NoError(t, json.Unmarshal(env.Payload, &m))
	return m
}

func TestEngine_SendPersistsThenBroadcastsToAllMembers(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, NewInMemoryStore())
	x := testSession(t, "x")
	y := testSession(t, "y")
	e.Registry().Join(x, "dev")
	e.Registry().Join(y, "dev")

	res, err := e.Send(context.Background(), SendInput{ConversationID: "dev", SenderID: "u1", SenderName: "X", Body: " hi "})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, 2, res.Delivered)
	require.Equal(t, " hi ", res.Message.Body)
	require.NotEmpty(t, res.Message.ID)
	require.False(t, res.Message.CreatedAt.IsZero())

	gotX := drain(x)
	gotY := drain(y)
	require.Len(t, gotX, 1)
	require.Len(t, gotY, 1)
	require.Equal(t, decodeMessageNew(t, gotX[0]), decodeMessageNew(t, gotY[0]))
	require.Equal(t, res.Message.ID, decodeMessageNew(t, gotX[0]).ID)

	page, err := e.History(context.Background(), HistoryQuery{ConversationID: "dev"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, res.Message.ID, page.Messages[0].ID)
}

func TestEngine_SendKeepsBodyVerbatim(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, NewInMemoryStore())
	x := testSession(t, "x")
	e.Registry().Join(x, "dev")

	code := "    for i := range n {\n        fmt.Println(i)\n    }\n"
	res, err := e.Send(context.Background(), SendInput{ConversationID: " dev ", SenderID: " u1 ", Body: code})
	require.NoError(t, err)
	require.Equal(t, code, res.Message.Body)
	require.Equal(t, "dev", res.Message.ConversationID)
	require.Equal(t, "u1", res.Message.SenderID)

	require.Equal(t, code, decodeMessageNew(t, drain(x)[0]).Body)

	page, err := e.History(context.Background(), HistoryQuery{ConversationID: "dev"})
	require.NoError(t, err)
	require.Equal(t, code, page.Messages[0].Body)
}

func TestEngine_LaggingSubscriberIsEvictedAndResyncsWithoutGaps(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, NewInMemoryStore())
	slow := NewSession("slow", identity.Identity{ID: "u-slow"}, 1)
	slow.MarkConnected()
	e.Registry().Join(slow, "dev")

	for i := 1; i <= 3; i++ {
		_, err := e.Send(context.Background(), SendInput{ConversationID: "dev", SenderID: "u1", Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	// seq 1 fit in the queue; seq 2 overflowed it and evicted the session.
	require.Equal(t, StateDisconnected, slow.State())
	require.ErrorIs(t, slow.Cause(), ErrSlowConsumer)
	require.False(t, e.Registry().IsMember(slow, "dev"))

	tl := timeline.New("dev")
	for _, env := range drain(slow) {
		tl.ApplyLive(decodeMessageNew(t, env))
	}
	require.Equal(t, int64(1), tl.LastSeq())

	// Reconnect: a new session joins, then fetches everything after what it holds.
	again := testSession(t, "again")
	e.Registry().Join(again, "dev")
	after := tl.LastSeq()
	page, err := e.History(context.Background(), HistoryQuery{ConversationID: "dev", AfterSeq: &after})
	require.NoError(t, err)
	tl.ApplyHistory(wireMessages(page.Messages))

	_, err = e.Send(context.Background(), SendInput{ConversationID: "dev", SenderID: "u1", Body: "m4"})
	require.NoError(t, err)
	for _, env := range drain(again) {
		tl.ApplyLive(decodeMessageNew(t, env))
	}

	got := tl.Messages()
	require.Len(t, got, 4)
	for i, m := range got {
		require.Equal(t, int64(i+1), m.Seq)
	}
}

func TestEngine_RejectsInvalidWithoutStoreCall(t *testing.T) {
	t.Parallel()

	store := &countingStore{MessageStore: NewInMemoryStore()}
	e := newTestEngine(t, store)
	x := testSession(t, "x")
	e.Registry().Join(x, "dev")

	long := make([]rune, maxMessageChars+1)
	for i := range long {
		long[i] = 'a'
	}

	cases := []SendInput{
		{ConversationID: "dev", SenderID: "u1"},
		{ConversationID: "dev", SenderID: "u1", Body: "   "},
		{ConversationID: "", SenderID: "u1", Body: "x"},
		{ConversationID: "dev", SenderID: "", Body: "x"},
		{ConversationID: "dev", SenderID: "u1", Body: string(long)},
	}
	for i, in := range cases {
		_, err := e.Send(context.Background(), in)
		require.ErrorIs(t, err, ErrInvalidMessage, "case %d", i)
		var op *OpError
		require.ErrorAs(t, err, &op)
		require.Equal(t, "fanout.send", op.Op)
	}

	require.Equal(t, int64(0), store.inserts.Load())
	require.Empty(t, drain(x))
}

func TestEngine_StoreUnreachable(t *testing.T) {
	t.Parallel()

	store := &failingStore{InMemoryStore: NewInMemoryStore()}
	e := newTestEngine(t, store)
	x := testSession(t, "x")
	y := testSession(t, "y")
	e.Registry().Join(x, "dev")
	e.Registry().Join(y, "dev")

	_, err := e.Send(context.Background(), SendInput{ConversationID: "dev", SenderID: "u1", Body: "before"})
	require.NoError(t, err)
	drain(x)
	drain(y)

	store.down.Store(true)
	_, err = e.Send(context.Background(), SendInput{ConversationID: "dev", SenderID: "u1", Body: "lost"})
	require.ErrorIs(t, err, ErrStorageFailure)
	require.ErrorIs(t, err, errBackendDown)

	require.Empty(t, drain(x))
	require.Empty(t, drain(y))

	page, err := e.History(context.Background(), HistoryQuery{ConversationID: "dev"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, "before", page.Messages[0].Body)
}

func TestEngine_StoreTimeoutIsStorageFailure(t *testing.T) {
	t.Parallel()

	store := &failingStore{InMemoryStore: NewInMemoryStore(), block: true}
	store.down.Store(true)
	e := newTestEngine(t, store, WithStoreTimeout(50*time.Millisecond))
	x := testSession(t, "x")
	e.Registry().Join(x, "dev")

	start := time.Now()
	_, err := e.Send(context.Background(), SendInput{ConversationID: "dev", SenderID: "u1", Body: "slow"})
	require.ErrorIs(t, err, ErrStorageFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Empty(t, drain(x))

	// The room lock was released: a later send is not stuck behind the failed one.
	store.down.Store(false)
	_, err = e.Send(context.Background(), SendInput{ConversationID: "dev", SenderID: "u1", Body: "ok"})
	require.NoError(t, err)
	require.Equal(t, 0, e.locks.size())
}

func TestEngine_DuplicateClientMsgIDIsNotRebroadcast(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, NewInMemoryStore())
	x := testSession(t, "x")
	e.Registry().Join(x, "dev")

	first, err := e.Send(context.Background(), SendInput{ConversationID: "dev", SenderID: "u1", Body: "hi", ClientMsgID: "c1"})
	require.NoError(t, err)
	second, err := e.Send(context.Background(), SendInput{ConversationID: "dev", SenderID: "u1", Body: "hi", ClientMsgID: "c1"})
	require.NoError(t, err)

	require.True(t, second.Duplicate)
	require.Equal(t, first.Message.ID, second.Message.ID)
	require.Equal(t, 0, second.Delivered)
	require.Len(t, drain(x), 1)
}

func TestEngine_SenderOutsideRoomStillPersists(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, NewInMemoryStore())
	x := testSession(t, "x")
	e.Registry().Join(x, "dev")

	res, err := e.Send(context.Background(), SendInput{ConversationID: "cp", SenderID: "u1", Body: "elsewhere"})
	require.NoError(t, err)
	require.Equal(t, 0, res.Delivered)
	require.Empty(t, drain(x))
}

func TestEngine_BroadcastOrderMatchesPersistOrder(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, NewInMemoryStore())
	watchers := []*Session{
		NewSession("w1", identity.Identity{ID: "w1"}, 1024),
		NewSession("w2", identity.Identity{ID: "w2"}, 1024),
	}
	for _, w := range watchers {
		e.Registry().Join(w, "dev")
	}

	const senders = 8
	const perSender = 25

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := e.Send(context.Background(), SendInput{
					ConversationID: "dev",
					SenderID:       fmt.Sprintf("u%d", s),
					Body:           fmt.Sprintf("%d-%d", s, i),
				})
				if err != nil {
					t.Errorf("send: %v", err)
				}
			}
		}(s)
	}
	wg.Wait()

	for _, w := range watchers {
		envs := drain(w)
		require.Len(t, envs, senders*perSender)
		var prev v1.Message
		for i, env := range envs {
			m := decodeMessageNew(t, env)
			require.Equal(t, int64(i+1), m.Seq)
			if i > 0 {
				require.False(t, m.CreatedAt.Before(prev.CreatedAt))
			}
			prev = m
		}
	}
}

func TestEngine_HistoryValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, NewInMemoryStore())

	_, err := e.History(context.Background(), HistoryQuery{ConversationID: "  "})
	require.ErrorIs(t, err, ErrInvalidMessage)

	neg := int64(-1)
	_, err = e.History(context.Background(), HistoryQuery{ConversationID: "dev", AfterSeq: &neg})
	require.ErrorIs(t, err, ErrInvalidMessage)

	page, err := e.History(context.Background(), HistoryQuery{ConversationID: "dev"})
	require.NoError(t, err)
	require.NotNil(t, page.Messages)
	require.Empty(t, page.Messages)
}

func TestKeyedMutex_ContextCancelWhileWaiting(t *testing.T) {
	t.Parallel()

	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "dev")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "dev")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "cp")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	require.Equal(t, 0, k.size())
}
