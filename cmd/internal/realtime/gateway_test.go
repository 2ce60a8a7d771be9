package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"forge/cmd/internal/identity"
	"forge/shared/client"
	v1 "forge/shared/contracts/realtime/v1"
)

type testServer struct {
	engine *Engine
	http   *httptest.Server
	wsURL  string
}

func newTestServer(t *testing.T, store MessageStore, resolver identity.Resolver) *testServer {
	t.Helper()
	return newTestServerWithConfig(t, store, resolver, GatewayConfig{OriginRequired: false})
}

func newTestServerWithConfig(t *testing.T, store MessageStore, resolver identity.Resolver, cfg GatewayConfig) *testServer {
	t.Helper()

	engine := NewEngine(testLogger(), store, nil)
	gw := NewWSGateway(testLogger(), engine, resolver, cfg)

	r := chi.NewRouter()
	r.Handle("/ws", gw)
	r.Method(http.MethodGet, "/v1/conversations/{"+HistoryURLParam+"}/messages", NewHistoryHandler(testLogger(), engine, resolver))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{
		engine: engine,
		http:   srv,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (s *testServer) dial(t *testing.T, opts client.Options) *client.Client {
	t.Helper()
	opts.URL = s.wsURL
	c, err := client.Dial(testCtx(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitEvent(t *testing.T, c *client.Client, typ string) v1.Envelope {
	t.Helper()
	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-c.Events():
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if env.Type == typ {
				return env
			}
		case <-timer.C:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func assertNoEvent(t *testing.T, c *client.Client, typ string, wait time.Duration) {
	t.Helper()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-c.Events():
			if !ok {
				return
			}
			require.NotEqual(t, typ, env.Type)
		case <-timer.C:
			return
		}
	}
}

func TestGateway_JoinSendFanOut(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, NewInMemoryStore(), nil)
	ctx := testCtx(t)

	x := s.dial(t, client.Options{})
	y := s.dial(t, client.Options{})
	z := s.dial(t, client.Options{})
	require.NotEqual(t, x.SessionID(), y.SessionID())

	require.NoError(t, x.Join(ctx, "dev"))
	require.NoError(t, y.Join(ctx, "dev"))
	require.NoError(t, z.Join(ctx, "cp"))

	ack, err := x.Send(ctx, v1.MessageSendPayload{ConversationID: "dev", SenderID: "u-x", SenderName: "X", Body: "hello"})
	require.NoError(t, err)
	require.Equal(t, int64(1), ack.Seq)
	require.NotEmpty(t, ack.MessageID)
	require.NotEmpty(t, ack.ClientMsgID)
	require.False(t, ack.Duplicate)

	for _, c := range []*client.Client{x, y} {
		env := waitEvent(t, c, v1.TypeMessageNew)
		var m v1.Message
		require.NoError(t, json.Unmarshal(env.Payload, &m))
		require.Equal(t, ack.MessageID, m.ID)
		require.Equal(t, "hello", m.Body)
		require.Equal(t, "u-x", m.SenderID)
	}
	assertNoEvent(t, z, v1.TypeMessageNew, 150*time.Millisecond)
}

func TestGateway_LeaveStopsDelivery(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, NewInMemoryStore(), nil)
	ctx := testCtx(t)

	x := s.dial(t, client.Options{})
	y := s.dial(t, client.Options{})
	require.NoError(t, x.Join(ctx, "dev"))
	require.NoError(t, y.Join(ctx, "dev"))
	require.NoError(t, y.Leave(ctx, "dev"))

	_, err := x.Send(ctx, v1.MessageSendPayload{ConversationID: "dev", SenderID: "u-x", Body: "after leave"})
	require.NoError(t, err)
	waitEvent(t, x, v1.TypeMessageNew)
	assertNoEvent(t, y, v1.TypeMessageNew, 150*time.Millisecond)
}

func TestGateway_DisconnectRemovesMembership(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, NewInMemoryStore(), nil)
	ctx := testCtx(t)

	x := s.dial(t, client.Options{})
	y := s.dial(t, client.Options{})
	require.NoError(t, x.Join(ctx, "dev"))
	require.NoError(t, y.Join(ctx, "dev"))
	require.NoError(t, y.Join(ctx, "cp"))
	require.Len(t, s.engine.Registry().Members("dev"), 2)

	require.NoError(t, y.Close())

	require.Eventually(t, func() bool {
		return len(s.engine.Registry().Members("dev")) == 1 && s.engine.Registry().RoomCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	res, err := s.engine.Send(ctx, SendInput{ConversationID: "dev", SenderID: "u-x", Body: "still here"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)
	require.Equal(t, 0, res.Dropped)
}

func TestGateway_LateJoinerReconcilesHistoryAndLive(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, NewInMemoryStore(), nil)
	ctx := testCtx(t)

	x := s.dial(t, client.Options{})
	require.NoError(t, x.Join(ctx, "dev"))
	for _, body := range []string{"one", "two", "three"} {
		_, err := x.Send(ctx, v1.MessageSendPayload{ConversationID: "dev", SenderID: "u-x", Body: body})
		require.NoError(t, err)
	}

	y := s.dial(t, client.Options{})
	room, err := y.OpenRoom(ctx, "dev", 2)
	require.NoError(t, err)
	require.Equal(t, 3, room.Timeline().Len())

	ack, err := x.Send(ctx, v1.MessageSendPayload{ConversationID: "dev", SenderID: "u-x", Body: "four"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return room.Timeline().Has(ack.MessageID) }, 3*time.Second, 10*time.Millisecond)

	// Fetching again merges by id and never duplicates.
	require.NoError(t, room.Sync(ctx))
	chunk, err := y.FetchHistory(ctx, "dev", nil, 0)
	require.NoError(t, err)
	room.Timeline().ApplyHistory(chunk.Messages)

	msgs := room.Messages()
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		require.Equal(t, int64(i+1), m.Seq)
	}
	require.Equal(t, []string{"one", "two", "three", "four"}, []string{msgs[0].Body, msgs[1].Body, msgs[2].Body, msgs[3].Body})
}

func TestGateway_DuplicateSendIsAckedOnce(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, NewInMemoryStore(), nil)
	ctx := testCtx(t)

	x := s.dial(t, client.Options{})
	y := s.dial(t, client.Options{})
	require.NoError(t, y.Join(ctx, "dev"))

	p := v1.MessageSendPayload{ConversationID: "dev", SenderID: "u-x", Body: "once", ClientMsgID: "retry-1"}
	first, err := x.Send(ctx, p)
	require.NoError(t, err)
	second, err := x.Send(ctx, p)
	require.NoError(t, err)

	require.True(t, second.Duplicate)
	require.Equal(t, first.MessageID, second.MessageID)
	require.Equal(t, first.Seq, second.Seq)

	waitEvent(t, y, v1.TypeMessageNew)
	assertNoEvent(t, y, v1.TypeMessageNew, 150*time.Millisecond)
}

func TestGateway_StorageFailureIsReportedToSenderOnly(t *testing.T) {
	t.Parallel()

	store := &failingStore{InMemoryStore: NewInMemoryStore()}
	store.down.Store(true)
	s := newTestServer(t, store, nil)
	ctx := testCtx(t)

	x := s.dial(t, client.Options{})
	y := s.dial(t, client.Options{})
	require.NoError(t, x.Join(ctx, "dev"))
	require.NoError(t, y.Join(ctx, "dev"))

	_, err := x.Send(ctx, v1.MessageSendPayload{ConversationID: "dev", SenderID: "u-x", Body: "lost"})
	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, v1.CodeStorageFailure, se.Code)

	assertNoEvent(t, y, v1.TypeMessageNew, 150*time.Millisecond)
	assertNoEvent(t, y, v1.TypeError, 50*time.Millisecond)
}

func TestGateway_ErrorCodes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, NewInMemoryStore(), nil)
	ctx := testCtx(t)
	x := s.dial(t, client.Options{})

	_, err := x.Send(ctx, v1.MessageSendPayload{ConversationID: "dev", SenderID: "u-x", Body: "   "})
	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, v1.CodeInvalidMessage, se.Code)

	err = x.Join(ctx, "   ")
	require.ErrorAs(t, err, &se)
	require.Equal(t, v1.CodeJoinFailed, se.Code)

	neg := int64(-5)
	_, err = x.FetchHistory(ctx, "dev", &neg, 0)
	require.ErrorAs(t, err, &se)
	require.Equal(t, v1.CodeHistoryFailed, se.Code)

	require.NoError(t, x.WriteRaw(ctx, []byte("{not json")))
	env := waitEvent(t, x, v1.TypeError)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, v1.CodeBadJSON, p.Code)

	require.NoError(t, x.WriteRaw(ctx, []byte(`{"v":"v1","type":"typing","id":"t1"}`)))
	env = waitEvent(t, x, v1.TypeError)
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, v1.CodeBadEnvelope, p.Code)
	require.Equal(t, "t1", p.RequestID)

	require.NoError(t, x.WriteRaw(ctx, []byte(`{"v":"v1","type":"message_new","id":"t2"}`)))
	env = waitEvent(t, x, v1.TypeError)
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, v1.CodeUnsupported, p.Code)

	// The session survives every error above.
	hello, err := x.Hello(ctx)
	require.NoError(t, err)
	require.Equal(t, x.SessionID(), hello.SessionID)
}

func TestGateway_RateLimitCountsUndecodableFrames(t *testing.T) {
	t.Parallel()

	const limit = 5
	s := newTestServerWithConfig(t, NewInMemoryStore(), nil, GatewayConfig{
		RateEvents: limit,
		RateWindow: time.Minute,
	})
	ctx := testCtx(t)
	x := s.dial(t, client.Options{})

	for i := 0; i < limit+1; i++ {
		require.NoError(t, x.WriteRaw(ctx, []byte("{not json")))
	}

	var codes []string
	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()
collect:
	for {
		select {
		case env, ok := <-x.Events():
			if !ok {
				break collect
			}
			if env.Type != v1.TypeError {
				continue
			}
			var p v1.ErrorPayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			codes = append(codes, p.Code)
		case <-timer.C:
			t.Fatal("connection was not closed after the limit")
		}
	}

	// Queued bad_json replies race the close; the rate_limited reply does not.
	require.Contains(t, codes, v1.CodeRateLimited)
	badJSON := 0
	for _, c := range codes {
		require.Contains(t, []string{v1.CodeBadJSON, v1.CodeRateLimited}, c)
		if c == v1.CodeBadJSON {
			badJSON++
		}
	}
	require.LessOrEqual(t, badJSON, limit, "the frame over the limit gets no bad_json reply")

	<-x.Done()
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(x.Err()))
}

func TestGateway_IdentityFromToken(t *testing.T) {
	t.Parallel()

	jwtRes, err := identity.NewJWTResolver([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	s := newTestServer(t, NewInMemoryStore(), jwtRes)
	ctx := testCtx(t)

	_, err = client.Dial(ctx, client.Options{URL: s.wsURL})
	require.Error(t, err, "missing token is rejected before upgrade")

	tok, err := jwtRes.Issue("user-1", "Ada", time.Hour)
	require.NoError(t, err)
	x := s.dial(t, client.Options{Token: tok})
	require.Equal(t, "user-1", x.UserID())

	require.NoError(t, x.Join(ctx, "dev"))
	_, err = x.Send(ctx, v1.MessageSendPayload{ConversationID: "dev", SenderID: "spoofed", SenderName: "Eve", Body: "hi"})
	require.NoError(t, err)

	env := waitEvent(t, x, v1.TypeMessageNew)
	var m v1.Message
	require.NoError(t, json.Unmarshal(env.Payload, &m))
	require.Equal(t, "user-1", m.SenderID)
	require.Equal(t, "Ada", m.SenderName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.http.URL+"/v1/conversations/dev/messages", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testLogger(), NewInMemoryStore(), nil)
	gw := NewWSGateway(testLogger(), engine, nil, GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"http://app.example"},
	})
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx := testCtx(t)
	_, err := client.Dial(ctx, client.Options{URL: url})
	require.Error(t, err, "missing origin")
	_, err = client.Dial(ctx, client.Options{URL: url, Origin: "http://evil.example"})
	require.Error(t, err, "foreign origin")

	c, err := client.Dial(ctx, client.Options{URL: url, Origin: "http://app.example"})
	require.NoError(t, err)
	_ = c.Close()
}

func TestHistoryHandler_PagesOverHTTP(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, NewInMemoryStore(), nil)
	ctx := testCtx(t)
	for i := 0; i < 5; i++ {
		_, err := s.engine.Send(ctx, SendInput{ConversationID: "dev", SenderID: "u1", Body: "m"})
		require.NoError(t, err)
	}

	get := func(query string) (int, v1.ConversationHistoryChunkPayload) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.http.URL+"/v1/conversations/dev/messages"+query, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		var chunk v1.ConversationHistoryChunkPayload
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&chunk))
		}
		return resp.StatusCode, chunk
	}

	code, chunk := get("?limit=2")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "dev", chunk.ConversationID)
	require.Len(t, chunk.Messages, 2)
	require.True(t, chunk.HasMore)

	code, chunk = get("?after_seq=3&limit=10")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, chunk.Messages, 2)
	require.Equal(t, int64(4), chunk.Messages[0].Seq)
	require.False(t, chunk.HasMore)

	code, _ = get("?after_seq=-1")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = get("?limit=abc")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestHistoryHandler_StorageDown(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, downStore{}, nil)
	resp, err := http.Get(s.http.URL + "/v1/conversations/dev/messages")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// downStore fails every call.
type downStore struct{}

func (downStore) Insert(context.Context, InsertInput) (InsertResult, error) {
	return InsertResult{}, errBackendDown
}

func (downStore) QueryOrdered(context.Context, HistoryQuery) (HistoryPage, error) {
	return HistoryPage{}, errBackendDown
}

func (downStore) Ping(context.Context) error { return errBackendDown }

func (downStore) Close() error { return nil }
