// Package client is a Go client for the Forge realtime protocol.
//
// One Client owns one websocket connection. Requests (join, leave, send, history) are
// matched to their responses in FIFO order; message_new broadcasts are merged into any
// open Room timelines and also surfaced on Events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "forge/shared/contracts/realtime/v1"
)

const (
	defaultReadLimit   = 1 << 20 // 1MiB
	defaultEventBuffer = 512
	defaultWriteWait   = 5 * time.Second
)

var (
	// ErrClosed is returned once the connection is gone.
	ErrClosed = errors.New("client: connection closed")

	// ErrUnexpected is returned when the server answers with an unexpected payload.
	ErrUnexpected = errors.New("client: unexpected response")
)

// ServerError is an error envelope returned for one of this client's requests.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Options configures Dial.
type Options struct {
	// URL is the ws:// or wss:// endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL string
	// Origin is sent as the Origin header when set.
	Origin string
	// Token is sent as a bearer token when set.
	Token string
	// Header carries extra handshake headers.
	Header http.Header

	ReadLimit   int64
	EventBuffer int
}

// Client is a connected realtime session.
type Client struct {
	conn *websocket.Conn

	hello v1.HelloAckPayload

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters []*waiter
	rooms   map[string]map[*Room]struct{}
	err     error

	events chan v1.Envelope
	done   chan struct{}
}

type waiter struct {
	requestID string
	match     func(v1.Envelope) bool
	ch        chan v1.Envelope
}

// Dial connects, negotiates the subprotocol and waits for the server hello_ack.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	h := http.Header{}
	for k, vs := range opts.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if o := strings.TrimSpace(opts.Origin); o != "" {
		h.Set("Origin", o)
	}
	if tok := strings.TrimSpace(opts.Token); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("client: subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}

	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	buf := opts.EventBuffer
	if buf <= 0 {
		buf = defaultEventBuffer
	}

	c := &Client{
		conn:   conn,
		rooms:  make(map[string]map[*Room]struct{}),
		events: make(chan v1.Envelope, buf),
		done:   make(chan struct{}),
	}

	// The server pushes hello_ack on accept; register before the reader starts.
	helloW := c.expect("", func(env v1.Envelope) bool { return env.Type == v1.TypeHelloAck })
	go c.readLoop()

	env, err := c.await(ctx, helloW)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := json.Unmarshal(env.Payload, &c.hello); err != nil || c.hello.SessionID == "" {
		_ = c.Close()
		return nil, fmt.Errorf("%w: hello_ack", ErrUnexpected)
	}
	return c, nil
}

// SessionID returns the server-assigned session id.
func (c *Client) SessionID() string { return c.hello.SessionID }

// UserID returns the identity the server resolved for this connection ("" if anonymous).
func (c *Client) UserID() string { return c.hello.UserID }

// Events yields broadcasts and unsolicited envelopes. It is closed when the connection ends.
// Events that find the buffer full are dropped.
func (c *Client) Events() <-chan v1.Envelope { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Join joins conversationID and waits for the server echo.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	_, err := c.request(ctx, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: conversationID},
		func(env v1.Envelope) bool {
			var p v1.ConversationJoinPayload
			return env.Type == v1.TypeConversationJoin && json.Unmarshal(env.Payload, &p) == nil &&
				p.ConversationID == strings.TrimSpace(conversationID)
		})
	return err
}

// Leave leaves conversationID and waits for the server echo.
func (c *Client) Leave(ctx context.Context, conversationID string) error {
	_, err := c.request(ctx, v1.TypeConversationLeave, v1.ConversationLeavePayload{ConversationID: conversationID},
		func(env v1.Envelope) bool {
			var p v1.ConversationLeavePayload
			return env.Type == v1.TypeConversationLeave && json.Unmarshal(env.Payload, &p) == nil &&
				p.ConversationID == strings.TrimSpace(conversationID)
		})
	return err
}

// Send sends a message and waits for its ack. A missing ClientMsgID is filled with a
// random UUID so the request can be retried safely with the returned value.
func (c *Client) Send(ctx context.Context, p v1.MessageSendPayload) (v1.MessageAckPayload, error) {
	if strings.TrimSpace(p.ClientMsgID) == "" {
		p.ClientMsgID = uuid.NewString()
	}
	clientMsgID := p.ClientMsgID

	env, err := c.request(ctx, v1.TypeMessageSend, p, func(env v1.Envelope) bool {
		var ack v1.MessageAckPayload
		return env.Type == v1.TypeMessageAck && json.Unmarshal(env.Payload, &ack) == nil &&
			ack.ClientMsgID == strings.TrimSpace(clientMsgID)
	})
	if err != nil {
		return v1.MessageAckPayload{}, err
	}
	var ack v1.MessageAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return v1.MessageAckPayload{}, fmt.Errorf("%w: message_ack: %v", ErrUnexpected, err)
	}
	return ack, nil
}

// FetchHistory requests one history window.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, afterSeq *int64, limit int) (v1.ConversationHistoryChunkPayload, error) {
	want := strings.TrimSpace(conversationID)
	env, err := c.request(ctx, v1.TypeConversationHistoryFetch,
		v1.ConversationHistoryFetchPayload{ConversationID: conversationID, AfterSeq: afterSeq, Limit: limit},
		func(env v1.Envelope) bool {
			var p v1.ConversationHistoryChunkPayload
			return env.Type == v1.TypeConversationHistoryChunk && json.Unmarshal(env.Payload, &p) == nil &&
				p.ConversationID == want
		})
	if err != nil {
		return v1.ConversationHistoryChunkPayload{}, err
	}
	var chunk v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(env.Payload, &chunk); err != nil {
		return chunk, fmt.Errorf("%w: history chunk: %v", ErrUnexpected, err)
	}
	return chunk, nil
}

// Hello re-requests the session identity.
func (c *Client) Hello(ctx context.Context) (v1.HelloAckPayload, error) {
	env, err := c.request(ctx, v1.TypeHello, v1.HelloPayload{}, func(env v1.Envelope) bool {
		return env.Type == v1.TypeHelloAck
	})
	if err != nil {
		return v1.HelloAckPayload{}, err
	}
	var p v1.HelloAckPayload
	err = json.Unmarshal(env.Payload, &p)
	return p, err
}

// WriteRaw writes an arbitrary frame. It exists for protocol tests.
func (c *Client) WriteRaw(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ---- request plumbing ----

func (c *Client) request(ctx context.Context, typ string, payload any, match func(v1.Envelope) bool) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}

	w := c.expect(env.ID, match)
	if err := c.write(ctx, env); err != nil {
		c.drop(w)
		return v1.Envelope{}, err
	}
	return c.await(ctx, w)
}

func (c *Client) write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, defaultWriteWait)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("client: write %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) expect(requestID string, match func(v1.Envelope) bool) *waiter {
	w := &waiter{requestID: requestID, match: match, ch: make(chan v1.Envelope, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

func (c *Client) drop(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) await(ctx context.Context, w *waiter) (v1.Envelope, error) {
	select {
	case env := <-w.ch:
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return v1.Envelope{}, &ServerError{Code: p.Code, Message: p.Message}
		}
		return env, nil
	case <-ctx.Done():
		c.drop(w)
		return v1.Envelope{}, ctx.Err()
	case <-c.done:
		c.drop(w)
		if err := c.Err(); err != nil {
			return v1.Envelope{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return v1.Envelope{}, ErrClosed
	}
}

// resolve hands env to the first matching waiter. Errors match by request id.
func (c *Client) resolve(env v1.Envelope) bool {
	var errReq string
	if env.Type == v1.TypeError {
		var p v1.ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			errReq = p.RequestID
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		hit := false
		if env.Type == v1.TypeError {
			hit = errReq != "" && errReq == w.requestID
		} else {
			hit = w.match(env)
		}
		if hit {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.ch <- env
			return true
		}
	}
	return false
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.fail(err)
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.fail(fmt.Errorf("bad json: %w", err))
			return
		}
		if err := env.Validate(); err != nil {
			c.fail(fmt.Errorf("bad envelope: %w", err))
			return
		}

		if env.Type == v1.TypeMessageNew {
			c.applyLive(env)
		}
		if c.resolve(env) {
			continue
		}

		select {
		case c.events <- env:
		default:
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		c.err = err
	}
}

func (c *Client) applyLive(env v1.Envelope) {
	var m v1.Message
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return
	}

	c.mu.Lock()
	rooms := make([]*Room, 0, len(c.rooms[m.ConversationID]))
	for r := range c.rooms[m.ConversationID] {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		r.applyLive(m)
	}
}

func (c *Client) attach(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.rooms[r.id]
	if set == nil {
		set = make(map[*Room]struct{})
		c.rooms[r.id] = set
	}
	set[r] = struct{}{}
}

func (c *Client) detach(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set := c.rooms[r.id]; set != nil {
		delete(set, r)
		if len(set) == 0 {
			delete(c.rooms, r.id)
		}
	}
}
