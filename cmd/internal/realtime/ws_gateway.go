package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"forge/cmd/internal/identity"
	v1 "forge/shared/contracts/realtime/v1"
)

// WSGateway is the WebSocket entrypoint for Forge realtime.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats, resolves
// the caller identity before upgrading, and routes validated envelopes to the Registry
// and Engine.
type WSGateway struct {
	log      *slog.Logger
	engine   *Engine
	registry *Registry
	resolver identity.Resolver
	metrics  *Metrics

	cfg            GatewayConfig
	origins        originPolicy
	originPatterns []string
}

// NewWSGateway constructs a gateway. A nil resolver accepts every connection as anonymous.
func NewWSGateway(log *slog.Logger, engine *Engine, resolver identity.Resolver, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if engine == nil {
		engine = NewEngine(log, nil, nil)
	}

	cfg = cfg.normalized()
	origins := originPolicy{required: cfg.OriginRequired, allowed: cfg.AllowedOrigins}

	return &WSGateway{
		log:            log,
		engine:         engine,
		registry:       engine.Registry(),
		resolver:       resolver,
		metrics:        engine.metrics,
		cfg:            cfg,
		origins:        origins,
		originPatterns: origins.acceptPatterns(),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var user identity.Identity
	if g.resolver != nil {
		u, err := g.resolver.Resolve(r)
		if err != nil {
			g.log.Info("ws.reject.identity", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		user = u
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	sess := NewSession(sessionID, user, g.cfg.SendQueueSize)

	g.metrics.sessionOpened()
	defer g.metrics.sessionClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. The session is closed before it is removed from the
	// registry, so a concurrent broadcast sees either a live member or a silent drop.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close()
			rooms := g.registry.RemoveSession(sess)
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.session.close",
				"session_id", sessionID,
				"user_id", user.ID,
				"rooms", len(rooms),
				"reason", reason,
			)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				// An evicted session is closed from outside the connection's own goroutines.
				if errors.Is(sess.Cause(), ErrSlowConsumer) {
					shutdown(websocket.StatusTryAgainLater, "slow consumer")
				}
				return
			case env := <-sess.Outbound():
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	sess.MarkConnected()
	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", user.ID, "remote", r.RemoteAddr)
	g.emit(sess, newEnvelope(v1.TypeHelloAck, g.helloAck(sess), time.Now().UTC()))

	// Every inbound frame counts against the limiter, including ones that fail to decode,
	// so a flood of garbage cannot buy an unbounded stream of error replies.
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)
	limited := func(requestID string) bool {
		if rl.Allow(time.Now()) {
			return false
		}
		// Written directly: the writer stops as soon as shutdown closes the session.
		g.metrics.errorSent(v1.CodeRateLimited)
		env := errorEnvelope(v1.CodeRateLimited, "too many events", requestID, time.Now().UTC())
		if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
			g.log.Info("ws.write.fail", "session_id", sessionID, "err", err)
		}
		shutdown(websocket.StatusPolicyViolation, "rate limited")
		return true
	}

readLoop:
	for {
		env, err := g.read(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				if limited("") {
					break readLoop
				}
				g.sendError(sess, v1.CodeBadJSON, "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if limited(env.ID) {
			break readLoop
		}
		now := time.Now().UTC()

		if err := env.Validate(); err != nil {
			g.sendError(sess, v1.CodeBadEnvelope, err.Error(), env.ID)
			continue readLoop
		}
		g.metrics.inbound(env.Type)

		switch env.Type {
		case v1.TypeHello:
			g.emit(sess, newEnvelope(v1.TypeHelloAck, g.helloAck(sess), now))

		case v1.TypeConversationJoin:
			g.onJoin(sess, env, now)

		case v1.TypeConversationLeave:
			g.onLeave(sess, env, now)

		case v1.TypeMessageSend:
			g.onMessageSend(ctx, sess, env)

		case v1.TypeConversationHistoryFetch:
			g.onHistoryFetch(ctx, sess, env, now)

		default:
			g.sendError(sess, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), env.ID)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) read(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	if g.cfg.ReadIdleTimeout <= 0 {
		return readEnvelope(ctx, conn)
	}
	readCtx, cancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
	defer cancel()
	return readEnvelope(readCtx, conn)
}

// ---- handlers ----

func (g *WSGateway) helloAck(sess *Session) v1.HelloAckPayload {
	u := sess.Identity()
	return v1.HelloAckPayload{SessionID: sess.ID(), UserID: u.ID, DisplayName: u.DisplayName}
}

func (g *WSGateway) onJoin(sess *Session, env v1.Envelope, now time.Time) {
	var p v1.ConversationJoinPayload
	if err := decodePayload(env, &p); err != nil {
		g.sendError(sess, v1.CodeJoinFailed, err.Error(), env.ID)
		return
	}
	convID, err := NormalizeConversationID(p.ConversationID)
	if err != nil {
		g.sendError(sess, v1.CodeJoinFailed, err.Error(), env.ID)
		return
	}

	g.registry.Join(sess, convID)
	g.emit(sess, newEnvelope(v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: convID}, now))
}

func (g *WSGateway) onLeave(sess *Session, env v1.Envelope, now time.Time) {
	var p v1.ConversationLeavePayload
	if err := decodePayload(env, &p); err != nil {
		g.sendError(sess, v1.CodeLeaveFailed, err.Error(), env.ID)
		return
	}
	convID, err := NormalizeConversationID(p.ConversationID)
	if err != nil {
		g.sendError(sess, v1.CodeLeaveFailed, err.Error(), env.ID)
		return
	}

	g.registry.Leave(sess, convID)
	g.emit(sess, newEnvelope(v1.TypeConversationLeave, v1.ConversationLeavePayload{ConversationID: convID}, now))
}

func (g *WSGateway) onMessageSend(ctx context.Context, sess *Session, env v1.Envelope) {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		g.sendError(sess, v1.CodeInvalidMessage, err.Error(), env.ID)
		return
	}

	in := SendInput{
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Body:           p.Body,
		Image:          p.Image,
		ClientMsgID:    p.ClientMsgID,
	}
	// An authenticated identity always wins over payload-supplied sender fields.
	if u := sess.Identity(); !u.Anonymous() {
		in.SenderID = u.ID
		in.SenderName = u.DisplayName
	}

	res, err := g.engine.Send(ctx, in)
	if err != nil {
		code := v1.CodeStorageFailure
		if errors.Is(err, ErrInvalidMessage) {
			code = v1.CodeInvalidMessage
		}
		g.sendError(sess, code, err.Error(), env.ID)
		return
	}

	stored := res.Message
	g.emit(sess, newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		ConversationID: stored.ConversationID,
		ClientMsgID:    stored.ClientMsgID,
		MessageID:      stored.ID,
		Seq:            stored.Seq,
		CreatedAt:      stored.CreatedAt,
		Duplicate:      res.Duplicate,
	}, time.Now().UTC()))
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, sess *Session, env v1.Envelope, now time.Time) {
	var p v1.ConversationHistoryFetchPayload
	if err := decodePayload(env, &p); err != nil {
		g.sendError(sess, v1.CodeHistoryFailed, err.Error(), env.ID)
		return
	}

	page, err := g.engine.History(ctx, HistoryQuery{
		ConversationID: p.ConversationID,
		AfterSeq:       p.AfterSeq,
		Limit:          p.Limit,
	})
	if err != nil {
		code := v1.CodeStorageFailure
		if errors.Is(err, ErrInvalidMessage) {
			code = v1.CodeHistoryFailed
		}
		g.sendError(sess, code, err.Error(), env.ID)
		return
	}

	convID, _ := NormalizeConversationID(p.ConversationID)
	g.emit(sess, newEnvelope(v1.TypeConversationHistoryChunk, v1.ConversationHistoryChunkPayload{
		ConversationID: convID,
		Messages:       wireMessages(page.Messages),
		HasMore:        page.HasMore,
	}, now))
}

// ---- send helpers ----

// emit queues a direct reply. A full queue means the client would wait forever on a
// dropped reply, so the session is evicted like a lagging broadcast member.
func (g *WSGateway) emit(sess *Session, env v1.Envelope) bool {
	if sess.Emit(env) {
		return true
	}
	evicted := g.registry.Evict(sess, ErrSlowConsumer)
	g.log.Info("ws.emit.drop", "session_id", sess.ID(), "type", env.Type, "evicted", evicted)
	return false
}

func (g *WSGateway) sendError(sess *Session, code, msg, requestID string) {
	g.metrics.errorSent(code)
	g.emit(sess, errorEnvelope(code, msg, requestID, time.Now().UTC()))
}
