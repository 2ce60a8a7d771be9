package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "forge/shared/contracts/realtime/v1"
)

// Engine validates, persists and rebroadcasts messages.
//
// Sends to the same conversation are serialized by a per-room lock held from insert
// through broadcast, so every member observes message_new in persist order. Sends to
// different conversations never contend.
type Engine struct {
	log      *slog.Logger
	store    MessageStore
	registry *Registry
	metrics  *Metrics

	storeTimeout time.Duration
	now          func() time.Time

	locks *keyedMutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStoreTimeout bounds every store call. Non-positive values keep the default.
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source passed to the store as the insert time.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an Engine. A nil store falls back to an in-memory store and a nil
// registry to a fresh one.
func NewEngine(log *slog.Logger, store MessageStore, registry *Registry, opts ...EngineOption) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:          log,
		store:        store,
		registry:     registry,
		storeTimeout: defaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		locks:        newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.store == nil {
		e.store = NewInMemoryStore()
	}
	if e.registry == nil {
		e.registry = NewRegistry(log, e.metrics)
	}
	return e
}

// Registry returns the registry the engine broadcasts through.
func (e *Engine) Registry() *Registry { return e.registry }

// Store returns the backing message store.
func (e *Engine) Store() MessageStore { return e.store }

// SendResult describes a successful send.
type SendResult struct {
	Message   Message
	Duplicate bool

	// Delivered and Dropped count broadcast targets; both are zero for duplicates.
	Delivered int
	Dropped   int
}

// Send persists in and broadcasts message_new to every member of the conversation,
// including the sender when joined.
//
// Errors wrap ErrInvalidMessage (nothing stored, nothing broadcast) or ErrStorageFailure
// (store error or timeout, nothing broadcast). A duplicate ClientMsgID returns the
// original message without rebroadcasting it.
func (e *Engine) Send(ctx context.Context, in SendInput) (SendResult, error) {
	norm, err := in.normalize()
	if err != nil {
		e.metrics.sendFailed("invalid")
		return SendResult{}, &OpError{Op: "fanout.send", Kind: ErrInvalidMessage, Err: err}
	}

	unlock, err := e.locks.Lock(ctx, norm.ConversationID)
	if err != nil {
		e.metrics.sendFailed("storage")
		return SendResult{}, storageErr("fanout.lock", err)
	}
	defer unlock()

	res, err := e.insert(ctx, norm)
	if err != nil {
		e.metrics.sendFailed("storage")
		e.log.Warn("fanout.persist.fail",
			"conversation_id", norm.ConversationID,
			"sender_id", norm.SenderID,
			"client_msg_id", norm.ClientMsgID,
			"err", err,
		)
		return SendResult{}, err
	}

	out := SendResult{Message: res.Stored, Duplicate: res.Duplicate}
	e.metrics.persisted(res.Duplicate)

	if res.Duplicate {
		e.log.Debug("fanout.duplicate",
			"conversation_id", res.Stored.ConversationID,
			"client_msg_id", res.Stored.ClientMsgID,
			"message_id", res.Stored.ID,
		)
		return out, nil
	}

	env := newEnvelope(v1.TypeMessageNew, res.Stored.Wire(), e.now())
	out.Delivered, out.Dropped = e.registry.Broadcast(res.Stored.ConversationID, env)

	e.log.Debug("fanout.broadcast",
		"conversation_id", res.Stored.ConversationID,
		"message_id", res.Stored.ID,
		"seq", res.Stored.Seq,
		"delivered", out.Delivered,
		"dropped", out.Dropped,
	)
	return out, nil
}

func (e *Engine) insert(ctx context.Context, in SendInput) (InsertResult, error) {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.store.Insert(sctx, InsertInput{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Body:           in.Body,
		Image:          in.Image,
		ClientMsgID:    in.ClientMsgID,
		Now:            e.now(),
	})
	e.metrics.observeStore("insert", start)
	if err != nil {
		return InsertResult{}, storageErr("fanout.persist", err)
	}
	return res, nil
}

// History returns persisted messages for a conversation in ascending seq order.
func (e *Engine) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	id, err := NormalizeConversationID(q.ConversationID)
	if err != nil {
		return HistoryPage{}, &OpError{Op: "fanout.history", Kind: ErrInvalidMessage, Err: err}
	}
	if q.AfterSeq != nil && *q.AfterSeq < 0 {
		return HistoryPage{}, &OpError{Op: "fanout.history", Kind: ErrInvalidMessage, Err: errors.New("negative after_seq")}
	}
	q.ConversationID = id
	q.Limit = normalizeHistoryLimit(q.Limit)

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	start := time.Now()
	page, err := e.store.QueryOrdered(sctx, q)
	e.metrics.observeStore("query", start)
	if err != nil {
		e.log.Warn("fanout.history.fail", "conversation_id", id, "err", err)
		return HistoryPage{}, storageErr("fanout.history", err)
	}
	if page.Messages == nil {
		page.Messages = []Message{}
	}
	return page, nil
}

// Ping checks the backing store within the store timeout.
func (e *Engine) Ping(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.store.Ping(sctx)
}

// keyedMutex is a set of context-aware mutexes keyed by string.
// Entries are reference counted and removed once nobody holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is held or ctx is done. The returned func releases the key.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	ent := k.locks[key]
	if ent == nil {
		ent = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = ent
	}
	ent.refs++
	k.mu.Unlock()

	select {
	case ent.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-ent.sem
				k.release(key, ent)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, ent)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, ent *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ent.refs--
	if ent.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
