package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "forge/shared/contracts/realtime/v1"
)

// Registry maps conversation ids to the sessions currently joined to them.
//
// A room exists exactly while it has at least one member. Every mutation is a single
// critical section, so a concurrent Members call sees either the state before or after it.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu        sync.RWMutex
	rooms     map[string]*room
	bySession map[*Session]map[string]struct{}
}

type room struct {
	id      string
	members map[*Session]struct{}
}

// NewRegistry constructs an empty Registry. metrics may be nil.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:       log,
		metrics:   metrics,
		rooms:     make(map[string]*room),
		bySession: make(map[*Session]map[string]struct{}),
	}
}

// Join adds s to conversationID, creating the room on demand.
// It reports whether s was newly added; joining twice is a no-op.
func (r *Registry) Join(s *Session, conversationID string) bool {
	if s == nil || conversationID == "" {
		return false
	}
	if s.State() == StateDisconnected {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Close sets the state before RemoveSession takes the lock, so a session closed while
	// this call waited is seen here and never re-added.
	if s.State() == StateDisconnected {
		return false
	}

	rm := r.rooms[conversationID]
	if rm == nil {
		rm = &room{id: conversationID, members: make(map[*Session]struct{})}
		r.rooms[conversationID] = rm
		r.metrics.roomOpened()
	}
	if _, ok := rm.members[s]; ok {
		return false
	}
	rm.members[s] = struct{}{}

	joined := r.bySession[s]
	if joined == nil {
		joined = make(map[string]struct{})
		r.bySession[s] = joined
	}
	joined[conversationID] = struct{}{}

	r.log.Debug("registry.join", "session_id", s.ID(), "conversation_id", conversationID, "members", len(rm.members))
	return true
}

// Leave removes s from conversationID. Empty rooms are deleted.
// It reports whether s was a member.
func (r *Registry) Leave(s *Session, conversationID string) bool {
	if s == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.leaveLocked(s, conversationID) {
		return false
	}
	r.log.Debug("registry.leave", "session_id", s.ID(), "conversation_id", conversationID)
	return true
}

// RemoveSession drops s from every room it joined and returns those room ids, sorted.
func (r *Registry) RemoveSession(s *Session) []string {
	if s == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.bySession[s]
	out := make([]string, 0, len(joined))
	for id := range joined {
		out = append(out, id)
	}
	for _, id := range out {
		r.leaveLocked(s, id)
	}
	delete(r.bySession, s)

	sort.Strings(out)
	return out
}

func (r *Registry) leaveLocked(s *Session, conversationID string) bool {
	rm := r.rooms[conversationID]
	if rm == nil {
		return false
	}
	if _, ok := rm.members[s]; !ok {
		return false
	}
	delete(rm.members, s)
	if len(rm.members) == 0 {
		delete(r.rooms, conversationID)
		r.metrics.roomClosed()
	}

	if joined := r.bySession[s]; joined != nil {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(r.bySession, s)
		}
	}
	return true
}

// Members returns a fresh snapshot of the sessions in conversationID.
func (r *Registry) Members(conversationID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[conversationID]
	if rm == nil {
		return nil
	}
	out := make([]*Session, 0, len(rm.members))
	for s := range rm.members {
		out = append(out, s)
	}
	return out
}

// IsMember reports whether s is currently joined to conversationID.
func (r *Registry) IsMember(s *Session, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[conversationID]
	if rm == nil {
		return false
	}
	_, ok := rm.members[s]
	return ok
}

// SessionRooms returns the room ids s is joined to, sorted.
func (r *Registry) SessionRooms(s *Session) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.bySession[s]
	out := make([]string, 0, len(joined))
	for id := range joined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Evict closes s with cause and drops it from every room. The connection owner sees Done
// and tears the socket down. It reports whether this call closed the session.
func (r *Registry) Evict(s *Session, cause error) bool {
	if s == nil || !s.CloseWithCause(cause) {
		return false
	}
	rooms := r.RemoveSession(s)
	r.metrics.evicted()
	r.log.Warn("registry.evict",
		"session_id", s.ID(),
		"rooms", len(rooms),
		"err", cause,
	)
	return true
}

// Broadcast emits env to every current member of conversationID.
// A closed member is a silent drop. A live member whose queue is full has missed the
// event, so it is evicted with ErrSlowConsumer instead of staying subscribed with a gap.
func (r *Registry) Broadcast(conversationID string, env v1.Envelope) (delivered, dropped int) {
	for _, s := range r.Members(conversationID) {
		if s.Emit(env) {
			delivered++
			continue
		}
		dropped++
		evicted := r.Evict(s, ErrSlowConsumer)
		r.log.Info("registry.broadcast.drop",
			"session_id", s.ID(),
			"conversation_id", conversationID,
			"type", env.Type,
			"evicted", evicted,
			"err", ErrDeliveryDrop,
		)
	}
	r.metrics.delivered(delivered, dropped)
	return delivered, dropped
}
