package realtime

import (
	"sync"
	"sync/atomic"

	"forge/cmd/internal/identity"
	v1 "forge/shared/contracts/realtime/v1"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one live connection.
//
// Concurrency notes:
//   - The outbound channel is never closed. Broadcasters may race with Close, and a send
//     on a closed channel would panic.
//   - Close only closes done. Emit checks done first, so a closed session drops silently.
//   - cause is written once before done is closed and read only after it.
type Session struct {
	id   string
	user identity.Identity

	state atomic.Int32

	send      chan v1.Envelope
	done      chan struct{}
	closeOnce sync.Once
	cause     error
}

// NewSession constructs a session in StateConnecting with a bounded outbound queue.
func NewSession(id string, user identity.Identity, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = wsDefaultSendQueueSize
	}
	return &Session{
		id:   id,
		user: user,
		send: make(chan v1.Envelope, queueSize),
		done: make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Identity returns the identity resolved at handshake. It is zero for anonymous sessions.
func (s *Session) Identity() identity.Identity { return s.user }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// MarkConnected moves Connecting -> Connected. It reports false for any other source state.
func (s *Session) MarkConnected() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
}

// Outbound is the queue drained by the connection writer.
func (s *Session) Outbound() <-chan v1.Envelope { return s.send }

// Done is closed when the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Emit enqueues env without blocking. It returns false when the session is closed or the
// queue is full.
func (s *Session) Emit(env v1.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case <-s.done:
		return false
	case s.send <- env:
		return true
	default:
		return false
	}
}

// Close marks the session Disconnected with cause ErrSessionClosed. It is idempotent and
// reports whether this call performed the transition.
func (s *Session) Close() bool {
	return s.CloseWithCause(ErrSessionClosed)
}

// CloseWithCause is Close with an explicit cause. Only the first call's cause is kept.
func (s *Session) CloseWithCause(cause error) bool {
	if cause == nil {
		cause = ErrSessionClosed
	}
	closed := false
	s.closeOnce.Do(func() {
		s.cause = cause
		s.state.Store(int32(StateDisconnected))
		close(s.done)
		closed = true
	})
	return closed
}

// Cause returns why the session was closed, or nil while it is open.
func (s *Session) Cause() error {
	select {
	case <-s.done:
		return s.cause
	default:
		return nil
	}
}
