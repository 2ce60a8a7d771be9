package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned for malformed send requests. Nothing is persisted.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrStorageFailure is returned when the message store cannot complete an insert or query.
	// The room is never notified of a send that failed this way.
	ErrStorageFailure = errors.New("storage failure")

	// ErrDeliveryDrop marks a broadcast target that could not take the event.
	// It is counted and logged, never returned to the sender.
	ErrDeliveryDrop = errors.New("delivery dropped")

	// ErrSessionClosed is the Cause of a session closed by its own connection.
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer is the Cause of a session evicted because its outbound queue was full.
	// The client has missed at least one event and must reconnect and resync.
	ErrSlowConsumer = errors.New("slow consumer")

	// ErrInvalidConversation is returned for an empty or oversized conversation id.
	ErrInvalidConversation = errors.New("invalid conversation_id")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel errors above; Err is the underlying cause, if any.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both Kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrStorageFailure) {
		return err
	}
	return &OpError{Op: op, Kind: ErrStorageFailure, Err: err}
}
