package syncer

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSyncConflict marks a sync pair blocked on unresolved conflicts.
	ErrSyncConflict = errors.New("sync conflict requires resolution")

	// ErrUnknownPeer is returned when a sync names an unregistered agent.
	ErrUnknownPeer = errors.New("unknown sync peer")

	// ErrUnknownConflict is returned when resolving a conflict ID the
	// target no longer has queued.
	ErrUnknownConflict = errors.New("unknown conflict")
)

// TransportError wraps a transient transport failure. Transport
// implementations return it for network and timeout errors so the
// coordinator knows the call is retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sync transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether the coordinator should retry after err.
// Transport failures and deadline expiry retry; everything else, including
// cancellation, surfaces immediately.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}
