package expirysweep

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is a transient connectivity or quota failure.
	// The next tick retries.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrQuery is a malformed query or a missing index. It usually does not
	// go away on its own.
	ErrQuery = errors.New("query error")

	// ErrBatchCommit means a batch was rejected as a whole. Nothing it
	// staged was applied.
	ErrBatchCommit = errors.New("batch commit failed")

	// ErrConflict is a batch rejected because a staged record was changed
	// or deleted by someone else after it was queried. It is an
	// ErrBatchCommit and clears up on the next tick.
	ErrConflict = fmt.Errorf("%w: records changed since queried", ErrBatchCommit)
)

// StoreError ties a store failure to the operation and parent it happened on.
type StoreError struct {
	Kind     error
	Op       string
	ParentID string
	Err      error
}

func (e *StoreError) Error() string {
	if e.ParentID != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.ParentID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindOf returns a short label for err suitable for logs and metrics.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrBatchCommit):
		return "batch_commit"
	case errors.Is(err, ErrQuery):
		return "query"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// ParentError is a failure isolated to a single parent during a sweep.
type ParentError struct {
	ParentID string
	Err      error
}

func (e ParentError) Error() string {
	return fmt.Sprintf("parent %s: %v", e.ParentID, e.Err)
}

func (e ParentError) Unwrap() error {
	return e.Err
}

// ErrLeaseHeld is returned when another sweeper holds the sweep lease and
// this tick was skipped.
var ErrLeaseHeld = errors.New("sweep lease held elsewhere")
