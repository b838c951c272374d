package expirysweep

import (
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func IsDocNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// statusCode is status.Code that also looks through wrapped errors.
func statusCode(err error) codes.Code {
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus().Code()
	}
	return status.Code(err)
}

// classify wraps a raw store error into a *StoreError. Commit failures are
// always ErrBatchCommit; a precondition or missing document on commit is the
// narrower ErrConflict.
func classify(op, parentID string, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrStoreUnavailable
	switch {
	case op == opCommit:
		kind = ErrBatchCommit
		switch statusCode(err) {
		case codes.NotFound, codes.FailedPrecondition:
			kind = ErrConflict
		}
	default:
		switch statusCode(err) {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound,
			codes.PermissionDenied, codes.Unimplemented, codes.OutOfRange:
			kind = ErrQuery
		}
	}
	return &StoreError{Kind: kind, Op: op, ParentID: parentID, Err: err}
}

const (
	opListParents = "list parents"
	opQuery       = "query expired"
	opCommit      = "commit batch"
)

// firestoreSafeKey makes a slash separated key usable as a document ID.
func firestoreSafeKey(key string) string {
	return strings.ReplaceAll(key, "/", "\\")
}
