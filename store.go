package expirysweep

import (
	"context"
	"time"
)

// Store is the record store the sweeper works against. Parents own a
// sub-collection of records; the sweeper only ever deletes records.
type Store interface {
	// ParentIDs lists every parent that currently exists. Each call is a
	// fresh full listing.
	ParentIDs(ctx context.Context) ([]string, error)

	// ExpiredRecords returns one page of at most limit records of parentID
	// whose expiry is at or before cutoff, in expiry order, starting after
	// the cursor (nil for the first page). Records created after cutoff are
	// never returned, but still count towards the page.
	ExpiredRecords(ctx context.Context, parentID string, cutoff time.Time, after *Cursor, limit int) (Page, error)

	// NewBatch starts an empty deletion batch.
	NewBatch() Batch
}

// Batch stages deletions and applies them atomically on Commit: either every
// staged record is deleted or none is.
type Batch interface {
	Delete(ref RecordRef)
	Len() int
	Commit(ctx context.Context) error
}

// Cursor is the position of the last record a page scanned.
type Cursor struct {
	ExpiresAt time.Time
	ID        string
}

// Page is one slice of a parent's expired records. Next is nil once the
// scan is exhausted.
type Page struct {
	Records []RecordRef
	Next    *Cursor
}
