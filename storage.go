package expirysweep

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

const (
	DefaultParentCollection = "chats"
	DefaultRecordCollection = "messages"
	DefaultExpiryField      = "expiresAt"
)

// FirestoreStore keeps parents in a top-level collection and their records
// in a named sub-collection of each parent document.
type FirestoreStore struct {
	client           *firestore.Client
	parentCollection string
	recordCollection string
	expiryField      string
}

func NewFirestoreStore(client *firestore.Client, parentCollection, recordCollection, expiryField string) *FirestoreStore {
	if parentCollection == "" {
		parentCollection = DefaultParentCollection
	}
	if recordCollection == "" {
		recordCollection = DefaultRecordCollection
	}
	if expiryField == "" {
		expiryField = DefaultExpiryField
	}
	return &FirestoreStore{
		client:           client,
		parentCollection: parentCollection,
		recordCollection: recordCollection,
		expiryField:      expiryField,
	}
}

func (s *FirestoreStore) ParentIDs(ctx context.Context) ([]string, error) {
	// Select() with no paths fetches names only. The iterator pages on its own.
	it := s.client.Collection(s.parentCollection).Select().Documents(ctx)
	defer it.Stop()

	var ids []string
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			return ids, nil
		}
		if err != nil {
			return nil, classify(opListParents, "", err)
		}
		ids = append(ids, doc.Ref.ID)
	}
}

func (s *FirestoreStore) ExpiredRecords(ctx context.Context, parentID string, cutoff time.Time, after *Cursor, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	q := s.records(parentID).
		Where(s.expiryField, "<=", cutoff).
		OrderBy(s.expiryField, firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Select(s.expiryField).
		Limit(limit)
	if after != nil {
		q = q.StartAfter(after.ExpiresAt, after.ID)
	}
	it := q.Documents(ctx)
	defer it.Stop()

	var (
		page    Page
		scanned int
		last    Cursor
	)
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return Page{}, classify(opQuery, parentID, err)
		}
		scanned++

		ref := RecordRef{
			ParentID:  parentID,
			ID:        doc.Ref.ID,
			CreatedAt: doc.CreateTime,
			UpdatedAt: doc.UpdateTime,
		}
		if v, err := doc.DataAt(s.expiryField); err == nil {
			if t, ok := v.(time.Time); ok {
				ref.ExpiresAt = t
			}
		}
		last = Cursor{ExpiresAt: ref.ExpiresAt, ID: ref.ID}

		// A writer may have created this after the cutoff with an expiry
		// already in the past. It belongs to a later sweep.
		if doc.CreateTime.After(cutoff) {
			continue
		}
		page.Records = append(page.Records, ref)
	}

	if scanned == limit {
		page.Next = &last
	}
	return page, nil
}

func (s *FirestoreStore) NewBatch() Batch {
	return &firestoreBatch{store: s, wb: s.client.Batch()}
}

func (s *FirestoreStore) records(parentID string) *firestore.CollectionRef {
	return s.client.Collection(s.parentCollection).Doc(parentID).Collection(s.recordCollection)
}

type firestoreBatch struct {
	store    *FirestoreStore
	wb       *firestore.WriteBatch
	n        int
	parentID string
}

// Delete stages ref guarded by its last update time, so a record rewritten
// after it was queried fails the batch instead of being deleted.
func (b *firestoreBatch) Delete(ref RecordRef) {
	var pre []firestore.Precondition
	if !ref.UpdatedAt.IsZero() {
		pre = append(pre, firestore.LastUpdateTime(ref.UpdatedAt))
	}
	b.wb.Delete(b.store.records(ref.ParentID).Doc(ref.ID), pre...)
	b.parentID = ref.ParentID
	b.n++
}

func (b *firestoreBatch) Len() int {
	return b.n
}

func (b *firestoreBatch) Commit(ctx context.Context) error {
	if b.n == 0 {
		return nil
	}
	if _, err := b.wb.Commit(ctx); err != nil {
		return classify(opCommit, b.parentID, fmt.Errorf("%d deletes: %w", b.n, err))
	}
	return nil
}
