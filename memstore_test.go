package expirysweep

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type memRecord struct {
	expiresAt *time.Time
	createdAt time.Time
	updatedAt time.Time
}

// memStore is an in-memory Store with fault injection. Commits are applied
// all at once under the lock, or not at all.
type memStore struct {
	mu      sync.Mutex
	parents map[string]map[string]memRecord

	maxBatch  int
	listErr   error
	queryErr  map[string]error
	commitErr map[string]error

	// onQuery and onCommit run before the operation; a non-nil error from
	// onCommit rejects the whole batch. limit is the page size asked for.
	onQuery  func(ctx context.Context, parentID string, limit int)
	onCommit func(ctx context.Context, n int) error

	queries int
	commits int
}

func newMemStore() *memStore {
	return &memStore{
		parents:   map[string]map[string]memRecord{},
		maxBatch:  DefaultBatchSize,
		queryErr:  map[string]error{},
		commitErr: map[string]error{},
	}
}

func (s *memStore) addParent(parentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parents[parentID]; !ok {
		s.parents[parentID] = map[string]memRecord{}
	}
}

func (s *memStore) put(parentID, id string, expiresAt *time.Time, createdAt time.Time) {
	s.addParent(parentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parents[parentID][id] = memRecord{expiresAt: expiresAt, createdAt: createdAt, updatedAt: createdAt}
}

func (s *memStore) fill(parentID string, n int, expiresAt, createdAt time.Time) {
	for i := 0; i < n; i++ {
		e := expiresAt
		s.put(parentID, fmt.Sprintf("r%05d", i), &e, createdAt)
	}
}

func (s *memStore) has(parentID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.parents[parentID][id]
	return ok
}

func (s *memStore) count(parentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parents[parentID])
}

func (s *memStore) ParentIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]string, 0, len(s.parents))
	for id := range s.parents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ExpiredRecords pages the way the Firestore query does: ordered by
// (expiresAt, id), late-created records count towards the page but are not
// returned.
func (s *memStore) ExpiredRecords(ctx context.Context, parentID string, cutoff time.Time, after *Cursor, limit int) (Page, error) {
	if s.onQuery != nil {
		s.onQuery(ctx, parentID, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if err := s.queryErr[parentID]; err != nil {
		return Page{}, err
	}
	if err := ctx.Err(); err != nil {
		return Page{}, &StoreError{Kind: ErrStoreUnavailable, Op: opQuery, ParentID: parentID, Err: err}
	}

	var all []RecordRef
	for id, r := range s.parents[parentID] {
		if r.expiresAt == nil || r.expiresAt.After(cutoff) {
			continue
		}
		all = append(all, RecordRef{
			ParentID:  parentID,
			ID:        id,
			ExpiresAt: *r.expiresAt,
			CreatedAt: r.createdAt,
			UpdatedAt: r.updatedAt,
		})
	}
	sort.Slice(all, func(i, j int) bool { return cursorLess(all[i].ExpiresAt, all[i].ID, all[j].ExpiresAt, all[j].ID) })

	if limit <= 0 {
		limit = DefaultBatchSize
	}
	var page Page
	scanned := 0
	for _, ref := range all {
		if after != nil && !cursorLess(after.ExpiresAt, after.ID, ref.ExpiresAt, ref.ID) {
			continue
		}
		if scanned == limit {
			break
		}
		scanned++
		page.Next = &Cursor{ExpiresAt: ref.ExpiresAt, ID: ref.ID}
		if ref.CreatedAt.After(cutoff) {
			continue
		}
		page.Records = append(page.Records, ref)
	}
	if scanned < limit {
		page.Next = nil
	}
	return page, nil
}

func cursorLess(at time.Time, id string, bt time.Time, bid string) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return id < bid
}

func (s *memStore) NewBatch() Batch {
	return &memBatch{store: s}
}

type memBatch struct {
	store *memStore
	refs  []RecordRef
}

func (b *memBatch) Delete(ref RecordRef) {
	b.refs = append(b.refs, ref)
}

func (b *memBatch) Len() int {
	return len(b.refs)
}

func (b *memBatch) Commit(ctx context.Context) error {
	s := b.store
	if s.onCommit != nil {
		if err := s.onCommit(ctx, len(b.refs)); err != nil {
			return &StoreError{Kind: ErrBatchCommit, Op: opCommit, Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++

	if len(b.refs) > s.maxBatch {
		return &StoreError{Kind: ErrBatchCommit, Op: opCommit, Err: fmt.Errorf("%d writes exceeds limit %d", len(b.refs), s.maxBatch)}
	}
	for _, ref := range b.refs {
		if err := s.commitErr[ref.ParentID]; err != nil {
			return &StoreError{Kind: ErrBatchCommit, Op: opCommit, ParentID: ref.ParentID, Err: err}
		}
		r, ok := s.parents[ref.ParentID][ref.ID]
		if !ok {
			return classify(opCommit, ref.ParentID, status.Errorf(codes.NotFound, "no document to update: %s", ref))
		}
		if !r.updatedAt.Equal(ref.UpdatedAt) {
			return classify(opCommit, ref.ParentID, status.Errorf(codes.FailedPrecondition, "%s was updated after %s", ref, ref.UpdatedAt))
		}
	}
	for _, ref := range b.refs {
		delete(s.parents[ref.ParentID], ref.ID)
	}
	return nil
}
