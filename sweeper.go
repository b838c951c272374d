package expirysweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// Firestore rejects write batches with more than 500 writes.
	DefaultBatchSize     = 500
	DefaultConcurrency   = 1
	DefaultCommitTimeout = 10 * time.Second
)

// SweepResult summarises one sweep.
type SweepResult struct {
	ID                string
	Cutoff            time.Time
	ParentsProcessed  int
	ParentsDeferred   int
	// ParentsUnfinished counts parents that were started but still had
	// expired records when they stopped (batch cap or end of ctx).
	ParentsUnfinished int
	RecordsDeleted    int
	Batches           int
	Errors            []ParentError
	Duration          time.Duration
}

// Err joins the per-parent errors, or returns nil when every parent was
// swept cleanly.
func (r SweepResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, pe := range r.Errors {
		errs[i] = pe
	}
	return errors.Join(errs...)
}

func (r SweepResult) outcome() string {
	if len(r.Errors) > 0 {
		return sweepPartial
	}
	return sweepOK
}

// Sweeper deletes expired records from every parent of a Store.
type Sweeper struct {
	// BatchSize caps the deletions per atomic batch.
	BatchSize int
	// Concurrency caps how many parents are swept at once.
	Concurrency int
	// MaxBatchesPerParent caps the batches committed for one parent per
	// sweep. Whatever is left waits for the next sweep. Zero means no cap.
	MaxBatchesPerParent int
	// CommitTimeout bounds a single commit. Commits are not cut short when
	// the sweep's context ends.
	CommitTimeout time.Duration

	store   Store
	logger  *zap.SugaredLogger
	metrics *Metrics
}

func NewSweeper(store Store, logger *zap.SugaredLogger, metrics *Metrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sweeper{
		BatchSize:     DefaultBatchSize,
		Concurrency:   DefaultConcurrency,
		CommitTimeout: DefaultCommitTimeout,
		store:         store,
		logger:        logger,
		metrics:       metrics,
	}
}

type parentOutcome struct {
	deleted    int
	batches    int
	skipped    bool
	unfinished bool
	err        error
}

// Run sweeps every parent using now as the cutoff. The returned error is
// non-nil only when the parents could not be listed, in which case nothing
// was deleted. Per-parent failures are reported in the result.
//
// When ctx ends, parents not yet started are left for the next sweep,
// started parents stop after the page in hand, and commits already in
// flight run to completion.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	res := SweepResult{ID: uuid.NewString(), Cutoff: now}
	log := s.logger.With("sweep", res.ID)

	parents, err := s.store.ParentIDs(ctx)
	if err != nil {
		res.Duration = time.Since(start)
		s.metrics.observeSweep(sweepFailed, res.Duration)
		log.Errorw("unable to list parents, sweep aborted", "kind", KindOf(err), "error", err)
		return res, err
	}

	var mu sync.Mutex
	record := func(parentID string, out parentOutcome) {
		mu.Lock()
		defer mu.Unlock()
		if out.skipped {
			res.ParentsDeferred++
			return
		}
		res.ParentsProcessed++
		res.RecordsDeleted += out.deleted
		res.Batches += out.batches
		if out.unfinished {
			res.ParentsUnfinished++
		}
		if out.err != nil {
			res.Errors = append(res.Errors, ParentError{ParentID: parentID, Err: out.err})
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency())
	for i, parentID := range parents {
		if ctx.Err() != nil {
			left := len(parents) - i
			mu.Lock()
			res.ParentsDeferred += left
			mu.Unlock()
			log.Infow("sweep stopped, parents left for next sweep",
				"kind", deferKind(ctx), "deferred", left, "next_parent", parentID)
			break
		}
		parentID := parentID
		g.Go(func() error {
			if ctx.Err() != nil {
				log.Infow("parent left for next sweep", "parent", parentID, "kind", deferKind(ctx))
				record(parentID, parentOutcome{skipped: true})
				return nil
			}
			record(parentID, s.sweepParent(ctx, log, parentID, now))
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	s.metrics.observeSweep(res.outcome(), res.Duration)
	return res, nil
}

// sweepParent pages through one parent's expired records, committing each
// page as one batch before asking for the next, so a sweep cut short still
// keeps the batches it already committed.
func (s *Sweeper) sweepParent(ctx context.Context, log *zap.SugaredLogger, parentID string, cutoff time.Time) parentOutcome {
	var (
		out   parentOutcome
		after *Cursor
	)
	size := s.batchSize()
	for {
		if s.MaxBatchesPerParent > 0 && out.batches >= s.MaxBatchesPerParent {
			out.unfinished = true
			log.Infow("batch cap reached, parent left for next sweep",
				"parent", parentID, "kind", "batch_cap", "deleted", out.deleted)
			break
		}
		if ctx.Err() != nil {
			out.unfinished = true
			log.Infow("parent left for next sweep",
				"parent", parentID, "kind", deferKind(ctx), "deleted", out.deleted)
			break
		}

		page, err := s.store.ExpiredRecords(ctx, parentID, cutoff, after, size)
		if err != nil {
			if ctx.Err() != nil {
				out.unfinished = true
				log.Infow("query cut short, parent left for next sweep",
					"parent", parentID, "kind", deferKind(ctx), "deleted", out.deleted, "error", err)
				break
			}
			s.logParentError(log, parentID, err)
			out.err = err
			break
		}

		if len(page.Records) > 0 {
			b := s.store.NewBatch()
			for _, ref := range page.Records {
				b.Delete(ref)
			}
			n := b.Len()
			err := s.commit(ctx, b)
			s.metrics.observeBatch(n, err)
			if err != nil {
				s.logParentError(log, parentID, err)
				out.err = err
				break
			}
			out.batches++
			out.deleted += n
		}

		if page.Next == nil {
			break
		}
		after = page.Next
	}

	if out.deleted > 0 {
		log.Debugw("deleted expired records", "parent", parentID, "deleted", out.deleted, "batches", out.batches)
	}
	return out
}

func (s *Sweeper) commit(ctx context.Context, b Batch) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout())
	defer cancel()
	return b.Commit(ctx)
}

func (s *Sweeper) logParentError(log *zap.SugaredLogger, parentID string, err error) {
	s.metrics.observeParentError(err)
	kv := []interface{}{"parent", parentID, "kind", KindOf(err), "error", err}
	switch {
	case errors.Is(err, ErrConflict):
		// Another writer touched or removed a staged record.
		log.Infow("records changed since queried, retrying next tick", kv...)
	case errors.Is(err, ErrQuery):
		// Usually a missing index; it will fail again on every tick.
		log.Errorw("query rejected by store", kv...)
	default:
		log.Warnw("parent sweep failed, retrying next tick", kv...)
	}
}

// deferKind labels why work was left over once ctx has ended.
func deferKind(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "deadline"
	}
	return "canceled"
}

func (s *Sweeper) batchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

func (s *Sweeper) concurrency() int {
	if s.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return s.Concurrency
}

func (s *Sweeper) commitTimeout() time.Duration {
	if s.CommitTimeout <= 0 {
		return DefaultCommitTimeout
	}
	return s.CommitTimeout
}
