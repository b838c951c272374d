package expirysweep

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/caddyserver/certmagic"
	"github.com/google/uuid"
)

const (
	DefaultLeaseCollection = "expirysweep_leases"

	DefaultMinPollSeconds = 1
	DefaultMaxPollSeconds = 5

	// How often the holder refreshes lockedAt. A lease not refreshed for
	// twice this long is stale and may be taken over.
	DefaultFreshnessIntervalSeconds = 5
)

var errAlreadyLocked = errors.New("lease is held by another sweeper")

var _ certmagic.Locker = (*Lease)(nil)

// Lease is a Firestore-backed mutual exclusion between sweepers running in
// different processes.
type Lease struct {
	MinPollSeconds   int
	MaxPollSeconds   int
	FreshnessSeconds int

	client     *firestore.Client
	collection string
	owner      string

	locks map[string]context.CancelFunc
	m     sync.Mutex
}

func NewLease(client *firestore.Client, collection string) *Lease {
	if collection == "" {
		collection = DefaultLeaseCollection
	}
	return &Lease{
		MinPollSeconds:   DefaultMinPollSeconds,
		MaxPollSeconds:   DefaultMaxPollSeconds,
		FreshnessSeconds: DefaultFreshnessIntervalSeconds,
		client:           client,
		collection:       collection,
		owner:            uuid.NewString(),
		locks:            map[string]context.CancelFunc{},
	}
}

// Lock acquires the lease for key or blocks until it gets one or ctx ends.
func (l *Lease) Lock(ctx context.Context, key string) error {
	for {
		err := l.attemptLock(ctx, key)
		if err == nil {
			return nil
		}

		if err != errAlreadyLocked {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if didAbort := l.sleepOrAbort(ctx, l.randSleepTime()); didAbort {
			return ctx.Err()
		}
	}
}

func (l *Lease) Unlock(key string) error {
	if found := l.unlockLocal(key); !found {
		return fmt.Errorf("lease %s was not found", key)
	}

	ref := l.keyToRef(key)
	err := l.client.RunTransaction(context.Background(), func(ctx context.Context, t *firestore.Transaction) error {
		doc, err := t.Get(ref)
		if err != nil {
			return err
		}
		var held lease
		if err := doc.DataTo(&held); err != nil {
			return err
		}
		if held.Owner != l.owner {
			// Someone took over a stale lease; it is theirs now.
			return nil
		}
		return t.Update(ref, []firestore.Update{
			{Path: "locked", Value: false},
			{Path: "updatedAt", Value: UTCNow()},
		})
	})
	if err != nil {
		return fmt.Errorf("unable to unlock %s: %w", key, err)
	}
	return nil
}

// attemptLock takes the lease in a transaction. It does not block on
// errAlreadyLocked.
func (l *Lease) attemptLock(ctx context.Context, key string) error {
	if l.hasLockLocal(key) {
		return nil
	}

	ref := l.keyToRef(key)
	err := l.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		doc, err := t.Get(ref)
		if err != nil {
			if IsDocNotFound(err) {
				now := UTCNow()
				return t.Create(ref, &lease{
					Owner:     l.owner,
					Locked:    true,
					LockedAt:  now,
					CreatedAt: now,
					UpdatedAt: now,
				})
			}
			return err
		}

		var held lease
		if err := doc.DataTo(&held); err != nil {
			return err
		}

		if held.Locked && held.Owner != l.owner && !l.isStale(held.LockedAt) {
			return errAlreadyLocked
		}

		now := UTCNow()
		return t.Update(ref, []firestore.Update{
			{Path: "owner", Value: l.owner},
			{Path: "locked", Value: true},
			{Path: "lockedAt", Value: now},
			{Path: "updatedAt", Value: now},
		})
	})

	if err != nil {
		if err == errAlreadyLocked {
			return err
		}
		return fmt.Errorf("unable to lock %s: %w", key, err)
	}

	go l.keepLockFresh(l.lockLocal(context.Background(), key), key)

	return nil
}

// keepLockFresh maintains lockedAt while the lease is held, so a crashed
// holder's lease goes stale instead of blocking everyone forever.
func (l *Lease) keepLockFresh(ctx context.Context, key string) {
	interval := time.Duration(l.FreshnessSeconds) * time.Second
	timer := time.NewTimer(interval)

	for {
		select {
		case <-timer.C:
			if err := l.updateFreshness(ctx, key); err != nil {
				return
			}
			timer.Reset(interval)
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		}
	}
}

func (l *Lease) updateFreshness(ctx context.Context, key string) error {
	_, err := l.keyToRef(key).Update(ctx, []firestore.Update{
		{Path: "lockedAt", Value: UTCNow()},
	})
	return err
}

func (l *Lease) isStale(lockedAt time.Time) bool {
	staleTime := lockedAt.Add(time.Second * time.Duration(l.FreshnessSeconds) * 2)
	return UTCNow().After(staleTime)
}

func (l *Lease) keyToRef(key string) *firestore.DocumentRef {
	return l.client.Collection(l.collection).Doc(firestoreSafeKey(key))
}

func (l *Lease) sleepOrAbort(ctx context.Context, duration time.Duration) (didAbort bool) {
	timer := time.NewTimer(duration)

	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return true
	case <-timer.C:
		return false
	}
}

func (l *Lease) randSleepTime() time.Duration {
	delta := float64(l.MaxPollSeconds - l.MinPollSeconds)
	randTime := time.Microsecond * time.Duration(delta*rand.Float64()*float64(time.Millisecond))
	return time.Second*time.Duration(l.MinPollSeconds) + randTime
}

func (l *Lease) hasLockLocal(key string) bool {
	l.m.Lock()
	defer l.m.Unlock()
	_, found := l.locks[key]
	return found
}

func (l *Lease) lockLocal(parent context.Context, key string) context.Context {
	l.m.Lock()
	withCancel, cancel := context.WithCancel(parent)
	l.locks[key] = cancel
	l.m.Unlock()

	return withCancel
}

func (l *Lease) unlockLocal(key string) bool {
	l.m.Lock()
	defer l.m.Unlock()
	if cancel, found := l.locks[key]; found {
		cancel()
		delete(l.locks, key)
		return true
	}
	return false
}
