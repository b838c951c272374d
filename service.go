package expirysweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/caddyserver/certmagic"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Service wires a store, a sweeper, an optional lease and a schedule
// together. Every collaborator is constructed explicitly and handed in;
// nothing is process-global.
type Service struct {
	Config

	client  *firestore.Client
	store   Store
	sweeper *Sweeper
	locker  certmagic.Locker
	cron    *cron.Cron
	logger  *zap.SugaredLogger
	metrics *Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService connects to Firestore and builds a Service from cfg. storage is
// used as the lock when cfg.Lock is LockStorage and may be nil otherwise.
func NewService(ctx context.Context, cfg Config, logger *zap.SugaredLogger, metrics *Metrics, storage certmagic.Locker) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ProjectId == "" {
		return nil, fmt.Errorf("project_id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsSecretId != "" {
		creds, err := loadCredentialsFromSecret(ctx, cfg.ProjectId, cfg.CredentialsSecretId)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentialsJSON(creds))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectId, opts...)
	if err != nil {
		return nil, err
	}

	var locker certmagic.Locker
	switch cfg.Lock {
	case LockStorage:
		if storage == nil {
			client.Close()
			return nil, fmt.Errorf("lock %q needs a storage backend", LockStorage)
		}
		locker = storage
	case LockFirestore:
		lease := NewLease(client, cfg.LeaseCollection)
		lease.MinPollSeconds = cfg.MinPollSeconds
		lease.MaxPollSeconds = cfg.MaxPollSeconds
		lease.FreshnessSeconds = cfg.FreshnessSeconds
		locker = lease
	}

	store := NewFirestoreStore(client, cfg.ParentCollection, cfg.RecordCollection, cfg.ExpiryField)
	s := newService(cfg, store, locker, logger, metrics)
	s.client = client
	return s, nil
}

func newService(cfg Config, store Store, locker certmagic.Locker, logger *zap.SugaredLogger, metrics *Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	sweeper := NewSweeper(store, logger, metrics)
	sweeper.BatchSize = cfg.BatchSize
	sweeper.Concurrency = cfg.Concurrency
	sweeper.MaxBatchesPerParent = cfg.MaxBatchesPerParent
	sweeper.CommitTimeout = seconds(cfg.CommitTimeoutSeconds)

	return &Service{
		Config:  cfg,
		store:   store,
		sweeper: sweeper,
		locker:  locker,
		cron:    newScheduler(logger),
		logger:  logger,
		metrics: metrics,
		now:     UTCNow,
	}
}

func (s *Service) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc(s.Schedule, s.tick); err != nil {
		s.cancel()
		return fmt.Errorf("invalid schedule %q: %w", s.Schedule, err)
	}
	s.cron.Start()
	s.logger.Infow("expiry sweeper started",
		"schedule", s.Schedule,
		"parents", s.ParentCollection,
		"records", s.RecordCollection,
		"lock", s.Lock,
	)
	return nil
}

// Stop cancels the running sweep, if any, and waits for it to wind down.
// Commits already in flight are allowed to finish.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Infow("expiry sweeper stopped")
	return nil
}

func (s *Service) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Service) tick() {
	_, _ = s.SweepOnce(s.ctx, s.now())
}

// SweepOnce runs a single sweep with now as the cutoff, holding the sweep
// lease when one is configured. It returns ErrLeaseHeld if another sweeper
// kept the lease for longer than the configured wait.
func (s *Service) SweepOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, seconds(s.TimeoutSeconds))
	defer cancel()

	if s.locker != nil {
		key := s.leaseKey()
		lockCtx, lockCancel := context.WithTimeout(ctx, seconds(s.LeaseWaitSeconds))
		err := s.locker.Lock(lockCtx, key)
		lockCancel()
		if err != nil {
			s.metrics.observeSweep(sweepSkipped, 0)
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				s.logger.Infow("sweep lease held elsewhere, skipping tick", "lease", key)
				return SweepResult{Cutoff: now}, ErrLeaseHeld
			}
			s.logger.Errorw("unable to acquire sweep lease", "lease", key, "error", err)
			return SweepResult{Cutoff: now}, fmt.Errorf("acquiring sweep lease: %w", err)
		}
		defer func() {
			if err := s.locker.Unlock(key); err != nil {
				s.logger.Warnw("unable to release sweep lease", "lease", key, "error", err)
			}
		}()
	}

	res, err := s.sweeper.Run(ctx, now)
	if err == nil {
		s.logResult(res)
	}
	return res, err
}

func (s *Service) logResult(res SweepResult) {
	kv := []interface{}{
		"sweep", res.ID,
		"cutoff", res.Cutoff,
		"parents", res.ParentsProcessed,
		"parents_deferred", res.ParentsDeferred,
		"deleted", res.RecordsDeleted,
		"parents_unfinished", res.ParentsUnfinished,
		"batches", res.Batches,
		"errors", len(res.Errors),
		"duration", res.Duration,
	}
	if len(res.Errors) > 0 {
		s.logger.Warnw("sweep finished with errors", kv...)
		return
	}
	if res.RecordsDeleted == 0 && res.ParentsDeferred == 0 && res.ParentsUnfinished == 0 {
		s.logger.Debugw("sweep finished", kv...)
		return
	}
	s.logger.Infow("sweep finished", kv...)
}

func (s *Service) leaseKey() string {
	return "expirysweep/" + s.ParentCollection + "/" + s.RecordCollection
}
