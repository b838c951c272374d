package expirysweep

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	EnvNameProjectId           = "EXPIRYSWEEP_PROJECT_ID"
	EnvNameCredentialsSecretId = "EXPIRYSWEEP_CREDENTIALS_SECRET_ID"
	EnvNameSchedule            = "EXPIRYSWEEP_SCHEDULE"
)

const (
	DefaultSchedule         = "@every 1m"
	DefaultTimeoutSeconds   = 50
	DefaultLeaseWaitSeconds = 5

	LockStorage   = "storage"
	LockFirestore = "firestore"
	LockNone      = "none"
)

// Config holds everything needed to build a sweeper. It is shared by the
// Caddy app (JSON) and the standalone command (YAML).
type Config struct {
	ProjectId           string `json:"project_id,omitempty" yaml:"project_id"`
	CredentialsSecretId string `json:"credentials_secret_id,omitempty" yaml:"credentials_secret_id"`

	ParentCollection string `json:"parent_collection,omitempty" yaml:"parent_collection"`
	RecordCollection string `json:"record_collection,omitempty" yaml:"record_collection"`
	ExpiryField      string `json:"expiry_field,omitempty" yaml:"expiry_field"`

	Schedule             string `json:"schedule,omitempty" yaml:"schedule"`
	TimeoutSeconds       int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	CommitTimeoutSeconds int    `json:"commit_timeout_seconds,omitempty" yaml:"commit_timeout_seconds"`
	BatchSize            int    `json:"batch_size,omitempty" yaml:"batch_size"`
	Concurrency          int    `json:"concurrency,omitempty" yaml:"concurrency"`
	MaxBatchesPerParent  int    `json:"max_batches_per_parent,omitempty" yaml:"max_batches_per_parent"`

	Lock             string `json:"lock,omitempty" yaml:"lock"`
	LeaseCollection  string `json:"lease_collection,omitempty" yaml:"lease_collection"`
	LeaseWaitSeconds int    `json:"lease_wait_seconds,omitempty" yaml:"lease_wait_seconds"`
	MinPollSeconds   int    `json:"min_lock_poll_seconds,omitempty" yaml:"min_lock_poll_seconds"`
	MaxPollSeconds   int    `json:"max_lock_poll_seconds,omitempty" yaml:"max_lock_poll_seconds"`
	FreshnessSeconds int    `json:"lock_freshness_seconds,omitempty" yaml:"lock_freshness_seconds"`
}

func DefaultConfig() Config {
	return Config{
		ParentCollection:     DefaultParentCollection,
		RecordCollection:     DefaultRecordCollection,
		ExpiryField:          DefaultExpiryField,
		Schedule:             DefaultSchedule,
		TimeoutSeconds:       DefaultTimeoutSeconds,
		CommitTimeoutSeconds: int(DefaultCommitTimeout / time.Second),
		BatchSize:            DefaultBatchSize,
		Concurrency:          DefaultConcurrency,
		Lock:                 LockStorage,
		LeaseCollection:      DefaultLeaseCollection,
		LeaseWaitSeconds:     DefaultLeaseWaitSeconds,
		MinPollSeconds:       DefaultMinPollSeconds,
		MaxPollSeconds:       DefaultMaxPollSeconds,
		FreshnessSeconds:     DefaultFreshnessIntervalSeconds,
	}
}

// LoadOverrides applies the environment on top of c.
func (c *Config) LoadOverrides() {
	if projectId, found := os.LookupEnv(EnvNameProjectId); found && projectId != "" {
		c.ProjectId = projectId
	}

	if secretId, found := os.LookupEnv(EnvNameCredentialsSecretId); found && secretId != "" {
		c.CredentialsSecretId = secretId
	}

	if schedule, found := os.LookupEnv(EnvNameSchedule); found && schedule != "" {
		c.Schedule = schedule
	}
}

func (c *Config) Validate() error {
	if c.ParentCollection == "" || c.RecordCollection == "" || c.ExpiryField == "" {
		return fmt.Errorf("parent_collection, record_collection and expiry_field are required")
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}
	if c.BatchSize < 1 || c.BatchSize > DefaultBatchSize {
		return fmt.Errorf("batch_size must be between 1 and %d, got %d", DefaultBatchSize, c.BatchSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxBatchesPerParent < 0 {
		return fmt.Errorf("max_batches_per_parent must not be negative")
	}
	if c.TimeoutSeconds < 1 || c.CommitTimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds and commit_timeout_seconds must be positive")
	}
	switch c.Lock {
	case LockStorage, LockFirestore, LockNone:
	default:
		return fmt.Errorf("unknown lock %q", c.Lock)
	}
	if c.MinPollSeconds > c.MaxPollSeconds {
		return fmt.Errorf("min_lock_poll_seconds is greater than max_lock_poll_seconds")
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
