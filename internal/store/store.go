// Package store persists job records, idempotency bindings and dataset
// leases behind a single JobStore interface with memory and badger backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agriscope/gleaner/internal/model"
)

var (
	// ErrNotFound signals that a job record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrIdempotentReplay signals that an idempotency key is already bound
	// to a different job and the write was refused.
	ErrIdempotentReplay = errors.New("store: idempotent replay")
)

// Lease is a time-bounded exclusivity claim on a key. Holders must renew
// before ExpiresAt or the key falls to the next contender.
type Lease interface {
	Key() string
	Owner() string
	ExpiresAt() time.Time
}

// JobStore is the persistence boundary for the orchestrator, the sweeper
// and the HTTP API.
//
// Implementations must be safe for concurrent use. Records returned by
// reads are private copies; mutating them does not write through.
type JobStore interface {
	// PutJob creates or replaces a job record.
	PutJob(ctx context.Context, rec *model.JobRecord) error

	// GetJob returns the job with the given ID, or (nil, nil) when absent.
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)

	// UpdateJob applies fn to the stored record atomically and persists the
	// result. Returns ErrNotFound when the job does not exist.
	UpdateJob(ctx context.Context, id string, fn func(*model.JobRecord) error) (*model.JobRecord, error)

	// ListJobs returns all job records ordered by job ID.
	ListJobs(ctx context.Context) ([]*model.JobRecord, error)

	// ScanJobs streams every job record to fn. A non-nil error from fn
	// stops the scan and is returned.
	ScanJobs(ctx context.Context, fn func(*model.JobRecord) error) error

	// DeleteJob removes a job record. Deleting a missing job is a no-op.
	DeleteJob(ctx context.Context, id string) error

	// PutIdempotency binds an idempotency key to a job ID for ttl.
	// Re-binding to the same job refreshes the TTL; binding a live key to a
	// different job returns ErrIdempotentReplay.
	PutIdempotency(ctx context.Context, key, jobID string, ttl time.Duration) error

	// GetIdempotency resolves an idempotency key to a job ID. The boolean
	// is false when the key is unknown or expired.
	GetIdempotency(ctx context.Context, key string) (string, bool, error)

	// TryAcquireLease attempts to claim key for owner. Returns (lease, true)
	// on success and (nil, false) when another owner holds the key.
	// Acquiring a key already held by the same owner renews it.
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error)

	// RenewLease extends a held lease. Returns (nil, false) when the lease
	// expired or belongs to someone else.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error)

	// ReleaseLease drops a lease if owner still holds it.
	ReleaseLease(ctx context.Context, key, owner string) error

	// DeleteAllLeases removes every lease. Called on startup to clear stale
	// claims left by a previous process. The count is best-effort; backends
	// that cannot count cheaply return 0.
	DeleteAllLeases(ctx context.Context) (int, error)

	Close() error
}
