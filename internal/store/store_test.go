package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agriscope/gleaner/internal/model"
)

// backends returns one instance per backend so every test covers both.
func backends(t *testing.T) map[string]JobStore {
	t.Helper()
	badgerStore, err := OpenBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = badgerStore.Close() })
	memStore := NewMemoryStore()
	t.Cleanup(func() { _ = memStore.Close() })
	return map[string]JobStore{
		"memory": memStore,
		"badger": badgerStore,
	}
}

func testJob(id string) *model.JobRecord {
	now := time.Now().Unix()
	return &model.JobRecord{
		JobID:         id,
		DatasetID:     "field-7",
		Extractor:     "clipbyshape",
		State:         model.JobQueued,
		Reason:        model.RNone,
		Attempt:       1,
		CorrelationID: "corr-" + id,
		Outputs:       []string{"a.tif"},
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
}

func TestJobCRUD(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Missing job reads as (nil, nil).
			got, err := s.GetJob(ctx, "nope")
			if err != nil {
				t.Fatalf("GetJob missing: %v", err)
			}
			if got != nil {
				t.Fatalf("GetJob missing: expected nil record, got %+v", got)
			}

			rec := testJob("job-1")
			if err := s.PutJob(ctx, rec); err != nil {
				t.Fatalf("PutJob: %v", err)
			}

			got, err = s.GetJob(ctx, "job-1")
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got == nil || got.DatasetID != "field-7" || got.State != model.JobQueued {
				t.Fatalf("GetJob returned wrong record: %+v", got)
			}

			// Mutating the returned copy must not write through.
			got.State = model.JobFailed
			got.Outputs[0] = "tampered"
			again, err := s.GetJob(ctx, "job-1")
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if again.State != model.JobQueued || again.Outputs[0] != "a.tif" {
				t.Fatalf("stored record was mutated through a read copy: %+v", again)
			}

			if err := s.DeleteJob(ctx, "job-1"); err != nil {
				t.Fatalf("DeleteJob: %v", err)
			}
			got, err = s.GetJob(ctx, "job-1")
			if err != nil || got != nil {
				t.Fatalf("job survived delete: rec=%+v err=%v", got, err)
			}

			// Deleting a missing job is a no-op.
			if err := s.DeleteJob(ctx, "job-1"); err != nil {
				t.Fatalf("DeleteJob missing: %v", err)
			}
		})
	}
}

func TestUpdateJob(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.UpdateJob(ctx, "absent", func(r *model.JobRecord) error { return nil }); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateJob on missing job: expected ErrNotFound, got %v", err)
			}

			if err := s.PutJob(ctx, testJob("job-u")); err != nil {
				t.Fatalf("PutJob: %v", err)
			}

			updated, err := s.UpdateJob(ctx, "job-u", func(r *model.JobRecord) error {
				r.State = model.JobRunning
				r.Attempt++
				return nil
			})
			if err != nil {
				t.Fatalf("UpdateJob: %v", err)
			}
			if updated.State != model.JobRunning || updated.Attempt != 2 {
				t.Fatalf("UpdateJob returned stale record: %+v", updated)
			}

			// A failing closure must leave the record untouched.
			boom := errors.New("boom")
			if _, err := s.UpdateJob(ctx, "job-u", func(r *model.JobRecord) error {
				r.State = model.JobFailed
				return boom
			}); !errors.Is(err, boom) {
				t.Fatalf("UpdateJob: expected closure error, got %v", err)
			}
			got, err := s.GetJob(ctx, "job-u")
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.State != model.JobRunning {
				t.Fatalf("failed update leaked a write: %+v", got)
			}
		})
	}
}

func TestListAndScanJobs(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"c", "a", "b"} {
				if err := s.PutJob(ctx, testJob(id)); err != nil {
					t.Fatalf("PutJob %s: %v", id, err)
				}
			}

			list, err := s.ListJobs(ctx)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if len(list) != 3 {
				t.Fatalf("ListJobs returned %d records, expected 3", len(list))
			}
			for i, want := range []string{"a", "b", "c"} {
				if list[i].JobID != want {
					t.Fatalf("ListJobs order: got %s at %d, want %s", list[i].JobID, i, want)
				}
			}

			var seen []string
			err = s.ScanJobs(ctx, func(r *model.JobRecord) error {
				seen = append(seen, r.JobID)
				return nil
			})
			if err != nil {
				t.Fatalf("ScanJobs: %v", err)
			}
			if len(seen) != 3 {
				t.Fatalf("ScanJobs visited %d records, expected 3", len(seen))
			}
		})
	}
}

func TestScanJobsContextCancellation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			for i := 0; i < 50; i++ {
				if err := s.PutJob(ctx, testJob(string(rune('A'+i)))); err != nil {
					t.Fatalf("PutJob: %v", err)
				}
			}

			var calls int
			err := s.ScanJobs(ctx, func(r *model.JobRecord) error {
				calls++
				if calls == 10 {
					cancel()
				}
				return nil
			})
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
			if calls > 20 {
				t.Fatalf("scan ignored cancellation, made %d calls", calls)
			}
		})
	}
}

func TestIdempotencyBinding(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Unknown key resolves to nothing.
			if _, ok, err := s.GetIdempotency(ctx, "k1"); err != nil || ok {
				t.Fatalf("GetIdempotency unknown: ok=%v err=%v", ok, err)
			}

			if err := s.PutIdempotency(ctx, "k1", "job-1", time.Hour); err != nil {
				t.Fatalf("PutIdempotency: %v", err)
			}
			id, ok, err := s.GetIdempotency(ctx, "k1")
			if err != nil || !ok || id != "job-1" {
				t.Fatalf("GetIdempotency: id=%q ok=%v err=%v", id, ok, err)
			}

			// Same binding refreshes without complaint.
			if err := s.PutIdempotency(ctx, "k1", "job-1", time.Hour); err != nil {
				t.Fatalf("PutIdempotency rebind same: %v", err)
			}

			// A live key refuses a different job.
			if err := s.PutIdempotency(ctx, "k1", "job-2", time.Hour); !errors.Is(err, ErrIdempotentReplay) {
				t.Fatalf("expected ErrIdempotentReplay, got %v", err)
			}

			// Empty keys are ignored entirely.
			if err := s.PutIdempotency(ctx, "", "job-3", time.Hour); err != nil {
				t.Fatalf("PutIdempotency empty key: %v", err)
			}
			if _, ok, err := s.GetIdempotency(ctx, ""); err != nil || ok {
				t.Fatalf("GetIdempotency empty key: ok=%v err=%v", ok, err)
			}
		})
	}
}

// Badger TTLs have second granularity, so expiry timing is asserted on the
// memory backend only.
func TestIdempotencyExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.PutIdempotency(ctx, "k-exp", "job-1", 20*time.Millisecond); err != nil {
		t.Fatalf("PutIdempotency: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, ok, err := s.GetIdempotency(ctx, "k-exp"); err != nil || ok {
		t.Fatalf("expired key still resolves: ok=%v err=%v", ok, err)
	}

	// Expired binding can be claimed by a different job.
	if err := s.PutIdempotency(ctx, "k-exp", "job-2", time.Hour); err != nil {
		t.Fatalf("PutIdempotency after expiry: %v", err)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			lease, ok, err := s.TryAcquireLease(ctx, "ds:field-7", "worker-1", time.Minute)
			if err != nil || !ok {
				t.Fatalf("TryAcquireLease: ok=%v err=%v", ok, err)
			}
			if lease.Key() != "ds:field-7" || lease.Owner() != "worker-1" {
				t.Fatalf("lease identity wrong: key=%q owner=%q", lease.Key(), lease.Owner())
			}
			if !lease.ExpiresAt().After(time.Now()) {
				t.Fatalf("lease already expired: %v", lease.ExpiresAt())
			}

			// Another owner is refused while the lease is live.
			if _, ok, err := s.TryAcquireLease(ctx, "ds:field-7", "worker-2", time.Minute); err != nil || ok {
				t.Fatalf("contended acquire: ok=%v err=%v", ok, err)
			}

			// The holder can re-acquire, which renews.
			renewed, ok, err := s.TryAcquireLease(ctx, "ds:field-7", "worker-1", time.Minute)
			if err != nil || !ok {
				t.Fatalf("re-acquire by holder: ok=%v err=%v", ok, err)
			}
			if renewed.ExpiresAt().Before(lease.ExpiresAt()) {
				t.Fatalf("re-acquire did not extend expiry")
			}

			// Renewal by the holder succeeds, by anyone else fails.
			if _, ok, err := s.RenewLease(ctx, "ds:field-7", "worker-1", time.Minute); err != nil || !ok {
				t.Fatalf("RenewLease holder: ok=%v err=%v", ok, err)
			}
			if _, ok, err := s.RenewLease(ctx, "ds:field-7", "worker-2", time.Minute); err != nil || ok {
				t.Fatalf("RenewLease intruder: ok=%v err=%v", ok, err)
			}

			// Release by a non-owner is ignored.
			if err := s.ReleaseLease(ctx, "ds:field-7", "worker-2"); err != nil {
				t.Fatalf("ReleaseLease intruder: %v", err)
			}
			if _, ok, _ := s.TryAcquireLease(ctx, "ds:field-7", "worker-2", time.Minute); ok {
				t.Fatalf("non-owner release freed the lease")
			}

			// Release by the owner frees the key.
			if err := s.ReleaseLease(ctx, "ds:field-7", "worker-1"); err != nil {
				t.Fatalf("ReleaseLease owner: %v", err)
			}
			if _, ok, err := s.TryAcquireLease(ctx, "ds:field-7", "worker-2", time.Minute); err != nil || !ok {
				t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestRenewMissingLease(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.RenewLease(ctx, "never-acquired", "worker-1", time.Minute); err != nil || ok {
				t.Fatalf("RenewLease missing: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, err := s.TryAcquireLease(ctx, "ds:x", "worker-1", 20*time.Millisecond); err != nil || !ok {
		t.Fatalf("TryAcquireLease: ok=%v err=%v", ok, err)
	}
	time.Sleep(40 * time.Millisecond)

	// Expired leases are claimable and no longer renewable.
	if _, ok, err := s.RenewLease(ctx, "ds:x", "worker-1", time.Minute); err != nil || ok {
		t.Fatalf("renewed an expired lease: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.TryAcquireLease(ctx, "ds:x", "worker-2", time.Minute); err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
}

func TestDeleteAllLeases(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"ds:a", "ds:b", "ds:c"} {
				if _, ok, err := s.TryAcquireLease(ctx, key, "worker-1", time.Hour); err != nil || !ok {
					t.Fatalf("TryAcquireLease %s: ok=%v err=%v", key, ok, err)
				}
			}

			if _, err := s.DeleteAllLeases(ctx); err != nil {
				t.Fatalf("DeleteAllLeases: %v", err)
			}

			// All keys are claimable by a fresh owner afterwards.
			for _, key := range []string{"ds:a", "ds:b", "ds:c"} {
				if _, ok, err := s.TryAcquireLease(ctx, key, "worker-2", time.Hour); err != nil || !ok {
					t.Fatalf("acquire %s after wipe: ok=%v err=%v", key, ok, err)
				}
			}
		})
	}
}

func TestBadgerJobsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadgerStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.PutJob(ctx, testJob("persisted")); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.GetJob(ctx, "persisted")
	if err != nil {
		t.Fatalf("GetJob after reopen: %v", err)
	}
	if got == nil || got.DatasetID != "field-7" {
		t.Fatalf("job lost across reopen: %+v", got)
	}
}

func TestOpenFactory(t *testing.T) {
	s, err := Open("memory", "")
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("Open memory returned %T", s)
	}

	b, err := Open("badger", t.TempDir())
	if err != nil {
		t.Fatalf("Open badger: %v", err)
	}
	if _, ok := b.(*BadgerStore); !ok {
		t.Fatalf("Open badger returned %T", b)
	}
	_ = b.Close()

	if _, err := Open("postgres", ""); err == nil {
		t.Fatal("Open accepted an unknown backend")
	}
}
