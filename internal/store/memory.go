package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agriscope/gleaner/internal/model"
)

// MemoryStore is an in-memory JobStore for tests and single-process runs.
// Not durable.
type MemoryStore struct {
	mu sync.RWMutex

	jobs map[string]*model.JobRecord

	// lease key -> lease state
	leases map[string]leaseState

	// idempotency key -> bound job (with expiry)
	idem map[string]idemState
}

type leaseState struct {
	owner string
	exp   time.Time
}

type idemState struct {
	jobID string
	exp   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*model.JobRecord),
		leases: make(map[string]leaseState),
		idem:   make(map[string]idemState),
	}
}

func (m *MemoryStore) Close() error { return nil }

// copyJob returns a private copy so callers cannot mutate stored state.
func copyJob(rec *model.JobRecord) *model.JobRecord {
	cp := *rec
	if rec.Outputs != nil {
		cp.Outputs = append([]string(nil), rec.Outputs...)
	}
	return &cp
}

func (m *MemoryStore) PutJob(ctx context.Context, rec *model.JobRecord) error {
	m.mu.Lock()
	m.jobs[rec.JobID] = copyJob(rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return copyJob(rec), nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, id string, fn func(*model.JobRecord) error) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyJob(rec)
	if err := fn(cp); err != nil {
		return nil, err
	}
	m.jobs[id] = cp
	return copyJob(cp), nil
}

func (m *MemoryStore) ListJobs(ctx context.Context) ([]*model.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*model.JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		list = append(list, copyJob(rec))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JobID < list[j].JobID })
	return list, nil
}

func (m *MemoryStore) ScanJobs(ctx context.Context, fn func(*model.JobRecord) error) error {
	// Snapshot under lock, then iterate without it so slow callbacks do
	// not block writers.
	m.mu.RLock()
	snapshot := make([]*model.JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		snapshot = append(snapshot, copyJob(rec))
	}
	m.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].JobID < snapshot[j].JobID })

	for _, rec := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PutIdempotency(ctx context.Context, key, jobID string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.idem[key]; ok && now.Before(st.exp) && st.jobID != jobID {
		return ErrIdempotentReplay
	}
	m.idem[key] = idemState{jobID: jobID, exp: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) GetIdempotency(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	now := time.Now()
	m.mu.Lock()
	st, ok := m.idem[key]
	if ok && now.After(st.exp) {
		delete(m.idem, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	return st.jobID, true, nil
}

func (m *MemoryStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	deadline := now.Add(ttl)
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.leases[key]
	if ok && now.After(ls.exp) {
		delete(m.leases, key)
		ok = false
	}
	if ok {
		if ls.owner == owner {
			// Re-entry renews.
			m.leases[key] = leaseState{owner: owner, exp: deadline}
			return &memoryLease{key: key, owner: owner, exp: deadline}, true, nil
		}
		return nil, false, nil
	}
	m.leases[key] = leaseState{owner: owner, exp: deadline}
	return &memoryLease{key: key, owner: owner, exp: deadline}, true, nil
}

func (m *MemoryStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	exp := now.Add(ttl)
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.leases[key]
	if !ok || st.owner != owner || now.After(st.exp) {
		return nil, false, nil
	}
	m.leases[key] = leaseState{owner: owner, exp: exp}
	return &memoryLease{key: key, owner: owner, exp: exp}, true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	st, ok := m.leases[key]
	if ok && st.owner == owner {
		delete(m.leases, key)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteAllLeases(ctx context.Context) (int, error) {
	m.mu.Lock()
	count := len(m.leases)
	m.leases = make(map[string]leaseState)
	m.mu.Unlock()
	return count, nil
}

type memoryLease struct {
	key   string
	owner string
	exp   time.Time
}

func (l *memoryLease) Key() string          { return l.key }
func (l *memoryLease) Owner() string        { return l.owner }
func (l *memoryLease) ExpiresAt() time.Time { return l.exp }

var (
	_ JobStore = (*MemoryStore)(nil)
	_ Lease    = (*memoryLease)(nil)
)
