package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/agriscope/gleaner/internal/model"
)

// Key layout:
//   - jobs:        "job:<id>"   (JSON)
//   - idempotency: "idem:<key>" (value = job ID, badger TTL)
//   - leases:      "lease:<key>" (JSON, badger TTL)
const (
	prefixJob   = "job:"
	prefixIdem  = "idem:"
	prefixLease = "lease:"
)

var (
	errLeaseHeld  = errors.New("lease held")
	errLeaseOther = errors.New("lease owned by other")
)

// BadgerStore is the durable JobStore backend. Leases piggyback on badger
// TTL entries, so expiry needs no background sweeper of its own.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) PutJob(ctx context.Context, rec *model.JobRecord) error {
	key := []byte(prefixJob + rec.JobID)
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

func (s *BadgerStore) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	key := []byte(prefixJob + id)
	var out model.JobRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateJob(ctx context.Context, id string, fn func(*model.JobRecord) error) (*model.JobRecord, error) {
	key := []byte(prefixJob + id)
	var out model.JobRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListJobs(ctx context.Context) ([]*model.JobRecord, error) {
	var list []*model.JobRecord
	err := s.ScanJobs(ctx, func(r *model.JobRecord) error {
		list = append(list, r)
		return nil
	})
	return list, err
}

func (s *BadgerStore) ScanJobs(ctx context.Context, fn func(*model.JobRecord) error) error {
	prefix := []byte(prefixJob)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			item := it.Item()
			var rec model.JobRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				// Skip corrupt entries; the sweeper reports them.
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) DeleteJob(ctx context.Context, id string) error {
	key := []byte(prefixJob + id)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) PutIdempotency(ctx context.Context, key, jobID string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	k := []byte(prefixIdem + key)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err == nil {
			var bound string
			if verr := item.Value(func(val []byte) error {
				bound = string(val)
				return nil
			}); verr != nil {
				return verr
			}
			if bound != jobID {
				return ErrIdempotentReplay
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(k, []byte(jobID)).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) GetIdempotency(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	k := []byte(prefixIdem + key)
	var v string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = string(val)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

type leaseEnvelope struct {
	Owner     string    `json:"owner"`
	LeaseKey  string    `json:"leaseKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *BadgerStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	k := []byte(prefixLease + key)
	exp := time.Now().Add(ttl)
	env := leaseEnvelope{Owner: owner, LeaseKey: key, ExpiresAt: exp}
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, false, err
	}

	uerr := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err == nil {
			var current leaseEnvelope
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); verr != nil {
				return verr
			}
			if current.Owner != owner {
				return errLeaseHeld
			}
			// Same owner re-acquires: fall through and renew.
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(k, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if uerr != nil {
		if errors.Is(uerr, errLeaseHeld) {
			return nil, false, nil
		}
		return nil, false, uerr
	}
	return &badgerLease{key: key, owner: owner, exp: exp}, true, nil
}

func (s *BadgerStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	k := []byte(prefixLease + key)
	exp := time.Now().Add(ttl)
	env := leaseEnvelope{Owner: owner, LeaseKey: key, ExpiresAt: exp}
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, false, err
	}

	uerr := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		var current leaseEnvelope
		if verr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); verr != nil {
			return verr
		}
		if current.Owner != owner {
			return errLeaseOther
		}
		entry := badger.NewEntry(k, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if uerr != nil {
		if errors.Is(uerr, badger.ErrKeyNotFound) || errors.Is(uerr, errLeaseOther) {
			return nil, false, nil
		}
		return nil, false, uerr
	}
	return &badgerLease{key: key, owner: owner, exp: exp}, true, nil
}

func (s *BadgerStore) ReleaseLease(ctx context.Context, key, owner string) error {
	k := []byte(prefixLease + key)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var current leaseEnvelope
		if verr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); verr != nil {
			return verr
		}
		if current.Owner == owner {
			return txn.Delete(k)
		}
		return nil
	})
}

func (s *BadgerStore) DeleteAllLeases(ctx context.Context) (int, error) {
	// DropPrefix does not report a count.
	return 0, s.db.DropPrefix([]byte(prefixLease))
}

type badgerLease struct {
	key   string
	owner string
	exp   time.Time
}

func (l *badgerLease) Key() string          { return l.key }
func (l *badgerLease) Owner() string        { return l.owner }
func (l *badgerLease) ExpiresAt() time.Time { return l.exp }

var (
	_ JobStore = (*BadgerStore)(nil)
	_ Lease    = (*badgerLease)(nil)
)
