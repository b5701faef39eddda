package history

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// historyBucket holds one record per target, keyed by target name.
const historyBucket = "history"

// BoltStore implements the Store interface using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store at the given path.
func NewBoltStore(path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(historyBucket)); err != nil {
			return fmt.Errorf("create history bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Get retrieves the last run record for a target.
func (s *BoltStore) Get(target string) (*Record, error) {
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}

	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(historyBucket)).Get([]byte(target))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, target)
		}

		rec = &Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put replaces the record for rec.Target.
func (s *BoltStore) Put(rec *Record) error {
	if rec.Target == "" {
		return fmt.Errorf("target is required")
	}
	if rec.RunID == "" {
		return fmt.Errorf("run_id is required")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(historyBucket)).Put([]byte(rec.Target), data); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		return nil
	})
}

// All returns the record for every known target.
func (s *BoltStore) All() (map[string]*Record, error) {
	out := make(map[string]*Record)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(historyBucket)).ForEach(func(k, v []byte) error {
			rec := &Record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("unmarshal record %s: %w", string(k), err)
			}
			out[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reset deletes all records.
func (s *BoltStore) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(historyBucket)); err != nil {
			return fmt.Errorf("delete history bucket: %w", err)
		}
		if _, err := tx.CreateBucket([]byte(historyBucket)); err != nil {
			return fmt.Errorf("recreate history bucket: %w", err)
		}
		return nil
	})
}

// Close releases resources held by the store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
