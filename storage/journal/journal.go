package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"loop/core/types"
)

var (
	bucketSubmissions = []byte("submissions")

	// ErrNotFound is returned when no entry exists for a key.
	ErrNotFound = errors.New("journal: entry not found")
)

// Status is the lifecycle of a journal entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// Entry is one recorded submission.
type Entry struct {
	ChainID      uint64         `json:"chainId"`
	Loop         common.Address `json:"loop"`
	Subject      common.Address `json:"subject"`
	TargetPeriod uint64         `json:"targetPeriod"`
	Status       Status         `json:"status"`
	TxHash       common.Hash    `json:"txHash,omitempty"`
	ReservedAt   time.Time      `json:"reservedAt"`
	ConfirmedAt  *time.Time     `json:"confirmedAt,omitempty"`
}

// Key returns the submission key of the entry.
func (e Entry) Key() types.SubmissionKey {
	return types.SubmissionKey{ChainID: e.ChainID, Loop: e.Loop, Subject: e.Subject, TargetPeriod: e.TargetPeriod}
}

// Store is a BoltDB-backed submission journal.
type Store struct {
	db    *bolt.DB
	nowFn func() time.Time
}

// Open initialises (and migrates) the journal at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if options.ReadOnly {
		return &Store{db: db, nowFn: time.Now}, nil
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubmissions)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reserve records a pending submission. It fails with
// types.ErrDuplicateSubmission when the key is already pending or confirmed.
func (s *Store) Reserve(_ context.Context, key types.SubmissionKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubmissions)
		id := []byte(key.String())
		if raw := bucket.Get(id); raw != nil {
			var existing Entry
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s is %s", types.ErrDuplicateSubmission, key, existing.Status)
		}
		encoded, err := json.Marshal(Entry{
			ChainID:      key.ChainID,
			Loop:         key.Loop,
			Subject:      key.Subject,
			TargetPeriod: key.TargetPeriod,
			Status:       StatusPending,
			ReservedAt:   s.nowFn().UTC(),
		})
		if err != nil {
			return err
		}
		return bucket.Put(id, encoded)
	})
}

// Sent records the broadcast hash on a pending entry. The entry stays
// pending, so Reserve keeps refusing the key until it is released.
func (s *Store) Sent(_ context.Context, key types.SubmissionKey, txHash common.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubmissions)
		id := []byte(key.String())
		raw := bucket.Get(id)
		if raw == nil {
			return ErrNotFound
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if entry.Status != StatusPending {
			return nil
		}
		entry.TxHash = txHash
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(id, encoded)
	})
}

// Confirm marks a pending entry as mined in tx.
func (s *Store) Confirm(_ context.Context, key types.SubmissionKey, txHash common.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubmissions)
		id := []byte(key.String())
		raw := bucket.Get(id)
		if raw == nil {
			return ErrNotFound
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		now := s.nowFn().UTC()
		entry.Status = StatusConfirmed
		entry.TxHash = txHash
		entry.ConfirmedAt = &now
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(id, encoded)
	})
}

// Release drops a pending entry so the submission can be attempted again.
// Confirmed entries are kept.
func (s *Store) Release(_ context.Context, key types.SubmissionKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubmissions)
		id := []byte(key.String())
		raw := bucket.Get(id)
		if raw == nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if entry.Status == StatusConfirmed {
			return nil
		}
		return bucket.Delete(id)
	})
}

// Get returns the entry for key.
func (s *Store) Get(key types.SubmissionKey) (Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubmissions)
		if bucket == nil {
			return ErrNotFound
		}
		raw := bucket.Get([]byte(key.String()))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// List returns every entry in key order.
func (s *Store) List() ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubmissions)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}
