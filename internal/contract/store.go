package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// bucketContracts is the BoltDB bucket every contract snapshot is written
// to, the way the teacher's WorkflowStore keeps one bucket per record kind.
var bucketContracts = []byte("contracts")

// BoltStore durably records contract snapshots, per SPEC_FULL.md §4.1.1.
// It is intentionally dumb: the Manager remains the source of truth for
// in-flight linearizability, and BoltStore mirrors the latest snapshot of
// each contract for crash visibility and restart inspection. Write errors
// are discarded.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if absent) a BoltDB file at path and
// ensures the contracts bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open contract store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContracts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create contracts bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BoltStore) Close() error { return s.db.Close() }

// record is the JSON-serializable view of a Contract snapshot.
type record struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	HasParent bool      `json:"has_parent"`
	Limits    Limits    `json:"limits"`
	Usage     Usage     `json:"usage"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// Persist writes a contract snapshot. Wire it into a Manager via OnPersist.
func (s *BoltStore) Persist(c *Contract) {
	rec := record{
		ID:        c.ID.String(),
		HasParent: c.HasParent,
		Limits:    c.Limits,
		Usage:     c.Usage,
		Status:    c.Status.String(),
		CreatedAt: c.CreatedAt,
		Deadline:  c.Deadline,
	}
	if c.HasParent {
		rec.ParentID = c.ParentID.String()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContracts).Put([]byte(rec.ID), data)
	})
}

// Load returns the persisted snapshot for id, if any.
func (s *BoltStore) Load(id string) (found bool, limits Limits, usage Usage, status string, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketContracts).Get([]byte(id))
		if data == nil {
			return nil
		}
		var rec record
		if uErr := json.Unmarshal(data, &rec); uErr != nil {
			return uErr
		}
		found = true
		limits = rec.Limits
		usage = rec.Usage
		status = rec.Status
		return nil
	})
	return
}
