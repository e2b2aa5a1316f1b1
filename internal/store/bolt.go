// Package store persists Warden state in BoltDB: actions and their
// lifecycle, host and service records, admin credentials, sessions, and
// agent heartbeat state.
package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketActions     = []byte("actions")
	bucketActionIDs   = []byte("action_ids")
	bucketIdempotency = []byte("idempotency")
	bucketHosts       = []byte("hosts")
	bucketServices    = []byte("services")
	bucketAdmins      = []byte("admins")
	bucketSessions    = []byte("sessions")
	bucketAgentState  = []byte("agent_state")
)

// Sentinel errors returned by store lookups and guarded writes.
var (
	ErrNotFound     = errors.New("not found")
	ErrHostMismatch = errors.New("action belongs to a different host")
)

// Store wraps a BoltDB database for Warden persistence.
//
// Bolt serializes all Update transactions through a single writer, which
// is what makes the claim operation atomic: two concurrent claims for the
// same host run one after the other, and the second cannot see rows the
// first already flipped to running.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketActions, bucketActionIDs, bucketIdempotency, bucketHosts, bucketServices, bucketAdmins, bucketSessions, bucketAgentState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}
