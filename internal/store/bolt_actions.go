package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/servicewarden/warden/internal/action"
)

// actionKey builds the actions bucket key for an action. The fixed-width
// UnixNano prefix keeps bucket iteration in requested-at order, which is
// what gives the claim its oldest-first fairness.
func actionKey(requestedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d#%s", requestedAt.UnixNano(), id))
}

// CreateAction inserts a new action. When the action carries an
// idempotency key that is already mapped, the existing action is returned
// with replayed=true and nothing is written; the uniqueness check and the
// insert run in the same transaction, so a retried request can never
// create a second row.
func (s *Store) CreateAction(a action.Action) (action.Action, bool, error) {
	var (
		result   action.Action
		replayed bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		if a.IdempotencyKey != "" {
			if existing := tx.Bucket(bucketIdempotency).Get([]byte(a.IdempotencyKey)); existing != nil {
				found, err := getActionTx(tx, string(existing))
				if err != nil {
					return fmt.Errorf("idempotency key %q maps to missing action %s: %w", a.IdempotencyKey, existing, err)
				}
				result = found
				replayed = true
				return nil
			}
		}

		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal action: %w", err)
		}
		key := actionKey(a.RequestedAt, a.ID)
		if err := tx.Bucket(bucketActions).Put(key, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketActionIDs).Put([]byte(a.ID), key); err != nil {
			return err
		}
		if a.IdempotencyKey != "" {
			if err := tx.Bucket(bucketIdempotency).Put([]byte(a.IdempotencyKey), []byte(a.ID)); err != nil {
				return err
			}
		}
		result = a
		return nil
	})
	if err != nil {
		return action.Action{}, false, err
	}
	return result, replayed, nil
}

// getActionTx resolves an action by ID inside an open transaction.
func getActionTx(tx *bolt.Tx, id string) (action.Action, error) {
	key := tx.Bucket(bucketActionIDs).Get([]byte(id))
	if key == nil {
		return action.Action{}, ErrNotFound
	}
	v := tx.Bucket(bucketActions).Get(key)
	if v == nil {
		return action.Action{}, ErrNotFound
	}
	var a action.Action
	if err := json.Unmarshal(v, &a); err != nil {
		return action.Action{}, fmt.Errorf("unmarshal action %s: %w", id, err)
	}
	return a, nil
}

// putActionTx writes an action back under its existing key.
func putActionTx(tx *bolt.Tx, a action.Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	return tx.Bucket(bucketActions).Put(actionKey(a.RequestedAt, a.ID), data)
}

// GetActionByIdempotencyKey returns the action created under the given
// idempotency key, or ErrNotFound.
func (s *Store) GetActionByIdempotencyKey(key string) (action.Action, error) {
	var a action.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketIdempotency).Get([]byte(key))
		if id == nil {
			return ErrNotFound
		}
		found, err := getActionTx(tx, string(id))
		if err != nil {
			return err
		}
		a = found
		return nil
	})
	return a, err
}

// GetAction returns the action with the given ID, or ErrNotFound.
func (s *Store) GetAction(id string) (action.Action, error) {
	var a action.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getActionTx(tx, id)
		if err != nil {
			return err
		}
		a = found
		return nil
	})
	return a, err
}

// ListActions returns the most recent actions, newest first, up to limit.
// An empty hostID returns actions for all hosts.
func (s *Store) ListActions(hostID string, limit int) ([]action.Action, error) {
	var out []action.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActions).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var a action.Action
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			if hostID != "" && a.HostID != hostID {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// CountQueued returns the number of queued actions for a host.
func (s *Store) CountQueued(hostID string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActions).ForEach(func(_, v []byte) error {
			var a action.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			if a.HostID == hostID && a.Status == action.StatusQueued {
				n++
			}
			return nil
		})
	})
	return n, err
}

// ClaimQueued atomically hands out up to max queued actions for a host,
// oldest first, flipping each to running with StartedAt=now. The select
// and the update happen in one write transaction, so each queued action
// is claimed by at most one caller.
func (s *Store) ClaimQueued(hostID string, max int, now time.Time) ([]action.Action, error) {
	var claimed []action.Action
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActions).Cursor()
		for k, v := c.First(); k != nil && len(claimed) < max; k, v = c.Next() {
			var a action.Action
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			if a.HostID != hostID || a.Status != action.StatusQueued {
				continue
			}
			// Defensive: the status filter above makes this guard a
			// no-op today, but it keeps a future widened scan from
			// silently re-claiming running actions.
			if err := action.Guard(a.Status, action.StatusRunning); err != nil {
				return err
			}
			started := now
			a.Status = action.StatusRunning
			a.StartedAt = &started
			if err := putActionTx(tx, a); err != nil {
				return err
			}
			claimed = append(claimed, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ApplyReport advances an action to the reported status inside a single
// transaction. hostID, when non-empty, must match the action's host or
// ErrHostMismatch is returned and the action is left untouched. Illegal
// transitions return a *action.TransitionError.
func (s *Store) ApplyReport(id, hostID string, to action.Status, exitCode *int, message string, now time.Time) (action.Action, error) {
	var updated action.Action
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getActionTx(tx, id)
		if err != nil {
			return err
		}
		if hostID != "" && a.HostID != hostID {
			return ErrHostMismatch
		}
		if err := action.Guard(a.Status, to); err != nil {
			return err
		}

		a.Status = to
		if to == action.StatusRunning && a.StartedAt == nil {
			t := now
			a.StartedAt = &t
		}
		if action.IsTerminal(to) && a.FinishedAt == nil {
			t := now
			a.FinishedAt = &t
		}
		if exitCode != nil {
			a.ExitCode = exitCode
		}
		if message != "" {
			a.Message = action.TruncateMessage(message)
		}

		if err := putActionTx(tx, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	return updated, err
}

// PruneActions deletes actions requested before cutoff, up to batch rows
// per call, along with their ID and idempotency index entries. In dry-run
// mode it only counts. Returns the number of rows deleted (or that would
// have been).
func (s *Store) PruneActions(cutoff time.Time, batch int, dryRun bool) (int, error) {
	end := []byte(fmt.Sprintf("%020d", cutoff.UnixNano()))
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		actions := tx.Bucket(bucketActions)
		c := actions.Cursor()

		var keys [][]byte
		var rows []action.Action
		for k, v := c.First(); k != nil && len(keys) < batch; k, v = c.Next() {
			if bytes.Compare(k, end) >= 0 {
				break
			}
			var a action.Action
			if err := json.Unmarshal(v, &a); err == nil {
				rows = append(rows, a)
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		n = len(keys)
		if dryRun {
			return nil
		}

		for _, k := range keys {
			if err := actions.Delete(k); err != nil {
				return err
			}
		}
		ids := tx.Bucket(bucketActionIDs)
		idem := tx.Bucket(bucketIdempotency)
		for _, a := range rows {
			if err := ids.Delete([]byte(a.ID)); err != nil {
				return err
			}
			if a.IdempotencyKey != "" {
				if err := idem.Delete([]byte(a.IdempotencyKey)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return n, err
}

// CountActions returns the total number of stored actions.
func (s *Store) CountActions() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketActions).Stats().KeyN
		return nil
	})
	return n, err
}
