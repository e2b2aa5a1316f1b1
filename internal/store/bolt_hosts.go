package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Host is a managed machine an agent runs on. TokenHash is the SHA-256
// hex digest of the agent's bearer token; the plaintext is never stored.
type Host struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TokenHash   string `json:"token_hash"`
	TokenPrefix string `json:"token_prefix,omitempty"`
}

// Service declares one systemd unit managed on a host and which commands
// an admin may queue against it. Status is always permitted.
type Service struct {
	ID           string `json:"id"`
	HostID       string `json:"host_id"`
	Unit         string `json:"unit"`
	AllowStart   bool   `json:"allow_start"`
	AllowStop    bool   `json:"allow_stop"`
	AllowRestart bool   `json:"allow_restart"`
}

// Admin is a control-plane operator account.
type Admin struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// Session is a logged-in admin session.
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

func serviceKey(hostID, serviceID string) []byte {
	return []byte(hostID + "/" + serviceID)
}

// PutHost stores or replaces a host record.
func (s *Store) PutHost(h Host) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal host: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Put([]byte(h.ID), data)
	})
}

// GetHost returns the host with the given ID, or ErrNotFound.
func (s *Store) GetHost(id string) (Host, error) {
	var h Host
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHosts).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &h)
	})
	return h, err
}

// GetHostByTokenHash resolves an agent bearer token (already hashed) to
// its host record, or ErrNotFound.
func (s *Store) GetHostByTokenHash(hash string) (Host, error) {
	var (
		found Host
		ok    bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var h Host
			if err := json.Unmarshal(v, &h); err != nil {
				return nil
			}
			if h.TokenHash != "" && h.TokenHash == hash {
				found = h
				ok = true
			}
			return nil
		})
	})
	if err != nil {
		return Host{}, err
	}
	if !ok {
		return Host{}, ErrNotFound
	}
	return found, nil
}

// ListHosts returns all host records.
func (s *Store) ListHosts() ([]Host, error) {
	var hosts []Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var h Host
			if err := json.Unmarshal(v, &h); err != nil {
				return nil
			}
			hosts = append(hosts, h)
			return nil
		})
	})
	return hosts, err
}

// PutService stores or replaces a managed service record.
func (s *Store) PutService(svc Service) error {
	data, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("marshal service: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Put(serviceKey(svc.HostID, svc.ID), data)
	})
}

// GetService returns the service with the given ID on the given host.
// A service that exists on a different host is ErrNotFound here; service
// membership is part of the key.
func (s *Store) GetService(hostID, serviceID string) (Service, error) {
	var svc Service
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketServices).Get(serviceKey(hostID, serviceID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &svc)
	})
	return svc, err
}

// ListServices returns all services declared for a host.
func (s *Store) ListServices(hostID string) ([]Service, error) {
	var out []Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(_, v []byte) error {
			var svc Service
			if err := json.Unmarshal(v, &svc); err != nil {
				return nil
			}
			if svc.HostID == hostID {
				out = append(out, svc)
			}
			return nil
		})
	})
	return out, err
}

// PutAdmin stores or replaces an admin account.
func (s *Store) PutAdmin(a Admin) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal admin: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAdmins).Put([]byte(a.Username), data)
	})
}

// GetAdmin returns the admin with the given username, or ErrNotFound.
func (s *Store) GetAdmin(username string) (Admin, error) {
	var a Admin
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAdmins).Get([]byte(username))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &a)
	})
	return a, err
}

// CountAdmins returns the number of admin accounts.
func (s *Store) CountAdmins() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketAdmins).Stats().KeyN
		return nil
	})
	return n, err
}

// PutSession stores an admin session.
func (s *Store) PutSession(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(sess.Token), data)
	})
}

// GetSession returns the session for a token, or ErrNotFound. Expired
// sessions are treated as missing and cleaned up lazily.
func (s *Store) GetSession(token string, now time.Time) (Session, error) {
	var sess Session
	var notFound bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		v := b.Get([]byte(token))
		if v == nil {
			notFound = true
			return nil
		}
		if err := json.Unmarshal(v, &sess); err != nil {
			return err
		}
		if now.After(sess.ExpiresAt) {
			// The delete must commit, so ErrNotFound cannot be returned
			// from inside the transaction.
			notFound = true
			return b.Delete([]byte(token))
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	if notFound {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// DeleteSession removes a session by token.
func (s *Store) DeleteSession(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(token))
	})
}

// TouchAgent records a heartbeat timestamp for a host's agent.
func (s *Store) TouchAgent(hostID string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentState).Put([]byte(hostID), []byte(now.UTC().Format(time.RFC3339Nano)))
	})
}

// AgentStates returns the last heartbeat time per host.
func (s *Store) AgentStates() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentState).ForEach(func(k, v []byte) error {
			t, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil {
				return nil
			}
			out[string(k)] = t
			return nil
		})
	})
	return out, err
}
