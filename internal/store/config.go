package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Config keys for the persisted local configuration surface. The local
// identity lives here, outside the protocol stores.
const (
	keyUserID          = "user_id"
	keyDeviceID        = "device_id"
	keyIdentity        = "identity"
	keyRegistered      = "did_registered"
	keyRegisteredTime  = "registered_time"
	keyRegisterFailed  = "did_registration_failed"
	keyMaxLinked       = "did_max_linked_devices"
	keyPreKeysQueued   = "did_queue_prekeys"
	keyNeedsKeySync    = "need_sync_keys"
	keyRefreshSessions = "need_refresh_sessions"
)

// Identity is the local device's long-term key material: identity key
// pair, registration id, and the current signed pre-key. Generated once
// and immutable afterwards except for signed pre-key rotation.
type Identity struct {
	RegistrationID     uint32 `json:"registrationId"`
	IdentityKeyPublic  []byte `json:"identityKeyPublic"`
	IdentityKeyPrivate []byte `json:"identityKeyPrivate"`

	SignedPreKeyID        uint32 `json:"signedPreKeyId"`
	SignedPreKeyPublic    []byte `json:"signedPreKeyPublic"`
	SignedPreKeySignature []byte `json:"signedPreKeySignature"`
	SignedPreKeyRecord    []byte `json:"signedPreKeyRecord"`
}

// SetConfig stores a raw config value.
func (s *Store) SetConfig(key string, value []byte) error {
	_, err := s.exec(
		"INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store: set config %s: %w", key, err)
	}
	return nil
}

// Config loads a raw config value. Returns nil, nil if unset.
func (s *Store) Config(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: config %s: %w", key, err)
	}
	return value, nil
}

// DeleteConfig removes a config value.
func (s *Store) DeleteConfig(key string) error {
	if _, err := s.exec("DELETE FROM config WHERE key = ?", key); err != nil {
		return fmt.Errorf("store: delete config %s: %w", key, err)
	}
	return nil
}

// SaveIdentity persists the local identity.
func (s *Store) SaveIdentity(id *Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("store: marshal identity: %w", err)
	}
	return s.SetConfig(keyIdentity, data)
}

// LoadIdentity loads the local identity. Returns nil, nil if none has
// been generated yet.
func (s *Store) LoadIdentity() (*Identity, error) {
	data, err := s.Config(keyIdentity)
	if err != nil || data == nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("store: unmarshal identity: %w", err)
	}
	return &id, nil
}

// UserID returns the configured local user id, or "" if unset.
func (s *Store) UserID() (string, error) {
	v, err := s.Config(keyUserID)
	return string(v), err
}

// SetUserID stores the local user id. An empty id deletes it.
func (s *Store) SetUserID(userID string) error {
	if userID == "" {
		return s.DeleteConfig(keyUserID)
	}
	return s.SetConfig(keyUserID, []byte(userID))
}

// DeviceID returns the cached device id, or 0 if none has been derived.
func (s *Store) DeviceID() (uint32, error) {
	v, err := s.Config(keyDeviceID)
	if err != nil || v == nil {
		return 0, err
	}
	var id uint32
	if _, err := fmt.Sscanf(string(v), "%d", &id); err != nil {
		return 0, fmt.Errorf("store: parse device id: %w", err)
	}
	return id, nil
}

// SetDeviceID caches the derived device id.
func (s *Store) SetDeviceID(id uint32) error {
	return s.SetConfig(keyDeviceID, []byte(fmt.Sprintf("%d", id)))
}

// --- Sticky flags ---

func (s *Store) setFlag(key string, on bool) error {
	if !on {
		return s.DeleteConfig(key)
	}
	return s.SetConfig(key, []byte("1"))
}

func (s *Store) flag(key string) (bool, error) {
	v, err := s.Config(key)
	return string(v) == "1", err
}

// SetRegistered records the registered state; setting it also records the
// registration timestamp, clearing it removes the timestamp.
func (s *Store) SetRegistered(on bool) error {
	if on {
		now := []byte(fmt.Sprintf("%d", time.Now().Unix()))
		if err := s.SetConfig(keyRegisteredTime, now); err != nil {
			return err
		}
	} else if err := s.DeleteConfig(keyRegisteredTime); err != nil {
		return err
	}
	return s.setFlag(keyRegistered, on)
}

// Registered reports whether this device is known-registered.
func (s *Store) Registered() (bool, error) { return s.flag(keyRegistered) }

// RegisteredAt returns when the device registered, zero if never.
func (s *Store) RegisteredAt() (time.Time, error) {
	v, err := s.Config(keyRegisteredTime)
	if err != nil || v == nil {
		return time.Time{}, err
	}
	var secs int64
	if _, err := fmt.Sscanf(string(v), "%d", &secs); err != nil {
		return time.Time{}, fmt.Errorf("store: parse registered time: %w", err)
	}
	return time.Unix(secs, 0), nil
}

func (s *Store) SetRegistrationFailed(on bool) error { return s.setFlag(keyRegisterFailed, on) }
func (s *Store) RegistrationFailed() (bool, error)   { return s.flag(keyRegisterFailed) }

func (s *Store) SetMaxLinkedDevices(on bool) error { return s.setFlag(keyMaxLinked, on) }
func (s *Store) MaxLinkedDevices() (bool, error)   { return s.flag(keyMaxLinked) }

// PreKeysQueued marks that a pre-key upload was requested while
// registration was pending and should be replayed after re-registration.
func (s *Store) SetPreKeysQueued(on bool) error { return s.setFlag(keyPreKeysQueued, on) }
func (s *Store) PreKeysQueued() (bool, error)   { return s.flag(keyPreKeysQueued) }

func (s *Store) SetNeedsKeySync(on bool) error { return s.setFlag(keyNeedsKeySync, on) }
func (s *Store) NeedsKeySync() (bool, error)   { return s.flag(keyNeedsKeySync) }

// SetSessionsToRefresh stores the identifiers whose in-memory sessions
// must be re-hydrated from durable storage. Nil or empty clears the set.
func (s *Store) SetSessionsToRefresh(identifiers []string) error {
	if len(identifiers) == 0 {
		return s.DeleteConfig(keyRefreshSessions)
	}
	data, err := json.Marshal(identifiers)
	if err != nil {
		return fmt.Errorf("store: marshal refresh list: %w", err)
	}
	return s.SetConfig(keyRefreshSessions, data)
}

// SessionsToRefresh returns the pending refresh identifiers, nil if none.
func (s *Store) SessionsToRefresh() ([]string, error) {
	data, err := s.Config(keyRefreshSessions)
	if err != nil || data == nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("store: unmarshal refresh list: %w", err)
	}
	return ids, nil
}
