package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashbeam/secretchat/internal/ratchet"
)

// RemoteSession is the denormalized session row for one remote device:
// the registration id and identity key from its bundle, the opaque
// session-state blob owned by the ratchet engine, and an opaque
// user-record sidecar for host-app metadata.
type RemoteSession struct {
	UserID         string
	DeviceID       uint32
	RegistrationID uint32
	IdentityKey    []byte
	Record         []byte
	UserRecord     []byte
}

// Address returns the protocol address for this session row.
func (r *RemoteSession) Address() ratchet.Address {
	return ratchet.NewAddress(r.UserID, r.DeviceID)
}

// Identifier returns the userID_registrationID_deviceID triple used in
// bundle-exclusion lists and clear-bundle requests.
func (r *RemoteSession) Identifier() string {
	return fmt.Sprintf("%s_%d_%d", r.UserID, r.RegistrationID, r.DeviceID)
}

// ParseIdentifier splits a userID_registrationID_deviceID triple into a
// protocol address. The middle component (registration id) is ignored.
func ParseIdentifier(identifier string) (ratchet.Address, bool) {
	parts := strings.Split(identifier, "_")
	if len(parts) != 3 {
		return ratchet.Address{}, false
	}
	deviceID, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return ratchet.Address{}, false
	}
	return ratchet.NewAddress(parts[0], uint32(deviceID)), true
}

// CreateSession inserts or refreshes the bundle-derived columns of a
// session row without touching the engine-owned record blob.
func (s *Store) CreateSession(userID string, deviceID, registrationID uint32, identityKey []byte) error {
	_, err := s.exec(`
		INSERT INTO session (user_id, device_id, registration_id, identity_key)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET registration_id = excluded.registration_id,
		    identity_key = excluded.identity_key`,
		userID, deviceID, registrationID, identityKey,
	)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// SaveSessionIdentity records the trusted identity key for an address,
// creating the row if needed.
func (s *Store) SaveSessionIdentity(addr ratchet.Address, identity []byte) error {
	_, err := s.exec(`
		INSERT INTO session (user_id, device_id, identity_key)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET identity_key = excluded.identity_key`,
		addr.Name, addr.DeviceID, identity,
	)
	if err != nil {
		return fmt.Errorf("store: save session identity: %w", err)
	}
	return nil
}

// UpdateSessionRecord writes the engine's session-state blob and the
// user-record sidecar for an address, creating the row if needed.
func (s *Store) UpdateSessionRecord(addr ratchet.Address, record, userRecord []byte) error {
	_, err := s.exec(`
		INSERT INTO session (user_id, device_id, record, user_record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET record = excluded.record,
		    user_record = excluded.user_record`,
		addr.Name, addr.DeviceID, record, userRecord,
	)
	if err != nil {
		return fmt.Errorf("store: update session record: %w", err)
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (*RemoteSession, error) {
	var rs RemoteSession
	err := row.Scan(&rs.UserID, &rs.DeviceID, &rs.RegistrationID, &rs.IdentityKey, &rs.Record, &rs.UserRecord)
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

const sessionColumns = "user_id, device_id, registration_id, identity_key, record, user_record"

// GetSession loads the session row for an address. Returns nil, nil if
// no row exists.
func (s *Store) GetSession(addr ratchet.Address) (*RemoteSession, error) {
	row := s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM session WHERE user_id = ? AND device_id = ?",
		addr.Name, addr.DeviceID,
	)
	rs, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return rs, nil
}

func (s *Store) querySessions(query string, args ...any) ([]*RemoteSession, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*RemoteSession
	for rows.Next() {
		rs, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sessions = append(sessions, rs)
	}
	return sessions, rows.Err()
}

// AllSessions returns every stored session row.
func (s *Store) AllSessions() ([]*RemoteSession, error) {
	return s.querySessions("SELECT " + sessionColumns + " FROM session")
}

// SessionsForUser returns all device sessions of one logical user.
func (s *Store) SessionsForUser(userID string) ([]*RemoteSession, error) {
	return s.querySessions(
		"SELECT "+sessionColumns+" FROM session WHERE user_id = ?", userID,
	)
}

// SessionsForAddresses returns the rows matching the given addresses.
func (s *Store) SessionsForAddresses(addrs []ratchet.Address) ([]*RemoteSession, error) {
	var out []*RemoteSession
	for _, addr := range addrs {
		rs, err := s.GetSession(addr)
		if err != nil {
			return nil, err
		}
		if rs != nil {
			out = append(out, rs)
		}
	}
	return out, nil
}

// HasSessionFor reports whether any device of the user has a session row.
func (s *Store) HasSessionFor(userID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM session WHERE user_id = ?", userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has session: %w", err)
	}
	return n > 0, nil
}

// BundleIdentifiers returns the identifier triples of every known device
// session for a user, for bundle-request exclusion.
func (s *Store) BundleIdentifiers(userID string) ([]string, error) {
	sessions, err := s.SessionsForUser(userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(sessions))
	for _, rs := range sessions {
		ids = append(ids, rs.Identifier())
	}
	return ids, nil
}

// DeleteSession removes the session row for an address.
func (s *Store) DeleteSession(addr ratchet.Address) error {
	_, err := s.exec(
		"DELETE FROM session WHERE user_id = ? AND device_id = ?",
		addr.Name, addr.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// DeleteSessionsFor removes all device sessions of a user, returning the
// number of rows deleted.
func (s *Store) DeleteSessionsFor(userID string) (int, error) {
	res, err := s.exec("DELETE FROM session WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("store: delete sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
