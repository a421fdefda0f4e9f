package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hashbeam/secretchat/internal/ratchet"
	"github.com/hashbeam/secretchat/internal/store"
)

// RemoteUser is the validated value object built from one bundle item:
// the remote device's address plus the key material needed to build a
// session with it.
type RemoteUser struct {
	UserID         string
	DeviceID       uint32
	RegistrationID uint32
	Bundle         ratchet.PreKeyBundle
}

// Address returns the protocol address of the remote device.
func (u *RemoteUser) Address() ratchet.Address {
	return ratchet.NewAddress(u.UserID, u.DeviceID)
}

// Manager owns the process-wide protocol-store bundle. Only the
// manager constructs and destroys the stores; everything else borrows
// them through its methods.
type Manager struct {
	db     *store.Store
	engine ratchet.Engine
	log    *zap.Logger

	mu     sync.Mutex
	stores *Stores
}

func NewManager(db *store.Store, engine ratchet.Engine, log *zap.Logger) *Manager {
	return &Manager{db: db, engine: engine, log: log}
}

// Establish builds the store bundle from current persisted state.
// Idempotent: calling it again simply rebuilds the caches.
func (m *Manager) Establish() error {
	stores, err := NewStores(m.db)
	if err != nil {
		return fmt.Errorf("session: establish: %w", err)
	}
	m.mu.Lock()
	m.stores = stores
	m.mu.Unlock()
	return nil
}

// TearDown releases the store bundle. The next operation re-establishes
// it on demand.
func (m *Manager) TearDown() {
	m.mu.Lock()
	m.stores = nil
	m.mu.Unlock()
}

func (m *Manager) bundle() (*Stores, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stores == nil {
		stores, err := NewStores(m.db)
		if err != nil {
			return nil, fmt.Errorf("session: establish: %w", err)
		}
		m.stores = stores
	}
	return m.stores, nil
}

// AddRemoteSession builds a session from a freshly fetched key bundle.
// Self-referential and duplicate adds return false without touching any
// store. The denormalized session row is persisted before the engine
// writes its own session state, so a crash between the two leaves a
// re-buildable row rather than an inconsistent one.
func (m *Manager) AddRemoteSession(u *RemoteUser) (bool, error) {
	stores, err := m.bundle()
	if err != nil {
		return false, err
	}
	addr := u.Address()

	localUser, err := m.db.UserID()
	if err != nil {
		return false, err
	}
	localDevice, err := m.db.DeviceID()
	if err != nil {
		return false, err
	}
	if u.UserID == localUser && u.DeviceID == localDevice {
		m.log.Debug("skipping session with own device", zap.Stringer("address", addr))
		return false, nil
	}

	exists, err := stores.sessions.ContainsSession(addr)
	if err != nil {
		return false, err
	}
	if exists {
		m.log.Debug("session already exists", zap.Stringer("address", addr))
		return false, nil
	}

	if err := m.db.CreateSession(u.UserID, u.DeviceID, u.RegistrationID, u.Bundle.IdentityKey); err != nil {
		return false, err
	}

	if err := m.engine.ProcessPreKeyBundle(u.Bundle, addr, stores.Bundle()); err != nil {
		m.log.Warn("engine rejected bundle",
			zap.Stringer("address", addr), zap.Error(err))
		return false, nil
	}

	m.log.Info("session established", zap.Stringer("address", addr))
	return true, nil
}

// AddPreKeys persists a freshly generated prekey batch and primes the
// protocol-store cache with it.
func (m *Manager) AddPreKeys(keys []ratchet.PreKey) error {
	stores, err := m.bundle()
	if err != nil {
		return err
	}
	if err := m.db.StorePreKeys(keys); err != nil {
		return err
	}
	stores.preKeys.mu.Lock()
	for _, k := range keys {
		stores.preKeys.records[k.ID] = k.Record
	}
	stores.preKeys.mu.Unlock()
	return nil
}

// Encrypt encrypts plaintext for the device at addr.
func (m *Manager) Encrypt(addr ratchet.Address, plaintext []byte) ([]byte, error) {
	stores, err := m.bundle()
	if err != nil {
		return nil, err
	}
	ct, err := m.engine.Encrypt(addr, plaintext, stores.Bundle())
	if err != nil {
		return nil, fmt.Errorf("session: encrypt for %s: %w", addr, err)
	}
	return ct, nil
}

// EncryptForUser encrypts plaintext for every device of a logical user,
// returning ciphertexts keyed by device id.
func (m *Manager) EncryptForUser(name string, plaintext []byte) (map[uint32][]byte, error) {
	stores, err := m.bundle()
	if err != nil {
		return nil, err
	}
	devices, err := stores.sessions.SubDeviceSessions(name)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("session: encrypt for %s: %w", name, ratchet.ErrNoSession)
	}

	out := make(map[uint32][]byte, len(devices))
	for _, deviceID := range devices {
		addr := ratchet.NewAddress(name, deviceID)
		ct, err := m.engine.Encrypt(addr, plaintext, stores.Bundle())
		if err != nil {
			return nil, fmt.Errorf("session: encrypt for %s: %w", addr, err)
		}
		out[deviceID] = ct
	}
	return out, nil
}

// Decrypt decrypts a ciphertext from addr. The message type cannot be
// distinguished up front, so it first tries the established-session
// path and, if that fails for any reason, retries the same bytes as a
// pre-key message. The two attempts run strictly in sequence.
func (m *Manager) Decrypt(addr ratchet.Address, ciphertext []byte) ([]byte, error) {
	stores, err := m.bundle()
	if err != nil {
		return nil, err
	}

	pt, msgErr := m.engine.DecryptMessage(addr, ciphertext, stores.Bundle())
	if msgErr == nil {
		return pt, nil
	}
	m.log.Debug("ratchet message decrypt failed, retrying as pre-key message",
		zap.Stringer("address", addr), zap.Error(msgErr))

	pt, preKeyErr := m.engine.DecryptPreKeyMessage(addr, ciphertext, stores.Bundle())
	if preKeyErr == nil {
		return pt, nil
	}
	return nil, fmt.Errorf("session: decrypt from %s: message: %v; prekey message: %w",
		addr, msgErr, preKeyErr)
}

// RefreshSessions re-reads durable session state into the cache for the
// given addresses, after an out-of-band signal that the two may have
// diverged.
func (m *Manager) RefreshSessions(addrs []ratchet.Address) error {
	stores, err := m.bundle()
	if err != nil {
		return err
	}
	if err := stores.sessions.rehydrate(addrs); err != nil {
		return fmt.Errorf("session: refresh: %w", err)
	}
	m.log.Info("refreshed sessions", zap.Int("count", len(addrs)))
	return nil
}

// HasSession reports whether a session exists for the exact address.
func (m *Manager) HasSession(addr ratchet.Address) (bool, error) {
	stores, err := m.bundle()
	if err != nil {
		return false, err
	}
	return stores.sessions.ContainsSession(addr)
}

// HasSessionWith reports whether any device of the user has a session.
func (m *Manager) HasSessionWith(name string) (bool, error) {
	stores, err := m.bundle()
	if err != nil {
		return false, err
	}
	return stores.sessions.HasSession(name)
}

// Devices returns the device ids of the user's established sessions.
func (m *Manager) Devices(name string) ([]uint32, error) {
	stores, err := m.bundle()
	if err != nil {
		return nil, err
	}
	return stores.sessions.SubDeviceSessions(name)
}

// RemoveSession deletes the session for addr from both the protocol
// store and the durable session table.
func (m *Manager) RemoveSession(addr ratchet.Address) error {
	stores, err := m.bundle()
	if err != nil {
		return err
	}
	if err := stores.sessions.DeleteSession(addr); err != nil {
		return fmt.Errorf("session: remove %s: %w", addr, err)
	}
	return nil
}

// RemoveAllSessions deletes every device session of a user, returning
// the number removed.
func (m *Manager) RemoveAllSessions(name string) (int, error) {
	stores, err := m.bundle()
	if err != nil {
		return 0, err
	}
	n, err := stores.sessions.DeleteAllSessions(name)
	if err != nil {
		return 0, fmt.Errorf("session: remove all for %s: %w", name, err)
	}
	return n, nil
}
