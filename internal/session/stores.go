// Package session owns the protocol-store bundle and exposes session
// lifecycle and cipher operations on top of the ratchet engine.
package session

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/hashbeam/secretchat/internal/ratchet"
	"github.com/hashbeam/secretchat/internal/store"
)

// Stores implements the five protocol-store collaborators the ratchet
// engine requires. Each store is a two-tier component: an in-memory
// cache hydrated at construction, with write-through to the durable
// store on every mutating call. A durable-write failure fails the call
// and leaves the cache untouched, so the two tiers never diverge.
type Stores struct {
	identity      *identityStore
	preKeys       *preKeyStore
	signedPreKeys *signedPreKeyStore
	sessions      *sessionStore
	senderKeys    *senderKeyStore

	bundle ratchet.StoreBundle
}

// NewStores hydrates the caches from the durable store.
func NewStores(db *store.Store) (*Stores, error) {
	identity, err := newIdentityStore(db)
	if err != nil {
		return nil, err
	}
	preKeys, err := newPreKeyStore(db)
	if err != nil {
		return nil, err
	}
	signedPreKeys, err := newSignedPreKeyStore(db)
	if err != nil {
		return nil, err
	}
	sessions, err := newSessionStore(db)
	if err != nil {
		return nil, err
	}

	s := &Stores{
		identity:      identity,
		preKeys:       preKeys,
		signedPreKeys: signedPreKeys,
		sessions:      sessions,
		senderKeys:    newSenderKeyStore(),
	}
	s.bundle = ratchet.StoreBundle{
		Identity:      s.identity,
		PreKeys:       s.preKeys,
		SignedPreKeys: s.signedPreKeys,
		Sessions:      s.sessions,
		SenderKeys:    s.senderKeys,
	}
	return s, nil
}

// Bundle returns the store bundle handed to the ratchet engine.
func (s *Stores) Bundle() *ratchet.StoreBundle {
	return &s.bundle
}

// identityStore serves the local identity key pair from the persisted
// configuration and tracks remote identity keys per address.
type identityStore struct {
	db *store.Store

	mu     sync.Mutex
	remote map[ratchet.Address][]byte
}

func newIdentityStore(db *store.Store) (*identityStore, error) {
	sessions, err := db.AllSessions()
	if err != nil {
		return nil, err
	}
	remote := make(map[ratchet.Address][]byte, len(sessions))
	for _, rs := range sessions {
		if len(rs.IdentityKey) > 0 {
			remote[rs.Address()] = rs.IdentityKey
		}
	}
	return &identityStore{db: db, remote: remote}, nil
}

func (s *identityStore) IdentityKeyPair() (ratchet.KeyPair, error) {
	id, err := s.db.LoadIdentity()
	if err != nil {
		return ratchet.KeyPair{}, err
	}
	if id == nil {
		return ratchet.KeyPair{}, fmt.Errorf("session: no local identity")
	}
	return ratchet.KeyPair{
		PublicKey:  id.IdentityKeyPublic,
		PrivateKey: id.IdentityKeyPrivate,
	}, nil
}

func (s *identityStore) LocalRegistrationID() (uint32, error) {
	id, err := s.db.LoadIdentity()
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, fmt.Errorf("session: no local identity")
	}
	return id.RegistrationID, nil
}

func (s *identityStore) SaveIdentity(addr ratchet.Address, identity []byte) error {
	if err := s.db.SaveSessionIdentity(addr, identity); err != nil {
		return err
	}
	s.mu.Lock()
	s.remote[addr] = identity
	s.mu.Unlock()
	return nil
}

// IsTrustedIdentity is trust on first use: an unknown address trusts
// any key; a known address trusts only the identical key.
func (s *identityStore) IsTrustedIdentity(addr ratchet.Address, identity []byte) (bool, error) {
	s.mu.Lock()
	saved, ok := s.remote[addr]
	s.mu.Unlock()
	if !ok {
		return true, nil
	}
	return bytes.Equal(saved, identity), nil
}

// preKeyStore caches one-time pre-key records. Removal of a consumed
// pre-key is cache-only: the durable rows are append-only so the row
// count keeps acting as the id high-water mark.
type preKeyStore struct {
	db *store.Store

	mu      sync.Mutex
	records map[uint32][]byte
}

func newPreKeyStore(db *store.Store) (*preKeyStore, error) {
	keys, err := db.PreKeys()
	if err != nil {
		return nil, err
	}
	records := make(map[uint32][]byte, len(keys))
	for _, k := range keys {
		records[k.ID] = k.Record
	}
	return &preKeyStore{db: db, records: records}, nil
}

func (s *preKeyStore) LoadPreKey(id uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ratchet.ErrInvalidKeyID
	}
	return record, nil
}

func (s *preKeyStore) StorePreKey(id uint32, record []byte) error {
	err := s.db.StorePreKeys([]ratchet.PreKey{{ID: id, Record: record}})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[id] = record
	s.mu.Unlock()
	return nil
}

func (s *preKeyStore) ContainsPreKey(id uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *preKeyStore) RemovePreKey(id uint32) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// signedPreKeyStore caches signed pre-key records. A single active
// entry is expected in steady state; it is persisted as part of the
// local identity, so writes here only maintain the cache.
type signedPreKeyStore struct {
	mu      sync.Mutex
	records map[uint32][]byte
}

func newSignedPreKeyStore(db *store.Store) (*signedPreKeyStore, error) {
	records := make(map[uint32][]byte, 1)
	id, err := db.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if id != nil && len(id.SignedPreKeyRecord) > 0 {
		records[id.SignedPreKeyID] = id.SignedPreKeyRecord
	}
	return &signedPreKeyStore{records: records}, nil
}

func (s *signedPreKeyStore) LoadSignedPreKey(id uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ratchet.ErrInvalidKeyID
	}
	return record, nil
}

func (s *signedPreKeyStore) StoreSignedPreKey(id uint32, record []byte) error {
	s.mu.Lock()
	s.records[id] = record
	s.mu.Unlock()
	return nil
}

func (s *signedPreKeyStore) ContainsSignedPreKey(id uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *signedPreKeyStore) RemoveSignedPreKey(id uint32) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

type sessionEntry struct {
	record     []byte
	userRecord []byte
}

// sessionStore caches session-state blobs per address with durable
// write-through.
type sessionStore struct {
	db *store.Store

	mu      sync.Mutex
	entries map[ratchet.Address]sessionEntry
}

func newSessionStore(db *store.Store) (*sessionStore, error) {
	sessions, err := db.AllSessions()
	if err != nil {
		return nil, err
	}
	entries := make(map[ratchet.Address]sessionEntry, len(sessions))
	for _, rs := range sessions {
		if len(rs.Record) > 0 {
			entries[rs.Address()] = sessionEntry{record: rs.Record, userRecord: rs.UserRecord}
		}
	}
	return &sessionStore{db: db, entries: entries}, nil
}

func (s *sessionStore) LoadSession(addr ratchet.Address) (record, userRecord []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[addr]
	if !ok {
		return nil, nil, nil
	}
	return entry.record, entry.userRecord, nil
}

func (s *sessionStore) StoreSession(addr ratchet.Address, record, userRecord []byte) error {
	if err := s.db.UpdateSessionRecord(addr, record, userRecord); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[addr] = sessionEntry{record: record, userRecord: userRecord}
	s.mu.Unlock()
	return nil
}

func (s *sessionStore) ContainsSession(addr ratchet.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[addr]
	return ok, nil
}

func (s *sessionStore) SubDeviceSessions(name string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var devices []uint32
	for addr := range s.entries {
		if addr.Name == name {
			devices = append(devices, addr.DeviceID)
		}
	}
	return devices, nil
}

func (s *sessionStore) HasSession(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr := range s.entries {
		if addr.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *sessionStore) DeleteSession(addr ratchet.Address) error {
	if err := s.db.DeleteSession(addr); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, addr)
	s.mu.Unlock()
	return nil
}

func (s *sessionStore) DeleteAllSessions(name string) (int, error) {
	n, err := s.db.DeleteSessionsFor(name)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for addr := range s.entries {
		if addr.Name == name {
			delete(s.entries, addr)
		}
	}
	s.mu.Unlock()
	return n, nil
}

// rehydrate re-reads the durable rows for the given addresses into the
// cache, dropping cache entries whose rows are gone.
func (s *sessionStore) rehydrate(addrs []ratchet.Address) error {
	for _, addr := range addrs {
		rs, err := s.db.GetSession(addr)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if rs == nil || len(rs.Record) == 0 {
			delete(s.entries, addr)
		} else {
			s.entries[addr] = sessionEntry{record: rs.Record, userRecord: rs.UserRecord}
		}
		s.mu.Unlock()
	}
	return nil
}

// senderKeyStore holds group sender-key records in memory only; group
// sessions are rebuilt on restart.
type senderKeyStore struct {
	mu      sync.Mutex
	entries map[ratchet.SenderKeyName]sessionEntry
}

func newSenderKeyStore() *senderKeyStore {
	return &senderKeyStore{entries: make(map[ratchet.SenderKeyName]sessionEntry)}
}

func (s *senderKeyStore) StoreSenderKey(name ratchet.SenderKeyName, record, userRecord []byte) error {
	s.mu.Lock()
	s.entries[name] = sessionEntry{record: record, userRecord: userRecord}
	s.mu.Unlock()
	return nil
}

func (s *senderKeyStore) LoadSenderKey(name ratchet.SenderKeyName) (record, userRecord []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[name]
	if !ok {
		return nil, nil, nil
	}
	return entry.record, entry.userRecord, nil
}
