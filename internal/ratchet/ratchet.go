// Package ratchet defines the capability boundary to the external
// double-ratchet protocol engine. The engine itself (session cipher math,
// ratchet advancement, signature verification) lives outside this module;
// secretchat talks to it through the Engine interface and supplies the
// persistent collaborators it requires through the store interfaces below.
package ratchet

import (
	"fmt"
	"time"
)

// Address identifies one physical device of a logical user.
type Address struct {
	Name     string
	DeviceID uint32
}

func NewAddress(name string, deviceID uint32) Address {
	return Address{Name: name, DeviceID: deviceID}
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Name, a.DeviceID)
}

// SenderKeyName keys a group sender-key record.
type SenderKeyName struct {
	GroupID string
	Sender  Address
}

func (n SenderKeyName) String() string {
	return fmt.Sprintf("%s:%s", n.GroupID, n.Sender)
}

// KeyPair is a serialized public/private key pair. The byte encoding is
// owned by the engine; this module never inspects it.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// SignedPreKey is a signed pre-key record: the key pair, the signature by
// the identity key, and the opaque serialized record the engine hands back.
type SignedPreKey struct {
	ID        uint32
	PublicKey []byte
	Signature []byte
	Record    []byte
}

// PreKey is a one-time pre-key record.
type PreKey struct {
	ID        uint32
	PublicKey []byte
	Record    []byte
}

// PreKeyBundle is the public key material a remote device published so a
// session can be initiated with it. PreKeyID and PreKey are optional: a
// device that ran out of one-time keys publishes a bundle without them.
type PreKeyBundle struct {
	RegistrationID uint32
	DeviceID       uint32
	PreKeyID       *uint32
	PreKey         []byte
	SignedPreKeyID uint32
	SignedPreKey   []byte
	Signature      []byte
	IdentityKey    []byte
}

// KeyGenerator generates local key material. Implemented by the engine.
type KeyGenerator interface {
	GenerateIdentityKeyPair() (KeyPair, error)
	GenerateSignedPreKey(identity KeyPair, id uint32, now time.Time) (SignedPreKey, error)
	GeneratePreKeys(start uint32, count int) ([]PreKey, error)
}

// Engine is the external ratchet protocol implementation. All operations
// read and write session state exclusively through the supplied StoreBundle.
type Engine interface {
	KeyGenerator

	// ProcessPreKeyBundle establishes a session with the device at addr
	// from its published bundle. Fails with ErrUntrustedIdentity if the
	// bundle's identity key mismatches a previously saved one, or with a
	// crypto error if the signed pre-key signature does not verify.
	ProcessPreKeyBundle(bundle PreKeyBundle, addr Address, stores *StoreBundle) error

	// Encrypt encrypts plaintext for addr using the established session.
	Encrypt(addr Address, plaintext []byte, stores *StoreBundle) ([]byte, error)

	// DecryptMessage decrypts a regular ratchet message from an already
	// established session.
	DecryptMessage(addr Address, ciphertext []byte, stores *StoreBundle) ([]byte, error)

	// DecryptPreKeyMessage decrypts the first message of a session the
	// remote party initiated, creating local session state as a side
	// effect of success. It must not mutate the stores on failure.
	DecryptPreKeyMessage(addr Address, ciphertext []byte, stores *StoreBundle) ([]byte, error)
}

// StoreBundle groups the five store collaborators the engine requires.
type StoreBundle struct {
	Identity      IdentityStore
	PreKeys       PreKeyStore
	SignedPreKeys SignedPreKeyStore
	Sessions      SessionStore
	SenderKeys    SenderKeyStore
}

// IdentityStore manages the local identity key pair and trust decisions
// about remote identity keys.
type IdentityStore interface {
	IdentityKeyPair() (KeyPair, error)
	LocalRegistrationID() (uint32, error)

	// SaveIdentity records identity as the trusted key for addr.
	SaveIdentity(addr Address, identity []byte) error

	// IsTrustedIdentity implements trust on first use: an address with no
	// saved key trusts anything; a saved key trusts only an identical one.
	IsTrustedIdentity(addr Address, identity []byte) (bool, error)
}

// PreKeyStore stores serialized one-time pre-key records by id.
type PreKeyStore interface {
	LoadPreKey(id uint32) ([]byte, error)
	StorePreKey(id uint32, record []byte) error
	ContainsPreKey(id uint32) (bool, error)
	RemovePreKey(id uint32) error
}

// SignedPreKeyStore stores serialized signed pre-key records by id.
type SignedPreKeyStore interface {
	LoadSignedPreKey(id uint32) ([]byte, error)
	StoreSignedPreKey(id uint32, record []byte) error
	ContainsSignedPreKey(id uint32) (bool, error)
	RemoveSignedPreKey(id uint32) error
}

// SessionStore stores serialized session-state blobs plus an opaque
// user-record sidecar per address.
type SessionStore interface {
	// LoadSession returns (nil, nil, nil) when no session exists.
	LoadSession(addr Address) (record, userRecord []byte, err error)

	// StoreSession must persist durably before or atomically with the
	// in-memory cache update; on storage failure it returns the error and
	// leaves the cache untouched.
	StoreSession(addr Address, record, userRecord []byte) error

	ContainsSession(addr Address) (bool, error)
	SubDeviceSessions(name string) ([]uint32, error)
	HasSession(name string) (bool, error)
	DeleteSession(addr Address) error
	DeleteAllSessions(name string) (int, error)
}

// SenderKeyStore stores group sender-key records. In-memory only: group
// sessions are rebuilt on restart.
type SenderKeyStore interface {
	StoreSenderKey(name SenderKeyName, record, userRecord []byte) error
	// LoadSenderKey returns (nil, nil, nil) when no record exists.
	LoadSenderKey(name SenderKeyName) (record, userRecord []byte, err error)
}
