// Package fake is a deterministic in-memory ratchet engine for tests.
// It honors the Engine contract (trust on first use, session state via
// the store bundle, no store mutation on failed decrypts) without doing
// real cryptography: messages are XORed with the session key.
package fake

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashbeam/secretchat/internal/ratchet"
)

const (
	keySize = 32

	typeMessage       = 'M'
	typePreKeyMessage = 'P'
)

type Engine struct{}

var _ ratchet.Engine = (*Engine)(nil)

func New() *Engine { return &Engine{} }

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func (e *Engine) GenerateIdentityKeyPair() (ratchet.KeyPair, error) {
	return ratchet.KeyPair{
		PublicKey:  randomBytes(keySize),
		PrivateKey: randomBytes(keySize),
	}, nil
}

func (e *Engine) GenerateSignedPreKey(identity ratchet.KeyPair, id uint32, now time.Time) (ratchet.SignedPreKey, error) {
	pub := randomBytes(keySize)
	sig := sha256.Sum256(append(identity.PrivateKey, pub...))
	record := make([]byte, 4+keySize)
	binary.BigEndian.PutUint32(record, id)
	copy(record[4:], pub)
	return ratchet.SignedPreKey{
		ID:        id,
		PublicKey: pub,
		Signature: sig[:],
		Record:    record,
	}, nil
}

func (e *Engine) GeneratePreKeys(start uint32, count int) ([]ratchet.PreKey, error) {
	keys := make([]ratchet.PreKey, count)
	for i := range keys {
		id := start + uint32(i)
		pub := randomBytes(keySize)
		record := make([]byte, 4+keySize)
		binary.BigEndian.PutUint32(record, id)
		copy(record[4:], pub)
		keys[i] = ratchet.PreKey{ID: id, PublicKey: pub, Record: record}
	}
	return keys, nil
}

// sessionKey derives the symmetric state stored in the session record.
func sessionKey(bundle ratchet.PreKeyBundle) []byte {
	sum := sha256.Sum256(append(bundle.IdentityKey, bundle.SignedPreKey...))
	return sum[:]
}

func (e *Engine) ProcessPreKeyBundle(bundle ratchet.PreKeyBundle, addr ratchet.Address, stores *ratchet.StoreBundle) error {
	if len(bundle.IdentityKey) == 0 || len(bundle.SignedPreKey) == 0 || len(bundle.Signature) == 0 {
		return ratchet.ErrInvalidMessage
	}
	trusted, err := stores.Identity.IsTrustedIdentity(addr, bundle.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return ratchet.ErrUntrustedIdentity
	}
	if err := stores.Identity.SaveIdentity(addr, bundle.IdentityKey); err != nil {
		return err
	}
	return stores.Sessions.StoreSession(addr, sessionKey(bundle), nil)
}

func xorKeyStream(key, data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

func (e *Engine) Encrypt(addr ratchet.Address, plaintext []byte, stores *ratchet.StoreBundle) ([]byte, error) {
	key, _, err := stores.Sessions.LoadSession(addr)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ratchet.ErrNoSession
	}
	return append([]byte{typeMessage}, xorKeyStream(key, plaintext)...), nil
}

func (e *Engine) DecryptMessage(addr ratchet.Address, ciphertext []byte, stores *ratchet.StoreBundle) ([]byte, error) {
	key, _, err := stores.Sessions.LoadSession(addr)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ratchet.ErrNoSession
	}
	if len(ciphertext) == 0 || ciphertext[0] != typeMessage {
		return nil, ratchet.ErrInvalidMessage
	}
	return xorKeyStream(key, ciphertext[1:]), nil
}

func (e *Engine) DecryptPreKeyMessage(addr ratchet.Address, ciphertext []byte, stores *ratchet.StoreBundle) ([]byte, error) {
	if len(ciphertext) < 1+keySize || ciphertext[0] != typePreKeyMessage {
		return nil, ratchet.ErrInvalidMessage
	}
	key := ciphertext[1 : 1+keySize]
	pt := xorKeyStream(key, ciphertext[1+keySize:])

	// Session state is created only once the message is accepted.
	if err := stores.Sessions.StoreSession(addr, key, nil); err != nil {
		return nil, err
	}
	return pt, nil
}

// PreKeyMessage builds a session-initiating ciphertext that
// DecryptPreKeyMessage accepts, for driving the fallback path in tests.
func PreKeyMessage(key, plaintext []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("fake: key must be %d bytes", keySize)
	}
	out := append([]byte{typePreKeyMessage}, key...)
	return append(out, xorKeyStream(key, plaintext)...), nil
}

// Bundle builds a syntactically valid pre-key bundle for tests.
func Bundle(registrationID, deviceID uint32) ratchet.PreKeyBundle {
	preKeyID := uint32(1)
	return ratchet.PreKeyBundle{
		RegistrationID: registrationID,
		DeviceID:       deviceID,
		PreKeyID:       &preKeyID,
		PreKey:         randomBytes(keySize),
		SignedPreKeyID: 1,
		SignedPreKey:   randomBytes(keySize),
		Signature:      randomBytes(64),
		IdentityKey:    randomBytes(keySize),
	}
}
