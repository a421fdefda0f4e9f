// Package aescrypt implements the symmetric envelope used for message
// payloads and the streaming crypter used for files on disk.
//
// Messages travel as base64(nonce) + "$" + base64(ciphertext||tag) with
// AES-256-GCM. Keys are either random or derived from a password with
// PBKDF2.
package aescrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// NonceSize is the GCM nonce length.
	NonceSize = 12
	// SaltSize is the PBKDF2 salt length.
	SaltSize = 8

	pbkdf2Rounds = 10000

	envelopeSep = "$"
)

var (
	ErrBadKeyLength   = errors.New("aescrypt: key must be 32 bytes")
	ErrBadNonceLength = errors.New("aescrypt: nonce must be 12 bytes")
	ErrBadEnvelope    = errors.New("aescrypt: malformed envelope")
)

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("aescrypt: generate key: %w", err)
	}
	return key, nil
}

// RandomSalt returns a fresh PBKDF2 salt.
func RandomSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("aescrypt: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches a password into an AES-256 key with
// PBKDF2-HMAC-SHA256.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, KeySize, sha256.New)
}

// DeriveRandomKey derives a key from a throwaway random password and
// returns the key together with the password and salt used, for callers
// that need to hand the credentials to a peer out of band.
func DeriveRandomKey() (key []byte, password string, salt []byte, err error) {
	raw := make([]byte, KeySize)
	if _, err = rand.Read(raw); err != nil {
		return nil, "", nil, fmt.Errorf("aescrypt: generate password: %w", err)
	}
	password = base64.StdEncoding.EncodeToString(raw)

	salt, err = RandomSalt()
	if err != nil {
		return nil, "", nil, err
	}
	return DeriveKey(password, salt), password, salt, nil
}

// Encrypt seals a plaintext into the transport envelope. A fresh nonce
// is drawn per call.
func Encrypt(plaintext, key []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("aescrypt: generate nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(nonce) +
		envelopeSep +
		base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a transport envelope produced by Encrypt.
func Decrypt(envelope string, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceB64, ctB64, ok := strings.Cut(envelope, envelopeSep)
	if !ok {
		return nil, ErrBadEnvelope
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrBadEnvelope
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, ErrBadEnvelope
	}

	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("aescrypt: open: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aescrypt: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aescrypt: create gcm: %w", err)
	}
	return aead, nil
}
