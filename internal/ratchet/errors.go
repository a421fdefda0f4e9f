package ratchet

import "errors"

// Errors the engine reports back across the capability boundary. Callers
// branch with errors.Is; engines wrap these with detail.
var (
	// ErrNoSession means no established session exists for the address.
	ErrNoSession = errors.New("ratchet: no session for address")

	// ErrUntrustedIdentity means the sender's identity key mismatches the
	// previously saved key for the address.
	ErrUntrustedIdentity = errors.New("ratchet: untrusted identity")

	// ErrInvalidMessage means the input is not valid ciphertext for the
	// attempted message type.
	ErrInvalidMessage = errors.New("ratchet: invalid message")

	// ErrDuplicateMessage means the message was already received.
	ErrDuplicateMessage = errors.New("ratchet: duplicate message")

	// ErrLegacyMessage means the message uses an unsupported protocol
	// version.
	ErrLegacyMessage = errors.New("ratchet: legacy message format")

	// ErrInvalidKeyID means no local pre-key record matches the key id
	// referenced by the message.
	ErrInvalidKeyID = errors.New("ratchet: invalid pre-key id")
)
