package aescrypt

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	plaintext := []byte("hi there, this stays between us")
	envelope, err := Encrypt(plaintext, key)
	require.NoError(t, err)

	// Envelope shape: base64(nonce) $ base64(ct).
	parts := strings.Split(envelope, "$")
	require.Len(t, parts, 2)

	got, err := Decrypt(envelope, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptNoncesAreFresh(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	a, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWrongKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	envelope, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	_, err = Decrypt(envelope, other)
	assert.Error(t, err)
}

func TestDecryptMalformedEnvelope(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	for _, envelope := range []string{
		"",
		"nodollar",
		"!!notbase64$Zm9v",
		"Zm9v$!!notbase64",
		"Zm9v$Zm9v", // nonce too short
	} {
		_, err := Decrypt(envelope, key)
		assert.ErrorIs(t, err, ErrBadEnvelope, "envelope %q", envelope)
	}
}

func TestEncryptBadKeyLength(t *testing.T) {
	_, err := Encrypt([]byte("x"), []byte("short"))
	assert.ErrorIs(t, err, ErrBadKeyLength)

	_, err = Decrypt("a$b", []byte("short"))
	assert.ErrorIs(t, err, ErrBadKeyLength)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := RandomSalt()
	require.NoError(t, err)
	require.Len(t, salt, SaltSize)

	a := DeriveKey("hunter2", salt)
	b := DeriveKey("hunter2", salt)
	assert.Equal(t, a, b)
	assert.Len(t, a, KeySize)

	other, err := RandomSalt()
	require.NoError(t, err)
	assert.NotEqual(t, a, DeriveKey("hunter2", other))
	assert.NotEqual(t, a, DeriveKey("hunter3", salt))
}

func TestDeriveRandomKey(t *testing.T) {
	key, password, salt, err := DeriveRandomKey()
	require.NoError(t, err)
	assert.NotEmpty(t, password)

	// The returned credentials reproduce the key.
	assert.Equal(t, key, DeriveKey(password, salt))
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestFileRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	// Odd sizes land on chunk boundaries of the halved-chunk path.
	for _, size := range []int{1, 2, 3, 100, 1024, 4097} {
		src := writeTempFile(t, size)
		want, err := os.ReadFile(src)
		require.NoError(t, err)

		enc, nonce, err := EncryptFile(src, key)
		require.NoError(t, err)
		assert.Equal(t, "encrypted_payload.bin", filepath.Base(enc))

		ct, err := os.ReadFile(enc)
		require.NoError(t, err)
		assert.Len(t, ct, size+tagSize, "size %d", size)
		assert.NotEqual(t, want, ct[:size])

		dec, err := DecryptFile(enc, key, nonce)
		require.NoError(t, err)
		assert.Equal(t, "decrypted_payload.bin", filepath.Base(dec))

		got, err := os.ReadFile(dec)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "size %d", size)
	}
}

func TestFileDecryptRejectsTampering(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	src := writeTempFile(t, 512)
	enc, nonce, err := EncryptFile(src, key)
	require.NoError(t, err)

	ct, err := os.ReadFile(enc)
	require.NoError(t, err)
	ct[10] ^= 0xff
	require.NoError(t, os.WriteFile(enc, ct, 0o600))

	_, err = DecryptFile(enc, key, nonce)
	assert.Error(t, err)
}

func TestFileDecryptWrongNonce(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	src := writeTempFile(t, 512)
	enc, _, err := EncryptFile(src, key)
	require.NoError(t, err)

	wrong := make([]byte, FileNonceSize)
	_, err = DecryptFile(enc, key, wrong)
	assert.Error(t, err)
}
