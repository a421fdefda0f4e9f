package aescrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Files are processed in fixed-size chunks so arbitrarily large inputs
// never need to fit in memory. Output format is AES-CTR ciphertext
// followed by a 32-byte HMAC-SHA256 tag over the whole ciphertext. The
// cipher key, MAC key and CTR IV are derived from the caller's key and
// a per-file nonce with HKDF, so the nonce travels out of band and the
// long-term key is never used directly.
const (
	chunkSize = 50 * 1024 * 1024

	// FileNonceSize is the per-file nonce length.
	FileNonceSize = 16

	tagSize = sha256.Size

	encryptedPrefix = "encrypted_"
	decryptedPrefix = "decrypted_"
)

type streamKeys struct {
	cipherKey []byte
	macKey    []byte
	iv        []byte
}

func deriveStreamKeys(key, nonce []byte) (*streamKeys, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeyLength
	}
	if len(nonce) != FileNonceSize {
		return nil, ErrBadNonceLength
	}

	kdf := hkdf.New(sha256.New, key, nonce, []byte("file stream"))
	sk := &streamKeys{
		cipherKey: make([]byte, KeySize),
		macKey:    make([]byte, KeySize),
		iv:        make([]byte, aes.BlockSize),
	}
	for _, buf := range [][]byte{sk.cipherKey, sk.macKey, sk.iv} {
		if _, err := io.ReadFull(kdf, buf); err != nil {
			return nil, fmt.Errorf("aescrypt: derive stream keys: %w", err)
		}
	}
	return sk, nil
}

func (sk *streamKeys) stream() (cipher.Stream, error) {
	block, err := aes.NewCipher(sk.cipherKey)
	if err != nil {
		return nil, fmt.Errorf("aescrypt: create cipher: %w", err)
	}
	return cipher.NewCTR(block, sk.iv), nil
}

// fileChunkSize picks the unit of work for a file. Small files are
// still split in two so the multi-chunk path gets exercised everywhere.
func fileChunkSize(fileSize int64) int64 {
	if fileSize >= chunkSize {
		return chunkSize
	}
	if half := fileSize / 2; half > 0 {
		return half
	}
	return 1
}

// EncryptFile encrypts src into a sibling file named with the
// "encrypted_" prefix and returns its path together with the per-file
// nonce the recipient needs for decryption.
func EncryptFile(src string, key []byte) (dst string, nonce []byte, err error) {
	nonce = make([]byte, FileNonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("aescrypt: generate file nonce: %w", err)
	}

	sk, err := deriveStreamKeys(key, nonce)
	if err != nil {
		return "", nil, err
	}
	stream, err := sk.stream()
	if err != nil {
		return "", nil, err
	}
	mac := hmac.New(sha256.New, sk.macKey)

	dst = siblingPath(src, encryptedPrefix)
	err = transformFile(src, dst, func(chunk []byte, w io.Writer) error {
		stream.XORKeyStream(chunk, chunk)
		mac.Write(chunk)
		_, werr := w.Write(chunk)
		return werr
	}, func(w io.Writer) error {
		_, werr := w.Write(mac.Sum(nil))
		return werr
	})
	if err != nil {
		return "", nil, err
	}
	return dst, nonce, nil
}

// DecryptFile verifies and decrypts a file produced by EncryptFile into
// a sibling file named with the "decrypted_" prefix.
func DecryptFile(src string, key, nonce []byte) (string, error) {
	sk, err := deriveStreamKeys(key, nonce)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("aescrypt: stat %s: %w", src, err)
	}
	if info.Size() < tagSize {
		return "", fmt.Errorf("aescrypt: %s too short for tag", src)
	}
	ctSize := info.Size() - tagSize

	// First pass verifies the tag before any plaintext is written.
	if err := verifyFileTag(src, ctSize, sk.macKey); err != nil {
		return "", err
	}

	stream, err := sk.stream()
	if err != nil {
		return "", err
	}

	base := strings.TrimPrefix(filepath.Base(src), encryptedPrefix)
	dst := filepath.Join(filepath.Dir(src), decryptedPrefix+base)
	err = transformFileN(src, dst, ctSize, func(chunk []byte, w io.Writer) error {
		stream.XORKeyStream(chunk, chunk)
		_, werr := w.Write(chunk)
		return werr
	}, nil)
	if err != nil {
		return "", err
	}
	return dst, nil
}

func verifyFileTag(src string, ctSize int64, macKey []byte) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("aescrypt: open %s: %w", src, err)
	}
	defer f.Close()

	mac := hmac.New(sha256.New, macKey)
	if _, err := io.CopyN(mac, f, ctSize); err != nil {
		return fmt.Errorf("aescrypt: read %s: %w", src, err)
	}
	want := make([]byte, tagSize)
	if _, err := io.ReadFull(f, want); err != nil {
		return fmt.Errorf("aescrypt: read tag: %w", err)
	}
	if !hmac.Equal(mac.Sum(nil), want) {
		return fmt.Errorf("aescrypt: %s: tag verification failed", src)
	}
	return nil
}

func siblingPath(src, prefix string) string {
	return filepath.Join(filepath.Dir(src), prefix+filepath.Base(src))
}

func transformFile(src, dst string, chunkFn func([]byte, io.Writer) error, finalFn func(io.Writer) error) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("aescrypt: stat %s: %w", src, err)
	}
	return transformFileN(src, dst, info.Size(), chunkFn, finalFn)
}

func transformFileN(src, dst string, n int64, chunkFn func([]byte, io.Writer) error, finalFn func(io.Writer) error) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("aescrypt: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("aescrypt: create %s: %w", dst, err)
	}
	defer out.Close()

	buf := make([]byte, fileChunkSize(n))
	remaining := n
	for remaining > 0 {
		chunk := buf
		if remaining < int64(len(buf)) {
			chunk = buf[:remaining]
		}
		if _, err := io.ReadFull(in, chunk); err != nil {
			return fmt.Errorf("aescrypt: read %s: %w", src, err)
		}
		if err := chunkFn(chunk, out); err != nil {
			return fmt.Errorf("aescrypt: write %s: %w", dst, err)
		}
		remaining -= int64(len(chunk))
	}

	if finalFn != nil {
		if err := finalFn(out); err != nil {
			return fmt.Errorf("aescrypt: finalize %s: %w", dst, err)
		}
	}
	return out.Close()
}
