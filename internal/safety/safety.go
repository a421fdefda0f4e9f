// Package safety derives human- and machine-comparable fingerprints of
// two parties' identity keys, so users can verify a conversation is not
// being intercepted.
package safety

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Iterations is the hash-stretching count applied to each party's
// fingerprint digest.
const Iterations = 1024

const (
	scannableVersion = 1

	fieldVersion = 1
	fieldLocal   = 2
	fieldRemote  = 3
)

var ErrBadScannable = errors.New("safety: malformed scannable fingerprint")

// Fingerprint holds both parties' stretched identity digests.
type Fingerprint struct {
	localID      string
	remoteID     string
	localDigest  []byte
	remoteDigest []byte
}

// New computes the fingerprint between the local identity and a remote
// one. Each side's digest depends only on that side's id and key, so
// both parties compute the same pair.
func New(localID string, localKey []byte, remoteID string, remoteKey []byte) *Fingerprint {
	return &Fingerprint{
		localID:      localID,
		remoteID:     remoteID,
		localDigest:  iterateDigest(localID, localKey),
		remoteDigest: iterateDigest(remoteID, remoteKey),
	}
}

// CombineKeys folds a party's identity keys (one per device) into the
// single byte string fed to the digest. Keys are sorted so both parties
// combine them identically regardless of arrival order.
func CombineKeys(keys [][]byte) []byte {
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	var out []byte
	for _, k := range sorted {
		out = append(out, k...)
	}
	return out
}

func iterateDigest(id string, key []byte) []byte {
	h := sha512.New()
	h.Write([]byte{0, 0})
	h.Write(key)
	h.Write([]byte(id))
	digest := h.Sum(nil)

	for i := 1; i < Iterations; i++ {
		h.Reset()
		h.Write(digest)
		h.Write(key)
		digest = h.Sum(nil)
	}
	return digest
}

// digits converts a digest into a 30-digit half of the displayable
// number: six groups of five digits, each taken from five digest bytes.
func digits(digest []byte) string {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		chunk := make([]byte, 8)
		copy(chunk[3:], digest[i*5:i*5+5])
		fmt.Fprintf(&b, "%05d", binary.BigEndian.Uint64(chunk)%100000)
	}
	return b.String()
}

// DisplayText returns the 60-digit safety number as twelve groups of
// five digits. The half belonging to the lexically lower id comes
// first, so both parties see the same string.
func (f *Fingerprint) DisplayText() string {
	first, second := f.localDigest, f.remoteDigest
	if f.remoteID < f.localID {
		first, second = second, first
	}

	combined := digits(first) + digits(second)
	groups := make([]string, 0, len(combined)/5)
	for i := 0; i < len(combined); i += 5 {
		groups = append(groups, combined[i:i+5])
	}
	return strings.Join(groups, " ")
}

// Scannable returns the wire form exchanged via QR code: a versioned
// message carrying the first 32 bytes of each party's digest, local
// first from the encoder's point of view.
func (f *Fingerprint) Scannable() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, scannableVersion)
	buf = protowire.AppendTag(buf, fieldLocal, protowire.BytesType)
	buf = protowire.AppendBytes(buf, f.localDigest[:32])
	buf = protowire.AppendTag(buf, fieldRemote, protowire.BytesType)
	buf = protowire.AppendBytes(buf, f.remoteDigest[:32])
	return buf
}

// MatchesScannable checks a peer's scanned fingerprint against ours.
// The comparison is crosswise: their local digest must match our remote
// one and vice versa.
func (f *Fingerprint) MatchesScannable(scanned []byte) (bool, error) {
	var version uint64
	var local, remote []byte

	for len(scanned) > 0 {
		num, typ, n := protowire.ConsumeTag(scanned)
		if n < 0 {
			return false, ErrBadScannable
		}
		scanned = scanned[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(scanned)
			if n < 0 {
				return false, ErrBadScannable
			}
			version = v
			scanned = scanned[n:]
		case num == fieldLocal && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(scanned)
			if n < 0 {
				return false, ErrBadScannable
			}
			local = b
			scanned = scanned[n:]
		case num == fieldRemote && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(scanned)
			if n < 0 {
				return false, ErrBadScannable
			}
			remote = b
			scanned = scanned[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, scanned)
			if n < 0 {
				return false, ErrBadScannable
			}
			scanned = scanned[n:]
		}
	}

	if version != scannableVersion {
		return false, fmt.Errorf("safety: unsupported fingerprint version %d", version)
	}
	if len(local) != 32 || len(remote) != 32 {
		return false, ErrBadScannable
	}

	return hmac.Equal(local, f.remoteDigest[:32]) &&
		hmac.Equal(remote, f.localDigest[:32]), nil
}
