package keyservice

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hashbeam/secretchat/internal/ratchet"
	"github.com/hashbeam/secretchat/internal/session"
)

// Coordination-service endpoints.
const (
	registerPath          = "/api/v2/keys/register"
	deregisterPath        = "/api/v2/keys/deregister"
	uploadKeysPath        = "/api/v2/keys"
	requestBundlePath     = "/api/v2/keys/requestbundle"
	registeredDevicesPath = "/api/v2/keys/registrations"
	syncDevicesPath       = "/api/v2/keys/sync"
)

// FlexID decodes ids that arrive as either a JSON number or a
// numeric string.
type FlexID uint32

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) >= 2 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("keyservice: invalid numeric string %q", s)
		}
		*f = FlexID(v)
		return nil
	}
	var v uint32
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FlexID(v)
	return nil
}

// KeyMaterial is the {pub, tag} pair used for key material on the wire.
type KeyMaterial struct {
	Pub string `json:"pub"`
	Tag FlexID `json:"tag"`
}

// SignedKeyMaterial adds the identity-key signature over the public key.
type SignedKeyMaterial struct {
	Pub  string `json:"pub"`
	Sign string `json:"sign"`
	Tag  FlexID `json:"tag"`
}

type registerParams struct {
	RegistrationID uint32            `json:"registration_id"`
	DeviceID       uint32            `json:"device_id"`
	IdentityKey    KeyMaterial       `json:"identity_key"`
	SignedPreKey   SignedKeyMaterial `json:"signed_prekey"`
	OnetimePreKey  *KeyMaterial      `json:"onetime_prekey,omitempty"`
}

type registerRequest struct {
	Data registerParams `json:"data"`
}

type deregisterParams struct {
	RegistrationID uint32 `json:"registration_id"`
	DeviceID       uint32 `json:"device_id"`
}

type deregisterRequest struct {
	Data deregisterParams `json:"data"`
}

type uploadKeysRequest struct {
	DeviceID uint32        `json:"device_id"`
	List     []KeyMaterial `json:"list"`
}

type requestBundleRequest struct {
	Recipients     []string `json:"recipients"`
	ExcludeDevices []string `json:"exclude_devices"`
}

// envelope is the generic success-response wrapper.
type envelope struct {
	Message struct {
		Data json.RawMessage `json:"data"`
	} `json:"message"`
}

// RegisteredDevice is one entry of the local user's device list.
type RegisteredDevice struct {
	DeviceID       FlexID `json:"device_id"`
	RegistrationID FlexID `json:"registration_id"`
}

// BundleItem is one device's published key bundle as returned by
// requestbundle, or pushed via an out-of-band event.
type BundleItem struct {
	UserID         string             `json:"user_id"`
	DeviceID       FlexID             `json:"device_id"`
	RegistrationID FlexID             `json:"registration_id"`
	IdentityKey    *KeyMaterial       `json:"identity_key"`
	SignedPreKey   *SignedKeyMaterial `json:"signed_prekey"`
	OnetimePreKey  *KeyMaterial       `json:"onetime_prekey"`
}

func decodeB64(field, value string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("keyservice: bundle field %s: %w", field, err)
	}
	return b, nil
}

// remoteUser validates a bundle item and converts it into the typed
// value object the session layer consumes. Validation failures
// short-circuit before any store mutation.
func (item *BundleItem) remoteUser() (*session.RemoteUser, error) {
	if item.UserID == "" {
		return nil, fmt.Errorf("keyservice: bundle without user_id")
	}
	if item.DeviceID == 0 && item.RegistrationID == 0 {
		return nil, fmt.Errorf("keyservice: bundle for %s without device or registration id", item.UserID)
	}
	if item.IdentityKey == nil || item.IdentityKey.Pub == "" {
		return nil, fmt.Errorf("keyservice: bundle for %s without identity key", item.UserID)
	}
	if item.SignedPreKey == nil || item.SignedPreKey.Pub == "" || item.SignedPreKey.Sign == "" {
		return nil, fmt.Errorf("keyservice: bundle for %s without signed prekey", item.UserID)
	}

	identityKey, err := decodeB64("identity_key.pub", item.IdentityKey.Pub)
	if err != nil {
		return nil, err
	}
	signedPreKey, err := decodeB64("signed_prekey.pub", item.SignedPreKey.Pub)
	if err != nil {
		return nil, err
	}
	signature, err := decodeB64("signed_prekey.sign", item.SignedPreKey.Sign)
	if err != nil {
		return nil, err
	}

	bundle := ratchet.PreKeyBundle{
		RegistrationID: uint32(item.RegistrationID),
		DeviceID:       uint32(item.DeviceID),
		SignedPreKeyID: uint32(item.SignedPreKey.Tag),
		SignedPreKey:   signedPreKey,
		Signature:      signature,
		IdentityKey:    identityKey,
	}
	if item.OnetimePreKey != nil && item.OnetimePreKey.Pub != "" {
		preKey, err := decodeB64("onetime_prekey.pub", item.OnetimePreKey.Pub)
		if err != nil {
			return nil, err
		}
		id := uint32(item.OnetimePreKey.Tag)
		bundle.PreKeyID = &id
		bundle.PreKey = preKey
	}

	return &session.RemoteUser{
		UserID:         item.UserID,
		DeviceID:       uint32(item.DeviceID),
		RegistrationID: uint32(item.RegistrationID),
		Bundle:         bundle,
	}, nil
}
