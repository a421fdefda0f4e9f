// Package secretchat is a session and key lifecycle layer for
// end-to-end encrypted chat. It manages the local device's identity and
// prekey inventory against a remote coordination service, builds
// ratchet sessions with remote devices from their published key
// bundles, and provides the symmetric payload cipher for message bodies
// and files. The double-ratchet math itself is supplied by the host
// application through the ratchet.Engine interface.
//
// All facade operations resolve failures to an absent result (nil or
// false) plus a logged diagnostic; they never panic on bad input.
package secretchat

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hashbeam/secretchat/internal/aescrypt"
	"github.com/hashbeam/secretchat/internal/keyservice"
	"github.com/hashbeam/secretchat/internal/ratchet"
	"github.com/hashbeam/secretchat/internal/safety"
	"github.com/hashbeam/secretchat/internal/session"
	"github.com/hashbeam/secretchat/internal/store"
)

// Address identifies one device of a remote user.
type Address = ratchet.Address

// Engine is the external double-ratchet implementation the client
// drives. See the ratchet package for the contract.
type Engine = ratchet.Engine

// BundleItem is one device's published key bundle.
type BundleItem = keyservice.BundleItem

// RegisteredDevice is one entry of the local user's device list.
type RegisteredDevice = keyservice.RegisteredDevice

// Transport posts payloads to the coordination service; the host
// application may supply its own to reuse an authenticated channel.
type Transport = keyservice.Transport

// KeyMaterial and SignedKeyMaterial are the wire forms of published
// public keys inside a BundleItem.
type (
	KeyMaterial       = keyservice.KeyMaterial
	SignedKeyMaterial = keyservice.SignedKeyMaterial
)

// FlexID is a numeric identifier that decodes from either a JSON
// number or a numeric string.
type FlexID = keyservice.FlexID

const (
	defaultAPIURL    = "https://chat.hashbeam.com"
	defaultEventsURL = "wss://chat.hashbeam.com/v1/events"

	// Registration ids occupy 14 bits, zero excluded.
	maxRegistrationID = 16380

	// Signed prekey ids are random below the 24-bit ceiling.
	maxSignedPreKeyID = 0xFFFFFE

	verifyCodePrefix = "secretChatVerifyCode="
)

// Client is the top-level handle. It owns the single store bundle and
// the coordination-service state machine; construct one per local user
// and share it.
type Client struct {
	apiURL    string
	eventsURL string
	dbPath    string
	log       *zap.Logger
	engine    ratchet.Engine
	transport keyservice.Transport

	db       *store.Store
	sessions *session.Manager
	keys     *keyservice.Service
	listener *keyservice.Listener
}

type Option func(*Client)

// WithDBPath overrides the database location. Defaults to
// $XDG_DATA_HOME/secretchat/default.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the diagnostic logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithAPIURL overrides the coordination-service base URL.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = url }
}

// WithEventsURL overrides the event-stream websocket URL.
func WithEventsURL(url string) Option {
	return func(c *Client) { c.eventsURL = url }
}

// WithTransport replaces the default HTTP transport.
func WithTransport(t keyservice.Transport) Option {
	return func(c *Client) { c.transport = t }
}

// New opens the durable store and wires the client. A store that
// cannot be opened is a fatal construction failure, not a soft one.
func New(engine Engine, opts ...Option) (*Client, error) {
	if engine == nil {
		return nil, fmt.Errorf("secretchat: nil engine")
	}
	c := &Client{
		apiURL:    defaultAPIURL,
		eventsURL: defaultEventsURL,
		log:       zap.NewNop(),
		engine:    engine,
	}
	for _, o := range opts {
		o(c)
	}
	if c.transport == nil {
		c.transport = keyservice.NewHTTPTransport(c.apiURL, c.log)
	}

	db, err := store.Open(c.dbPath)
	if err != nil {
		return nil, fmt.Errorf("secretchat: open store: %w", err)
	}
	c.db = db
	c.sessions = session.NewManager(db, engine, c.log)
	c.keys = keyservice.New(db, c.sessions, engine, c.transport, c.log)
	c.listener = keyservice.NewListener(c.eventsURL, c.keys, c.log)
	return c, nil
}

// Close releases the durable store. The client is unusable afterwards.
func (c *Client) Close() error {
	c.sessions.TearDown()
	return c.db.Close()
}

// Initiate binds the local user id and generates the local key
// material if none exists yet: identity key pair, registration id,
// signed prekey, and the derived device id. Safe to call on every
// startup; existing material is never regenerated.
func (c *Client) Initiate(userID string) bool {
	if err := c.db.SetUserID(userID); err != nil {
		c.log.Error("persist user id", zap.Error(err))
		return false
	}
	if _, err := c.deviceID(); err != nil {
		c.log.Error("derive device id", zap.Error(err))
		return false
	}
	if err := c.generateKeys(); err != nil {
		c.log.Error("generate keys", zap.Error(err))
		return false
	}
	if err := c.sessions.Establish(); err != nil {
		c.log.Error("establish session stores", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) generateKeys() error {
	existing, err := c.db.LoadIdentity()
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	identity, err := c.engine.GenerateIdentityKeyPair()
	if err != nil {
		return err
	}
	registrationID, err := randomUint32(maxRegistrationID)
	if err != nil {
		return err
	}
	signedPreKeyID, err := randomUint32(maxSignedPreKeyID)
	if err != nil {
		return err
	}
	signedPreKey, err := c.engine.GenerateSignedPreKey(identity, signedPreKeyID, time.Now())
	if err != nil {
		return err
	}

	return c.db.SaveIdentity(&store.Identity{
		RegistrationID:        registrationID,
		IdentityKeyPublic:     identity.PublicKey,
		IdentityKeyPrivate:    identity.PrivateKey,
		SignedPreKeyID:        signedPreKey.ID,
		SignedPreKeyPublic:    signedPreKey.PublicKey,
		SignedPreKeySignature: signedPreKey.Signature,
		SignedPreKeyRecord:    signedPreKey.Record,
	})
}

// randomUint32 draws uniformly from [1, max].
func randomUint32(max uint32) (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return uint32(n.Int64()) + 1, nil
}

// deviceID returns the cached device id, deriving it on first use from
// a hash of a random digit string and the current time, clamped to
// nine decimal digits.
func (c *Client) deviceID() (uint32, error) {
	id, err := c.db.DeviceID()
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}

	digits := make([]byte, 7)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return 0, err
		}
		digits[i] = '0' + byte(n.Int64())
	}
	seed := fmt.Sprintf("%s%d", digits, time.Now().Unix())
	sum := sha256.Sum256([]byte(seed))
	id = binary.BigEndian.Uint32(sum[:4]) % 1_000_000_000
	if id == 0 {
		id = 1
	}

	if err := c.db.SetDeviceID(id); err != nil {
		return 0, err
	}
	c.log.Info("derived device id", zap.Uint32("device_id", id))
	return id, nil
}

// UserID returns the bound local user id, or "" before Initiate.
func (c *Client) UserID() string {
	id, err := c.db.UserID()
	if err != nil {
		c.log.Error("read user id", zap.Error(err))
		return ""
	}
	return id
}

// DeviceID returns the local device id, deriving it if needed.
func (c *Client) DeviceID() uint32 {
	id, err := c.deviceID()
	if err != nil {
		c.log.Error("device id", zap.Error(err))
		return 0
	}
	return id
}

// Registered reports whether the device is known-registered.
func (c *Client) Registered() bool {
	ok, err := c.db.Registered()
	if err != nil {
		c.log.Error("read registered flag", zap.Error(err))
		return false
	}
	return ok
}

// Register publishes the local key material to the coordination
// service. sendPreKeys additionally uploads a one-time prekey batch on
// success. Returns whether the device ended up registered.
func (c *Client) Register(ctx context.Context, sendPreKeys bool) bool {
	if err := c.keys.Register(ctx, sendPreKeys); err != nil {
		c.log.Warn("register", zap.Error(err))
	}
	return c.Registered()
}

// ReRegister clears all sticky registration flags and registers again.
// Use after the server invalidated this device's credentials.
func (c *Client) ReRegister(ctx context.Context, sendPreKeys bool) bool {
	if err := c.keys.ReRegister(ctx, sendPreKeys); err != nil {
		c.log.Warn("re-register", zap.Error(err))
	}
	return c.Registered()
}

// SendPreKeys generates and uploads the next one-time prekey batch.
func (c *Client) SendPreKeys(ctx context.Context) bool {
	if err := c.keys.SendPreKeys(ctx); err != nil {
		c.log.Warn("send prekeys", zap.Error(err))
		return false
	}
	return true
}

// SyncRegisteredDevices asks the service to reconcile this user's
// device registrations.
func (c *Client) SyncRegisteredDevices(ctx context.Context) bool {
	if err := c.keys.SyncRegisteredDevices(ctx); err != nil {
		c.log.Warn("sync registered devices", zap.Error(err))
		return false
	}
	return true
}

// RegisteredDevices fetches this user's device list, nil on failure.
func (c *Client) RegisteredDevices(ctx context.Context) []RegisteredDevice {
	devices, err := c.keys.RegisteredDevices(ctx)
	if err != nil {
		c.log.Warn("registered devices", zap.Error(err))
		return nil
	}
	return devices
}

// DeregisterCurrentDevice revokes this device's registration.
func (c *Client) DeregisterCurrentDevice(ctx context.Context) bool {
	if err := c.keys.DeregisterCurrent(ctx); err != nil {
		c.log.Warn("deregister current device", zap.Error(err))
		return false
	}
	return true
}

// DeregisterAllDevices revokes every device on the fetched device
// list, optionally sparing the current one.
func (c *Client) DeregisterAllDevices(ctx context.Context, exceptCurrent bool) bool {
	devices, err := c.keys.RegisteredDevices(ctx)
	if err != nil {
		c.log.Warn("deregister all: fetch devices", zap.Error(err))
		return false
	}
	if err := c.keys.DeregisterAll(ctx, devices, exceptCurrent); err != nil {
		c.log.Warn("deregister all", zap.Error(err))
		return false
	}
	return true
}

// RequestBundle fetches key bundles for the given users and builds
// sessions from them. Devices we already have sessions for (and our
// own device) are excluded from the request. Requesting only your own
// user id fetches your other linked devices. Returns whether at least
// one new session was added.
func (c *Client) RequestBundle(ctx context.Context, recipients ...string) bool {
	if len(recipients) == 0 {
		return false
	}

	items, err := c.keys.RequestBundle(ctx, recipients)
	if err != nil {
		c.log.Warn("request bundle", zap.Error(err))
		return false
	}
	added, err := c.keys.ProcessBundle(items)
	if err != nil {
		c.log.Warn("process bundle", zap.Error(err))
	}
	return added
}

// ProcessBundles builds sessions from bundle items delivered out of
// band (for example pushed alongside a message).
func (c *Client) ProcessBundles(items []BundleItem) bool {
	added, err := c.keys.ProcessBundle(items)
	if err != nil {
		c.log.Warn("process bundles", zap.Error(err))
	}
	return added
}

// ProcessConflictBundles handles the bundle map a server returns when
// a send hit unknown devices: keys are device identifiers, values are
// their bundles. The local device's own entry is skipped.
func (c *Client) ProcessConflictBundles(bundles map[string]BundleItem) bool {
	own := c.ownIdentifier()
	items := make([]BundleItem, 0, len(bundles))
	for identifier, item := range bundles {
		if identifier == own {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return false
	}
	return c.ProcessBundles(items)
}

func (c *Client) ownIdentifier() string {
	id, err := c.db.LoadIdentity()
	if err != nil || id == nil {
		return ""
	}
	return fmt.Sprintf("%s_%d_%d", c.UserID(), id.RegistrationID, c.DeviceID())
}

// ClearBundles removes the sessions named by device identifiers
// (userID_registrationID_deviceID triples).
func (c *Client) ClearBundles(identifiers []string) {
	for _, identifier := range identifiers {
		addr, ok := store.ParseIdentifier(identifier)
		if !ok {
			c.log.Warn("skipping malformed identifier", zap.String("identifier", identifier))
			continue
		}
		if err := c.sessions.RemoveSession(addr); err != nil {
			c.log.Warn("clear bundle", zap.Stringer("address", addr), zap.Error(err))
		}
	}
}

// EventNotify feeds an out-of-band coordination-service event into the
// key lifecycle (e.g. "KEY_SHORTAGE" triggers a prekey upload).
func (c *Client) EventNotify(ctx context.Context, event string) {
	if err := c.keys.HandleEvent(ctx, event); err != nil {
		c.log.Warn("event", zap.String("event", event), zap.Error(err))
	}
}

// Listen blocks consuming the coordination service's event stream,
// reconnecting until ctx is cancelled.
func (c *Client) Listen(ctx context.Context) error {
	return c.listener.Run(ctx)
}

// FlushQueued retries work deferred behind sticky flags: queued prekey
// uploads, pending device sync, flagged session refreshes.
func (c *Client) FlushQueued(ctx context.Context) bool {
	if err := c.keys.FlushQueued(ctx); err != nil {
		c.log.Warn("flush queued", zap.Error(err))
		return false
	}
	return true
}

// HasSession reports whether any device of the user has a session.
func (c *Client) HasSession(userID string) bool {
	ok, err := c.sessions.HasSessionWith(userID)
	if err != nil {
		c.log.Error("has session", zap.Error(err))
		return false
	}
	return ok
}

// HasDeviceSession reports whether the exact device has a session.
func (c *Client) HasDeviceSession(userID string, deviceID uint32) bool {
	ok, err := c.sessions.HasSession(ratchet.NewAddress(userID, deviceID))
	if err != nil {
		c.log.Error("has device session", zap.Error(err))
		return false
	}
	return ok
}

// RemoveSession deletes the session with one device.
func (c *Client) RemoveSession(userID string, deviceID uint32) bool {
	if err := c.sessions.RemoveSession(ratchet.NewAddress(userID, deviceID)); err != nil {
		c.log.Warn("remove session", zap.Error(err))
		return false
	}
	return true
}

// RemoveAllSessions deletes every device session of a user, returning
// how many were removed.
func (c *Client) RemoveAllSessions(userID string) int {
	n, err := c.sessions.RemoveAllSessions(userID)
	if err != nil {
		c.log.Warn("remove all sessions", zap.Error(err))
		return 0
	}
	return n
}

// SessionEncrypt encrypts data for one device over its ratchet
// session, nil if no session exists or the engine fails.
func (c *Client) SessionEncrypt(userID string, deviceID uint32, data []byte) []byte {
	ct, err := c.sessions.Encrypt(ratchet.NewAddress(userID, deviceID), data)
	if err != nil {
		c.log.Warn("session encrypt", zap.Error(err))
		return nil
	}
	return ct
}

// SessionEncryptForUser encrypts data for every device of a user,
// keyed by device id.
func (c *Client) SessionEncryptForUser(userID string, data []byte) map[uint32][]byte {
	cts, err := c.sessions.EncryptForUser(userID, data)
	if err != nil {
		c.log.Warn("session encrypt for user", zap.Error(err))
		return nil
	}
	return cts
}

// SessionDecrypt decrypts a session ciphertext from one device. The
// first message of a session the peer initiated is handled
// transparently.
func (c *Client) SessionDecrypt(userID string, deviceID uint32, data []byte) []byte {
	pt, err := c.sessions.Decrypt(ratchet.NewAddress(userID, deviceID), data)
	if err != nil {
		c.log.Warn("session decrypt", zap.Error(err))
		return nil
	}
	return pt
}

// messageKey returns the symmetric key for a message, minting and
// persisting one on first use. The first key recorded for a message
// wins; redelivery reuses it.
func (c *Client) messageKey(chatID, messageID string) ([]byte, error) {
	key, err := c.db.MessageKey(chatID, messageID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	key, err = aescrypt.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := c.db.SaveMessageKey(chatID, messageID, key); err != nil {
		return nil, err
	}
	return c.db.MessageKey(chatID, messageID)
}

// EncryptMessage encrypts a message body with the per-message key,
// minting the key if this is the first payload of the message. Returns
// nil on failure.
func (c *Client) EncryptMessage(chatID, messageID, message string) *string {
	key, err := c.messageKey(chatID, messageID)
	if err != nil {
		c.log.Warn("message key", zap.Error(err))
		return nil
	}
	envelope, err := aescrypt.Encrypt([]byte(message), key)
	if err != nil {
		c.log.Warn("encrypt message", zap.Error(err))
		return nil
	}
	return &envelope
}

// DecryptMessage decrypts a message envelope with the stored
// per-message key. Returns nil for unknown keys or malformed input.
func (c *Client) DecryptMessage(chatID, messageID, envelope string) *string {
	key, err := c.db.MessageKey(chatID, messageID)
	if err != nil || key == nil {
		c.log.Warn("no message key", zap.String("message_id", messageID))
		return nil
	}
	pt, err := aescrypt.Decrypt(envelope, key)
	if err != nil {
		c.log.Warn("decrypt message", zap.Error(err))
		return nil
	}
	s := string(pt)
	return &s
}

// SaveMessageKey records a peer-supplied message key (received wrapped
// in a session envelope) so the message body can be decrypted.
func (c *Client) SaveMessageKey(chatID, messageID string, key []byte) bool {
	if err := c.db.SaveMessageKey(chatID, messageID, key); err != nil {
		c.log.Warn("save message key", zap.Error(err))
		return false
	}
	return true
}

// EncryptFile encrypts the file at path into a sibling file with an
// "encrypted_" name prefix. Returns the output path and the file nonce
// the recipient needs; both empty on failure.
func (c *Client) EncryptFile(chatID, messageID, path string) (string, []byte) {
	key, err := c.messageKey(chatID, messageID)
	if err != nil {
		c.log.Warn("message key", zap.Error(err))
		return "", nil
	}
	out, nonce, err := aescrypt.EncryptFile(path, key)
	if err != nil {
		c.log.Warn("encrypt file", zap.Error(err))
		return "", nil
	}
	return out, nonce
}

// DecryptFile reverses EncryptFile given the out-of-band nonce,
// writing a sibling file with a "decrypted_" name prefix.
func (c *Client) DecryptFile(chatID, messageID, path string, nonce []byte) string {
	key, err := c.db.MessageKey(chatID, messageID)
	if err != nil || key == nil {
		c.log.Warn("no message key", zap.String("message_id", messageID))
		return ""
	}
	out, err := aescrypt.DecryptFile(path, key, nonce)
	if err != nil {
		c.log.Warn("decrypt file", zap.Error(err))
		return ""
	}
	return out
}

// SafetyNumber derives the verification fingerprint between the local
// identity and all known devices of a remote user.
type SafetyNumber struct {
	fp *safety.Fingerprint
}

// DisplayText is the 60-digit comparable form.
func (s *SafetyNumber) DisplayText() string { return s.fp.DisplayText() }

// ScannableCode is the QR-transferable form.
func (s *SafetyNumber) ScannableCode() string {
	return verifyCodePrefix + base64.StdEncoding.EncodeToString(s.fp.Scannable())
}

// Verify checks a peer's scannable code against this fingerprint.
func (s *SafetyNumber) Verify(code string) bool {
	code = strings.TrimPrefix(code, verifyCodePrefix)
	scanned, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return false
	}
	ok, err := s.fp.MatchesScannable(scanned)
	return err == nil && ok
}

// SafetyNumber computes the fingerprint for a remote user from the
// identity keys of their known device sessions. Nil when no session
// with the user exists yet or the local identity is missing.
func (c *Client) SafetyNumber(remoteUserID string) *SafetyNumber {
	id, err := c.db.LoadIdentity()
	if err != nil || id == nil {
		c.log.Warn("safety number: no local identity")
		return nil
	}
	sessions, err := c.db.SessionsForUser(remoteUserID)
	if err != nil {
		c.log.Warn("safety number", zap.Error(err))
		return nil
	}
	var remoteKeys [][]byte
	for _, rs := range sessions {
		if len(rs.IdentityKey) > 0 {
			remoteKeys = append(remoteKeys, rs.IdentityKey)
		}
	}
	if len(remoteKeys) == 0 {
		c.log.Warn("safety number: no sessions", zap.String("user_id", remoteUserID))
		return nil
	}

	fp := safety.New(
		c.UserID(), safety.CombineKeys([][]byte{id.IdentityKeyPublic}),
		remoteUserID, safety.CombineKeys(remoteKeys),
	)
	return &SafetyNumber{fp: fp}
}

// Shut wipes all local state: identity, sessions, prekeys, message
// keys and flags. The client stays usable; Initiate starts fresh.
func (c *Client) Shut() bool {
	c.sessions.TearDown()
	if err := c.db.Wipe(); err != nil {
		c.log.Error("wipe store", zap.Error(err))
		return false
	}
	return true
}
