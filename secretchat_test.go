package secretchat

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hashbeam/secretchat/internal/keyservice"
	"github.com/hashbeam/secretchat/internal/ratchet/fake"
)

type stubTransport struct {
	mu    sync.Mutex
	paths []string
}

func (s *stubTransport) Post(ctx context.Context, path string, payload any) (*keyservice.Response, error) {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
	return &keyservice.Response{StatusCode: http.StatusOK}, nil
}

func testClient(t *testing.T, userID string) *Client {
	t.Helper()
	c, err := New(fake.New(),
		WithDBPath(filepath.Join(t.TempDir(), "test.db")),
		WithLogger(zaptest.NewLogger(t)),
		WithTransport(&stubTransport{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.True(t, c.Initiate(userID))
	return c
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestInitiateIdempotent(t *testing.T) {
	c := testClient(t, "alice")

	deviceID := c.DeviceID()
	require.NotZero(t, deviceID)
	assert.Less(t, deviceID, uint32(1_000_000_000))

	id1, err := c.db.LoadIdentity()
	require.NoError(t, err)
	require.NotNil(t, id1)
	assert.NotZero(t, id1.RegistrationID)
	assert.LessOrEqual(t, id1.RegistrationID, uint32(maxRegistrationID))
	assert.NotZero(t, id1.SignedPreKeyID)

	// A second initiate keeps everything.
	require.True(t, c.Initiate("alice"))
	assert.Equal(t, deviceID, c.DeviceID())

	id2, err := c.db.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestRegisterFlow(t *testing.T) {
	c := testClient(t, "alice")

	assert.False(t, c.Registered())
	assert.True(t, c.Register(context.Background(), false))
	assert.True(t, c.Registered())
}

func TestMessageRoundTripAndKeyReuse(t *testing.T) {
	c := testClient(t, "alice")

	env1 := c.EncryptMessage("chat1", "msg1", "hello")
	require.NotNil(t, env1)

	got := c.DecryptMessage("chat1", "msg1", *env1)
	require.NotNil(t, got)
	assert.Equal(t, "hello", *got)

	// Same message id keeps its key, so both envelopes open.
	env2 := c.EncryptMessage("chat1", "msg1", "hello again")
	require.NotNil(t, env2)
	got = c.DecryptMessage("chat1", "msg1", *env2)
	require.NotNil(t, got)
	assert.Equal(t, "hello again", *got)

	// Unknown message id has no key.
	assert.Nil(t, c.DecryptMessage("chat1", "other", *env1))

	// Malformed envelope is a soft failure.
	assert.Nil(t, c.DecryptMessage("chat1", "msg1", "not-an-envelope"))
}

func TestPeerSuppliedMessageKey(t *testing.T) {
	alice := testClient(t, "alice")
	bob := testClient(t, "bob")

	env := alice.EncryptMessage("chat", "m1", "psst")
	require.NotNil(t, env)

	key, err := alice.db.MessageKey("chat", "m1")
	require.NoError(t, err)

	// Bob receives the key out of band (session-wrapped in practice).
	require.True(t, bob.SaveMessageKey("chat", "m1", key))
	got := bob.DecryptMessage("chat", "m1", *env)
	require.NotNil(t, got)
	assert.Equal(t, "psst", *got)
}

func TestFileRoundTrip(t *testing.T) {
	c := testClient(t, "alice")

	src := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(src, []byte("definitely a jpeg"), 0o600))

	enc, nonce := c.EncryptFile("chat", "m1", src)
	require.NotEmpty(t, enc)
	assert.Equal(t, "encrypted_photo.jpg", filepath.Base(enc))

	dec := c.DecryptFile("chat", "m1", enc, nonce)
	require.NotEmpty(t, dec)
	assert.Equal(t, "decrypted_photo.jpg", filepath.Base(dec))

	data, err := os.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, []byte("definitely a jpeg"), data)
}

func TestSessionLifecycleViaBundles(t *testing.T) {
	c := testClient(t, "alice")

	item := bundleItemFor(t, "bob", 2, 777)
	require.True(t, c.ProcessBundles([]BundleItem{item}))
	assert.True(t, c.HasSession("bob"))
	assert.True(t, c.HasDeviceSession("bob", 2))
	assert.False(t, c.HasDeviceSession("bob", 3))

	// Session traffic works.
	ct := c.SessionEncrypt("bob", 2, []byte("wrapped key"))
	require.NotNil(t, ct)
	pt := c.SessionDecrypt("bob", 2, ct)
	assert.Equal(t, []byte("wrapped key"), pt)

	// Duplicate bundle adds nothing.
	assert.False(t, c.ProcessBundles([]BundleItem{item}))

	assert.True(t, c.RemoveSession("bob", 2))
	assert.False(t, c.HasSession("bob"))
}

func TestProcessConflictBundlesSkipsSelf(t *testing.T) {
	c := testClient(t, "alice")

	bundles := map[string]BundleItem{
		c.ownIdentifier(): bundleItemFor(t, "alice", c.DeviceID(), 1),
		"bob_777_2":       bundleItemFor(t, "bob", 2, 777),
	}
	assert.True(t, c.ProcessConflictBundles(bundles))
	assert.True(t, c.HasSession("bob"))
	assert.False(t, c.HasDeviceSession("alice", c.DeviceID()))
}

func TestClearBundles(t *testing.T) {
	c := testClient(t, "alice")

	require.True(t, c.ProcessBundles([]BundleItem{bundleItemFor(t, "bob", 2, 777)}))
	c.ClearBundles([]string{"bob_777_2", "not-an-identifier"})
	assert.False(t, c.HasSession("bob"))
}

func TestSafetyNumberVerification(t *testing.T) {
	alice := testClient(t, "alice")
	bob := testClient(t, "bob")

	// Each side gets a session carrying the other's identity key.
	aliceID, err := alice.db.LoadIdentity()
	require.NoError(t, err)
	bobID, err := bob.db.LoadIdentity()
	require.NoError(t, err)

	require.NoError(t, alice.db.CreateSession("bob", bob.DeviceID(), 1, bobID.IdentityKeyPublic))
	require.NoError(t, bob.db.CreateSession("alice", alice.DeviceID(), 2, aliceID.IdentityKeyPublic))

	aliceSN := alice.SafetyNumber("bob")
	require.NotNil(t, aliceSN)
	bobSN := bob.SafetyNumber("alice")
	require.NotNil(t, bobSN)

	assert.Equal(t, aliceSN.DisplayText(), bobSN.DisplayText())
	assert.True(t, aliceSN.Verify(bobSN.ScannableCode()))
	assert.True(t, bobSN.Verify(aliceSN.ScannableCode()))

	// A third party's code does not verify.
	carol := testClient(t, "carol")
	require.NoError(t, carol.db.CreateSession("alice", alice.DeviceID(), 2, []byte("not-alices-key")))
	carolSN := carol.SafetyNumber("alice")
	require.NotNil(t, carolSN)
	assert.False(t, aliceSN.Verify(carolSN.ScannableCode()))

	// No session means no fingerprint.
	assert.Nil(t, alice.SafetyNumber("nobody"))
}

func TestShutWipesEverything(t *testing.T) {
	c := testClient(t, "alice")

	require.NotNil(t, c.EncryptMessage("chat", "m1", "x"))
	require.True(t, c.ProcessBundles([]BundleItem{bundleItemFor(t, "bob", 2, 777)}))

	require.True(t, c.Shut())

	assert.Empty(t, c.UserID())
	assert.False(t, c.HasSession("bob"))
	assert.Nil(t, c.DecryptMessage("chat", "m1", "a$b"))

	// Fresh start works.
	assert.True(t, c.Initiate("alice2"))
	assert.Equal(t, "alice2", c.UserID())
}

func bundleItemFor(t *testing.T, userID string, deviceID, registrationID uint32) BundleItem {
	t.Helper()
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	return BundleItem{
		UserID:         userID,
		DeviceID:       keyservice.FlexID(deviceID),
		RegistrationID: keyservice.FlexID(registrationID),
		IdentityKey:    &keyservice.KeyMaterial{Pub: b64("identity-" + userID), Tag: 1},
		SignedPreKey: &keyservice.SignedKeyMaterial{
			Pub:  b64("spk-" + userID),
			Sign: b64("sig-" + userID),
			Tag:  9,
		},
	}
}
