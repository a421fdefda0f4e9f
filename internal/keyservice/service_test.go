package keyservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hashbeam/secretchat/internal/ratchet/fake"
	"github.com/hashbeam/secretchat/internal/session"
	"github.com/hashbeam/secretchat/internal/store"
)

type call struct {
	path    string
	payload []byte
}

// fakeTransport records calls and answers them via handler; the default
// handler returns 200 with an empty body.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []call
	handler func(path string, payload []byte) (*Response, error)
}

func (f *fakeTransport) Post(ctx context.Context, path string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{path: path, payload: body})
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		return handler(path, body)
	}
	return &Response{StatusCode: http.StatusOK}, nil
}

func (f *fakeTransport) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.path == path {
			n++
		}
	}
	return n
}

func testService(t *testing.T) (*Service, *fakeTransport, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.SetUserID("local"))
	require.NoError(t, db.SetDeviceID(123456789))
	require.NoError(t, db.SaveIdentity(&store.Identity{
		RegistrationID:        4242,
		IdentityKeyPublic:     []byte("id-pub"),
		IdentityKeyPrivate:    []byte("id-priv"),
		SignedPreKeyID:        7,
		SignedPreKeyPublic:    []byte("spk-pub"),
		SignedPreKeySignature: []byte("spk-sig"),
		SignedPreKeyRecord:    []byte("spk-record"),
	}))

	log := zaptest.NewLogger(t)
	engine := fake.New()
	sessions := session.NewManager(db, engine, log)
	require.NoError(t, sessions.Establish())

	transport := &fakeTransport{}
	return New(db, sessions, engine, transport, log), transport, db
}

func TestRegisterSuccess(t *testing.T) {
	svc, transport, db := testService(t)

	require.NoError(t, svc.Register(context.Background(), false))

	require.Equal(t, 1, transport.callCount(registerPath))
	var req registerRequest
	require.NoError(t, json.Unmarshal(transport.calls[0].payload, &req))
	assert.Equal(t, uint32(4242), req.Data.RegistrationID)
	assert.Equal(t, uint32(123456789), req.Data.DeviceID)
	assert.NotEmpty(t, req.Data.IdentityKey.Pub)
	assert.NotEmpty(t, req.Data.SignedPreKey.Sign)
	assert.Equal(t, FlexID(7), req.Data.SignedPreKey.Tag)

	registered, err := db.Registered()
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestRegisterNoopWhenRegistered(t *testing.T) {
	svc, transport, db := testService(t)
	require.NoError(t, db.SetRegistered(true))

	require.NoError(t, svc.Register(context.Background(), false))
	assert.Zero(t, transport.callCount(registerPath))
}

func TestRegisterConcurrentGuard(t *testing.T) {
	svc, transport, _ := testService(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	transport.handler = func(path string, payload []byte) (*Response, error) {
		close(entered)
		<-release
		return &Response{StatusCode: http.StatusOK}, nil
	}

	done := make(chan error, 1)
	go func() { done <- svc.Register(context.Background(), false) }()
	<-entered

	// A concurrent call while one is in flight is a silent no-op.
	require.NoError(t, svc.Register(context.Background(), false))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, transport.callCount(registerPath))
}

func TestRegisterMaxLinkedDevices(t *testing.T) {
	svc, transport, db := testService(t)
	transport.handler = func(path string, payload []byte) (*Response, error) {
		return &Response{
			StatusCode: http.StatusForbidden,
			Body:       []byte(`{"code":"max_linked_devices"}`),
		}, nil
	}

	err := svc.Register(context.Background(), true)
	require.Error(t, err)

	maxLinked, err := db.MaxLinkedDevices()
	require.NoError(t, err)
	assert.True(t, maxLinked)

	// max_linked_devices does not also set the failed flag.
	failed, err := db.RegistrationFailed()
	require.NoError(t, err)
	assert.False(t, failed)

	// The requested prekey upload is queued, not attempted.
	queued, err := db.PreKeysQueued()
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Zero(t, transport.callCount(uploadKeysPath))
}

func TestRegisterFailureSetsFlagOnlyWhenUnregistered(t *testing.T) {
	svc, transport, db := testService(t)
	transport.handler = func(path string, payload []byte) (*Response, error) {
		return &Response{StatusCode: http.StatusInternalServerError}, nil
	}

	require.Error(t, svc.Register(context.Background(), false))
	failed, err := db.RegistrationFailed()
	require.NoError(t, err)
	assert.True(t, failed)
}

func TestReRegisterClearsStickyFlags(t *testing.T) {
	svc, _, db := testService(t)
	require.NoError(t, db.SetRegistered(true))
	require.NoError(t, db.SetRegistrationFailed(true))
	require.NoError(t, db.SetMaxLinkedDevices(true))

	require.NoError(t, svc.ReRegister(context.Background(), false))

	failed, err := db.RegistrationFailed()
	require.NoError(t, err)
	assert.False(t, failed)

	registered, err := db.Registered()
	require.NoError(t, err)
	assert.True(t, registered, "fresh registration ran after clearing flags")
}

func TestSendPreKeysContinuesIds(t *testing.T) {
	svc, transport, db := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendPreKeys(ctx))
	require.NoError(t, svc.SendPreKeys(ctx))

	require.Equal(t, 2, transport.callCount(uploadKeysPath))

	var first, second uploadKeysRequest
	require.NoError(t, json.Unmarshal(transport.calls[0].payload, &first))
	require.NoError(t, json.Unmarshal(transport.calls[1].payload, &second))

	require.Len(t, first.List, preKeyBatchSize)
	assert.Equal(t, FlexID(1), first.List[0].Tag)
	assert.Equal(t, FlexID(preKeyBatchSize), first.List[len(first.List)-1].Tag)

	// Second batch continues where the first left off; no id repeats.
	assert.Equal(t, FlexID(preKeyBatchSize+1), second.List[0].Tag)

	count, err := db.CountPreKeys()
	require.NoError(t, err)
	assert.Equal(t, 2*preKeyBatchSize, count)
}

func TestSendPreKeysPersistsBeforeUpload(t *testing.T) {
	svc, transport, db := testService(t)
	transport.handler = func(path string, payload []byte) (*Response, error) {
		// Keys are already durable by the time the upload happens.
		count, err := db.CountPreKeys()
		if err != nil {
			return nil, err
		}
		if count != preKeyBatchSize {
			return nil, fmt.Errorf("expected %d persisted keys, got %d", preKeyBatchSize, count)
		}
		return &Response{StatusCode: http.StatusOK}, nil
	}

	require.NoError(t, svc.SendPreKeys(context.Background()))
}

func TestRequestBundleExcludesKnownDevices(t *testing.T) {
	svc, transport, db := testService(t)

	require.NoError(t, db.CreateSession("bob", 2, 777, []byte("k")))

	transport.handler = func(path string, payload []byte) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: []byte(`{"message":{"data":[]}}`)}, nil
	}

	_, err := svc.RequestBundle(context.Background(), []string{"bob"})
	require.NoError(t, err)

	var req requestBundleRequest
	require.NoError(t, json.Unmarshal(transport.calls[0].payload, &req))
	assert.Equal(t, []string{"bob"}, req.Recipients)
	assert.ElementsMatch(t, []string{"local_4242_123456789", "bob_777_2"}, req.ExcludeDevices)
}

const bundleJSON = `{
	"user_id": "bob",
	"device_id": "2",
	"registration_id": 777,
	"identity_key": {"pub": "aWQta2V5LWJ5dGVz", "tag": 1},
	"signed_prekey": {"pub": "c3BrLWJ5dGVz", "sign": "c2lnLWJ5dGVz", "tag": "9"},
	"onetime_prekey": {"pub": "b3RrLWJ5dGVz", "tag": 31}
}`

func TestProcessBundle(t *testing.T) {
	svc, _, _ := testService(t)

	var item BundleItem
	require.NoError(t, json.Unmarshal([]byte(bundleJSON), &item))

	// String and numeric ids both decode.
	assert.Equal(t, FlexID(2), item.DeviceID)
	assert.Equal(t, FlexID(777), item.RegistrationID)
	assert.Equal(t, FlexID(9), item.SignedPreKey.Tag)

	added, err := svc.ProcessBundle([]BundleItem{item})
	require.NoError(t, err)
	assert.True(t, added)

	// Reprocessing the same bundle adds nothing.
	added, err = svc.ProcessBundle([]BundleItem{item})
	require.NoError(t, err)
	assert.False(t, added)
}

func TestProcessBundleValidation(t *testing.T) {
	svc, _, _ := testService(t)

	var valid BundleItem
	require.NoError(t, json.Unmarshal([]byte(bundleJSON), &valid))

	noIDs := valid
	noIDs.DeviceID = 0
	noIDs.RegistrationID = 0

	noIdentity := valid
	noIdentity.IdentityKey = nil

	noUser := valid
	noUser.UserID = ""

	for name, item := range map[string]BundleItem{
		"zero device and registration id": noIDs,
		"missing identity key":            noIdentity,
		"missing user id":                 noUser,
	} {
		added, err := svc.ProcessBundle([]BundleItem{item})
		require.NoError(t, err, name)
		assert.False(t, added, name)
	}
}

func TestSyncRegisteredDevicesClearsFlag(t *testing.T) {
	svc, _, db := testService(t)
	require.NoError(t, db.SetNeedsKeySync(true))

	require.NoError(t, svc.SyncRegisteredDevices(context.Background()))

	needsSync, err := db.NeedsKeySync()
	require.NoError(t, err)
	assert.False(t, needsSync)
}

func TestDeregisterCurrentClearsRegistered(t *testing.T) {
	svc, transport, db := testService(t)
	require.NoError(t, db.SetRegistered(true))

	require.NoError(t, svc.DeregisterCurrent(context.Background()))
	require.Equal(t, 1, transport.callCount(deregisterPath))

	registered, err := db.Registered()
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestDeregisterAllExceptCurrent(t *testing.T) {
	svc, transport, _ := testService(t)

	devices := []RegisteredDevice{
		{DeviceID: 123456789, RegistrationID: 4242}, // local device
		{DeviceID: 5, RegistrationID: 55},
		{DeviceID: 6, RegistrationID: 66},
	}
	require.NoError(t, svc.DeregisterAll(context.Background(), devices, true))
	assert.Equal(t, 2, transport.callCount(deregisterPath))
}

func TestHandleKeyShortageEvent(t *testing.T) {
	svc, transport, _ := testService(t)

	require.NoError(t, svc.HandleEvent(context.Background(), eventKeyShortage))
	assert.Equal(t, 1, transport.callCount(uploadKeysPath))

	require.NoError(t, svc.HandleEvent(context.Background(), "SOMETHING_ELSE"))
	assert.Equal(t, 1, transport.callCount(uploadKeysPath))
}

func TestFlushQueuedSendsPreKeys(t *testing.T) {
	svc, transport, db := testService(t)
	require.NoError(t, db.SetPreKeysQueued(true))

	require.NoError(t, svc.FlushQueued(context.Background()))
	assert.Equal(t, 1, transport.callCount(uploadKeysPath))

	queued, err := db.PreKeysQueued()
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestHTTPTransportRetriesOn429(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, zaptest.NewLogger(t))
	resp, err := transport.Post(context.Background(), "/api/v2/keys/register", struct{}{})
	require.NoError(t, err)
	assert.True(t, resp.Success())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestFlexUint(t *testing.T) {
	var v struct {
		A FlexID `json:"a"`
		B FlexID `json:"b"`
		C FlexID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 7, "b": "42", "c": ""}`), &v))
	assert.Equal(t, FlexID(7), v.A)
	assert.Equal(t, FlexID(42), v.B)
	assert.Equal(t, FlexID(0), v.C)

	require.Error(t, json.Unmarshal([]byte(`{"a": "xyz"}`), &v))
}
