package keyservice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hashbeam/secretchat/internal/ratchet"
	"github.com/hashbeam/secretchat/internal/session"
	"github.com/hashbeam/secretchat/internal/store"
)

// Server error code for the linked-device cap.
const codeMaxLinkedDevices = "max_linked_devices"

// preKeyBatchSize is how many one-time prekeys one upload publishes.
const preKeyBatchSize = 100

// Service drives registration, prekey inventory and bundle exchange
// against the coordination service. At most one registration and one
// prekey upload are in flight at any time; concurrent duplicates are
// suppressed, not queued.
type Service struct {
	db        *store.Store
	sessions  *session.Manager
	keys      ratchet.KeyGenerator
	transport Transport
	log       *zap.Logger

	registering    atomic.Bool
	sendingPreKeys atomic.Bool
}

func New(db *store.Store, sessions *session.Manager, keys ratchet.KeyGenerator, transport Transport, log *zap.Logger) *Service {
	return &Service{
		db:        db,
		sessions:  sessions,
		keys:      keys,
		transport: transport,
		log:       log,
	}
}

func (s *Service) registerParams() (*registerParams, error) {
	id, err := s.db.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, fmt.Errorf("keyservice: no local identity")
	}
	deviceID, err := s.db.DeviceID()
	if err != nil {
		return nil, err
	}

	return &registerParams{
		RegistrationID: id.RegistrationID,
		DeviceID:       deviceID,
		IdentityKey: KeyMaterial{
			Pub: base64.StdEncoding.EncodeToString(id.IdentityKeyPublic),
			Tag: 1,
		},
		SignedPreKey: SignedKeyMaterial{
			Pub:  base64.StdEncoding.EncodeToString(id.SignedPreKeyPublic),
			Sign: base64.StdEncoding.EncodeToString(id.SignedPreKeySignature),
			Tag:  FlexID(id.SignedPreKeyID),
		},
	}, nil
}

// Register publishes the local identity and signed prekey. It is a
// no-op when a registration is already in flight or the device is
// already known-registered. sendPreKeys additionally triggers a prekey
// upload after success; if registration does not succeed the upload is
// queued behind the prekeys-queued flag instead.
func (s *Service) Register(ctx context.Context, sendPreKeys bool) error {
	registered, err := s.db.Registered()
	if err != nil {
		return err
	}
	if registered {
		return nil
	}
	if !s.registering.CompareAndSwap(false, true) {
		return nil
	}
	defer s.registering.Store(false)

	params, err := s.registerParams()
	if err != nil {
		return err
	}

	resp, err := s.transport.Post(ctx, registerPath, registerRequest{Data: *params})
	if err != nil {
		return s.registerFailed(sendPreKeys, err)
	}

	switch {
	case resp.Success():
		s.log.Info("device registered")
		if err := s.db.SetRegistered(true); err != nil {
			return err
		}
		if err := s.db.SetMaxLinkedDevices(false); err != nil {
			return err
		}
		if sendPreKeys {
			return s.SendPreKeys(ctx)
		}
		return nil

	case resp.ErrorCode() == codeMaxLinkedDevices:
		// Sticky: suppresses retries until explicitly cleared.
		s.log.Warn("registration refused: too many linked devices")
		if err := s.db.SetMaxLinkedDevices(true); err != nil {
			return err
		}
		if sendPreKeys {
			if err := s.db.SetPreKeysQueued(true); err != nil {
				return err
			}
		}
		return fmt.Errorf("keyservice: register: %s", codeMaxLinkedDevices)

	default:
		return s.registerFailed(sendPreKeys,
			fmt.Errorf("keyservice: register: status %d", resp.StatusCode))
	}
}

// registerFailed marks the failure without clobbering a good state: a
// stale retry that fails after the device registered is ignored.
func (s *Service) registerFailed(sendPreKeys bool, cause error) error {
	registered, err := s.db.Registered()
	if err != nil {
		return err
	}
	if !registered {
		s.log.Warn("registration failed", zap.Error(cause))
		if err := s.db.SetRegistrationFailed(true); err != nil {
			return err
		}
		if sendPreKeys {
			if err := s.db.SetPreKeysQueued(true); err != nil {
				return err
			}
		}
	}
	return cause
}

// ReRegister clears every sticky flag and registers again, forcing a
// clean retry after credential invalidation.
func (s *Service) ReRegister(ctx context.Context, sendPreKeys bool) error {
	if err := s.db.SetRegistered(false); err != nil {
		return err
	}
	if err := s.db.SetRegistrationFailed(false); err != nil {
		return err
	}
	if err := s.db.SetMaxLinkedDevices(false); err != nil {
		return err
	}
	// An upload queued before the reset is replayed with this attempt.
	if queued, err := s.db.PreKeysQueued(); err == nil && queued {
		sendPreKeys = true
	}
	return s.Register(ctx, sendPreKeys)
}

// Deregister revokes one device. Revoking the local device clears the
// local registered state.
func (s *Service) Deregister(ctx context.Context, deviceID, registrationID uint32) error {
	resp, err := s.transport.Post(ctx, deregisterPath, deregisterRequest{
		Data: deregisterParams{RegistrationID: registrationID, DeviceID: deviceID},
	})
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("keyservice: deregister device %d: status %d", deviceID, resp.StatusCode)
	}

	localDevice, err := s.db.DeviceID()
	if err != nil {
		return err
	}
	id, err := s.db.LoadIdentity()
	if err != nil {
		return err
	}
	if id != nil && deviceID == localDevice && registrationID == id.RegistrationID {
		if err := s.db.SetRegistered(false); err != nil {
			return err
		}
	}
	s.log.Info("device deregistered", zap.Uint32("device_id", deviceID))
	return nil
}

// DeregisterCurrent revokes the local device if it is registered.
func (s *Service) DeregisterCurrent(ctx context.Context) error {
	registered, err := s.db.Registered()
	if err != nil {
		return err
	}
	if !registered {
		return nil
	}
	id, err := s.db.LoadIdentity()
	if err != nil {
		return err
	}
	if id == nil {
		return nil
	}
	deviceID, err := s.db.DeviceID()
	if err != nil {
		return err
	}
	return s.Deregister(ctx, deviceID, id.RegistrationID)
}

// DeregisterAll revokes every listed device, optionally sparing the
// local one. Failures are logged per device and do not stop the sweep.
func (s *Service) DeregisterAll(ctx context.Context, devices []RegisteredDevice, exceptCurrent bool) error {
	var localDevice uint32
	var localReg uint32
	if exceptCurrent {
		var err error
		localDevice, err = s.db.DeviceID()
		if err != nil {
			return err
		}
		id, err := s.db.LoadIdentity()
		if err != nil {
			return err
		}
		if id != nil {
			localReg = id.RegistrationID
		}
	}

	for _, d := range devices {
		if exceptCurrent && uint32(d.DeviceID) == localDevice && uint32(d.RegistrationID) == localReg {
			continue
		}
		if err := s.Deregister(ctx, uint32(d.DeviceID), uint32(d.RegistrationID)); err != nil {
			s.log.Warn("deregister failed",
				zap.Uint32("device_id", uint32(d.DeviceID)), zap.Error(err))
		}
	}
	return nil
}

// RegisteredDevices fetches the local user's device list.
func (s *Service) RegisteredDevices(ctx context.Context) ([]RegisteredDevice, error) {
	resp, err := s.transport.Post(ctx, registeredDevicesPath, struct{}{})
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("keyservice: registered devices: status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("keyservice: registered devices: %w", err)
	}
	var devices []RegisteredDevice
	if len(env.Message.Data) > 0 {
		if err := json.Unmarshal(env.Message.Data, &devices); err != nil {
			return nil, fmt.Errorf("keyservice: registered devices: %w", err)
		}
	}
	return devices, nil
}

// SyncRegisteredDevices tells the service to reconcile the local
// user's device registrations; success clears the needs-key-sync flag.
func (s *Service) SyncRegisteredDevices(ctx context.Context) error {
	resp, err := s.transport.Post(ctx, syncDevicesPath, struct{}{})
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("keyservice: sync devices: status %d", resp.StatusCode)
	}
	return s.db.SetNeedsKeySync(false)
}

// SendPreKeys generates a batch of one-time prekeys with ids continuing
// from the persisted count, persists them locally first so a crash
// mid-upload cannot lose or duplicate ids, then uploads the batch.
// No-op while another upload is in flight.
func (s *Service) SendPreKeys(ctx context.Context) error {
	if !s.sendingPreKeys.CompareAndSwap(false, true) {
		return nil
	}
	defer s.sendingPreKeys.Store(false)

	count, err := s.db.CountPreKeys()
	if err != nil {
		return err
	}
	keys, err := s.keys.GeneratePreKeys(uint32(count)+1, preKeyBatchSize)
	if err != nil {
		return fmt.Errorf("keyservice: generate prekeys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.sessions.AddPreKeys(keys); err != nil {
		return err
	}

	deviceID, err := s.db.DeviceID()
	if err != nil {
		return err
	}
	req := uploadKeysRequest{DeviceID: deviceID, List: make([]KeyMaterial, len(keys))}
	for i, k := range keys {
		req.List[i] = KeyMaterial{
			Pub: base64.StdEncoding.EncodeToString(k.PublicKey),
			Tag: FlexID(k.ID),
		}
	}

	resp, err := s.transport.Post(ctx, uploadKeysPath, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("keyservice: upload prekeys: status %d", resp.StatusCode)
	}
	s.log.Info("prekeys uploaded",
		zap.Int("count", len(keys)), zap.Uint32("first_id", keys[0].ID))
	return s.db.SetPreKeysQueued(false)
}

// RequestBundle fetches key bundles for the given recipients. The
// exclusion set is the union of the caller's own identifier and every
// device identifier the caller already has a session for.
func (s *Service) RequestBundle(ctx context.Context, recipients []string) ([]BundleItem, error) {
	exclude, err := s.excludedIdentifiers(recipients)
	if err != nil {
		return nil, err
	}

	resp, err := s.transport.Post(ctx, requestBundlePath, requestBundleRequest{
		Recipients:     recipients,
		ExcludeDevices: exclude,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("keyservice: request bundle: status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("keyservice: request bundle: %w", err)
	}
	var items []BundleItem
	if len(env.Message.Data) > 0 {
		if err := json.Unmarshal(env.Message.Data, &items); err != nil {
			return nil, fmt.Errorf("keyservice: request bundle: %w", err)
		}
	}
	return items, nil
}

func (s *Service) excludedIdentifiers(recipients []string) ([]string, error) {
	exclude := []string{}

	userID, err := s.db.UserID()
	if err != nil {
		return nil, err
	}
	deviceID, err := s.db.DeviceID()
	if err != nil {
		return nil, err
	}
	id, err := s.db.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if userID != "" && id != nil {
		exclude = append(exclude, fmt.Sprintf("%s_%d_%d", userID, id.RegistrationID, deviceID))
	}

	for _, recipient := range recipients {
		ids, err := s.db.BundleIdentifiers(recipient)
		if err != nil {
			return nil, err
		}
		exclude = append(exclude, ids...)
	}
	return exclude, nil
}

// ProcessBundle turns bundle items into sessions, reporting whether at
// least one session was actually added. Items that fail validation or
// that the session layer declines are skipped, not fatal.
func (s *Service) ProcessBundle(items []BundleItem) (bool, error) {
	added := false
	for _, item := range items {
		user, err := item.remoteUser()
		if err != nil {
			s.log.Warn("skipping invalid bundle item", zap.Error(err))
			continue
		}
		ok, err := s.sessions.AddRemoteSession(user)
		if err != nil {
			return added, err
		}
		if ok {
			added = true
		}
	}
	return added, nil
}

// eventKeyShortage signals that the server's one-time prekey pool for
// this device is running low.
const eventKeyShortage = "KEY_SHORTAGE"

// HandleEvent reacts to an out-of-band coordination-service event.
func (s *Service) HandleEvent(ctx context.Context, event string) error {
	switch event {
	case eventKeyShortage:
		s.log.Info("key shortage signaled, replenishing prekeys")
		return s.SendPreKeys(ctx)
	default:
		s.log.Debug("ignoring event", zap.String("event", event))
		return nil
	}
}

// FlushQueued retries work deferred behind sticky flags: a queued
// prekey upload, a pending device sync, and any sessions flagged for a
// refresh.
func (s *Service) FlushQueued(ctx context.Context) error {
	queued, err := s.db.PreKeysQueued()
	if err != nil {
		return err
	}
	if queued {
		if err := s.SendPreKeys(ctx); err != nil {
			return err
		}
	}

	needsSync, err := s.db.NeedsKeySync()
	if err != nil {
		return err
	}
	if needsSync {
		if err := s.SyncRegisteredDevices(ctx); err != nil {
			return err
		}
	}

	identifiers, err := s.db.SessionsToRefresh()
	if err != nil {
		return err
	}
	if len(identifiers) > 0 {
		addrs := make([]ratchet.Address, 0, len(identifiers))
		for _, identifier := range identifiers {
			if addr, ok := store.ParseIdentifier(identifier); ok {
				addrs = append(addrs, addr)
			}
		}
		if err := s.sessions.RefreshSessions(addrs); err != nil {
			return err
		}
		if err := s.db.SetSessionsToRefresh(nil); err != nil {
			return err
		}
	}
	return nil
}
