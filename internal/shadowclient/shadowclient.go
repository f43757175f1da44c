package shadowclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arthurlutz/pantalaimon/pkg/logger"
)

const deviceDisplayName = "pantalaimon"

// ShadowClient is a long-lived background authenticated session, per
// spec.md §3/§4.4. AccessToken and DeviceID are fixed for its
// lifetime; exactly one ShadowClient exists per user_id per
// ProxyInstance (enforced by the Session Manager, not this type).
type ShadowClient struct {
	UserID      string
	DeviceID    string
	AccessToken string

	sdk    SDK
	synced *syncedSignal
	log    *logger.Logger

	mu      sync.RWMutex
	rooms   map[string]RoomInfo
	devices map[[2]string]DeviceInfo

	nextBatch string

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a ShadowClient around an already-authenticated SDK
// session. The sync loop is not started until Start is called.
func New(userID, deviceID, accessToken string, sdk SDK) *ShadowClient {
	return &ShadowClient{
		UserID:      userID,
		DeviceID:    deviceID,
		AccessToken: accessToken,
		sdk:         sdk,
		synced:      newSyncedSignal(),
		log:         logger.Global().WithComponent("shadowclient").WithUser(userID),
		rooms:       make(map[string]RoomInfo),
		devices:     make(map[[2]string]DeviceInfo),
	}
}

// Synced returns the "synced" edge signal for this client.
func (c *ShadowClient) Synced() interface{ Wait() <-chan struct{} } {
	return c.synced
}

// Room returns the tracked RoomInfo for roomID, if known.
func (c *ShadowClient) Room(roomID string) (RoomInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[roomID]
	return r, ok
}

// Device returns the tracked DeviceInfo for (userID, deviceID), if known.
func (c *ShadowClient) Device(userID, deviceID string) (DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[[2]string{userID, deviceID}]
	return d, ok
}

func (c *ShadowClient) applyRooms(rooms []RoomInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rooms {
		// Encryption can only ever be turned on for a room, never
		// off, so a round that reports no encryption event for an
		// already-encrypted room must not clear the flag.
		if existing, ok := c.rooms[r.RoomID]; ok && existing.Encrypted {
			r.Encrypted = true
		}
		c.rooms[r.RoomID] = r
	}
}

func (c *ShadowClient) applyDevices(devices []DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range devices {
		c.devices[[2]string{d.UserID, d.DeviceID}] = d
	}
}

func (c *ShadowClient) refreshFromSDK() {
	c.applyRooms(c.sdk.Rooms())
	c.applyDevices(c.sdk.Devices())
}

// Start launches the background sync loop. It returns once the loop
// goroutine is running; the loop itself runs until ctx is canceled or
// Stop is called.
func (c *ShadowClient) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.syncLoop(loopCtx)
}

// Stop cancels the sync loop and waits for it to exit.
func (c *ShadowClient) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// Close stops the sync loop and releases the underlying SDK session.
func (c *ShadowClient) Close() error {
	c.Stop()
	return c.sdk.Close()
}

// syncLoop runs one long-poll /sync round per iteration, firing the
// "synced" edge at the end of each completed round, per spec.md §9.
// Unlike a ticker-driven poll, a round begins as soon as the previous
// one completes (or after a backoff delay on failure) rather than on a
// fixed schedule, matching the long-poll semantics of the protocol's
// own sync endpoint; a rate limiter still caps the loop at one round
// per second.
func (c *ShadowClient) syncLoop(ctx context.Context) {
	defer close(c.done)

	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		result, err := c.sdk.Sync(ctx, c.nextBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.ErrorEvent(ctx, "sync round failed", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		c.nextBatch = result.NextBatch
		c.applyRooms(result.Rooms)
		c.refreshFromSDK()
		c.synced.Fire()
	}
}

// DecryptSyncBody decrypts a raw /sync response body in the given
// leniency mode.
func (c *ShadowClient) DecryptSyncBody(body json.RawMessage, opts DecryptOptions) (json.RawMessage, error) {
	return c.sdk.DecryptSyncBody(body, opts)
}

// DecryptMessagesBody decrypts a raw /rooms/{id}/messages response
// body in the given leniency mode.
func (c *ShadowClient) DecryptMessagesBody(body json.RawMessage, opts DecryptOptions) (json.RawMessage, error) {
	return c.sdk.DecryptMessagesBody(body, opts)
}

// RoomSend sends an event into an encrypted room via the SDK.
func (c *ShadowClient) RoomSend(ctx context.Context, roomID, eventType string, content json.RawMessage, txnID string) (SendResult, error) {
	return c.sdk.RoomSend(ctx, roomID, eventType, content, txnID)
}

// VerifyDevice marks (userID, deviceID) verified. changed is false if
// the device was already verified.
func (c *ShadowClient) VerifyDevice(userID, deviceID string) (changed bool, err error) {
	changed, err = c.sdk.VerifyDevice(userID, deviceID)
	if err == nil {
		c.refreshFromSDK()
	}
	return changed, err
}

// UnverifyDevice marks (userID, deviceID) unverified. changed is false
// if the device was already unverified.
func (c *ShadowClient) UnverifyDevice(userID, deviceID string) (changed bool, err error) {
	changed, err = c.sdk.UnverifyDevice(userID, deviceID)
	if err == nil {
		c.refreshFromSDK()
	}
	return changed, err
}

// AcceptSas delegates to the SDK's SAS accept step. No response is
// produced here; subsequent state changes flow as SDK-originated
// events, per spec.md §4.5.
func (c *ShadowClient) AcceptSas(transactionID string) error {
	return c.sdk.AcceptSas(transactionID)
}

// ConfirmSas delegates to the SDK's SAS confirm step.
func (c *ShadowClient) ConfirmSas(transactionID string) error {
	return c.sdk.ConfirmSas(transactionID)
}

// ExportKeys writes the shadow client's olm/megolm key material to
// path, encrypted with passphrase.
func (c *ShadowClient) ExportKeys(path, passphrase string) error {
	return c.sdk.ExportKeys(path, passphrase)
}

// ImportKeys reads key material from path, decrypting with
// passphrase.
func (c *ShadowClient) ImportKeys(path, passphrase string) error {
	return c.sdk.ImportKeys(path, passphrase)
}

// Login performs the SDK login call with the fixed device display
// name the daemon always presents, per spec.md §4.4.
func Login(ctx context.Context, sdk SDK, userID, password string) (LoginResult, error) {
	result, err := sdk.Login(ctx, userID, password, deviceDisplayName)
	if err != nil {
		return LoginResult{}, fmt.Errorf("shadowclient login: %w", err)
	}
	return result, nil
}
