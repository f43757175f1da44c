package control

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arthurlutz/pantalaimon/internal/shadowclient"
)

type fakeSDK struct {
	devices        []shadowclient.DeviceInfo
	verifyChanged  bool
	exportErr      error
}

func (f *fakeSDK) Login(ctx context.Context, userID, password, deviceDisplayName string) (shadowclient.LoginResult, error) {
	return shadowclient.LoginResult{}, nil
}
func (f *fakeSDK) Authenticate(userID, deviceID, accessToken string) {}
func (f *fakeSDK) Sync(ctx context.Context, since string) (shadowclient.SyncResult, error) {
	<-ctx.Done()
	return shadowclient.SyncResult{}, ctx.Err()
}
func (f *fakeSDK) DecryptSyncBody(b json.RawMessage, o shadowclient.DecryptOptions) (json.RawMessage, error) {
	return b, nil
}
func (f *fakeSDK) DecryptMessagesBody(b json.RawMessage, o shadowclient.DecryptOptions) (json.RawMessage, error) {
	return b, nil
}
func (f *fakeSDK) RoomSend(ctx context.Context, roomID, eventType string, content json.RawMessage, txnID string) (shadowclient.SendResult, error) {
	return shadowclient.SendResult{}, nil
}
func (f *fakeSDK) Rooms() []shadowclient.RoomInfo     { return nil }
func (f *fakeSDK) Devices() []shadowclient.DeviceInfo { return f.devices }
func (f *fakeSDK) VerifyDevice(userID, deviceID string) (bool, error) {
	return f.verifyChanged, nil
}
func (f *fakeSDK) UnverifyDevice(userID, deviceID string) (bool, error) {
	return f.verifyChanged, nil
}
func (f *fakeSDK) AcceptSas(transactionID string) error  { return nil }
func (f *fakeSDK) ConfirmSas(transactionID string) error { return nil }
func (f *fakeSDK) ExportKeys(path, passphrase string) error {
	return f.exportErr
}
func (f *fakeSDK) ImportKeys(path, passphrase string) error {
	return f.exportErr
}
func (f *fakeSDK) Close() error { return nil }

type fakeLookup struct {
	clients map[string]*shadowclient.ShadowClient
}

func (l *fakeLookup) ShadowClient(userID string) (*shadowclient.ShadowClient, bool) {
	c, ok := l.clients[userID]
	return c, ok
}

func runLoop(t *testing.T, lookup *fakeLookup) (chan ControlMessage, chan DaemonResponse) {
	t.Helper()
	in := make(chan ControlMessage, 4)
	out := make(chan DaemonResponse, 4)
	loop := New(in, out, lookup, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	return in, out
}

func TestDispatch_UnknownDeviceVerify(t *testing.T) {
	// spec.md §8 scenario 6.
	sdk := &fakeSDK{}
	client := shadowclient.New("@alice:h", "D", "T", sdk)
	lookup := &fakeLookup{clients: map[string]*shadowclient.ShadowClient{"@alice:h": client}}

	in, out := runLoop(t, lookup)
	in <- DeviceVerify{
		Envelope: Envelope{MessageID: "7", PanUser: "@alice:h"},
		UserID:   "@bob:h",
		DeviceID: "X",
	}

	select {
	case resp := <-out:
		assert.Equal(t, "7", resp.MessageID)
		assert.Equal(t, "@alice:h", resp.PanUser)
		assert.Equal(t, CodeUnknownDevice, resp.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DaemonResponse")
	}
}

func TestDispatch_DeviceVerify_AlreadyVsSuccessfully(t *testing.T) {
	sdk := &fakeSDK{
		devices:       []shadowclient.DeviceInfo{{UserID: "@bob:h", DeviceID: "X"}},
		verifyChanged: true,
	}
	client := shadowclient.New("@alice:h", "D", "T", sdk)
	client.Start(context.Background())
	t.Cleanup(client.Stop)

	// Populate the device table via the same refresh path Start/sync
	// uses, since Devices() is consulted lazily.
	_, _ = client.VerifyDevice("@bob:h", "X")

	lookup := &fakeLookup{clients: map[string]*shadowclient.ShadowClient{"@alice:h": client}}
	in, out := runLoop(t, lookup)

	in <- DeviceVerify{Envelope: Envelope{MessageID: "1", PanUser: "@alice:h"}, UserID: "@bob:h", DeviceID: "X"}
	resp := mustReceive(t, out)
	assert.Equal(t, CodeOK, resp.Code)
	assert.Contains(t, resp.Message, "successfully verified")

	sdk.verifyChanged = false
	in <- DeviceVerify{Envelope: Envelope{MessageID: "2", PanUser: "@alice:h"}, UserID: "@bob:h", DeviceID: "X"}
	resp = mustReceive(t, out)
	assert.Equal(t, CodeOK, resp.Code)
	assert.Contains(t, resp.Message, "already verified")
}

func TestDispatch_SasMessagesProduceNoResponse(t *testing.T) {
	sdk := &fakeSDK{}
	client := shadowclient.New("@alice:h", "D", "T", sdk)
	lookup := &fakeLookup{clients: map[string]*shadowclient.ShadowClient{"@alice:h": client}}

	in, out := runLoop(t, lookup)
	in <- AcceptSas{Envelope: Envelope{MessageID: "2", PanUser: "@alice:h"}, TransactionID: "txn1"}

	select {
	case resp := <-out:
		t.Fatalf("expected no DaemonResponse for a SAS message, got %+v", resp)
	case <-time.After(100 * time.Millisecond):
		// expected: no response
	}
}

func TestDispatch_ExportKeysOSError(t *testing.T) {
	sdk := &fakeSDK{exportErr: assertError("disk full")}
	client := shadowclient.New("@alice:h", "D", "T", sdk)
	lookup := &fakeLookup{clients: map[string]*shadowclient.ShadowClient{"@alice:h": client}}

	in, out := runLoop(t, lookup)
	in <- ExportKeys{Envelope: Envelope{MessageID: "3", PanUser: "@alice:h"}, Path: "/tmp/keys.txt", Passphrase: "p"}

	resp := mustReceive(t, out)
	assert.Equal(t, CodeOSError, resp.Code)
	assert.Contains(t, resp.Message, "disk full")
}

func mustReceive(t *testing.T, out <-chan DaemonResponse) DaemonResponse {
	t.Helper()
	select {
	case resp := <-out:
		return resp
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DaemonResponse")
		return DaemonResponse{}
	}
}

type assertError string

func (e assertError) Error() string { return string(e) }
