// Package shadowclient implements the background per-user session
// described in spec.md §4.4 ("Shadow Client"). The actual Matrix
// cryptography (login, sync, olm/megolm, SAS) is modeled as an
// external collaborator behind the SDK interface; this package owns
// only the coordination around it: the room/device tables, the
// "synced" edge signal, and the sync loop.
package shadowclient

import (
	"context"
	"encoding/json"
)

// RoomInfo is the per-room state the shadow client tracks, per
// spec.md §3.
type RoomInfo struct {
	RoomID    string
	Encrypted bool
}

// DeviceInfo is a cross-signing/device verification record, keyed by
// (UserID, DeviceID) in the shadow client's device store.
type DeviceInfo struct {
	UserID   string
	DeviceID string
	Verified bool
}

// LoginResult is the SDK's response to a login attempt. AccessToken is
// the shadow client's own token, distinct from whatever token the
// downstream caller presented - upstream requests are always forwarded
// under this token, never the downstream one.
type LoginResult struct {
	UserID      string
	DeviceID    string
	AccessToken string
}

// SyncResult is one completed sync round's effect on shadow-client
// state: newly observed rooms and their encryption status.
type SyncResult struct {
	Rooms       []RoomInfo
	RawBody     json.RawMessage
	NextBatch   string
}

// SendResult is the SDK's response to a room_send call, mirrored back
// to the downstream HTTP caller per spec.md §4.1 Send.
type SendResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// SendRetryError indicates the SDK exhausted its internal send
// retries; the router maps this to HTTP 503 per spec.md §7.
type SendRetryError struct {
	Err error
}

func (e *SendRetryError) Error() string { return "send retry exhausted: " + e.Err.Error() }
func (e *SendRetryError) Unwrap() error { return e.Err }

// DecryptOptions controls one decryption attempt.
type DecryptOptions struct {
	// Lenient, when true, leaves undecryptable events in place
	// instead of failing the whole call.
	Lenient bool
}

// SDK is the external chat-protocol collaborator: login, sync,
// room-send, and the olm/megolm/SAS crypto machinery. The core never
// reimplements any of this - it only sequences calls into it.
type SDK interface {
	Login(ctx context.Context, userID, password, deviceDisplayName string) (LoginResult, error)

	// Authenticate injects a previously-obtained session (user_id,
	// device_id, access_token) into a freshly constructed SDK instance
	// without performing a new login, used when restoring a shadow
	// client from persisted state on startup.
	Authenticate(userID, deviceID, accessToken string)

	Sync(ctx context.Context, since string) (SyncResult, error)

	// DecryptSyncBody and DecryptMessagesBody replace ciphertext
	// events in a raw /sync or /rooms/{id}/messages response body
	// with their plaintext equivalents, using currently available
	// key material. Both return an error when any event could not be
	// decrypted and opts.Lenient is false.
	DecryptSyncBody(body json.RawMessage, opts DecryptOptions) (json.RawMessage, error)
	DecryptMessagesBody(body json.RawMessage, opts DecryptOptions) (json.RawMessage, error)

	RoomSend(ctx context.Context, roomID, eventType string, content json.RawMessage, txnID string) (SendResult, error)

	Rooms() []RoomInfo
	Devices() []DeviceInfo

	VerifyDevice(userID, deviceID string) (changed bool, err error)
	UnverifyDevice(userID, deviceID string) (changed bool, err error)

	AcceptSas(transactionID string) error
	ConfirmSas(transactionID string) error

	ExportKeys(path, passphrase string) error
	ImportKeys(path, passphrase string) error

	Close() error
}
