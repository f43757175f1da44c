// Package sdk is the concrete implementation of the
// shadowclient.SDK collaborator: the thin non-cryptographic slice of
// the chat-protocol client (login, sync transport, room-send
// transport). The olm/megolm ratchets, SAS interactive verification
// and device cross-signing are explicitly out of scope per spec.md
// §1 ("owned entirely by an external SDK collaborator") - this
// package's Verify*/Sas*/*Keys methods, and Decrypt* when a body
// genuinely contains ciphertext, are the seam where a real crypto SDK
// (e.g. a Rust-SDK FFI binding) would be plugged in; here they report
// a clear "not available" error rather than fabricating cryptography
// the daemon never actually performs.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arthurlutz/pantalaimon/internal/shadowclient"
)

// ErrCryptoUnavailable is returned by every method this package
// cannot honestly implement without an embedded olm/megolm/SAS
// engine.
var ErrCryptoUnavailable = fmt.Errorf("sdk: cryptographic operation requires an external SDK collaborator")

// Session is a minimal Matrix client-server API transport: login,
// long-poll sync, and room-send requests against a single homeserver.
type Session struct {
	homeserverURL string
	httpClient    *http.Client

	mu       sync.RWMutex
	userID   string
	deviceID string
	token    string
	rooms    map[string]shadowclient.RoomInfo
}

// NewSession is a session.SDKFactory: it constructs a fresh,
// unauthenticated Session rooted at homeserverURL. dataDir is unused
// here (the olm/megolm on-disk store belongs to the crypto SDK this
// package does not implement) but is accepted to satisfy the factory
// signature every real SDK binding would need it for.
func NewSession(ctx context.Context, homeserverURL, dataDir string) (shadowclient.SDK, error) {
	return &Session{
		homeserverURL: strings.TrimRight(homeserverURL, "/"),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		rooms:         make(map[string]shadowclient.RoomInfo),
	}, nil
}

type loginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	InitialDeviceDisplayName string `json:"initial_device_display_name"`
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
}

// Login performs m.login.password against the homeserver.
func (s *Session) Login(ctx context.Context, userID, password, deviceDisplayName string) (shadowclient.LoginResult, error) {
	body, err := json.Marshal(loginRequest{
		Type:                     "m.login.password",
		User:                     userID,
		Password:                 password,
		InitialDeviceDisplayName: deviceDisplayName,
	})
	if err != nil {
		return shadowclient.LoginResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.homeserverURL+"/_matrix/client/v3/login", bytes.NewReader(body))
	if err != nil {
		return shadowclient.LoginResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return shadowclient.LoginResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return shadowclient.LoginResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return shadowclient.LoginResult{}, fmt.Errorf("sdk: login failed with status %d: %s", resp.StatusCode, data)
	}

	var lr loginResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return shadowclient.LoginResult{}, err
	}

	s.mu.Lock()
	s.userID, s.deviceID, s.token = lr.UserID, lr.DeviceID, lr.AccessToken
	s.mu.Unlock()

	return shadowclient.LoginResult{UserID: lr.UserID, DeviceID: lr.DeviceID, AccessToken: lr.AccessToken}, nil
}

// Authenticate injects a previously-obtained session, used when
// restoring a shadow client from persisted state rather than logging
// in again.
func (s *Session) Authenticate(userID, deviceID, accessToken string) {
	s.mu.Lock()
	s.userID, s.deviceID, s.token = userID, deviceID, accessToken
	s.mu.Unlock()
}

type stateEvent struct {
	Type string `json:"type"`
}

type syncJoinedRoom struct {
	State struct {
		Events []stateEvent `json:"events"`
	} `json:"state"`
	Timeline struct {
		Events []stateEvent `json:"events"`
	} `json:"timeline"`
}

func (r syncJoinedRoom) isEncrypted() bool {
	for _, e := range r.State.Events {
		if e.Type == "m.room.encryption" {
			return true
		}
	}
	for _, e := range r.Timeline.Events {
		if e.Type == "m.room.encryption" {
			return true
		}
	}
	return false
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]syncJoinedRoom `json:"join"`
	} `json:"rooms"`
}

// Sync performs one long-poll /sync round.
func (s *Session) Sync(ctx context.Context, since string) (shadowclient.SyncResult, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	url := fmt.Sprintf("%s/_matrix/client/v3/sync?timeout=30000", s.homeserverURL)
	if since != "" {
		url += "&since=" + since
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return shadowclient.SyncResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return shadowclient.SyncResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return shadowclient.SyncResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return shadowclient.SyncResult{}, fmt.Errorf("sdk: sync failed with status %d: %s", resp.StatusCode, data)
	}

	var sr syncResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return shadowclient.SyncResult{}, err
	}

	rooms := make([]shadowclient.RoomInfo, 0, len(sr.Rooms.Join))
	for roomID, joined := range sr.Rooms.Join {
		rooms = append(rooms, shadowclient.RoomInfo{RoomID: roomID, Encrypted: joined.isEncrypted()})
	}

	s.mu.Lock()
	for _, r := range rooms {
		s.rooms[r.RoomID] = r
	}
	s.mu.Unlock()

	return shadowclient.SyncResult{Rooms: rooms, RawBody: data, NextBatch: sr.NextBatch}, nil
}

// DecryptSyncBody cannot actually decrypt megolm ciphertext: that
// requires the olm/megolm engine this package does not carry. A body
// with no m.room.encrypted event has nothing for that engine to do,
// so it passes through untouched even in strict mode; only a body
// that genuinely contains ciphertext this stub can't handle fails
// strict mode.
func (s *Session) DecryptSyncBody(body json.RawMessage, opts shadowclient.DecryptOptions) (json.RawMessage, error) {
	if opts.Lenient || !containsEncryptedEvent(body) {
		return body, nil
	}
	return nil, ErrCryptoUnavailable
}

// DecryptMessagesBody mirrors DecryptSyncBody for the messages mode.
func (s *Session) DecryptMessagesBody(body json.RawMessage, opts shadowclient.DecryptOptions) (json.RawMessage, error) {
	if opts.Lenient || !containsEncryptedEvent(body) {
		return body, nil
	}
	return nil, ErrCryptoUnavailable
}

// containsEncryptedEvent reports whether body contains at least one
// event of type m.room.encrypted, searched structurally rather than
// by a fixed key path so it matches both the /sync and
// /rooms/{id}/messages response shapes.
func containsEncryptedEvent(body json.RawMessage) bool {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return false
	}
	return hasEncryptedEventType(v)
}

func hasEncryptedEventType(v interface{}) bool {
	switch t := v.(type) {
	case map[string]interface{}:
		if typ, ok := t["type"].(string); ok && typ == "m.room.encrypted" {
			return true
		}
		for _, child := range t {
			if hasEncryptedEventType(child) {
				return true
			}
		}
	case []interface{}:
		for _, item := range t {
			if hasEncryptedEventType(item) {
				return true
			}
		}
	}
	return false
}

// RoomSend PUTs an event into a room via the client-server API. A 429
// response is returned as a SendRetryError straight away; RoomSend
// does not retry.
func (s *Session) RoomSend(ctx context.Context, roomID, eventType string, content json.RawMessage, txnID string) (shadowclient.SendResult, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if txnID == "" {
		txnID = fmt.Sprintf("m%d", time.Now().UnixMilli())
	}

	url := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/%s/%s", s.homeserverURL, roomID, eventType, txnID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(content))
	if err != nil {
		return shadowclient.SendResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return shadowclient.SendResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return shadowclient.SendResult{}, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return shadowclient.SendResult{}, &shadowclient.SendRetryError{Err: fmt.Errorf("rate limited: %s", data)}
	}

	return shadowclient.SendResult{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

// Rooms returns every room observed by any sync round so far.
func (s *Session) Rooms() []shadowclient.RoomInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]shadowclient.RoomInfo, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Devices returns no devices: cross-signing/device tracking belongs
// to the crypto SDK this package does not implement.
func (s *Session) Devices() []shadowclient.DeviceInfo { return nil }

func (s *Session) VerifyDevice(userID, deviceID string) (bool, error)   { return false, ErrCryptoUnavailable }
func (s *Session) UnverifyDevice(userID, deviceID string) (bool, error) { return false, ErrCryptoUnavailable }
func (s *Session) AcceptSas(transactionID string) error                 { return ErrCryptoUnavailable }
func (s *Session) ConfirmSas(transactionID string) error                { return ErrCryptoUnavailable }
func (s *Session) ExportKeys(path, passphrase string) error             { return ErrCryptoUnavailable }
func (s *Session) ImportKeys(path, passphrase string) error             { return ErrCryptoUnavailable }

// Close releases the session. There is no persistent connection to
// tear down beyond the shared *http.Client.
func (s *Session) Close() error { return nil }

var _ shadowclient.SDK = (*Session)(nil)
