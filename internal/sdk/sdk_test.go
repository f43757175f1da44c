package sdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthurlutz/pantalaimon/internal/shadowclient"
)

func newTestSession(t *testing.T, h http.Handler) *Session {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	s, err := NewSession(context.Background(), srv.URL, t.TempDir())
	require.NoError(t, err)
	return s.(*Session)
}

func TestLogin_Success(t *testing.T) {
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/login", r.URL.Path)
		var body loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m.login.password", body.Type)
		assert.Equal(t, "pantalaimon", body.InitialDeviceDisplayName)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"@alice:h","device_id":"D1","access_token":"T"}`))
	}))

	result, err := s.Login(context.Background(), "alice", "hunter2", "pantalaimon")
	require.NoError(t, err)
	assert.Equal(t, "@alice:h", result.UserID)
	assert.Equal(t, "D1", result.DeviceID)
}

func TestLogin_NonOKStatusIsError(t *testing.T) {
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN"}`))
	}))

	_, err := s.Login(context.Background(), "alice", "wrong", "pantalaimon")
	assert.Error(t, err)
}

func TestSync_ParsesEncryptedAndUnencryptedRooms(t *testing.T) {
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/sync", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"next_batch": "s1",
			"rooms": {
				"join": {
					"!enc:h": {"state": {"events": [{"type": "m.room.encryption"}]}, "timeline": {"events": []}},
					"!plain:h": {"state": {"events": []}, "timeline": {"events": [{"type": "m.room.message"}]}}
				}
			}
		}`))
	}))

	result, err := s.Sync(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "s1", result.NextBatch)

	byRoom := map[string]shadowclient.RoomInfo{}
	for _, r := range result.Rooms {
		byRoom[r.RoomID] = r
	}
	require.Contains(t, byRoom, "!enc:h")
	require.Contains(t, byRoom, "!plain:h")
	assert.True(t, byRoom["!enc:h"].Encrypted)
	assert.False(t, byRoom["!plain:h"].Encrypted)

	rooms := s.Rooms()
	assert.Len(t, rooms, 2)
}

func TestSync_SinceParamForwarded(t *testing.T) {
	var gotSince string
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"next_batch":"s2","rooms":{"join":{}}}`))
	}))

	_, err := s.Sync(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", gotSince)
}

func TestRoomSend_RateLimitReturnsSendRetryError(t *testing.T) {
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errcode":"M_LIMIT_EXCEEDED"}`))
	}))

	_, err := s.RoomSend(context.Background(), "!a:h", "m.room.message", json.RawMessage(`{}`), "txn1")
	require.Error(t, err)
	var retryErr *shadowclient.SendRetryError
	assert.ErrorAs(t, err, &retryErr)
}

func TestRoomSend_SuccessRelaysBody(t *testing.T) {
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/rooms/!a:h/send/m.room.message/txn1", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"body":"hi"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event_id":"$1"}`))
	}))

	result, err := s.RoomSend(context.Background(), "!a:h", "m.room.message", json.RawMessage(`{"body":"hi"}`), "txn1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.JSONEq(t, `{"event_id":"$1"}`, string(result.Body))
}

func TestDecryptSyncBody_StrictPassesThroughWhenNothingToDecrypt(t *testing.T) {
	s := newTestSession(t, http.NotFoundHandler())

	result, err := s.DecryptSyncBody(json.RawMessage(`{}`), shadowclient.DecryptOptions{Lenient: false})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))

	result, err = s.DecryptSyncBody(
		json.RawMessage(`{"rooms":{"join":{"!a:h":{"timeline":{"events":[{"type":"m.room.message"}]}}}}}`),
		shadowclient.DecryptOptions{Lenient: false},
	)
	require.NoError(t, err)
	assert.Contains(t, string(result), "m.room.message")
}

func TestDecryptSyncBody_StrictFailsWhenCiphertextPresent(t *testing.T) {
	s := newTestSession(t, http.NotFoundHandler())

	_, err := s.DecryptSyncBody(
		json.RawMessage(`{"rooms":{"join":{"!a:h":{"timeline":{"events":[{"type":"m.room.encrypted"}]}}}}}`),
		shadowclient.DecryptOptions{Lenient: false},
	)
	assert.ErrorIs(t, err, ErrCryptoUnavailable)

	lenient, err := s.DecryptSyncBody(
		json.RawMessage(`{"rooms":{"join":{"!a:h":{"timeline":{"events":[{"type":"m.room.encrypted"}]}}}}}`),
		shadowclient.DecryptOptions{Lenient: true},
	)
	require.NoError(t, err)
	assert.Contains(t, string(lenient), "m.room.encrypted")
}

func TestCryptoMethods_ReturnErrCryptoUnavailable(t *testing.T) {
	s := newTestSession(t, http.NotFoundHandler())

	_, err := s.VerifyDevice("@bob:h", "X")
	assert.ErrorIs(t, err, ErrCryptoUnavailable)

	assert.ErrorIs(t, s.AcceptSas("txn"), ErrCryptoUnavailable)
	assert.ErrorIs(t, s.ExportKeys("/tmp/x", "p"), ErrCryptoUnavailable)
	assert.Nil(t, s.Devices())
}

func TestLogin_ReturnsShadowClientsOwnAccessToken(t *testing.T) {
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"@alice:h","device_id":"D1","access_token":"SHADOW_TOKEN"}`))
	}))

	result, err := s.Login(context.Background(), "alice", "hunter2", "pantalaimon")
	require.NoError(t, err)
	assert.Equal(t, "SHADOW_TOKEN", result.AccessToken)
}

func TestAuthenticate_InjectsTokenUsedBySync(t *testing.T) {
	var gotAuth string
	s := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"next_batch":"s1","rooms":{"join":{}}}`))
	}))

	s.Authenticate("@alice:h", "D1", "RESTORED_TOKEN")
	_, err := s.Sync(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer RESTORED_TOKEN", gotAuth)
}
