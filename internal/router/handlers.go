package router

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/arthurlutz/pantalaimon/internal/coordinator"
	"github.com/arthurlutz/pantalaimon/internal/shadowclient"
	"github.com/arthurlutz/pantalaimon/internal/upstream"
	"github.com/arthurlutz/pantalaimon/pkg/filter"
	"github.com/arthurlutz/pantalaimon/pkg/logger"
)

type loginBody struct {
	Identifier struct {
		User string `json:"user"`
	} `json:"identifier"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// handleLogin implements spec.md §4.1 Login. Malformed JSON returns
// HTTP 400 M_NOT_JSON uniformly - a deliberate divergence from the
// original's HTTP 500 workaround for an upstream HTTP-library bug
// that no longer applies here, per spec.md §9.
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request, log *logger.Logger) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeNotJSON(w, http.StatusBadRequest)
		return
	}

	var body loginBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeNotJSON(w, http.StatusBadRequest)
		return
	}

	userIdentifier := body.Identifier.User
	if userIdentifier == "" {
		userIdentifier = body.User
	}

	resp, err := rt.Upstream.ForwardRequest(r, upstream.ForwardOptions{OverrideBody: raw})
	if err != nil {
		log.ErrorEvent(r.Context(), "login forward failed", err)
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeRelayed(w, resp.StatusCode, resp.ContentType, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return
	}
	var lr loginResponse
	if err := json.Unmarshal(resp.Body, &lr); err != nil || lr.UserID == "" || lr.AccessToken == "" {
		return
	}

	if err := rt.Sessions.StartShadowClient(r.Context(), lr.AccessToken, userIdentifier, lr.UserID, body.Password); err != nil {
		log.ErrorEvent(r.Context(), "start shadow client failed", err)
	}
}

// handleSync implements spec.md §4.1 Sync: filter rewriting, token
// substitution toward the shadow client's own token, and decryption
// via the Coordinator in sync mode.
func (rt *Router) handleSync(w http.ResponseWriter, r *http.Request, log *logger.Logger) {
	_, client, ok := rt.requireKnownToken(w, r)
	if !ok {
		return
	}

	rewriteFilterParam(r)

	var token string
	if client != nil {
		token = client.AccessToken
	}

	resp, err := rt.Upstream.ForwardRequest(r, upstream.ForwardOptions{SubstituteToken: token})
	if err != nil {
		log.ErrorEvent(r.Context(), "sync forward failed", err)
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	if resp.StatusCode != http.StatusOK || client == nil {
		writeRelayed(w, resp.StatusCode, resp.ContentType, resp.Body)
		return
	}

	decrypted, err := rt.Coordinator.Decrypt(r.Context(), client, coordinator.ModeSync, resp.Body)
	if err != nil {
		writeRelayed(w, resp.StatusCode, resp.ContentType, resp.Body)
		return
	}
	writeRelayed(w, http.StatusOK, "application/json", decrypted)
}

// handleMessages implements spec.md §4.1 Messages: same auth rules as
// Sync but forwarded verbatim (no token rewrite), decrypted in
// messages mode.
func (rt *Router) handleMessages(w http.ResponseWriter, r *http.Request, log *logger.Logger) {
	_, client, ok := rt.requireKnownToken(w, r)
	if !ok {
		return
	}

	resp, err := rt.Upstream.ForwardRequest(r, upstream.ForwardOptions{})
	if err != nil {
		log.ErrorEvent(r.Context(), "messages forward failed", err)
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	if resp.StatusCode != http.StatusOK || client == nil {
		writeRelayed(w, resp.StatusCode, resp.ContentType, resp.Body)
		return
	}

	decrypted, err := rt.Coordinator.Decrypt(r.Context(), client, coordinator.ModeMessages, resp.Body)
	if err != nil {
		writeRelayed(w, resp.StatusCode, resp.ContentType, resp.Body)
		return
	}
	writeRelayed(w, http.StatusOK, "application/json", decrypted)
}

// handleSend implements spec.md §4.1 Send.
func (rt *Router) handleSend(w http.ResponseWriter, r *http.Request, log *logger.Logger, matches []string) {
	_, client, ok := rt.requireKnownToken(w, r)
	if !ok {
		return
	}

	roomID, eventType, txnID := matches[1], matches[2], matches[3]

	var room shadowclient.RoomInfo
	knownRoom := false
	if client != nil {
		room, knownRoom = client.Room(roomID)
	}

	if !knownRoom {
		rt.handleCatchAll(w, r, log)
		return
	}

	if !room.Encrypted {
		resp, err := rt.Upstream.ForwardRequest(r, upstream.ForwardOptions{SubstituteToken: client.AccessToken})
		if err != nil {
			log.ErrorEvent(r.Context(), "send forward failed", err)
			writeError(w, http.StatusInternalServerError, "", err.Error())
			return
		}
		writeRelayed(w, resp.StatusCode, resp.ContentType, resp.Body)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeNotJSON(w, http.StatusBadRequest)
		return
	}
	var content json.RawMessage
	if err := json.Unmarshal(raw, &content); err != nil {
		writeNotJSON(w, http.StatusBadRequest)
		return
	}

	result, err := client.RoomSend(r.Context(), roomID, eventType, content, txnID)
	if err != nil {
		var retryErr *shadowclient.SendRetryError
		if errors.As(err, &retryErr) {
			writeError(w, http.StatusServiceUnavailable, "", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeRelayed(w, result.StatusCode, result.ContentType, result.Body)
}

// handleFilter implements spec.md §4.1 Filter.
func (rt *Router) handleFilter(w http.ResponseWriter, r *http.Request, log *logger.Logger) {
	if _, _, ok := rt.requireKnownToken(w, r); !ok {
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeNotJSON(w, http.StatusBadRequest)
		return
	}

	sanitized, err := filter.SanitizeBytes(raw)
	if err != nil {
		writeNotJSON(w, http.StatusBadRequest)
		return
	}

	resp, err := rt.Upstream.ForwardRequest(r, upstream.ForwardOptions{OverrideBody: sanitized})
	if err != nil {
		log.ErrorEvent(r.Context(), "filter forward failed", err)
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeRelayed(w, resp.StatusCode, resp.ContentType, resp.Body)
}

// rewriteFilterParam rewrites the "filter" query parameter in place
// per spec.md §4.5, leaving it untouched if absent or unparseable.
func rewriteFilterParam(r *http.Request) {
	raw := r.URL.Query().Get("filter")
	if raw == "" {
		return
	}

	sanitized, err := filter.SanitizeBytes([]byte(raw))
	if err != nil {
		return
	}

	q := r.URL.Query()
	q.Set("filter", string(sanitized))
	r.URL.RawQuery = q.Encode()
}
