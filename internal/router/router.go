// Package router implements the Request Router from spec.md §4.1: an
// HTTP server that classifies downstream requests into a small set of
// intercepted endpoints plus a catch-all verbatim forwarder.
package router

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/arthurlutz/pantalaimon/internal/coordinator"
	"github.com/arthurlutz/pantalaimon/internal/shadowclient"
	"github.com/arthurlutz/pantalaimon/internal/upstream"
	"github.com/arthurlutz/pantalaimon/pkg/logger"
	"github.com/arthurlutz/pantalaimon/pkg/metrics"
	"github.com/arthurlutz/pantalaimon/pkg/store"
)

// SessionManager is the subset of session.Manager the router needs.
type SessionManager interface {
	ClientInfo(tok string) (store.ClientInfo, bool)
	ShadowClient(userID string) (*shadowclient.ShadowClient, bool)
	StartShadowClient(ctx context.Context, accessToken, userIdentifier, userID, password string) error
}

var (
	reMessages = regexp.MustCompile(`/rooms/([^/]+)/messages$`)
	reSend     = regexp.MustCompile(`/rooms/([^/]+)/send/([^/]+)/([^/]+)$`)
	reFilter   = regexp.MustCompile(`/user/([^/]+)/filter$`)
	reLogin    = regexp.MustCompile(`/login$`)
	reSync     = regexp.MustCompile(`/sync$`)
)

// Router classifies and handles downstream HTTP requests.
type Router struct {
	Upstream    *upstream.Client
	Sessions    SessionManager
	Coordinator *coordinator.Coordinator
	Metrics     *metrics.Registry
	log         *logger.Logger
}

// New builds a Router.
func New(up *upstream.Client, sessions SessionManager, coord *coordinator.Coordinator, m *metrics.Registry) *Router {
	return &Router{
		Upstream:    up,
		Sessions:    sessions,
		Coordinator: coord,
		Metrics:     m,
		log:         logger.Global().WithComponent("router"),
	}
}

// ServeHTTP classifies the request and dispatches to the matching
// handler, per spec.md §6.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := rt.log.WithRequestID(requestID)
	path := r.URL.Path

	route := "catchall"
	// The status_class label is always "handled": responses are not
	// classified by status code.
	defer func() {
		if rt.Metrics != nil {
			rt.Metrics.RequestsTotal.WithLabelValues(route, "handled").Inc()
		}
	}()

	switch {
	case r.Method == http.MethodPost && reLogin.MatchString(path):
		route = "login"
		rt.handleLogin(w, r, log)
	case r.Method == http.MethodGet && reSync.MatchString(path):
		route = "sync"
		rt.handleSync(w, r, log)
	case r.Method == http.MethodGet && reMessages.MatchString(path):
		route = "messages"
		rt.handleMessages(w, r, log)
	case r.Method == http.MethodPut && reSend.MatchString(path):
		route = "send"
		rt.handleSend(w, r, log, reSend.FindStringSubmatch(path))
	case r.Method == http.MethodPost && reFilter.MatchString(path):
		route = "filter"
		rt.handleFilter(w, r, log)
	default:
		rt.handleCatchAll(w, r, log)
	}
}

// requireKnownToken implements the auth check shared by Sync,
// Messages, Send and Filter: missing token → 401 M_MISSING_TOKEN,
// unrecognized token → 401 M_UNKNOWN_TOKEN.
func (rt *Router) requireKnownToken(w http.ResponseWriter, r *http.Request) (store.ClientInfo, *shadowclient.ShadowClient, bool) {
	token := ExtractAccessToken(r)
	if token == "" {
		writeMissingToken(w)
		return store.ClientInfo{}, nil, false
	}

	info, ok := rt.Sessions.ClientInfo(token)
	if !ok {
		writeUnknownToken(w)
		return store.ClientInfo{}, nil, false
	}

	client, _ := rt.Sessions.ShadowClient(info.UserID)
	return info, client, true
}

func (rt *Router) handleCatchAll(w http.ResponseWriter, r *http.Request, log *logger.Logger) {
	resp, err := rt.Upstream.ForwardRequest(r, upstream.ForwardOptions{})
	if err != nil {
		log.ErrorEvent(r.Context(), "catch-all forward failed", err)
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeRelayed(w, resp.StatusCode, resp.ContentType, resp.Body)
}
