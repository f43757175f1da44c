// Package session implements the Session Manager from spec.md §4.4:
// it tracks the shadow-client table and the client_info (access token
// → user_id) table, restoring clients on startup, creating them on
// login, and shutting them down on teardown.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arthurlutz/pantalaimon/internal/shadowclient"
	"github.com/arthurlutz/pantalaimon/pkg/keyring"
	"github.com/arthurlutz/pantalaimon/pkg/logger"
	"github.com/arthurlutz/pantalaimon/pkg/store"
)

// SDKFactory constructs a new, not-yet-authenticated SDK session
// rooted at dataDir against homeserverURL. It is the seam through
// which the real chat-protocol SDK is injected; tests inject a fake.
type SDKFactory func(ctx context.Context, homeserverURL, dataDir string) (shadowclient.SDK, error)

// Manager owns the shadow-client table and the client_info table for
// one ProxyInstance's hostname.
type Manager struct {
	hostname      string
	homeserverURL string
	dataDir       string

	store      *store.Store
	keyring    keyring.Keyring
	keyringSvc string
	newSDK     SDKFactory
	log        *logger.Logger

	mu      sync.RWMutex
	clients map[string]*shadowclient.ShadowClient // keyed by user_id
	info    map[string]store.ClientInfo           // keyed by access_token
}

// NewManager constructs a Manager. Call RestoreAll afterward to
// repopulate state from the persistent store.
func NewManager(hostname, homeserverURL, dataDir string, st *store.Store, kr keyring.Keyring, keyringSvc string, newSDK SDKFactory) *Manager {
	return &Manager{
		hostname:      hostname,
		homeserverURL: homeserverURL,
		dataDir:       dataDir,
		store:         st,
		keyring:       kr,
		keyringSvc:    keyringSvc,
		newSDK:        newSDK,
		log:           logger.Global().WithComponent("session"),
		clients:       make(map[string]*shadowclient.ShadowClient),
		info:          make(map[string]store.ClientInfo),
	}
}

// ClientInfo looks up the access-token binding for tok.
func (m *Manager) ClientInfo(tok string) (store.ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ci, ok := m.info[tok]
	return ci, ok
}

// ShadowClient returns the shadow client for userID, if one exists.
func (m *Manager) ShadowClient(userID string) (*shadowclient.ShadowClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[userID]
	return c, ok
}

// Count returns the number of live shadow clients, used by
// pan/metrics's active-client gauge.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// RestoreAll reconstructs shadow clients for every (user_id, device_id)
// persisted for this hostname, per spec.md §4.4's startup restoration:
// fetch the token from keyring, skip with a warning if missing,
// otherwise construct, inject, and start the sync loop.
func (m *Manager) RestoreAll(ctx context.Context) error {
	users, err := m.store.LoadUsers(ctx, m.hostname)
	if err != nil {
		return fmt.Errorf("session: load users: %w", err)
	}

	clientInfos, err := m.store.LoadClients(ctx, m.hostname)
	if err != nil {
		return fmt.Errorf("session: load clients: %w", err)
	}
	m.mu.Lock()
	for tok, ci := range clientInfos {
		m.info[tok] = ci
	}
	m.mu.Unlock()

	for _, pair := range users {
		userID, deviceID := pair[0], pair[1]
		account := keyring.AccountKey(userID, deviceID)
		token, err := m.keyring.Get(m.keyringSvc, account)
		if err != nil || token == "" {
			m.log.WithUser(userID).SecurityEvent(ctx, "restore_skipped",
				slog.String("reason", "keyring entry missing"))
			continue
		}

		sdk, err := m.newSDK(ctx, m.homeserverURL, m.dataDir)
		if err != nil {
			m.log.ErrorEvent(ctx, "restore shadow client: sdk init failed", err)
			continue
		}
		sdk.Authenticate(userID, deviceID, token)

		client := shadowclient.New(userID, deviceID, token, sdk)
		client.Start(ctx)

		m.mu.Lock()
		m.clients[userID] = client
		m.info[token] = store.ClientInfo{UserID: userID, AccessToken: token}
		m.mu.Unlock()
	}

	return nil
}

// StartShadowClient implements spec.md §4.4's start_shadow_client:
// persist ClientInfo, persist the (hostname, user_id) hint, and - if
// no shadow client for user_id exists yet - log in and start one. If
// one already exists, the new token is simply aliased to it.
func (m *Manager) StartShadowClient(ctx context.Context, accessToken, userIdentifier, userID, password string) error {
	if err := m.store.SaveClient(ctx, m.hostname, store.ClientInfo{UserID: userID, AccessToken: accessToken}); err != nil {
		return fmt.Errorf("session: persist client info: %w", err)
	}
	if err := m.store.SaveServerUser(ctx, m.hostname, userID); err != nil {
		return fmt.Errorf("session: persist server user: %w", err)
	}

	m.mu.Lock()
	m.info[accessToken] = store.ClientInfo{UserID: userID, AccessToken: accessToken}
	_, exists := m.clients[userID]
	m.mu.Unlock()

	if exists {
		return nil
	}

	sdk, err := m.newSDK(ctx, m.homeserverURL, m.dataDir)
	if err != nil {
		return fmt.Errorf("session: sdk init: %w", err)
	}

	result, err := shadowclient.Login(ctx, sdk, userIdentifier, password)
	if err != nil {
		sdk.Close()
		return fmt.Errorf("session: shadow client login failed: %w", err)
	}

	if err := m.keyring.Set(m.keyringSvc, keyring.AccountKey(result.UserID, result.DeviceID), result.AccessToken); err != nil {
		sdk.Close()
		return fmt.Errorf("session: store token in keyring: %w", err)
	}
	if err := m.store.SaveServerUserDevice(ctx, m.hostname, result.UserID, result.DeviceID); err != nil {
		m.log.ErrorEvent(ctx, "persist device id failed", err)
	}

	client := shadowclient.New(result.UserID, result.DeviceID, result.AccessToken, sdk)
	client.Start(ctx)

	m.mu.Lock()
	m.clients[result.UserID] = client
	m.mu.Unlock()

	return nil
}

// Shutdown stops and closes every shadow client.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := make([]*shadowclient.ShadowClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*shadowclient.ShadowClient)
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			m.log.ErrorEvent(context.Background(), "shadow client close failed", err)
		}
	}
}
