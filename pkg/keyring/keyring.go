// Package keyring models the host keyring as an external collaborator:
// the shadow clients' own access tokens are never persisted in the
// embedded store (pkg/store), which keeps (hostname, user_id,
// device_id) rows and the downstream tokens' (hostname, access_token,
// user_id) bindings. The keyring holds the shadow-client token itself,
// addressed by a composite account key.
package keyring

import (
	"fmt"

	zkeyring "github.com/zalando/go-keyring"
)

// Keyring stores and retrieves secrets under a (service, account) pair.
type Keyring interface {
	Set(service, account, secret string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// AccountKey builds the composite account key: "<user_id>-<device_id>-token".
func AccountKey(userID, deviceID string) string {
	return fmt.Sprintf("%s-%s-token", userID, deviceID)
}

// OSKeyring is the default Keyring backed by the host's native secret
// store (Secret Service on Linux, Keychain on macOS, Credential Manager
// on Windows) via zalando/go-keyring.
type OSKeyring struct{}

// NewOSKeyring returns the default host-keyring-backed implementation.
func NewOSKeyring() *OSKeyring {
	return &OSKeyring{}
}

func (OSKeyring) Set(service, account, secret string) error {
	if err := zkeyring.Set(service, account, secret); err != nil {
		return fmt.Errorf("keyring set %s/%s: %w", service, account, err)
	}
	return nil
}

func (OSKeyring) Get(service, account string) (string, error) {
	secret, err := zkeyring.Get(service, account)
	if err != nil {
		if err == zkeyring.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("keyring get %s/%s: %w", service, account, err)
	}
	return secret, nil
}

func (OSKeyring) Delete(service, account string) error {
	if err := zkeyring.Delete(service, account); err != nil && err != zkeyring.ErrNotFound {
		return fmt.Errorf("keyring delete %s/%s: %w", service, account, err)
	}
	return nil
}

// MemoryKeyring is an in-memory Keyring for tests and for environments
// with no usable OS secret service (e.g. headless CI).
type MemoryKeyring struct {
	secrets map[string]string
}

// NewMemoryKeyring returns an empty in-memory keyring.
func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{secrets: make(map[string]string)}
}

func (m *MemoryKeyring) key(service, account string) string {
	return service + "\x00" + account
}

func (m *MemoryKeyring) Set(service, account, secret string) error {
	m.secrets[m.key(service, account)] = secret
	return nil
}

func (m *MemoryKeyring) Get(service, account string) (string, error) {
	return m.secrets[m.key(service, account)], nil
}

func (m *MemoryKeyring) Delete(service, account string) error {
	delete(m.secrets, m.key(service, account))
	return nil
}

var _ Keyring = (*OSKeyring)(nil)
var _ Keyring = (*MemoryKeyring)(nil)
