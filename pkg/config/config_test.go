package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaultsAndFileOverrides(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	path := filepath.Join(dir, "pan.toml")
	contents := `
[proxy]
homeserver_url = "https://matrix.example.org"
listen_addr = "127.0.0.1:9009"
data_dir = "` + dataDir + `"

[store]
passphrase = "s3cret"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://matrix.example.org", cfg.Proxy.HomeserverURL)
	assert.Equal(t, "127.0.0.1:9009", cfg.Proxy.ListenAddr)
	assert.Equal(t, "s3cret", cfg.Store.Passphrase)
	// Unset fields retain DefaultConfig's values.
	assert.Equal(t, "pantalaimon", cfg.Keyring.ServiceName)
	assert.Equal(t, 10*time.Second, cfg.Proxy.DecryptionTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pan.toml")
	contents := `
[proxy]
homeserver_url = "https://from-file.example.org"
listen_addr = "127.0.0.1:9009"
data_dir = "` + dir + `"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	t.Setenv("PAN_HOMESERVER_URL", "https://from-env.example.org")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.org", cfg.Proxy.HomeserverURL)
}

func TestValidate_RejectsMissingHomeserverURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.DataDir = t.TempDir()
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_RejectsMismatchedTLSFiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.HomeserverURL = "https://h"
	cfg.Proxy.DataDir = t.TempDir()
	cfg.Proxy.TLSCertFile = "/tmp/cert.pem"

	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_NonPositiveDecryptionTimeoutFallsBackToDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proxy.HomeserverURL = "https://h"
	cfg.Proxy.DataDir = t.TempDir()
	cfg.Proxy.DecryptionTimeout = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Proxy.DecryptionTimeout)
}
