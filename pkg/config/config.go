// Package config loads and validates the proxy daemon's TOML
// configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalidConfig wraps every validation failure so callers can
// errors.Is against a single sentinel.
var ErrInvalidConfig = fmt.Errorf("invalid configuration")

// ProxyConfig configures one ProxyInstance.
type ProxyConfig struct {
	Name              string        `toml:"name" env:"PAN_NAME"`
	HomeserverURL     string        `toml:"homeserver_url" env:"PAN_HOMESERVER_URL"`
	ListenAddr        string        `toml:"listen_addr" env:"PAN_LISTEN_ADDR"`
	DataDir           string        `toml:"data_dir" env:"PAN_DATA_DIR"`
	OutboundProxyURL  string        `toml:"outbound_proxy_url" env:"PAN_OUTBOUND_PROXY_URL"`
	TLSCertFile       string        `toml:"tls_cert_file" env:"PAN_TLS_CERT_FILE"`
	TLSKeyFile        string        `toml:"tls_key_file" env:"PAN_TLS_KEY_FILE"`
	DecryptionTimeout time.Duration `toml:"decryption_timeout" env:"PAN_DECRYPTION_TIMEOUT"`
}

// StoreConfig configures the persistent store.
type StoreConfig struct {
	DBPath        string `toml:"db_path" env:"PAN_STORE_DB_PATH"`
	SaltFile      string `toml:"salt_file" env:"PAN_STORE_SALT_FILE"`
	Passphrase    string `toml:"passphrase" env:"PAN_STORE_PASSPHRASE"`
	AuditLedgerDB string `toml:"audit_ledger_db" env:"PAN_AUDIT_LEDGER_DB"`
}

// KeyringConfig configures the keyring collaborator.
type KeyringConfig struct {
	ServiceName string `toml:"service_name" env:"PAN_KEYRING_SERVICE"`
}

// ControlConfig configures the control-message websocket listener.
type ControlConfig struct {
	ListenAddr string `toml:"listen_addr" env:"PAN_CONTROL_LISTEN_ADDR"`
	Path       string `toml:"path" env:"PAN_CONTROL_PATH"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `toml:"level" env:"PAN_LOG_LEVEL"`
	Format string `toml:"format" env:"PAN_LOG_FORMAT"`
	Output string `toml:"output" env:"PAN_LOG_OUTPUT"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" env:"PAN_METRICS_ENABLED"`
	ListenAddr string `toml:"listen_addr" env:"PAN_METRICS_LISTEN_ADDR"`
}

// Config is the root configuration document.
type Config struct {
	Proxy   ProxyConfig   `toml:"proxy"`
	Store   StoreConfig   `toml:"store"`
	Keyring KeyringConfig `toml:"keyring"`
	Control ControlConfig `toml:"control"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// DefaultConfig returns a Config with the documented defaults applied.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".pantalaimon")

	return &Config{
		Proxy: ProxyConfig{
			Name:              "default",
			ListenAddr:        "127.0.0.1:8009",
			DataDir:           dataDir,
			DecryptionTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DBPath:        filepath.Join(dataDir, "pan.db"),
			SaltFile:      filepath.Join(dataDir, "pan.salt"),
			AuditLedgerDB: filepath.Join(dataDir, "control_audit.db"),
		},
		Keyring: KeyringConfig{
			ServiceName: "pantalaimon",
		},
		Control: ControlConfig{
			ListenAddr: "127.0.0.1:8010",
			Path:       "/control",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8011",
		},
	}
}

// Load reads a TOML configuration file, merges it onto DefaultConfig,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides reads PAN_HOMESERVER_URL, PAN_LISTEN_ADDR,
// PAN_DATA_DIR, PAN_STORE_PASSPHRASE and PAN_LOG_LEVEL. The env tags on
// the other fields are not read.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PAN_HOMESERVER_URL"); v != "" {
		cfg.Proxy.HomeserverURL = v
	}
	if v := os.Getenv("PAN_LISTEN_ADDR"); v != "" {
		cfg.Proxy.ListenAddr = v
	}
	if v := os.Getenv("PAN_DATA_DIR"); v != "" {
		cfg.Proxy.DataDir = v
	}
	if v := os.Getenv("PAN_STORE_PASSPHRASE"); v != "" {
		cfg.Store.Passphrase = v
	}
	if v := os.Getenv("PAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration is complete and usable.
func (c *Config) Validate() error {
	if c.Proxy.HomeserverURL == "" {
		return fmt.Errorf("%w: proxy.homeserver_url is required", ErrInvalidConfig)
	}
	if c.Proxy.ListenAddr == "" {
		return fmt.Errorf("%w: proxy.listen_addr is required", ErrInvalidConfig)
	}
	if c.Proxy.DataDir == "" {
		return fmt.Errorf("%w: proxy.data_dir is required", ErrInvalidConfig)
	}
	if c.Proxy.DecryptionTimeout <= 0 {
		c.Proxy.DecryptionTimeout = 10 * time.Second
	}
	if (c.Proxy.TLSCertFile == "") != (c.Proxy.TLSKeyFile == "") {
		return fmt.Errorf("%w: tls_cert_file and tls_key_file must both be set or both empty", ErrInvalidConfig)
	}

	if err := validateDirectoryWritable(c.Proxy.DataDir); err != nil {
		return fmt.Errorf("%w: data_dir not writable: %v", ErrInvalidConfig, err)
	}

	if c.Store.DBPath == "" {
		return fmt.Errorf("%w: store.db_path is required", ErrInvalidConfig)
	}
	if c.Keyring.ServiceName == "" {
		return fmt.Errorf("%w: keyring.service_name is required", ErrInvalidConfig)
	}

	return nil
}

func validateDirectoryWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}
