// Package store implements the proxy's persistent state: per-hostname
// bindings of (user_id, device_id) and (access_token, user_id). The
// shadow clients' own access tokens never live here; they are held by
// the keyring collaborator (pkg/keyring). The (user_id, device_id) rows
// tell the Session Manager which keyring entries to look up on restart;
// the (access_token, user_id) rows hold the tokens downstream clients
// presented at login.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"golang.org/x/crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha512"
)

const (
	saltLength    = 32
	pbkdf2Rounds  = 200000
	derivedKeyLen = 32
)

// ClientInfo binds an access token (as observed from downstream) to a
// user_id, per spec.md §3.
type ClientInfo struct {
	UserID      string
	AccessToken string
}

// Store is the embedded-database-backed persistent store described in
// spec.md §6: data_dir/pan.db containing (hostname, user_id, device_id)
// rows and (hostname, access_token, user_id) rows.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Config configures the Store.
type Config struct {
	DBPath     string
	SaltFile   string
	Passphrase string
}

// Open opens (creating if necessary) the SQLCipher-encrypted store at
// cfg.DBPath, deriving the page key from cfg.Passphrase and a
// persisted random salt.
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("store: DBPath is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	salt, err := loadOrGenerateSalt(cfg.SaltFile)
	if err != nil {
		return nil, fmt.Errorf("store: salt: %w", err)
	}

	key := pbkdf2.Key([]byte(cfg.Passphrase), salt, pbkdf2Rounds, derivedKeyLen, sha512.New)

	dsn := fmt.Sprintf(
		"file:%s?_pragma_key=x'%x'&_pragma_cipher_page_size=4096&_foreign_keys=ON",
		cfg.DBPath, key,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping (wrong passphrase or corrupt file?): %w", err)
	}

	s := &Store{db: db, path: cfg.DBPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return s, nil
}

func loadOrGenerateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == saltLength {
		return data, nil
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}

	return salt, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS server_users (
		hostname TEXT NOT NULL,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		UNIQUE(hostname, user_id, device_id)
	);

	CREATE TABLE IF NOT EXISTS clients (
		hostname TEXT NOT NULL,
		access_token TEXT NOT NULL,
		user_id TEXT NOT NULL,
		UNIQUE(hostname, access_token)
	);

	CREATE INDEX IF NOT EXISTS idx_server_users_hostname ON server_users(hostname);
	CREATE INDEX IF NOT EXISTS idx_clients_hostname ON clients(hostname);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveServerUser persists a (hostname, user_id) restoration hint. The
// device_id is filled in separately once the shadow client has logged
// in and learned its own device_id.
func (s *Store) SaveServerUser(ctx context.Context, hostname, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO server_users (hostname, user_id, device_id) VALUES (?, ?, '')`,
		hostname, userID,
	)
	return err
}

// SaveServerUserDevice records the device_id once known, replacing any
// placeholder row for (hostname, user_id).
func (s *Store) SaveServerUserDevice(ctx context.Context, hostname, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM server_users WHERE hostname = ? AND user_id = ? AND device_id = ''`,
		hostname, userID,
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO server_users (hostname, user_id, device_id) VALUES (?, ?, ?)`,
		hostname, userID, deviceID,
	)
	return err
}

// LoadUsers returns every (user_id, device_id) pair ever persisted for
// hostname, used by the Session Manager on startup restoration.
func (s *Store) LoadUsers(ctx context.Context, hostname string) ([][2]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, device_id FROM server_users WHERE hostname = ? AND device_id != ''`,
		hostname,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var userID, deviceID string
		if err := rows.Scan(&userID, &deviceID); err != nil {
			return nil, err
		}
		out = append(out, [2]string{userID, deviceID})
	}
	return out, rows.Err()
}

// SaveClient persists a ClientInfo binding for hostname.
func (s *Store) SaveClient(ctx context.Context, hostname string, info ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO clients (hostname, access_token, user_id) VALUES (?, ?, ?)`,
		hostname, info.AccessToken, info.UserID,
	)
	return err
}

// LoadClients returns every ClientInfo persisted for hostname, keyed by
// access token, used to repopulate the in-memory client_info table on
// startup.
func (s *Store) LoadClients(ctx context.Context, hostname string) (map[string]ClientInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT access_token, user_id FROM clients WHERE hostname = ?`,
		hostname,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ClientInfo)
	for rows.Next() {
		var info ClientInfo
		if err := rows.Scan(&info.AccessToken, &info.UserID); err != nil {
			return nil, err
		}
		out[info.AccessToken] = info
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
