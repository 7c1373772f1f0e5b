// Package state persists the session between daemon runs. The access
// token is never written to disk; the refresh credential is, but only
// sealed under a key derived from the configured passphrase. Identity
// fields and the expiry cursor are stored in the clear so the daemon
// can decide on startup whether a refresh is due without unsealing
// anything.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.sessiond/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// saltLen is the length in bytes of the random sealing salt.
	saltLen = 16
)

var (
	appBucket     = []byte("app")
	sessionBucket = []byte("session")
	refreshBucket = []byte("refresh")

	deviceIDKey   = []byte("device_id")
	saltKey       = []byte("salt")
	sessionKey    = []byte("current")
	credentialKey = []byte("credential")
)

// PersistedSession is what survives a daemon restart. Deliberately no
// access token: restarts always go through a refresh or a fresh login.
type PersistedSession struct {
	Subject        string `json:"subject"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	SessionID      string `json:"session_id,omitempty"`
	TokenExpiresAt int64  `json:"token_expires_at"`
	LastActivity   int64  `json:"last_activity"`
}

// Store wraps a bbolt database for all persistent session state.
type Store struct {
	db       *bolt.DB
	box      *box
	deviceID string
}

// Load opens the state database at ~/.sessiond/state.db, creating it
// if it does not exist.
func Load(passphrase string) (*Store, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path, passphrase)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path, passphrase string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	var salt, deviceID string

	err = db.Update(func(tx *bolt.Tx) error {
		app, err := tx.CreateBucketIfNotExists(appBucket)
		if err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(refreshBucket); err != nil {
			return err
		}

		// Salt and device ID are generated once per store.
		if v := app.Get(saltKey); v != nil {
			salt = string(v)
		} else {
			raw := make([]byte, saltLen)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("generating salt: %w", err)
			}

			salt = hex.EncodeToString(raw)
			if err := app.Put(saltKey, []byte(salt)); err != nil {
				return err
			}
		}

		if v := app.Get(deviceIDKey); v != nil {
			deviceID = string(v)
		} else {
			deviceID = uuid.NewString()
			if err := app.Put(deviceIDKey, []byte(deviceID)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		db.Close()
		return nil, err
	}

	b, err := newBox(key)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, box: b, deviceID: deviceID}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns the stable identifier this client presents to the
// backend, generated on first open and persisted.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// Session returns the persisted session, or nil when none is stored.
func (s *Store) Session() (*PersistedSession, error) {
	var ps *PersistedSession

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		ps = &PersistedSession{}

		return json.Unmarshal(v, ps)
	})
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	return ps, nil
}

// SetSession persists the session.
func (s *Store) SetSession(ps PersistedSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ps)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionBucket).Put(sessionKey, data)
	})
}

// RefreshCredential unseals and returns the stored refresh credential,
// or empty string when none is stored. A store opened with the wrong
// passphrase fails here, not at open time.
func (s *Store) RefreshCredential() (string, error) {
	var sealed []byte

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(refreshBucket).Get(credentialKey); v != nil {
			sealed = append([]byte(nil), v...)
		}

		return nil
	})

	if sealed == nil {
		return "", nil
	}

	plaintext, err := s.box.open(sealed)
	if err != nil {
		return "", fmt.Errorf("unsealing refresh credential: %w", err)
	}

	return string(plaintext), nil
}

// SetRefreshCredential seals and persists the refresh credential.
func (s *Store) SetRefreshCredential(credential string) error {
	sealed, err := s.box.seal([]byte(credential))
	if err != nil {
		return fmt.Errorf("sealing refresh credential: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(refreshBucket).Put(credentialKey, sealed)
	})
}

// DeleteRefreshCredential removes the stored refresh credential. The
// refresh bucket is separate from the session bucket so the credential
// can be dropped on its own, it is the shorter-lived secret.
func (s *Store) DeleteRefreshCredential() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(refreshBucket).Delete(credentialKey)
	})
}

// Clear removes the session and the refresh credential. Device ID and
// salt survive; they identify the installation, not the session.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionBucket).Delete(sessionKey); err != nil {
			return err
		}

		return tx.Bucket(refreshBucket).Delete(credentialKey)
	})
}

func dbPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current
		// directory where the database (containing the sealed refresh
		// credential) might end up with wrong permissions or inside a
		// source-controlled tree.
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".sessiond", "state.db"), nil
}
