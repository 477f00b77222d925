package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/oauth2c/internal/models"
	"github.com/alexjbarnes/oauth2c/oauth"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.oauth2c/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

var (
	appBucket          = []byte("app")
	issuedTokensBucket = []byte("issued_tokens")
)

func activeKey(clientID string) []byte {
	return []byte("active:" + clientID)
}

func grantsBucket(clientID string) []byte {
	return []byte("client:" + clientID + ":grants")
}

func pendingBucket(clientID string) []byte {
	return []byte("client:" + clientID + ":pending")
}

// HashToken returns the SHA-256 hex digest of a token string.
// Used as the bbolt key so raw tokens are not stored on disk.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// State wraps a bbolt database for all persistent application state.
// Client grants are namespaced by client ID so several registrations can
// share one file.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(issuedTokensBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// ActiveState returns the state key of the client's current session, or "".
func (s *State) ActiveState(clientID string) string {
	var active string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(activeKey(clientID)); v != nil {
			active = string(v)
		}

		return nil
	})

	return active
}

// SetActiveState records the client's current session.
func (s *State) SetActiveState(clientID, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(activeKey(clientID), []byte(key))
	})
}

// SaveGrant persists a grant under its state key.
func (s *State) SaveGrant(clientID, key string, g *oauth.Grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encoding grant: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(grantsBucket(clientID))
		if err != nil {
			return err
		}

		return b.Put([]byte(key), data)
	})
}

// Grant returns the grant stored under key, or nil if not found.
func (s *State) Grant(clientID, key string) (*oauth.Grant, error) {
	var g *oauth.Grant

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(grantsBucket(clientID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}

		g = &oauth.Grant{}

		return json.Unmarshal(v, g)
	})

	return g, err
}

// Grants returns every grant stored for the client, keyed by state.
func (s *State) Grants(clientID string) (map[string]*oauth.Grant, error) {
	result := make(map[string]*oauth.Grant)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(grantsBucket(clientID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			g := &oauth.Grant{}
			if err := json.Unmarshal(v, g); err != nil {
				return fmt.Errorf("decoding grant %s: %w", k, err)
			}

			result[string(k)] = g

			return nil
		})
	})

	return result, err
}

// DeleteGrant removes a grant. Deleting the active session also clears
// the active marker.
func (s *State) DeleteGrant(clientID, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		app := tx.Bucket(appBucket)
		if string(app.Get(activeKey(clientID))) == key {
			if err := app.Delete(activeKey(clientID)); err != nil {
				return err
			}
		}

		b := tx.Bucket(grantsBucket(clientID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(key))
	})
}

// SaveClient writes every grant held by c.
func (s *State) SaveClient(c *oauth.Client) error {
	for key, g := range c.Grants() {
		if err := s.SaveGrant(c.ClientID, key, g); err != nil {
			return err
		}
	}

	if c.State != "" {
		return s.SetActiveState(c.ClientID, c.State)
	}

	return nil
}

// RestoreClient loads the client's stored grants and active session into c.
func (s *State) RestoreClient(c *oauth.Client) error {
	grants, err := s.Grants(c.ClientID)
	if err != nil {
		return err
	}

	for key, g := range grants {
		c.SetGrant(key, g)
	}

	if active := s.ActiveState(c.ClientID); active != "" {
		c.State = active
	}

	return nil
}

// SavePending stores an authorization request awaiting its callback.
func (s *State) SavePending(clientID string, p models.PendingAuthorization) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(pendingBucket(clientID))
		if err != nil {
			return err
		}

		return b.Put([]byte(p.State), data)
	})
}

// ConsumePending retrieves and deletes a pending authorization.
// Returns ErrNotFound when no request is pending under key.
func (s *State) ConsumePending(clientID, key string) (*models.PendingAuthorization, error) {
	var p *models.PendingAuthorization

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket(clientID))
		if b == nil {
			return ErrNotFound
		}

		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}

		p = &models.PendingAuthorization{}
		if err := json.Unmarshal(v, p); err != nil {
			return err
		}

		return b.Delete([]byte(key))
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// SaveIssuedToken persists a token issued by the development server.
// The TokenHash field must be set by the caller.
func (s *State) SaveIssuedToken(t models.IssuedToken) error {
	if t.TokenHash == "" {
		return fmt.Errorf("token hash is required for persistence")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(issuedTokensBucket).Put([]byte(t.TokenHash), data)
	})
}

// DeleteIssuedToken removes an issued token by its hash.
func (s *State) DeleteIssuedToken(tokenHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(issuedTokensBucket).Delete([]byte(tokenHash))
	})
}

// AllIssuedTokens returns all persisted issued tokens.
func (s *State) AllIssuedTokens() ([]models.IssuedToken, error) {
	var tokens []models.IssuedToken

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(issuedTokensBucket).ForEach(func(_, v []byte) error {
			var t models.IssuedToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			tokens = append(tokens, t)

			return nil
		})
	})

	return tokens, err
}
