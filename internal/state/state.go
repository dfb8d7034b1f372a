package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.fleetdash/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	cacheBucketPrefix = "cache:"
)

// Token key names are shared with anything else reading the same store.
const (
	KeyAccessToken       = "access_token"
	KeyAccessTokenExpire = "access_token_expire"
	KeyRefreshToken      = "refresh_token"
)

var appBucket = []byte("app")

// ownerBucket maps each cache name to the cache family that installed it.
var ownerBucket = []byte("cache_owners")

func cacheBucket(name string) []byte {
	return []byte(cacheBucketPrefix + name)
}

// TokenState is the persisted credential state. Empty strings and a zero
// expiry mean the value is absent.
type TokenState struct {
	AccessToken       string
	AccessTokenExpire int64
	RefreshToken      string
}

// Valid reports whether the access token may be used at the given time.
func (ts TokenState) Valid(now time.Time) bool {
	return ts.AccessToken != "" && now.Unix() < ts.AccessTokenExpire
}

// CachedResponse is a stored asset response, replayed verbatim on a hit.
type CachedResponse struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"body"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. The app bucket is created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
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

// Tokens returns the stored token state. Missing keys are left empty.
func (s *State) Tokens() (TokenState, error) {
	var ts TokenState

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		ts.AccessToken = string(b.Get([]byte(KeyAccessToken)))
		ts.RefreshToken = string(b.Get([]byte(KeyRefreshToken)))

		if v := b.Get([]byte(KeyAccessTokenExpire)); v != nil {
			expire, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", KeyAccessTokenExpire, err)
			}

			ts.AccessTokenExpire = expire
		}

		return nil
	})

	return ts, err
}

// SaveTokens writes the access token and its expiry, and the refresh token
// when one is given, in a single transaction. An empty refresh token keeps
// the stored one.
func (s *State) SaveTokens(ts TokenState) error {
	if ts.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if err := b.Put([]byte(KeyAccessToken), []byte(ts.AccessToken)); err != nil {
			return err
		}

		expire := strconv.FormatInt(ts.AccessTokenExpire, 10)
		if err := b.Put([]byte(KeyAccessTokenExpire), []byte(expire)); err != nil {
			return err
		}

		if ts.RefreshToken == "" {
			return nil
		}

		return b.Put([]byte(KeyRefreshToken), []byte(ts.RefreshToken))
	})
}

// ClearTokens removes all three token keys in a single transaction.
func (s *State) ClearTokens() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		for _, k := range []string{KeyAccessToken, KeyAccessTokenExpire, KeyRefreshToken} {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}

		return nil
	})
}

// PutCache replaces the named cache with the given entries and records
// owner as the family that installed it. Either every entry is written or
// none is.
func (s *State) PutCache(name, owner string, entries map[string]CachedResponse) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		owners, err := tx.CreateBucketIfNotExists(ownerBucket)
		if err != nil {
			return err
		}

		if err := owners.Put([]byte(name), []byte(owner)); err != nil {
			return err
		}

		if tx.Bucket(cacheBucket(name)) != nil {
			if err := tx.DeleteBucket(cacheBucket(name)); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket(cacheBucket(name))
		if err != nil {
			return err
		}

		for key, resp := range entries {
			data, err := json.Marshal(resp)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// CachedResponse returns the entry stored under key in the named cache, or
// nil if the cache or the entry does not exist.
func (s *State) CachedResponse(name, key string) (*CachedResponse, error) {
	var cr *CachedResponse

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket(name))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}

		cr = &CachedResponse{}

		return json.Unmarshal(v, cr)
	})

	return cr, err
}

// HasCache reports whether the named cache exists.
func (s *State) HasCache(name string) bool {
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(cacheBucket(name)) != nil
		return nil
	})

	return found
}

// CacheKeys returns the sorted keys stored in the named cache.
func (s *State) CacheKeys(name string) ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket(name))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}

// CacheNames returns the sorted names of all caches.
func (s *State) CacheNames() ([]string, error) {
	var names []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if n, ok := strings.CutPrefix(string(name), cacheBucketPrefix); ok {
				names = append(names, n)
			}

			return nil
		})
	})

	sort.Strings(names)

	return names, err
}

// CacheOwner returns the family recorded for the named cache, or "" when
// none was recorded.
func (s *State) CacheOwner(name string) (string, error) {
	var owner string

	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(ownerBucket); b != nil {
			owner = string(b.Get([]byte(name)))
		}

		return nil
	})

	return owner, err
}

// DeleteCache removes the named cache and its owner record. Deleting a
// missing cache is not an error.
func (s *State) DeleteCache(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket(ownerBucket); b != nil {
			if err := b.Delete([]byte(name)); err != nil {
				return err
			}
		}

		if tx.Bucket(cacheBucket(name)) == nil {
			return nil
		}

		return tx.DeleteBucket(cacheBucket(name))
	})
}
