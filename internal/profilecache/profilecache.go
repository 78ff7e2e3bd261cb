// Package profilecache is a small BoltDB-backed cache of connection
// profile validation results, so the Network Adapter doesn't have to
// re-stat and re-read every profile file on every boot and recovery
// cycle. The cache is never authoritative: the adapter always
// re-validates a profile it hasn't checked yet this process lifetime,
// and any cache entry older than TTL is treated as a miss.
package profilecache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketProfiles = []byte("profiles")

// Entry records the outcome of the last ownership/mode validation for
// a named connection profile.
type Entry struct {
	Name          string    `json:"name"`
	LastValidated time.Time `json:"last_validated_at"`
	Valid         bool      `json:"valid"`
}

// Cache wraps a BoltDB handle dedicated to profile-validation entries.
type Cache struct {
	db *bolt.DB
}

// Open opens or creates the BoltDB file at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("profilecache: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProfiles)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("profilecache: create bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached entry for name, if one exists and is not
// older than ttl. ok is false on a miss (absent or expired).
func (c *Cache) Get(name string, ttl time.Duration) (entry Entry, ok bool) {
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		if time.Since(e.LastValidated) > ttl {
			return nil
		}
		entry, ok = e, true
		return nil
	})
	return entry, ok
}

// Put records the validation outcome for name.
func (c *Cache) Put(name string, valid bool) error {
	e := Entry{Name: name, LastValidated: time.Now(), Valid: valid}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketProfiles)
		}
		return b.Put([]byte(name), data)
	})
}

// Invalidate removes a cached entry, forcing re-validation next time.
func (c *Cache) Invalidate(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
}
