// Package bootstrapcache implements the optional persistent peer cache
// named in spec.md §6 ("bootstrap_cache"): a small BoltDB-backed store
// of previously-dialled-and-reachable multiaddrs, read once at startup
// to seed the Initial Bootstrap dial sweep (spec.md §4.5) and updated
// as Identify confirms new peers remain reachable.
//
// Grounded on the teacher's pkg/storage/boltdb.go bucket-per-entity
// pattern, reduced to the single bucket this domain needs.
package bootstrapcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketAddrs = []byte("addrs")

// Entry is one cached multiaddr, with the timestamp it was last
// confirmed reachable.
type Entry struct {
	Multiaddr  string    `json:"multiaddr"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Cache is the bbolt-backed bootstrap cache.
type Cache struct {
	db *bolt.DB
}

// Open opens (or creates) the bootstrap cache database at the given
// path, which is usually derived from Config.BootstrapCachePath.
func Open(path string) (*Cache, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, fmt.Errorf("bootstrapcache: failed to prepare directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bootstrapcache: failed to open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAddrs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapcache: failed to create bucket: %w", err)
	}

	return &Cache{db: db}, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put records (or refreshes) a reachable multiaddr.
func (c *Cache) Put(multiaddr string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddrs)
		entry := Entry{Multiaddr: multiaddr, LastSeenAt: time.Now()}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(multiaddr), data)
	})
}

// Remove drops a multiaddr, used when a dial permanently fails.
func (c *Cache) Remove(multiaddr string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddrs)
		return b.Delete([]byte(multiaddr))
	})
}

// All returns every cached entry, used to seed the Initial Bootstrap
// dial sweep alongside the configured contact list (spec.md §4.5).
func (c *Cache) All() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddrs)
		return b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
