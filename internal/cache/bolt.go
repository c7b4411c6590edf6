// Package cache persists the last successful poll snapshot so a restarted
// process starts from last-known device state instead of an empty model.
// Cached state is loaded with the poll marked as not-yet-succeeded, so
// everything reads as unavailable until the first live poll.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"qingping-go-cloud/internal/qingping"
)

// ErrNotFound is returned when no snapshot has been cached yet.
var ErrNotFound = errors.New("not found")

var (
	bucketSnapshot = []byte("snapshot")
	keySnapshot    = []byte("current")
)

// Snapshot is the cached form of the store's contents.
type Snapshot struct {
	ControllerName string             `json:"controller_name"`
	Devices        []*qingping.Device `json:"devices"`
	SavedAt        time.Time          `json:"saved_at"`
}

// Cache is a bbolt-backed snapshot cache.
type Cache struct {
	db *bolt.DB
}

// Open opens or creates the cache database.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshot)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Cache{db: db}, nil
}

// Save overwrites the cached snapshot.
func (c *Cache) Save(snap *Snapshot) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSnapshot)
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(keySnapshot, data)
	})
}

// Load returns the cached snapshot, or ErrNotFound when none exists.
func (c *Cache) Load() (*Snapshot, error) {
	var snap Snapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSnapshot)
		}
		data := b.Get(keySnapshot)
		if data == nil {
			return fmt.Errorf("snapshot: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
