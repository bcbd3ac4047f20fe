package metainfo

import (
	"encoding/hex"
	"fmt"

	"github.com/akrylysov/pogreb"
)

// Cache stores resolved info dicts keyed by info hash so a repeated
// request for the same magnet never needs to touch the network again.
type Cache interface {
	Get(hash [20]byte) ([]byte, bool, error)
	Put(hash [20]byte, infoDict []byte) error
	Close() error
}

// DiskCache is a Cache backed by an embedded pogreb key-value store.
type DiskCache struct {
	db *pogreb.DB
}

// OpenDiskCache opens (creating if necessary) a pogreb store at path.
func OpenDiskCache(path string) (*DiskCache, error) {
	db, err := pogreb.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("metainfo: open cache at %s: %w", path, err)
	}
	return &DiskCache{db: db}, nil
}

func (c *DiskCache) Get(hash [20]byte) ([]byte, bool, error) {
	key := cacheKey(hash)
	val, err := c.db.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("metainfo: cache get: %w", err)
	}
	return val, val != nil, nil
}

func (c *DiskCache) Put(hash [20]byte, infoDict []byte) error {
	if err := c.db.Put(cacheKey(hash), infoDict); err != nil {
		return fmt.Errorf("metainfo: cache put: %w", err)
	}
	return nil
}

func (c *DiskCache) Close() error {
	return c.db.Close()
}

func cacheKey(hash [20]byte) []byte {
	return []byte(hex.EncodeToString(hash[:]))
}

// NoopCache is a Cache that never stores anything, used when no
// on-disk cache directory is configured.
type NoopCache struct{}

func (NoopCache) Get(hash [20]byte) ([]byte, bool, error) { return nil, false, nil }
func (NoopCache) Put(hash [20]byte, infoDict []byte) error { return nil }
func (NoopCache) Close() error                             { return nil }
