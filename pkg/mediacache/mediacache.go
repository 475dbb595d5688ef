// Package mediacache keeps a local copy of downloaded media plaintext,
// keyed by the object's ciphertext digest, so repeat downloads of the
// same object skip the network. Entries are lzma-compressed and carry
// a TTL.
package mediacache

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"
)

// Config configures the on-disk cache.
type Config struct {
	// Path is the badger data directory.
	Path string
	// TTL bounds the lifetime of an entry; DefaultTTL when zero.
	TTL time.Duration
	// Logger is optional.
	Logger *logrus.Logger
}

// DefaultTTL is applied when the config leaves the TTL unset.
const DefaultTTL = 7 * 24 * time.Hour

// Cache is a badger-backed media store.
type Cache struct {
	config Config
	db     *badger.DB
	log    *logrus.Logger
}

// Open initializes the cache at the configured path.
func Open(config Config) (*Cache, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.TTL == 0 {
		config.TTL = DefaultTTL
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open media cache: %w", err)
	}

	return &Cache{
		config: config,
		db:     db,
		log:    config.Logger,
	}, nil
}

// Put stores plaintext under the object's ciphertext digest.
func (c *Cache) Put(fileEncSHA256 []byte, plaintext []byte) error {
	compressed, err := compressLzma(plaintext)
	if err != nil {
		return fmt.Errorf("compress cached media: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(fileEncSHA256, compressed).WithTTL(c.config.TTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write cached media: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"key":        fmt.Sprintf("%x", fileEncSHA256),
		"size":       len(plaintext),
		"compressed": len(compressed),
	}).Debug("media cached")
	return nil
}

// Get returns the cached plaintext, or (nil, false, nil) on a miss.
func (c *Cache) Get(fileEncSHA256 []byte) ([]byte, bool, error) {
	var compressed []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileEncSHA256)
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached media: %w", err)
	}

	plaintext, err := decompressLzma(compressed)
	if err != nil {
		return nil, false, fmt.Errorf("decompress cached media: %w", err)
	}
	return plaintext, true, nil
}

// Delete drops an entry.
func (c *Cache) Delete(fileEncSHA256 []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fileEncSHA256)
	})
}

// Close syncs and closes the underlying store.
func (c *Cache) Close() error {
	if err := c.db.Sync(); err != nil {
		c.log.Warnf("sync media cache: %v", err)
	}
	if err := c.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		c.log.Warnf("gc media cache: %v", err)
	}
	return c.db.Close()
}

func compressLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err = buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
