// Package nvstore persists small node state records (boot selection, boot
// counters, OTA progress) in a Pebble key/value store. Every write commits
// with Sync so the state survives the abrupt restarts it exists to describe.
package nvstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
)

var (
	ErrNotFound    = errors.New("nvstore: key not found")
	errStoreClosed = errors.New("nvstore: store is closed")
)

// Store wraps the Pebble handle. Values are tiny and written rarely, so the
// database runs with a small memtable and no shared cache.
type Store struct {
	db     *pebble.DB
	closed bool
}

const memTableSizeBytes = uint64(1 << 20)

// Open creates or opens the store at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("nvstore: database path is empty")
	}
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("nvstore: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("nvstore: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("nvstore: ensure directory: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{MemTableSize: memTableSizeBytes})
	if err != nil {
		return nil, fmt.Errorf("nvstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database. Idempotent.
func (s *Store) Close() error {
	if s == nil || s.db == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func keyBytes(namespace, key string) []byte {
	return []byte(namespace + "|" + key)
}

// SetBytes writes a raw value with a synced commit.
func (s *Store) SetBytes(namespace, key string, value []byte) error {
	if s == nil || s.db == nil || s.closed {
		return errStoreClosed
	}
	if err := s.db.Set(keyBytes(namespace, key), value, pebble.Sync); err != nil {
		return fmt.Errorf("nvstore: set %s|%s: %w", namespace, key, err)
	}
	return nil
}

// GetBytes reads a raw value. Returns ErrNotFound when the key was never set.
func (s *Store) GetBytes(namespace, key string) ([]byte, error) {
	if s == nil || s.db == nil || s.closed {
		return nil, errStoreClosed
	}
	value, closer, err := s.db.Get(keyBytes(namespace, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nvstore: get %s|%s: %w", namespace, key, err)
	}
	defer closer.Close()
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// SetString writes a string value.
func (s *Store) SetString(namespace, key, value string) error {
	return s.SetBytes(namespace, key, []byte(value))
}

// GetString reads a string value, returning fallback when unset.
func (s *Store) GetString(namespace, key, fallback string) (string, error) {
	raw, err := s.GetBytes(namespace, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fallback, nil
		}
		return "", err
	}
	return string(raw), nil
}

// SetUint64 writes a counter value.
func (s *Store) SetUint64(namespace, key string, value uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return s.SetBytes(namespace, key, buf)
}

// GetUint64 reads a counter value, returning 0 when unset.
func (s *Store) GetUint64(namespace, key string) (uint64, error) {
	raw, err := s.GetBytes(namespace, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("nvstore: %s|%s holds %d bytes, want 8", namespace, key, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Increment adds one to a counter and returns the new value. Read and write
// are not atomic; callers serialize access per key.
func (s *Store) Increment(namespace, key string) (uint64, error) {
	cur, err := s.GetUint64(namespace, key)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := s.SetUint64(namespace, key, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(namespace, key string) error {
	if s == nil || s.db == nil || s.closed {
		return errStoreClosed
	}
	if err := s.db.Delete(keyBytes(namespace, key), pebble.Sync); err != nil {
		return fmt.Errorf("nvstore: delete %s|%s: %w", namespace, key, err)
	}
	return nil
}
