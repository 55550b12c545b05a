// Package ota drives firmware replacement: version check, chunked download
// into the inactive partition, checksum validation, boot-pointer switch, and
// rollback when a new image fails to prove itself. The flash surface is an
// interface so the state machine runs identically against real storage and
// test fakes.
package ota

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FlashRegion is one application partition. Erase before writing; chunks
// append sequentially. Bytes exists for validation and tests; images are
// bounded by Size so reading one back whole is acceptable.
type FlashRegion interface {
	Erase() error
	WriteChunk(p []byte) error
	Bytes() ([]byte, error)
	Written() int64
	Size() int64
}

var errNotErased = errors.New("ota: region not erased before write")

// FileRegion backs a partition with a plain file. Used by the host runtime;
// a device build would substitute the platform flash driver.
type FileRegion struct {
	path     string
	capacity int64

	mu      sync.Mutex
	f       *os.File
	written int64
}

// NewFileRegion creates a file-backed region at path with the given capacity.
func NewFileRegion(path string, capacity int64) (*FileRegion, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ota: region capacity %d", capacity)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ota: region dir: %w", err)
	}
	return &FileRegion{path: path, capacity: capacity}, nil
}

// Erase truncates the backing file and resets the write offset.
func (r *FileRegion) Erase() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ota: erase %s: %w", r.path, err)
	}
	r.f = f
	r.written = 0
	return nil
}

// WriteChunk appends one chunk. Fails when the region was not erased first or
// the image would exceed capacity.
func (r *FileRegion) WriteChunk(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return errNotErased
	}
	if r.written+int64(len(p)) > r.capacity {
		return fmt.Errorf("ota: image exceeds region capacity %d", r.capacity)
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	if err != nil {
		return fmt.Errorf("ota: write chunk: %w", err)
	}
	return nil
}

// Bytes syncs and returns the full written image.
func (r *FileRegion) Bytes() ([]byte, error) {
	r.mu.Lock()
	if r.f != nil {
		if err := r.f.Sync(); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("ota: sync %s: %w", r.path, err)
		}
	}
	r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("ota: read region: %w", err)
	}
	return data, nil
}

// Written returns the bytes written since the last erase.
func (r *FileRegion) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Size returns the region capacity.
func (r *FileRegion) Size() int64 {
	return r.capacity
}
