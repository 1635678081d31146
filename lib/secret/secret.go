// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive material — the capability signing
// key, the IPMI password — in memory the rest of the process cannot
// leak by accident.
//
// A [Buffer] is allocated outside the Go heap via mmap(MAP_ANONYMOUS),
// locked into physical RAM via mlock (never swapped), and excluded
// from core dumps via madvise(MADV_DONTDUMP). The garbage collector
// never sees the region and cannot copy or relocate it. Close zeros
// the contents and unmaps the region; after Close, reads panic.
//
// Nothing in this package persists a secret: [NewRandom] draws fresh
// key material that dies with the process, and [ReadFromPath] copies
// a file-sourced secret straight into guarded memory.
package secret

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive data in guarded memory. It must not be
// copied after creation; release it with Close.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	closed bool
}

// New allocates a guarded buffer of the given size: mmap'd outside
// the Go heap, mlock'd against swap, excluded from core dumps.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock failed: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP) failed: %w", err)
	}

	return &Buffer{data: data, length: size}, nil
}

// NewRandom allocates a guarded buffer filled with size bytes from
// crypto/rand. Used for process-lifetime keys that are never
// persisted — a restart necessarily produces a different key.
func NewRandom(size int) (*Buffer, error) {
	buffer, err := New(size)
	if err != nil {
		return nil, err
	}
	if _, err := rand.Read(buffer.data); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("secret: reading random key material: %w", err)
	}
	return buffer, nil
}

// NewFromBytes copies source into a guarded buffer and zeros source
// in place, so the caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// ReadFromPath reads a secret from a file into a guarded buffer.
// Leading and trailing whitespace (the trailing newline of a typical
// secrets file) is trimmed. An empty file is an error.
func ReadFromPath(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret: %s is empty", path)
	}

	buffer, err := NewFromBytes(trimmed)
	// trimmed aliases data; zero whatever whitespace remains.
	Zero(data)
	return buffer, err
}

// Bytes returns the secret data. The slice points directly into the
// guarded region — do not retain it beyond the Buffer's lifetime.
// Panics if the buffer has been closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// Len returns the size of the secret data.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Close zeros the contents and releases the guarded region. After
// Close, Bytes panics. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.data)

	var firstError error
	if err := unix.Munlock(b.data); err != nil {
		firstError = fmt.Errorf("secret: munlock failed: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap failed: %w", err)
	}
	b.data = nil
	return firstError
}

// Zero overwrites a byte slice. Use it on transient copies of secret
// material that had to pass through the Go heap.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
