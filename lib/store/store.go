// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the local content-addressed artifact
// store: a flat directory of subdirectories, one per content hash,
// each holding the fully extracted tree of that hash's archive.
//
// There is no index file — presence of the canonical subdirectory is
// the source of truth, and a subdirectory visible under its canonical
// name is always a complete extraction. Archives are extracted into a
// temporary directory inside the store root (same filesystem) and
// published with a single atomic rename, so concurrent readers,
// concurrent writers, and even multiple processes sharing one store
// root never observe a half-written artifact.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/bureau-foundation/netboot/lib/nar"
)

// Store is a content-addressed store rooted at a single directory.
// The zero value is not usable; create one with New.
type Store struct {
	root string
}

// New opens (creating if necessary) a store rooted at root.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Lookup reports whether the artifact for hash is present, and if so
// the path of its extracted root. Costs one stat; the store invariant
// guarantees that a present directory is a complete extraction.
func (s *Store) Lookup(hash string) (path string, ok bool) {
	path = filepath.Join(s.root, hash)
	if _, err := os.Lstat(path); err != nil {
		return "", false
	}
	return path, true
}

// Add extracts archive into the store under hash and returns the
// canonical path. The archive is decoded into a fresh temporary
// directory inside the store root and renamed into place only on
// success — a failed extraction leaves the canonical location
// untouched.
//
// Add does not deduplicate concurrent calls for the same hash: both
// extract, one publishes, and the loser discards its copy and reports
// success. Either way the published directory is complete.
func (s *Store) Add(hash string, archive io.Reader) (string, error) {
	workDir, err := os.MkdirTemp(s.root, ".extract-*")
	if err != nil {
		return "", fmt.Errorf("store: creating work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	extracted := filepath.Join(workDir, hash)
	if err := nar.Extract(nar.NewReader(archive), extracted); err != nil {
		return "", fmt.Errorf("store: extracting %s: %w", hash, err)
	}

	canonical := filepath.Join(s.root, hash)
	if err := os.Rename(extracted, canonical); err != nil {
		// A concurrent Add (or an earlier one) may have published
		// this hash already; its copy is as good as ours.
		if _, present := s.Lookup(hash); present && isAlreadyPublished(err) {
			return canonical, nil
		}
		return "", fmt.Errorf("store: publishing %s: %w", hash, err)
	}
	return canonical, nil
}

// isAlreadyPublished reports whether a rename failure is explained by
// the canonical directory already existing (rename(2) refuses to
// replace a non-empty directory).
func isAlreadyPublished(err error) bool {
	return errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTEMPTY)
}
