// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolve turns an artifact reference — a content hash plus a
// path relative to that artifact's root — into the bytes of a regular
// file.
//
// Resolution is a loop: make sure the hash is extracted in the local
// content store (downloading from the binary caches on a miss),
// inspect the path without following a final symlink, and either
// return the file, fail on a directory, or re-enter the loop when the
// path is a symlink whose target points into a (possibly different)
// store artifact. The loop is bounded by a hop limit so cyclic
// symlink chains terminate instead of spinning.
//
// Each step of a single resolution chain is sequential — every hop
// depends on the previous extraction — but independent resolutions
// run concurrently with no shared state beyond the store's
// rename-based publication.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/netboot/lib/binarycache"
	"github.com/bureau-foundation/netboot/lib/store"
	"github.com/bureau-foundation/netboot/lib/storepath"
)

// DefaultMaxHops bounds the length of a symlink resolution chain.
// Real boot artifacts are one or two hops; anything near the limit
// is a cycle or a pathological archive.
const DefaultMaxHops = 32

// Errors surfaced to the HTTP layer for 4xx mapping. Everything else
// (cache transport failures, filesystem errors) is an internal error.
var (
	// ErrNotFound: the path does not exist inside the artifact.
	ErrNotFound = errors.New("resolve: file not found")

	// ErrIsDirectory: the path names a directory, which is never a
	// valid resolution target.
	ErrIsDirectory = errors.New("resolve: path is a directory")

	// ErrTooManyHops: the symlink chain exceeded the hop limit.
	ErrTooManyHops = errors.New("resolve: too many symlink hops")

	// ErrInvalidPath: the relative path is malformed (absolute, or
	// escaping the artifact root).
	ErrInvalidPath = errors.New("resolve: invalid path")

	// ErrBadSymlinkTarget: the chain reached a symlink whose target
	// is outside the store path grammar, so resolution cannot
	// continue.
	ErrBadSymlinkTarget = errors.New("resolve: symlink target is not a store path")
)

// Config configures a Resolver.
type Config struct {
	// Store is the local content store. Required.
	Store *store.Store

	// Caches are the binary caches to consult on a store miss, in
	// priority order.
	Caches []*binarycache.Cache

	// MaxHops bounds the symlink chain length. Defaults to
	// DefaultMaxHops if zero.
	MaxHops int

	// Logger is the structured logger. Defaults to slog.Default.
	Logger *slog.Logger
}

// Resolver resolves artifact references to file contents. Safe for
// concurrent use.
type Resolver struct {
	store   *store.Store
	caches  []*binarycache.Cache
	maxHops int
	logger  *slog.Logger
}

// New creates a Resolver.
func New(config Config) *Resolver {
	if config.Store == nil {
		panic("resolve.Resolver: Store is required")
	}
	maxHops := config.MaxHops
	if maxHops == 0 {
		maxHops = DefaultMaxHops
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   config.Store,
		caches:  config.Caches,
		maxHops: maxHops,
		logger:  logger,
	}
}

// Resolve follows the resolution chain starting at (hash,
// relativePath) and returns the contents of the regular file it
// terminates at. relativePath is slash-separated and relative to the
// artifact root; empty means the root itself.
func (r *Resolver) Resolve(ctx context.Context, hash, relativePath string) ([]byte, error) {
	for hop := 0; hop < r.maxHops; hop++ {
		if err := validatePath(relativePath); err != nil {
			return nil, err
		}

		root, err := r.ensure(ctx, hash)
		if err != nil {
			return nil, err
		}

		target := root
		if relativePath != "" {
			target = filepath.Join(root, filepath.FromSlash(relativePath))
		}

		// Lstat: a symlink at the end of the path must be seen as a
		// symlink, not followed into whatever it points at.
		info, err := os.Lstat(target)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, hash, relativePath)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve: inspecting %s: %w", target, err)
		}

		switch {
		case info.IsDir():
			return nil, fmt.Errorf("%w: %s/%s", ErrIsDirectory, hash, relativePath)

		case info.Mode()&os.ModeSymlink != 0:
			literal, err := os.Readlink(target)
			if err != nil {
				return nil, fmt.Errorf("resolve: reading symlink %s: %w", target, err)
			}
			// The target re-enters resolution as a new artifact
			// reference, not as a literal filesystem path.
			nextHash, nextPath, err := storepath.Parse(literal)
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s points at %q: %v",
					ErrBadSymlinkTarget, hash, relativePath, literal, err)
			}
			r.logger.Debug("following symlink",
				"from_hash", hash, "from_path", relativePath,
				"to_hash", nextHash, "to_path", nextPath)
			hash, relativePath = nextHash, nextPath

		default:
			return os.ReadFile(target)
		}
	}

	return nil, fmt.Errorf("%w: gave up after %d hops at %s/%s",
		ErrTooManyHops, r.maxHops, hash, relativePath)
}

// ensure returns the extracted root for hash, downloading and adding
// it on a store miss. Redundant concurrent downloads of the same hash
// are tolerated; the store's atomic publish keeps them safe.
func (r *Resolver) ensure(ctx context.Context, hash string) (string, error) {
	if path, ok := r.store.Lookup(hash); ok {
		return path, nil
	}

	stream, err := binarycache.Download(ctx, r.caches, hash)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	path, err := r.store.Add(hash, stream)
	if err != nil {
		return "", err
	}
	r.logger.Info("artifact added to store", "hash", hash, "path", path)
	return path, nil
}

// validatePath rejects absolute paths and any path that could step
// out of the artifact root.
func validatePath(relativePath string) error {
	if relativePath == "" {
		return nil
	}
	if strings.HasPrefix(relativePath, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidPath, relativePath)
	}
	for _, segment := range strings.Split(relativePath, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: %q escapes the artifact root", ErrInvalidPath, relativePath)
		}
	}
	return nil
}
