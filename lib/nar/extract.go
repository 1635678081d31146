// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nar

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Extract decodes the remaining entries of reader and materializes
// them under destination. Directory entries create directories
// (including the implicit root), regular entries stream their payload
// to disk without buffering the whole file, and symlink entries are
// created with their literal decoded target — targets are not
// validated here, that happens at resolution time.
//
// Parent directories always precede their children in the archive's
// pre-order traversal, so no out-of-order creation is needed. On any
// decode or filesystem error the extraction stops immediately; the
// caller owns destination and must discard it on failure so that a
// partial tree is never published.
func Extract(reader *Reader, destination string) error {
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := destination
		if entry.Path != "" {
			target = filepath.Join(destination, filepath.FromSlash(entry.Path))
		}

		switch content := entry.Content.(type) {
		case Directory:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}

		case Regular:
			if err := writeRegular(target, content); err != nil {
				return err
			}

		case Symlink:
			if err := os.Symlink(content.Target, target); err != nil {
				return fmt.Errorf("creating symlink %s: %w", target, err)
			}
		}
	}
}

// writeRegular streams one file payload to disk, setting the
// executable bit when the entry carries it.
func writeRegular(target string, content Regular) error {
	mode := fs.FileMode(0o644)
	if content.Executable {
		mode = 0o755
	}

	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", target, err)
	}

	written, err := io.Copy(file, content.Data)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing file %s: %w", target, err)
	}

	// The payload reader is bounded to the framed size, so a short
	// copy means the underlying stream ended early.
	if uint64(written) != content.Size {
		return fmt.Errorf("%w: file %s truncated at %d of %d bytes",
			ErrFormat, target, written, content.Size)
	}
	return nil
}
