// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binarycache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Compression identifies the transport compression applied to an
// archive body by a binary cache. It is a closed set: codecs the
// fetch path cannot undo are still parsed (so error messages can name
// them precisely) but fail at fetch time.
type Compression uint8

const (
	// CompressionNone is an uncompressed archive body.
	CompressionNone Compression = iota

	// CompressionXz is xz (LZMA2) compression, the historical
	// default of cache.nixos.org.
	CompressionXz

	// CompressionZstd is zstandard compression.
	CompressionZstd

	// CompressionBzip2 and CompressionGzip are recognized narinfo
	// values with no decompression support here.
	CompressionBzip2
	CompressionGzip
)

// ErrUnsupportedCompression is wrapped by fetch errors for archive
// bodies whose compression cannot be undone.
var ErrUnsupportedCompression = errors.New("binarycache: unsupported compression")

// String returns the narinfo spelling of the compression codec.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionXz:
		return "xz"
	case CompressionZstd:
		return "zstd"
	case CompressionBzip2:
		return "bzip2"
	case CompressionGzip:
		return "gzip"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a narinfo Compression value. An
// unrecognized codec is a metadata error naming the codec.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "xz":
		return CompressionXz, nil
	case "zstd":
		return CompressionZstd, nil
	case "bzip2":
		return CompressionBzip2, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCompression, name)
	}
}

// NarInfo is the cache metadata for one content hash: where the
// archive body lives and how to undo its transport compression. It is
// fetched fresh per resolution and never cached across requests.
type NarInfo struct {
	// URL is the archive body location, relative to the cache root.
	URL string

	// Compression is the transport compression of the body.
	Compression Compression

	// NarSize is the size of the decoded archive in bytes.
	NarSize uint64

	// FileSize is the size of the (compressed) body in bytes.
	FileSize uint64
}

// ParseNarInfo decodes the newline-delimited "Key: Value" narinfo
// text format. The URL, NarSize, FileSize, and Compression keys are
// required; a missing key or an unparsable numeric field is a fatal
// metadata error.
func ParseNarInfo(text string) (*NarInfo, error) {
	fields := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ": ")
		if !found {
			return nil, fmt.Errorf("binarycache: invalid narinfo line %q", line)
		}
		fields[key] = value
	}

	info := &NarInfo{}

	var ok bool
	if info.URL, ok = fields["URL"]; !ok {
		return nil, errors.New("binarycache: narinfo missing URL field")
	}

	compression, ok := fields["Compression"]
	if !ok {
		return nil, errors.New("binarycache: narinfo missing Compression field")
	}
	var err error
	if info.Compression, err = ParseCompression(compression); err != nil {
		return nil, err
	}

	if info.NarSize, err = parseSizeField(fields, "NarSize"); err != nil {
		return nil, err
	}
	if info.FileSize, err = parseSizeField(fields, "FileSize"); err != nil {
		return nil, err
	}

	return info, nil
}

func parseSizeField(fields map[string]string, key string) (uint64, error) {
	value, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("binarycache: narinfo missing %s field", key)
	}
	size, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("binarycache: narinfo %s field %q: %w", key, value, err)
	}
	return size, nil
}
