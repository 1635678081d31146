// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
)

// magic is the literal token that opens every NAR stream.
const magic = "nix-archive-1"

// maxTokenLength bounds the length of any string field (type tags,
// entry names, symlink targets). Real archives use short tokens; a
// length at or above this bound indicates a corrupt or hostile stream.
const maxTokenLength = 4096

// ErrFormat is wrapped by all decode errors: malformed framing, an
// unexpected tag, or a truncated stream. A format error is fatal to
// the current decode and is never retried.
var ErrFormat = errors.New("nar: invalid archive")

// Content is the payload of a decoded archive entry: exactly one of
// [Regular], [Symlink], or [Directory].
type Content interface {
	isContent()
}

// Regular is a regular file entry. Data yields exactly Size bytes of
// file content and is valid only until the next call to [Reader.Next]
// — the decoder reclaims the underlying stream at that point.
type Regular struct {
	Executable bool
	Size       uint64
	Data       io.Reader
}

// Symlink is a symbolic link entry. Target is the literal decoded
// target string; it is not validated or resolved during decode.
type Symlink struct {
	Target string
}

// Directory is a directory entry. It carries no payload; the
// directory's children follow as subsequent entries.
type Directory struct{}

func (Regular) isContent()   {}
func (Symlink) isContent()   {}
func (Directory) isContent() {}

// Entry is one node of the decoded tree, produced in pre-order
// traversal order. Path is the slash-separated path relative to the
// archive root; the root entry itself has an empty Path.
type Entry struct {
	Path    string
	Content Content
}

// decoder states. The state machine is:
//
//	start → object → {regular | directory | objectEnd (from symlink)}
//	regular → objectEnd
//	directory → object (nested entry) | objectEnd
//	objectEnd → directory (parent) | closed
type state int

const (
	stateStart state = iota
	stateObject
	stateRegular
	stateDirectory
	stateObjectEnd
	stateClosed
)

// countingReader wraps the archive source and tracks the absolute
// number of bytes consumed, so the decoder knows the exact offset to
// discard forward to after a partially consumed file payload.
type countingReader struct {
	inner    io.Reader
	position uint64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	r.position += uint64(n)
	return n, err
}

// skipTo discards bytes until the absolute offset is reached. The
// source is not seekable, so skipping is done by reading and
// discarding.
func (r *countingReader) skipTo(offset uint64) error {
	if offset < r.position {
		return fmt.Errorf("%w: skip target %d behind position %d", ErrFormat, offset, r.position)
	}
	_, err := io.CopyN(io.Discard, r, int64(offset-r.position))
	if err != nil {
		return fmt.Errorf("%w: unexpected end of archive", ErrFormat)
	}
	return nil
}

// Reader is a single-pass streaming NAR decoder. Create one with
// [NewReader] and call [Reader.Next] until it returns io.EOF. The
// sequence is strictly forward-only; decoding the same archive again
// requires a new Reader over a fresh byte source.
type Reader struct {
	source *countingReader
	state  state

	// stack holds the path segments from the root to the entry
	// currently being decoded. Its depth equals the current nesting
	// depth.
	stack []string

	// payloadEnd is the absolute offset where the current regular
	// file's padded payload ends. Armed while in stateRegular so
	// the decoder can resynchronize if the caller did not drain the
	// payload reader.
	payloadEnd uint64
}

// NewReader returns a decoder over source. No bytes are read until
// the first call to Next.
func NewReader(source io.Reader) *Reader {
	return &Reader{
		source: &countingReader{inner: source},
		state:  stateStart,
	}
}

// Next returns the next entry of the archive, or io.EOF after the
// root object has been fully decoded. Any previously returned
// [Regular] payload reader is invalidated: its unread bytes are
// discarded so the decoder can resynchronize on the framing.
func (r *Reader) Next() (*Entry, error) {
	for {
		switch r.state {
		case stateStart:
			if err := r.expectString(magic); err != nil {
				return nil, err
			}
			r.state = stateObject

		case stateObject:
			entry, err := r.readObject()
			if err != nil {
				return nil, err
			}
			return entry, nil

		case stateRegular:
			// The caller may have consumed none, some, or all of
			// the payload. Discard to the recorded end of the
			// padded payload, then consume the closing delimiter.
			if err := r.source.skipTo(r.payloadEnd); err != nil {
				return nil, err
			}
			if err := r.expectString(")"); err != nil {
				return nil, err
			}
			r.state = stateObjectEnd

		case stateDirectory:
			token, err := r.readString()
			if err != nil {
				return nil, err
			}
			switch token {
			case "entry":
				if err := r.expectStrings("(", "name"); err != nil {
					return nil, err
				}
				name, err := r.readString()
				if err != nil {
					return nil, err
				}
				if err := r.expectString("node"); err != nil {
					return nil, err
				}
				r.stack = append(r.stack, name)
				r.state = stateObject
			case ")":
				r.state = stateObjectEnd
			default:
				return nil, fmt.Errorf("%w: expected 'entry' or ')', got %q", ErrFormat, token)
			}

		case stateObjectEnd:
			if len(r.stack) > 0 {
				r.stack = r.stack[:len(r.stack)-1]
				if err := r.expectString(")"); err != nil {
					return nil, err
				}
				r.state = stateDirectory
			} else {
				// Root object closed; the archive is complete.
				r.state = stateClosed
			}

		case stateClosed:
			return nil, io.EOF
		}
	}
}

// readObject decodes one object header and returns its entry. Called
// with the path stack describing the object's location.
func (r *Reader) readObject() (*Entry, error) {
	path := strings.Join(r.stack, "/")

	if err := r.expectStrings("(", "type"); err != nil {
		return nil, err
	}
	kind, err := r.readString()
	if err != nil {
		return nil, err
	}

	switch kind {
	case "regular":
		executable, size, err := r.readRegularHeader()
		if err != nil {
			return nil, err
		}
		// Record where the padded payload ends so Next can discard
		// an unread remainder before reading the closing delimiter.
		r.payloadEnd = r.source.position + pad8(size)
		r.state = stateRegular
		return &Entry{
			Path: path,
			Content: Regular{
				Executable: executable,
				Size:       size,
				Data:       io.LimitReader(r.source, int64(size)),
			},
		}, nil

	case "directory":
		r.state = stateDirectory
		return &Entry{Path: path, Content: Directory{}}, nil

	case "symlink":
		// Symlinks carry no streamed payload; the target is read
		// eagerly.
		if err := r.expectString("target"); err != nil {
			return nil, err
		}
		target, err := r.readString()
		if err != nil {
			return nil, err
		}
		if err := r.expectString(")"); err != nil {
			return nil, err
		}
		r.state = stateObjectEnd
		return &Entry{Path: path, Content: Symlink{Target: target}}, nil

	default:
		return nil, fmt.Errorf("%w: invalid entry type %q", ErrFormat, kind)
	}
}

// readRegularHeader decodes the optional executable marker and the
// content size of a regular file object.
func (r *Reader) readRegularHeader() (executable bool, size uint64, err error) {
	token, err := r.readString()
	if err != nil {
		return false, 0, err
	}
	if token == "executable" {
		executable = true
		// The executable marker is followed by an empty value.
		if err := r.expectString(""); err != nil {
			return false, 0, err
		}
		token, err = r.readString()
		if err != nil {
			return false, 0, err
		}
	}
	if token != "contents" {
		return false, 0, fmt.Errorf("%w: expected 'contents', got %q", ErrFormat, token)
	}

	size, err = r.readUint64()
	if err != nil {
		return false, 0, err
	}
	return executable, size, nil
}

// readUint64 reads one little-endian u64.
func (r *Reader) readUint64() (uint64, error) {
	var buffer [8]byte
	if _, err := io.ReadFull(r.source, buffer[:]); err != nil {
		return 0, fmt.Errorf("%w: unexpected end of archive", ErrFormat)
	}
	return binary.LittleEndian.Uint64(buffer[:]), nil
}

// readString reads one length-framed string field: u64 little-endian
// length, raw bytes, zero padding to the next multiple of 8.
func (r *Reader) readString() (string, error) {
	length, err := r.readUint64()
	if err != nil {
		return "", err
	}
	if length >= maxTokenLength {
		return "", fmt.Errorf("%w: token length %d exceeds bound %d", ErrFormat, length, maxTokenLength)
	}

	buffer := make([]byte, pad8(length))
	if _, err := io.ReadFull(r.source, buffer); err != nil {
		return "", fmt.Errorf("%w: unexpected end of archive", ErrFormat)
	}
	return string(buffer[:length]), nil
}

// expectString reads one string field and fails unless it matches.
func (r *Reader) expectString(expected string) error {
	actual, err := r.readString()
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: expected %q, got %q", ErrFormat, expected, actual)
	}
	return nil
}

// expectStrings reads consecutive string fields and fails on the
// first mismatch.
func (r *Reader) expectStrings(expected ...string) error {
	for _, token := range expected {
		if err := r.expectString(token); err != nil {
			return err
		}
	}
	return nil
}

// pad8 rounds n up to the next multiple of 8.
func pad8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// FindPath advances the reader until an entry with the given
// slash-separated path is found and returns it. Entries before the
// match are discarded. Returns an error wrapping fs.ErrNotExist if
// the archive ends without a matching entry.
//
// The returned entry follows the usual single-pass contract: a
// [Regular] payload must be consumed before the reader is advanced
// again.
func FindPath(reader *Reader, path string) (*Entry, error) {
	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("nar: no entry %q: %w", path, fs.ErrNotExist)
		}
		if err != nil {
			return nil, err
		}
		if entry.Path == path {
			return entry, nil
		}
	}
}
