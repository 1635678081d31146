// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nar

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"testing"
)

// frame encodes one length-framed string field the way the NAR
// grammar does: u64 little-endian length, raw bytes, zero padding to
// the next multiple of 8. Tests build archives from these primitives
// so the decoder is checked against hand-written framing, not against
// the package's own encoder.
func frame(value string) []byte {
	var buffer bytes.Buffer
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(value)))
	buffer.Write(length[:])
	buffer.WriteString(value)
	buffer.Write(make([]byte, int(pad8(uint64(len(value))))-len(value)))
	return buffer.Bytes()
}

// frames concatenates several framed string fields.
func frames(values ...string) []byte {
	var buffer bytes.Buffer
	for _, value := range values {
		buffer.Write(frame(value))
	}
	return buffer.Bytes()
}

// frameContents encodes a regular file payload: u64 size, bytes,
// padding.
func frameContents(data []byte) []byte {
	var buffer bytes.Buffer
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(data)))
	buffer.Write(length[:])
	buffer.Write(data)
	buffer.Write(make([]byte, int(pad8(uint64(len(data))))-len(data)))
	return buffer.Bytes()
}

// emptyDirectoryArchive is the smallest valid archive: a bare root
// directory.
func emptyDirectoryArchive() []byte {
	return frames("nix-archive-1", "(", "type", "directory", ")")
}

// treeArchive encodes root → bin (directory) → bin/run (regular,
// executable, "hello").
func treeArchive() []byte {
	var buffer bytes.Buffer
	buffer.Write(frames("nix-archive-1", "(", "type", "directory"))
	buffer.Write(frames("entry", "(", "name", "bin", "node"))
	buffer.Write(frames("(", "type", "directory"))
	buffer.Write(frames("entry", "(", "name", "run", "node"))
	buffer.Write(frames("(", "type", "regular", "executable", "", "contents"))
	buffer.Write(frameContents([]byte("hello")))
	buffer.Write(frames(")", ")"))
	buffer.Write(frames(")", ")"))
	buffer.Write(frames(")"))
	return buffer.Bytes()
}

func TestReaderEmptyDirectory(t *testing.T) {
	reader := NewReader(bytes.NewReader(emptyDirectoryArchive()))

	entry, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if entry.Path != "" {
		t.Errorf("root entry path = %q, want empty", entry.Path)
	}
	if _, ok := entry.Content.(Directory); !ok {
		t.Errorf("root entry content = %T, want Directory", entry.Content)
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("after root close: err = %v, want io.EOF", err)
	}
}

func TestReaderSingleFile(t *testing.T) {
	var archive bytes.Buffer
	archive.Write(frames("nix-archive-1", "(", "type", "regular", "contents"))
	archive.Write(frameContents([]byte("hello")))
	archive.Write(frames(")"))

	reader := NewReader(&archive)

	entry, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	regular, ok := entry.Content.(Regular)
	if !ok {
		t.Fatalf("entry content = %T, want Regular", entry.Content)
	}
	if regular.Executable {
		t.Error("file should not be executable")
	}
	if regular.Size != 5 {
		t.Errorf("size = %d, want 5", regular.Size)
	}
	data, err := io.ReadAll(regular.Data)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("payload = %q, want %q", data, "hello")
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestReaderTree(t *testing.T) {
	reader := NewReader(bytes.NewReader(treeArchive()))

	type step struct {
		path string
		kind string
	}
	want := []step{
		{"", "directory"},
		{"bin", "directory"},
		{"bin/run", "regular"},
	}

	for i, expected := range want {
		entry, err := reader.Next()
		if err != nil {
			t.Fatalf("entry %d: Next failed: %v", i, err)
		}
		if entry.Path != expected.path {
			t.Errorf("entry %d: path = %q, want %q", i, entry.Path, expected.path)
		}
		switch content := entry.Content.(type) {
		case Directory:
			if expected.kind != "directory" {
				t.Errorf("entry %d: got directory, want %s", i, expected.kind)
			}
		case Regular:
			if expected.kind != "regular" {
				t.Errorf("entry %d: got regular, want %s", i, expected.kind)
			}
			if !content.Executable {
				t.Error("bin/run should be executable")
			}
			data, err := io.ReadAll(content.Data)
			if err != nil {
				t.Fatalf("reading payload: %v", err)
			}
			if string(data) != "hello" {
				t.Errorf("payload = %q, want %q", data, "hello")
			}
		default:
			t.Errorf("entry %d: unexpected content %T", i, content)
		}
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestReaderRootSymlink(t *testing.T) {
	archive := frames("nix-archive-1", "(", "type", "symlink", "target", "/nix/store/somewhere", ")")
	reader := NewReader(bytes.NewReader(archive))

	entry, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	symlink, ok := entry.Content.(Symlink)
	if !ok {
		t.Fatalf("entry content = %T, want Symlink", entry.Content)
	}
	if symlink.Target != "/nix/store/somewhere" {
		t.Errorf("target = %q", symlink.Target)
	}
	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

// The decoder must resynchronize on the framing when the caller moves
// on without draining a file payload.
func TestReaderSkipsUnreadPayload(t *testing.T) {
	var archive bytes.Buffer
	archive.Write(frames("nix-archive-1", "(", "type", "directory"))
	archive.Write(frames("entry", "(", "name", "first", "node"))
	archive.Write(frames("(", "type", "regular", "contents"))
	archive.Write(frameContents([]byte("this payload is deliberately never read")))
	archive.Write(frames(")", ")"))
	archive.Write(frames("entry", "(", "name", "second", "node"))
	archive.Write(frames("(", "type", "regular", "contents"))
	archive.Write(frameContents([]byte("world")))
	archive.Write(frames(")", ")"))
	archive.Write(frames(")"))

	reader := NewReader(&archive)

	// Root directory.
	if _, err := reader.Next(); err != nil {
		t.Fatalf("root: %v", err)
	}
	// First file: do not touch its Data reader.
	entry, err := reader.Next()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if entry.Path != "first" {
		t.Fatalf("path = %q, want %q", entry.Path, "first")
	}

	// Second file must still decode correctly.
	entry, err = reader.Next()
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if entry.Path != "second" {
		t.Fatalf("path = %q, want %q", entry.Path, "second")
	}
	data, err := io.ReadAll(entry.Content.(Regular).Data)
	if err != nil {
		t.Fatalf("reading second payload: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("payload = %q, want %q", data, "world")
	}
}

func TestReaderFormatErrors(t *testing.T) {
	tests := []struct {
		name    string
		archive []byte
	}{
		{"bad magic", frames("not-an-archive", "(", "type", "directory", ")")},
		{"invalid type", frames("nix-archive-1", "(", "type", "fifo", ")")},
		{"truncated", emptyDirectoryArchive()[:20]},
		{"missing close", frames("nix-archive-1", "(", "type", "directory")},
		{"oversized token", append(frame("nix-archive-1"), []byte{0xff, 0xff, 0, 0, 0, 0, 0, 0}...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewReader(bytes.NewReader(tt.archive))
			for {
				_, err := reader.Next()
				if err == nil {
					continue
				}
				if err == io.EOF {
					t.Fatal("archive decoded cleanly, want format error")
				}
				if !errors.Is(err, ErrFormat) {
					t.Fatalf("err = %v, want ErrFormat", err)
				}
				return
			}
		})
	}
}

// A truncated payload must surface as a format error even when the
// caller drains the payload reader (the bounded reader hides the
// short read until the decoder resynchronizes).
func TestReaderTruncatedPayload(t *testing.T) {
	var archive bytes.Buffer
	archive.Write(frames("nix-archive-1", "(", "type", "regular", "contents"))
	payload := frameContents([]byte("hello"))
	archive.Write(payload[:len(payload)-6])

	reader := NewReader(bytes.NewReader(archive.Bytes()))
	if _, err := reader.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	_, err := reader.Next()
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestFindPath(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		reader := NewReader(bytes.NewReader(treeArchive()))
		entry, err := FindPath(reader, "bin/run")
		if err != nil {
			t.Fatalf("FindPath failed: %v", err)
		}
		data, err := io.ReadAll(entry.Content.(Regular).Data)
		if err != nil {
			t.Fatalf("reading payload: %v", err)
		}
		if string(data) != "hello" {
			t.Errorf("payload = %q, want %q", data, "hello")
		}
	})

	t.Run("not found", func(t *testing.T) {
		reader := NewReader(bytes.NewReader(treeArchive()))
		_, err := FindPath(reader, "bin/missing")
		if !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("err = %v, want fs.ErrNotExist", err)
		}
	})
}
