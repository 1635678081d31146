// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nar

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Pack encodes the filesystem tree rooted at path into NAR form,
// writing the archive to w. It is the inverse of [Extract]: regular
// files are streamed with their executable bit, symlinks are encoded
// with their literal target, and directory entries are emitted in
// byte-wise name order so that equal trees produce identical
// archives.
func Pack(w io.Writer, path string) error {
	encoder := &encoder{w: w}
	encoder.writeString(magic)
	if err := encoder.writeNode(path); err != nil {
		return err
	}
	return encoder.err
}

// encoder carries a sticky write error so the framing helpers can be
// chained without per-call checks.
type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) write(data []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(data)
}

// writeString emits one length-framed string field: u64 little-endian
// length, raw bytes, zero padding to the next multiple of 8.
func (e *encoder) writeString(value string) {
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(value)))
	e.write(length[:])
	e.write([]byte(value))
	e.pad(uint64(len(value)))
}

func (e *encoder) pad(length uint64) {
	if padding := pad8(length) - length; padding > 0 {
		e.write(make([]byte, padding))
	}
}

// writeNode encodes one filesystem object (and, for directories, its
// children recursively).
func (e *encoder) writeNode(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	e.writeString("(")
	e.writeString("type")

	switch {
	case info.Mode().IsRegular():
		e.writeString("regular")
		if info.Mode()&0o111 != 0 {
			e.writeString("executable")
			e.writeString("")
		}
		e.writeString("contents")
		if err := e.writeFileContents(path, uint64(info.Size())); err != nil {
			return err
		}

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		e.writeString("symlink")
		e.writeString("target")
		e.writeString(target)

	case info.IsDir():
		e.writeString("directory")
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Name() < entries[j].Name()
		})
		for _, entry := range entries {
			e.writeString("entry")
			e.writeString("(")
			e.writeString("name")
			e.writeString(entry.Name())
			e.writeString("node")
			if err := e.writeNode(filepath.Join(path, entry.Name())); err != nil {
				return err
			}
			e.writeString(")")
		}

	default:
		return fmt.Errorf("nar: unsupported file type %s for %s", info.Mode(), path)
	}

	e.writeString(")")
	return e.err
}

// writeFileContents emits the u64 size followed by the padded file
// payload, streamed rather than buffered.
func (e *encoder) writeFileContents(path string, size uint64) error {
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], size)
	e.write(sizeBytes[:])
	if e.err != nil {
		return e.err
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	written, err := io.Copy(e.w, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if uint64(written) != size {
		return fmt.Errorf("nar: file %s changed size during pack (%d != %d)", path, written, size)
	}

	e.pad(size)
	return e.err
}
