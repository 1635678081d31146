// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nar implements the Nix Archive (NAR) format: a self-describing
// binary encoding of a rooted filesystem tree (regular files, symlinks,
// directories) used as the unit of transfer between binary caches and the
// local content store.
//
// [Reader] is a single-pass streaming decoder. It never buffers file
// contents: a regular file's payload is exposed as a bounded io.Reader
// over the underlying stream, valid only until the next call to
// [Reader.Next]. If the caller moves on without draining the payload, the
// decoder discards forward to the end of the framed payload itself — the
// source stream does not need to be seekable.
//
// [Extract] materializes a decoded tree on disk, and [Pack] is its
// inverse, encoding an on-disk tree into NAR form.
//
// Byte-level grammar: every string and blob field is framed as a u64
// little-endian length, the raw bytes, then zero padding to the next
// multiple of 8 bytes. Padding is skipped during decode and never
// surfaced to callers. A short read anywhere is a fatal format error.
package nar
