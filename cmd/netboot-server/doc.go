// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the netboot server — an HTTP service that
// boots machines from Nix store artifacts published to binary caches.
//
// A booting machine hits GET /boot/{mac} with its interface MAC. The
// server maps the MAC to a configured host, resolves that host's
// Cachix pin to the content hash of its boot image, resolves the
// image's kernel command line through the local content store, and
// answers with a boot descriptor: the command line plus signed URLs
// for the kernel and initrd.
//
// The signed URLs are capability URLs: GET /file/{hash}/{path}?sig=
// serves raw file bytes out of store artifacts, but only when the
// HMAC signature covers exactly that hash and path. The server mints
// signatures with an ephemeral per-process key, so file URLs are only
// obtainable through a boot descriptor and expire on restart.
//
// Artifacts are fetched on demand from the configured binary caches,
// decompressed, and extracted into a local content store where
// concurrent requests share them via atomic directory publication.
//
// The server also fronts the fleet's BMCs: GET /hosts, GET /host/{name}
// and PUT /host/{name} report and control chassis power over IPMI.
package main
