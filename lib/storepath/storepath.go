// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storepath parses Nix store paths. A store path names an
// artifact by content hash plus a human-readable suffix:
//
//	/nix/store/<32-char-hash>-<suffix>[/<relative path>]
//
// The resolver uses this grammar both for symlink targets inside
// extracted artifacts and for pin lookups — a symlink whose target is
// not rooted at the store prefix is a resolution error, not a path to
// follow literally.
package storepath

import (
	"fmt"
	"regexp"
	"strings"
)

// storeRoot is the canonical store prefix all parseable paths must
// carry.
const storeRoot = "/nix/store/"

// namePattern matches the first path component under the store root:
// a 32-character lowercase base32 hash, a dash, and the package name
// suffix.
var namePattern = regexp.MustCompile(`^([0-9a-z]{32})-[-.+_?=0-9a-zA-Z]+$`)

// Parse splits a store path into its content hash and the path
// relative to the artifact root. The relative path is empty when the
// store path names the artifact root itself.
//
//	Parse("/nix/store/abc...-pkg/bin/tool") → ("abc...", "bin/tool")
func Parse(path string) (hash string, relativePath string, err error) {
	rest, ok := strings.CutPrefix(path, storeRoot)
	if !ok {
		return "", "", fmt.Errorf("storepath: %q is not under %s", path, storeRoot)
	}

	name, relativePath, _ := strings.Cut(rest, "/")
	match := namePattern.FindStringSubmatch(name)
	if match == nil {
		return "", "", fmt.Errorf("storepath: invalid store name %q", name)
	}

	return match[1], relativePath, nil
}
