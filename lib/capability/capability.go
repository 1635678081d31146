// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability authorizes retrieval of a single (hash, path)
// pair with a keyed digest embedded in the URL — a capability URL.
// There are no sessions or identities: the digest is the entire
// authorization, scoped to exactly the resource it was issued for.
//
// The signing key is generated at process start, held only in guarded
// memory, and never persisted. Restarting the server invalidates
// every previously issued link; boot descriptors are fetched fresh on
// each boot, so clients always hold current links.
//
// The digest covers the plain concatenation of hash and path, with no
// separator or length prefix. Distinct pairs with the same
// concatenation therefore share a signature; hashes are fixed-length,
// which keeps the split unambiguous in practice.
package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/bureau-foundation/netboot/lib/secret"
)

// KeySize is the size of the signing key in bytes.
const KeySize = 32

// Signer derives and verifies capability digests with a symmetric
// process-lifetime key. Construct with NewSigner; safe for concurrent
// use (the key is read-only after construction).
type Signer struct {
	key *secret.Buffer
}

// NewSigner creates a signer with a fresh random key. The key lives
// in guarded memory for the life of the process.
func NewSigner() (*Signer, error) {
	key, err := secret.NewRandom(KeySize)
	if err != nil {
		return nil, fmt.Errorf("capability: generating signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// NewSignerFromKey creates a signer over an existing key buffer. The
// signer takes ownership of the buffer. Intended for tests that need
// deterministic signatures.
func NewSignerFromKey(key *secret.Buffer) *Signer {
	return &Signer{key: key}
}

// Close releases the signing key. All signatures issued by this
// signer become unverifiable.
func (s *Signer) Close() error {
	return s.key.Close()
}

// Sign returns the base64url-encoded keyed digest authorizing
// retrieval of path within the artifact named by hash.
func (s *Signer) Sign(hash, path string) string {
	return base64.RawURLEncoding.EncodeToString(s.digest(hash, path))
}

// Verify reports whether signature authorizes (hash, path). The
// comparison is constant-time; a failure reveals nothing about
// whether the pair exists.
func (s *Signer) Verify(hash, path, signature string) bool {
	supplied, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(s.digest(hash, path), supplied)
}

// SignedFileURL builds the server-relative file URL for (hash, path)
// with the signature as the sig query parameter.
func (s *Signer) SignedFileURL(hash, path string) string {
	return fmt.Sprintf("/file/%s/%s?sig=%s", hash, path, url.QueryEscape(s.Sign(hash, path)))
}

func (s *Signer) digest(hash, path string) []byte {
	mac := hmac.New(sha256.New, s.key.Bytes())
	mac.Write([]byte(hash))
	mac.Write([]byte(path))
	return mac.Sum(nil)
}
