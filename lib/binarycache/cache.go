// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binarycache fetches Nix archives from remote binary caches.
//
// A [Cache] is one remote cache: it serves per-hash metadata
// ([NarInfo], a newline-delimited text format) and the archive body
// named by that metadata, compressed with one of a small closed set
// of codecs. [Download] tries a list of caches in fixed priority
// order; the first to succeed wins, and when all fail only the last
// cache's error is surfaced — earlier failures are intentionally
// discarded rather than aggregated.
//
// Archive bodies are streamed: FetchNar returns the decompressed
// byte stream, not a buffer, so extraction can run while the download
// is still in flight.
package binarycache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/bureau-foundation/netboot/lib/netutil"
)

// narinfoAccept is the content type Nix binary caches expect for
// metadata requests.
const narinfoAccept = "text/x-nix-narinfo"

// Cache is a client for one remote binary cache.
type Cache struct {
	base       *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCache creates a client for the cache rooted at baseURL. The
// httpClient defaults to http.DefaultClient and the logger to
// slog.Default.
func NewCache(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Cache, error) {
	// Relative references in narinfo URL fields resolve against the
	// cache root, so the root must end with a slash.
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("binarycache: invalid cache URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{base: base, httpClient: httpClient, logger: logger}, nil
}

// URL returns the cache's root URL.
func (c *Cache) URL() string {
	return c.base.String()
}

// FetchNarInfo retrieves and parses the metadata for hash.
func (c *Cache) FetchNarInfo(ctx context.Context, hash string) (*NarInfo, error) {
	requestURL, err := c.base.Parse(hash + ".narinfo")
	if err != nil {
		return nil, fmt.Errorf("binarycache: building narinfo URL: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", narinfoAccept)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("binarycache: fetching %s: %w", requestURL, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binarycache: %s returned %s: %s",
			requestURL, response.Status, netutil.ErrorBody(response.Body))
	}

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("binarycache: reading narinfo body: %w", err)
	}
	return ParseNarInfo(string(body))
}

// FetchNar opens the archive body described by info and returns the
// decompressed stream. The caller must close it; closing also closes
// the underlying HTTP response.
func (c *Cache) FetchNar(ctx context.Context, info *NarInfo) (io.ReadCloser, error) {
	requestURL, err := c.base.Parse(info.URL)
	if err != nil {
		return nil, fmt.Errorf("binarycache: building nar URL: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return nil, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("binarycache: fetching %s: %w", requestURL, err)
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return nil, fmt.Errorf("binarycache: %s returned %s: %s",
			requestURL, response.Status, netutil.ErrorBody(response.Body))
	}

	stream, err := decompress(response.Body, info.Compression)
	if err != nil {
		response.Body.Close()
		return nil, err
	}
	return stream, nil
}

// Download composes FetchNarInfo and FetchNar for one hash.
func (c *Cache) Download(ctx context.Context, hash string) (io.ReadCloser, error) {
	c.logger.Info("downloading nar", "hash", hash, "cache", c.base.String())

	info, err := c.FetchNarInfo(ctx, hash)
	if err != nil {
		return nil, err
	}
	return c.FetchNar(ctx, info)
}

// decompress wraps body according to the codec. Unsupported codecs
// are reported with the codec name so callers can message precisely.
func decompress(body io.ReadCloser, compression Compression) (io.ReadCloser, error) {
	switch compression {
	case CompressionNone:
		return body, nil

	case CompressionXz:
		reader, err := xz.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("binarycache: xz stream: %w", err)
		}
		return &decompressedStream{Reader: reader, body: body}, nil

	case CompressionZstd:
		decoder, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("binarycache: zstd stream: %w", err)
		}
		return &decompressedStream{
			Reader: decoder,
			body:   body,
			release: func() {
				decoder.Close()
			},
		}, nil

	case CompressionBzip2, CompressionGzip:
		return nil, fmt.Errorf("%w: %s is not implemented", ErrUnsupportedCompression, compression)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}

// decompressedStream forwards reads to the decompressor while owning
// the underlying HTTP body for cleanup.
type decompressedStream struct {
	io.Reader
	body    io.Closer
	release func()
}

func (s *decompressedStream) Close() error {
	if s.release != nil {
		s.release()
	}
	return s.body.Close()
}

// Download fetches the archive for hash from the first cache that can
// serve it, in the given priority order. When every cache fails, the
// error from the last cache is returned and earlier errors are
// dropped.
func Download(ctx context.Context, caches []*Cache, hash string) (io.ReadCloser, error) {
	err := fmt.Errorf("binarycache: no binary cache configured")
	for _, cache := range caches {
		stream, downloadErr := cache.Download(ctx, hash)
		if downloadErr == nil {
			return stream, nil
		}
		cache.logger.Warn("cache download failed, trying next",
			"hash", hash, "cache", cache.URL(), "error", downloadErr)
		err = downloadErr
	}
	return nil, err
}
