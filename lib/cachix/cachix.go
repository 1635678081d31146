// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cachix resolves named pins to content hashes via the
// Cachix HTTP API. A pin is a mutable name pointing at a store path;
// each host's boot configuration is published as a pin named after
// the host, and the boot descriptor endpoint dereferences it per
// request so newly pushed builds take effect without server restarts.
package cachix

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/netboot/lib/netutil"
	"github.com/bureau-foundation/netboot/lib/storepath"
)

// DefaultBaseURL is the public Cachix API root.
const DefaultBaseURL = "https://app.cachix.org/api/v1/cache/"

// Client is a read-only Cachix API client.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client against the given API root. Pass an
// empty baseURL for the public Cachix service. The httpClient
// defaults to http.DefaultClient and the logger to slog.Default.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("cachix: invalid base URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, httpClient: httpClient, logger: logger}, nil
}

// pin is the wire shape of one entry in the cache's pin list.
type pin struct {
	Name         string `json:"name"`
	LastRevision struct {
		StorePath string `json:"storePath"`
	} `json:"lastRevision"`
}

// ResolvePin looks up pinName in cacheName's pin list and returns the
// content hash of the store path it currently points at.
func (c *Client) ResolvePin(ctx context.Context, cacheName, pinName string) (string, error) {
	requestURL, err := c.base.Parse(cacheName + "/pin")
	if err != nil {
		return "", fmt.Errorf("cachix: building pin URL: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return "", err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("cachix: fetching pins for %s: %w", cacheName, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cachix: %s returned %s: %s",
			requestURL, response.Status, netutil.ErrorBody(response.Body))
	}

	var pins []pin
	if err := netutil.DecodeResponse(response.Body, &pins); err != nil {
		return "", fmt.Errorf("cachix: decoding pin list: %w", err)
	}

	for _, entry := range pins {
		if entry.Name != pinName {
			continue
		}
		hash, _, err := storepath.Parse(entry.LastRevision.StorePath)
		if err != nil {
			return "", fmt.Errorf("cachix: pin %q: %w", pinName, err)
		}
		c.logger.Debug("pin resolved", "cache", cacheName, "pin", pinName, "hash", hash)
		return hash, nil
	}

	return "", fmt.Errorf("cachix: pin %q not found in cache %s", pinName, cacheName)
}
