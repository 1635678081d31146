// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/netboot/lib/binarycache"
	"github.com/bureau-foundation/netboot/lib/cachix"
	"github.com/bureau-foundation/netboot/lib/capability"
	"github.com/bureau-foundation/netboot/lib/config"
	"github.com/bureau-foundation/netboot/lib/nar"
	"github.com/bureau-foundation/netboot/lib/resolve"
	"github.com/bureau-foundation/netboot/lib/secret"
	"github.com/bureau-foundation/netboot/lib/store"
)

const (
	testHash = "0c4yss1hgxpcvx8gvriz2dms7zzz9a1f"
	testMAC  = "aa:bb:cc:dd:ee:ff"
)

// testServer builds a BootServer backed by a fake binary cache and a
// fake Cachix API, serving a boot image with a cmdline, kernel,
// initrd, and one subdirectory. Returns the server and a counter of
// NAR downloads from the fake cache.
func testServer(t *testing.T) (*BootServer, *int) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Build the boot image archive from a real directory tree.
	imageDir := t.TempDir()
	writeFile := func(name, contents string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(imageDir, name), []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeFile("cmdline", "console=ttyS0 quiet\n")
	writeFile("bzImage", "kernel bytes")
	writeFile("initrd", "initrd bytes")
	if err := os.Mkdir(filepath.Join(imageDir, "modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/etc/passwd", filepath.Join(imageDir, "sneaky")); err != nil {
		t.Fatal(err)
	}

	var archive bytes.Buffer
	if err := nar.Pack(&archive, imageDir); err != nil {
		t.Fatalf("packing boot image: %v", err)
	}

	downloads := 0
	cacheServer := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/" + testHash + ".narinfo":
			fmt.Fprintf(writer, "URL: nar/%s.nar\nCompression: none\nNarSize: %d\nFileSize: %d\n",
				testHash, archive.Len(), archive.Len())
		case "/nar/" + testHash + ".nar":
			downloads++
			writer.Write(archive.Bytes())
		default:
			http.NotFound(writer, request)
		}
	}))
	t.Cleanup(cacheServer.Close)

	pinServer := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/testcache/pin" {
			http.NotFound(writer, request)
			return
		}
		fmt.Fprintf(writer, `[{"name":"builder-01","lastRevision":{"storePath":"/nix/store/%s-boot-image"}}]`, testHash)
	}))
	t.Cleanup(pinServer.Close)

	cache, err := binarycache.NewCache(cacheServer.URL, cacheServer.Client(), logger)
	if err != nil {
		t.Fatal(err)
	}

	contentStore, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	pinClient, err := cachix.NewClient(pinServer.URL+"/", pinServer.Client(), logger)
	if err != nil {
		t.Fatal(err)
	}

	key, err := secret.NewFromBytes(bytes.Repeat([]byte{0x42}, capability.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	signer := capability.NewSignerFromKey(key)
	t.Cleanup(func() { signer.Close() })

	return &BootServer{
		config: &config.Config{
			Boot: config.BootConfig{
				Caches: []string{cacheServer.URL},
				Cachix: "testcache",
			},
			Hosts: map[string]config.HostConfig{
				"builder-01": {Address: "10.0.0.1", MAC: testMAC},
			},
		},
		resolver: resolve.New(resolve.Config{
			Store:  contentStore,
			Caches: []*binarycache.Cache{cache},
			Logger: logger,
		}),
		signer: signer,
		cachix: pinClient,
		logger: logger,
	}, &downloads
}

func get(t *testing.T, handler http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, url, nil))
	return recorder
}

func TestBootDescriptor(t *testing.T) {
	server, _ := testServer(t)
	mux := server.Routes()

	response := get(t, mux, "/boot/"+testMAC)
	if response.Code != http.StatusOK {
		t.Fatalf("GET /boot status = %d, body %q", response.Code, response.Body)
	}

	var descriptor bootDescriptor
	if err := json.Unmarshal(response.Body.Bytes(), &descriptor); err != nil {
		t.Fatalf("decoding descriptor: %v", err)
	}
	if descriptor.Cmdline != "console=ttyS0 quiet" {
		t.Errorf("cmdline = %q, want trimmed %q", descriptor.Cmdline, "console=ttyS0 quiet")
	}
	if !strings.HasPrefix(descriptor.Kernel, "/file/"+testHash+"/bzImage?sig=") {
		t.Errorf("kernel URL = %q, want signed /file URL", descriptor.Kernel)
	}
	if len(descriptor.Initrd) != 1 || !strings.HasPrefix(descriptor.Initrd[0], "/file/"+testHash+"/initrd?sig=") {
		t.Errorf("initrd URLs = %q, want one signed /file URL", descriptor.Initrd)
	}

	// The descriptor's URLs must actually work when presented back.
	kernel := get(t, mux, descriptor.Kernel)
	if kernel.Code != http.StatusOK {
		t.Fatalf("GET kernel URL status = %d", kernel.Code)
	}
	if kernel.Body.String() != "kernel bytes" {
		t.Errorf("kernel body = %q, want %q", kernel.Body, "kernel bytes")
	}
}

func TestBootUnknownMAC(t *testing.T) {
	server, downloads := testServer(t)

	response := get(t, server.Routes(), "/boot/00:00:00:00:00:00")
	if response.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", response.Code)
	}
	if *downloads != 0 {
		t.Errorf("downloads = %d, want 0", *downloads)
	}
}

func TestFileRequiresValidSignature(t *testing.T) {
	server, downloads := testServer(t)
	mux := server.Routes()

	tests := []struct {
		name string
		url  string
	}{
		{"missing_signature", "/file/" + testHash + "/bzImage"},
		{"garbage_signature", "/file/" + testHash + "/bzImage?sig=AAAA"},
		{"signature_for_other_path", "/file/" + testHash + "/bzImage?sig=" +
			server.signer.Sign(testHash, "initrd")},
		{"signature_for_other_hash", "/file/" + testHash + "/bzImage?sig=" +
			server.signer.Sign(strings.Repeat("z", 32), "bzImage")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response := get(t, mux, tt.url)
			if response.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", response.Code)
			}
		})
	}

	// Rejections must happen before any cache traffic: a forged URL
	// is not allowed to trigger downloads or learn what exists.
	if *downloads != 0 {
		t.Errorf("downloads after rejected requests = %d, want 0", *downloads)
	}
}

func TestFileErrorMapping(t *testing.T) {
	server, _ := testServer(t)
	mux := server.Routes()

	signed := func(path string) string {
		return "/file/" + testHash + "/" + path + "?sig=" + server.signer.Sign(testHash, path)
	}

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"missing_file", signed("vmlinuz"), http.StatusNotFound},
		{"directory", signed("modules"), http.StatusBadRequest},
		{"symlink_outside_store", signed("sneaky"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response := get(t, mux, tt.url)
			if response.Code != tt.want {
				t.Errorf("status = %d, want %d", response.Code, tt.want)
			}
		})
	}
}

func TestFileReusesStore(t *testing.T) {
	server, downloads := testServer(t)
	mux := server.Routes()

	url := "/file/" + testHash + "/initrd?sig=" + server.signer.Sign(testHash, "initrd")
	for i := 0; i < 3; i++ {
		response := get(t, mux, url)
		if response.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, response.Code)
		}
		if response.Body.String() != "initrd bytes" {
			t.Fatalf("request %d body = %q", i, response.Body)
		}
	}
	if *downloads != 1 {
		t.Errorf("downloads = %d, want 1 (store should serve repeats)", *downloads)
	}
}

func TestPowerEndpointsWithoutIPMI(t *testing.T) {
	server, _ := testServer(t)
	mux := server.Routes()

	for _, url := range []string{"/hosts", "/host/builder-01"} {
		response := get(t, mux, url)
		if response.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want 503", url, response.Code)
		}
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPut, "/host/builder-01",
		strings.NewReader(`{"power": true}`))
	mux.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("PUT /host status = %d, want 503", recorder.Code)
	}
}
