// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bureau-foundation/netboot/lib/cachix"
	"github.com/bureau-foundation/netboot/lib/capability"
	"github.com/bureau-foundation/netboot/lib/config"
	"github.com/bureau-foundation/netboot/lib/hostctl"
	"github.com/bureau-foundation/netboot/lib/resolve"
)

// maxCommandBodySize bounds PUT /host/{name} request bodies. Power
// commands are a handful of JSON fields.
const maxCommandBodySize = 4 * 1024

// BootServer holds the request-serving state. All fields are set at
// startup and read-only afterwards; the handlers are safe for
// concurrent use.
type BootServer struct {
	config   *config.Config
	resolver *resolve.Resolver
	signer   *capability.Signer
	cachix   *cachix.Client

	// hosts is nil when no hosts are configured; the power
	// endpoints answer 503 in that case.
	hosts *hostctl.ClientSet

	logger *slog.Logger
}

// Routes builds the server's routing table.
func (s *BootServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /boot/{mac}", s.handleBoot)
	mux.HandleFunc("GET /file/{hash}/{path...}", s.handleFile)
	mux.HandleFunc("GET /hosts", s.handleHosts)
	mux.HandleFunc("GET /host/{name}", s.handleHostState)
	mux.HandleFunc("PUT /host/{name}", s.handleHostCommand)
	return mux
}

// bootDescriptor is the JSON payload a netbooting machine consumes:
// the kernel command line verbatim, and capability URLs for the
// kernel and initrd images.
type bootDescriptor struct {
	Cmdline string   `json:"cmdline"`
	Kernel  string   `json:"kernel"`
	Initrd  []string `json:"initrd"`
}

func (s *BootServer) handleBoot(writer http.ResponseWriter, request *http.Request) {
	mac := request.PathValue("mac")

	hostname, _, ok := s.config.FindHostByMAC(mac)
	if !ok {
		s.logger.Warn("boot request from unknown MAC", "mac", mac, "remote_addr", request.RemoteAddr)
		http.Error(writer, "unknown host", http.StatusNotFound)
		return
	}

	// The host name doubles as the pin name: pinning a new store
	// path to "builder-01" on the Cachix cache is how a host's boot
	// image gets updated.
	hash, err := s.cachix.ResolvePin(request.Context(), s.config.Boot.Cachix, hostname)
	if err != nil {
		s.logger.Error("pin resolution failed", "host", hostname, "error", err)
		http.Error(writer, "internal error", http.StatusInternalServerError)
		return
	}

	cmdline, err := s.resolver.Resolve(request.Context(), hash, "cmdline")
	if err != nil {
		s.writeResolveError(writer, err, "resolving cmdline", hostname)
		return
	}

	s.logger.Info("boot descriptor served", "host", hostname, "mac", mac, "hash", hash)
	s.writeJSON(writer, bootDescriptor{
		Cmdline: strings.TrimSpace(string(cmdline)),
		Kernel:  s.signer.SignedFileURL(hash, "bzImage"),
		Initrd:  []string{s.signer.SignedFileURL(hash, "initrd")},
	})
}

func (s *BootServer) handleFile(writer http.ResponseWriter, request *http.Request) {
	hash := request.PathValue("hash")
	path := request.PathValue("path")

	// Verify before touching the store or the caches: an invalid
	// signature must not learn whether the artifact exists, and must
	// not trigger a download.
	if !s.signer.Verify(hash, path, request.URL.Query().Get("sig")) {
		s.logger.Warn("file request with bad signature",
			"hash", hash, "path", path, "remote_addr", request.RemoteAddr)
		http.Error(writer, "", http.StatusForbidden)
		return
	}

	data, err := s.resolver.Resolve(request.Context(), hash, path)
	if err != nil {
		s.writeResolveError(writer, err, "resolving file", hash+"/"+path)
		return
	}

	writer.Header().Set("Content-Type", "application/octet-stream")
	writer.Write(data)
}

// writeResolveError maps resolution failures to status codes. Client
// mistakes get specific 4xx answers; everything else (cache
// transport, filesystem, malformed archives) is logged in full and
// surfaced as a generic 500.
func (s *BootServer) writeResolveError(writer http.ResponseWriter, err error, operation, subject string) {
	switch {
	case errors.Is(err, resolve.ErrNotFound):
		http.Error(writer, "not found", http.StatusNotFound)
	case errors.Is(err, resolve.ErrIsDirectory),
		errors.Is(err, resolve.ErrInvalidPath),
		errors.Is(err, resolve.ErrBadSymlinkTarget):
		http.Error(writer, "bad request", http.StatusBadRequest)
	default:
		s.logger.Error("resolution failed", "operation", operation, "subject", subject, "error", err)
		http.Error(writer, "internal error", http.StatusInternalServerError)
	}
}

// hostStatus is the power state reported for one host. Error carries
// a per-host failure (unreachable BMC) in the fleet listing, where
// one dead BMC must not fail the whole response.
type hostStatus struct {
	hostctl.State
	Error string `json:"error,omitempty"`
}

func (s *BootServer) handleHosts(writer http.ResponseWriter, request *http.Request) {
	if s.hosts == nil {
		http.Error(writer, "power management not configured", http.StatusServiceUnavailable)
		return
	}

	result := make(map[string]hostStatus, len(s.config.Hosts))
	for name := range s.config.Hosts {
		state, err := s.hosts.State(request.Context(), name)
		if err != nil {
			s.logger.Warn("host state query failed", "host", name, "error", err)
			result[name] = hostStatus{Error: err.Error()}
			continue
		}
		result[name] = hostStatus{State: state}
	}

	s.writeJSON(writer, map[string]any{"hosts": result})
}

func (s *BootServer) handleHostState(writer http.ResponseWriter, request *http.Request) {
	if s.hosts == nil {
		http.Error(writer, "power management not configured", http.StatusServiceUnavailable)
		return
	}
	name := request.PathValue("name")
	if _, ok := s.config.Hosts[name]; !ok {
		http.Error(writer, "unknown host", http.StatusNotFound)
		return
	}

	state, err := s.hosts.State(request.Context(), name)
	if err != nil {
		s.logger.Error("host state query failed", "host", name, "error", err)
		http.Error(writer, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(writer, state)
}

// hostCommand is the PUT /host/{name} request body. Absent fields
// leave the corresponding setting untouched.
type hostCommand struct {
	Power              *bool   `json:"power"`
	PowerRestorePolicy *string `json:"powerRestorePolicy"`
}

func (s *BootServer) handleHostCommand(writer http.ResponseWriter, request *http.Request) {
	if s.hosts == nil {
		http.Error(writer, "power management not configured", http.StatusServiceUnavailable)
		return
	}
	name := request.PathValue("name")
	if _, ok := s.config.Hosts[name]; !ok {
		http.Error(writer, "unknown host", http.StatusNotFound)
		return
	}

	var command hostCommand
	decoder := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxCommandBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&command); err != nil {
		http.Error(writer, "bad request", http.StatusBadRequest)
		return
	}

	// Policy first, then power: when a command sets both, the
	// restore policy should already be in place if the power change
	// triggers a reboot cycle.
	if command.PowerRestorePolicy != nil {
		err := s.hosts.SetPowerRestorePolicy(request.Context(), name, *command.PowerRestorePolicy)
		if err != nil {
			s.writeHostControlError(writer, name, err)
			return
		}
	}
	if command.Power != nil {
		if err := s.hosts.SetPower(request.Context(), name, *command.Power); err != nil {
			s.writeHostControlError(writer, name, err)
			return
		}
	}

	writer.WriteHeader(http.StatusNoContent)
}

func (s *BootServer) writeHostControlError(writer http.ResponseWriter, name string, err error) {
	if errors.Is(err, hostctl.ErrUnknownPolicy) {
		http.Error(writer, "unknown power restore policy", http.StatusBadRequest)
		return
	}
	s.logger.Error("host control failed", "host", name, "error", err)
	http.Error(writer, "internal error", http.StatusInternalServerError)
}

func (s *BootServer) writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}
