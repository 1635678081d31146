// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bureau-foundation/netboot/lib/binarycache"
	"github.com/bureau-foundation/netboot/lib/cachix"
	"github.com/bureau-foundation/netboot/lib/capability"
	"github.com/bureau-foundation/netboot/lib/config"
	"github.com/bureau-foundation/netboot/lib/hostctl"
	"github.com/bureau-foundation/netboot/lib/httpserver"
	"github.com/bureau-foundation/netboot/lib/resolve"
	"github.com/bureau-foundation/netboot/lib/secret"
	"github.com/bureau-foundation/netboot/lib/store"
	"github.com/bureau-foundation/netboot/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion bool
		configPath  string
		listen      string
		storeDir    string
	)
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file (required)")
	flag.StringVar(&listen, "listen", "", "TCP listen address (overrides the configured address)")
	flag.StringVar(&storeDir, "store-dir", "", "content store root directory (overrides the configured directory)")
	flag.Parse()

	if showVersion {
		fmt.Printf("netboot-server %s\n", version.Full())
		return nil
	}

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	logger := httpserver.NewLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if storeDir != "" {
		cfg.StoreDir = storeDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	contentStore, err := store.New(cfg.StoreDir)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}

	caches := make([]*binarycache.Cache, 0, len(cfg.Boot.Caches))
	for _, cacheURL := range cfg.Boot.Caches {
		cache, err := binarycache.NewCache(cacheURL, httpClient, logger)
		if err != nil {
			return err
		}
		caches = append(caches, cache)
	}

	resolver := resolve.New(resolve.Config{
		Store:  contentStore,
		Caches: caches,
		Logger: logger,
	})

	pinClient, err := cachix.NewClient(cachix.DefaultBaseURL, httpClient, logger)
	if err != nil {
		return err
	}

	// The signing key is ephemeral: minted at startup, held in
	// guarded memory, gone at exit. File URLs issued by a previous
	// process stop verifying after a restart, which is fine — boot
	// clients fetch the descriptor and the files in one session.
	signer, err := capability.NewSigner()
	if err != nil {
		return err
	}
	defer signer.Close()

	var hosts *hostctl.ClientSet
	if len(cfg.Hosts) > 0 {
		password, err := ipmiPassword(cfg.IPMI)
		if err != nil {
			return err
		}
		defer password.Close()

		addresses := make(map[string]string, len(cfg.Hosts))
		for name, host := range cfg.Hosts {
			addresses[name] = host.Address
		}
		hosts = hostctl.NewClientSet(hostctl.Config{
			Addresses: addresses,
			Credentials: hostctl.Credentials{
				Username: cfg.IPMI.Username,
				Password: password,
			},
			Logger: logger,
		})
	}

	bootServer := &BootServer{
		config:   cfg,
		resolver: resolver,
		signer:   signer,
		cachix:   pinClient,
		hosts:    hosts,
		logger:   logger,
	}

	server := httpserver.New(httpserver.Config{
		Address: cfg.Listen,
		Handler: bootServer.Routes(),
		Logger:  logger,
	})

	logger.Info("netboot server starting",
		"listen", cfg.Listen,
		"store", cfg.StoreDir,
		"caches", len(caches),
		"hosts", len(cfg.Hosts),
	)

	return server.Serve(ctx)
}

// ipmiPassword loads the shared IPMI password into guarded memory,
// from the inline config value or the configured file.
func ipmiPassword(cfg config.IPMIConfig) (*secret.Buffer, error) {
	if cfg.PasswordFile != "" {
		return secret.ReadFromPath(cfg.PasswordFile)
	}
	return secret.NewFromBytes([]byte(cfg.Password))
}
