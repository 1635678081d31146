// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the netboot server configuration.
//
// Configuration comes from a single YAML file passed via --config.
// There are no fallbacks or automatic discovery — this keeps the
// configuration deterministic and auditable. Validation happens
// entirely at load time so a bad file fails the process at startup
// rather than the first request.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full netboot server configuration.
type Config struct {
	// Listen is the TCP listen address (e.g., ":8080"). Defaults
	// to ":8080".
	Listen string `yaml:"listen"`

	// StoreDir is the content store root directory. Required.
	StoreDir string `yaml:"store_dir"`

	// Boot configures artifact resolution.
	Boot BootConfig `yaml:"boot"`

	// IPMI configures chassis power management credentials, shared
	// across all hosts.
	IPMI IPMIConfig `yaml:"ipmi"`

	// Hosts maps host names to their management and boot identity.
	// The host name doubles as the Cachix pin name for that host's
	// boot image.
	Hosts map[string]HostConfig `yaml:"hosts"`
}

// BootConfig configures where boot artifacts come from.
type BootConfig struct {
	// Caches are the binary cache root URLs, in priority order.
	// At least one is required.
	Caches []string `yaml:"caches"`

	// Cachix is the name of the Cachix cache whose pins map host
	// names to boot images. Required.
	Cachix string `yaml:"cachix"`
}

// IPMIConfig holds the shared IPMI credentials. Exactly one of
// Password and PasswordFile must be set when any host is configured.
type IPMIConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
}

// HostConfig describes one managed host.
type HostConfig struct {
	// Address is the host's BMC address for IPMI.
	Address string `yaml:"address"`

	// MAC is the host's boot interface MAC address, used to match
	// incoming boot requests. Stored lowercase.
	MAC string `yaml:"mac"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.StoreDir == "" {
		return fmt.Errorf("store_dir is required")
	}
	if len(c.Boot.Caches) == 0 {
		return fmt.Errorf("boot.caches must list at least one binary cache")
	}
	if c.Boot.Cachix == "" {
		return fmt.Errorf("boot.cachix is required")
	}

	if len(c.Hosts) > 0 {
		if c.IPMI.Username == "" {
			return fmt.Errorf("ipmi.username is required when hosts are configured")
		}
		hasPassword := c.IPMI.Password != ""
		hasPasswordFile := c.IPMI.PasswordFile != ""
		switch {
		case hasPassword && hasPasswordFile:
			return fmt.Errorf("ipmi.password and ipmi.password_file are mutually exclusive")
		case !hasPassword && !hasPasswordFile:
			return fmt.Errorf("one of ipmi.password or ipmi.password_file is required")
		}
	}

	for name, host := range c.Hosts {
		if host.Address == "" {
			return fmt.Errorf("host %s: address is required", name)
		}
		if host.MAC != "" {
			host.MAC = strings.ToLower(host.MAC)
			c.Hosts[name] = host
		}
	}
	return nil
}

// FindHostByMAC returns the configured host whose boot interface MAC
// matches (case-insensitively), along with its name.
func (c *Config) FindHostByMAC(mac string) (string, HostConfig, bool) {
	mac = strings.ToLower(mac)
	for name, host := range c.Hosts {
		if host.MAC != "" && host.MAC == mac {
			return name, host, true
		}
	}
	return "", HostConfig{}, false
}
