// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostctl manages chassis power for the boot fleet over
// IPMI. Each host's BMC gets its own lazily created connection pool
// (capacity one, short idle timeout) so repeated status polls reuse a
// session instead of renegotiating RMCP+ for every request, while an
// unreachable BMC for one host never blocks requests for another.
package hostctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bougou/go-ipmi"
	"github.com/silenceper/pool"

	"github.com/bureau-foundation/netboot/lib/secret"
)

// ipmiPort is the standard RMCP port.
const ipmiPort = 623

// idleTimeout is how long an unused BMC session is kept before the
// pool discards it.
const idleTimeout = 15 * time.Second

// ErrUnknownPolicy: the power restore policy string is not one of
// the accepted values.
var ErrUnknownPolicy = errors.New("hostctl: unknown power restore policy")

// Credentials are the IPMI credentials shared across the fleet. The
// password stays in guarded memory; it is converted to a string only
// at the session handshake.
type Credentials struct {
	Username string
	Password *secret.Buffer
}

// Config configures a ClientSet.
type Config struct {
	// Addresses maps host names to BMC addresses. Required.
	Addresses map[string]string

	// Credentials are the shared IPMI credentials. Required.
	Credentials Credentials

	// Logger is the structured logger. Defaults to slog.Default.
	Logger *slog.Logger
}

// State is the chassis power state reported for one host.
type State struct {
	PowerIsOn          bool   `json:"powerIsOn"`
	PowerRestorePolicy string `json:"powerRestorePolicy"`
}

// ClientSet hands out pooled IPMI clients per host. Safe for
// concurrent use.
type ClientSet struct {
	addresses   map[string]string
	credentials Credentials
	logger      *slog.Logger

	mu    sync.Mutex
	pools map[string]pool.Pool
}

// NewClientSet creates a ClientSet. Pools are created lazily on first
// use per host.
func NewClientSet(config Config) *ClientSet {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientSet{
		addresses:   config.Addresses,
		credentials: config.Credentials,
		logger:      logger,
		pools:       make(map[string]pool.Pool),
	}
}

// State reads the chassis power status of hostname.
func (cs *ClientSet) State(ctx context.Context, hostname string) (State, error) {
	handle, err := cs.get(hostname)
	if err != nil {
		return State{}, err
	}
	defer cs.put(handle)

	chassis, err := handle.client.GetChassisStatus(ctx)
	if err != nil {
		return State{}, fmt.Errorf("hostctl: chassis status for %s: %w", hostname, err)
	}

	return State{
		PowerIsOn:          chassis.PowerIsOn,
		PowerRestorePolicy: chassis.PowerRestorePolicy.String(),
	}, nil
}

// SetPower powers the chassis up or down.
func (cs *ClientSet) SetPower(ctx context.Context, hostname string, on bool) error {
	handle, err := cs.get(hostname)
	if err != nil {
		return err
	}
	defer cs.put(handle)

	control := ipmi.ChassisControlPowerDown
	if on {
		control = ipmi.ChassisControlPowerUp
	}
	if _, err := handle.client.ChassisControl(ctx, control); err != nil {
		return fmt.Errorf("hostctl: chassis control for %s: %w", hostname, err)
	}
	cs.logger.Info("chassis power changed", "host", hostname, "on", on)
	return nil
}

// SetPowerRestorePolicy sets what the chassis does when power
// returns after loss. Accepted policies: "always-on", "previous",
// "always-off".
func (cs *ClientSet) SetPowerRestorePolicy(ctx context.Context, hostname, policy string) error {
	parsed, err := parsePowerRestorePolicy(policy)
	if err != nil {
		return err
	}

	handle, err := cs.get(hostname)
	if err != nil {
		return err
	}
	defer cs.put(handle)

	if _, err := handle.client.SetPowerRestorePolicy(ctx, parsed); err != nil {
		return fmt.Errorf("hostctl: power restore policy for %s: %w", hostname, err)
	}
	cs.logger.Info("power restore policy changed", "host", hostname, "policy", policy)
	return nil
}

func parsePowerRestorePolicy(policy string) (ipmi.PowerRestorePolicy, error) {
	switch policy {
	case "always-on":
		return ipmi.PowerRestorePolicyAlwaysOn, nil
	case "previous":
		return ipmi.PowerRestorePolicyPrevious, nil
	case "always-off":
		return ipmi.PowerRestorePolicyAlwaysOff, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}

// clientHandle pairs a live IPMI client with the pool it came from.
type clientHandle struct {
	client *ipmi.Client
	pool   pool.Pool
}

// get returns a pooled client for hostname, creating the pool on
// first use.
func (cs *ClientSet) get(hostname string) (clientHandle, error) {
	address, ok := cs.addresses[hostname]
	if !ok {
		return clientHandle{}, fmt.Errorf("hostctl: unknown host %q", hostname)
	}

	cs.mu.Lock()
	hostPool, ok := cs.pools[hostname]
	if !ok {
		var err error
		hostPool, err = pool.NewChannelPool(&pool.Config{
			InitialCap: 0,
			MaxIdle:    1,
			MaxCap:     1,
			Factory:    cs.clientFactory(hostname, address),
			Close: func(v interface{}) error {
				return v.(*ipmi.Client).Close(context.Background())
			},
			IdleTimeout: idleTimeout,
		})
		if err != nil {
			cs.mu.Unlock()
			return clientHandle{}, fmt.Errorf("hostctl: creating pool for %s: %w", hostname, err)
		}
		cs.pools[hostname] = hostPool
	}
	cs.mu.Unlock()

	v, err := hostPool.Get()
	if err != nil {
		return clientHandle{}, fmt.Errorf("hostctl: connecting to %s: %w", hostname, err)
	}
	return clientHandle{client: v.(*ipmi.Client), pool: hostPool}, nil
}

func (cs *ClientSet) put(handle clientHandle) {
	handle.pool.Put(handle.client)
}

// clientFactory builds the pool factory for one BMC: create a client
// with the shared credentials and open the session.
func (cs *ClientSet) clientFactory(hostname, address string) func() (interface{}, error) {
	return func() (interface{}, error) {
		client, err := ipmi.NewClient(address, ipmiPort, cs.credentials.Username, string(cs.credentials.Password.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("hostctl: creating IPMI client for %s: %w", hostname, err)
		}
		if err := client.Connect(context.Background()); err != nil {
			return nil, fmt.Errorf("hostctl: connecting to BMC of %s: %w", hostname, err)
		}
		return client, nil
	}
}
