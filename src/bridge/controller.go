/*
src/bridge/controller.go

Top-level state machine sequencing provisioning -> connecting -> verifying ->
monitoring. The controller owns one supervisor/monitor pair per configured
method (two in combined mode), publishes the status report for external
consumers, and tears everything down on shutdown. Connectivity trouble after
the verifying phase is absorbed by the supervisors' backoff and surfaces only
as a degraded HealthStatus, never as process termination.
*/
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lokegud/Paradelala/src/config"
	"github.com/lokegud/Paradelala/src/health"
	"github.com/lokegud/Paradelala/src/keys"
	"github.com/lokegud/Paradelala/src/strategy"
	"github.com/lokegud/Paradelala/src/supervisor"
	"github.com/lokegud/Paradelala/types"
)

// State is the controller's lifecycle state.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateProvisioning State = "provisioning"
	StateConnecting   State = "connecting"
	StateVerifying    State = "verifying"
	StateMonitoring   State = "monitoring"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Options tune the controller. Zero values select the defaults.
type Options struct {
	// VerifyTimeout bounds the verifying phase: the initial health check
	// must pass within it or the controller transitions to error.
	VerifyTimeout time.Duration
	Supervisor    supervisor.Options
	Health        health.Options
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.VerifyTimeout <= 0 {
		out.VerifyTimeout = 10 * time.Second
	}
	return out
}

// unit is one supervised method: its strategy, supervisor and monitor.
type unit struct {
	strat strategy.Strategy
	sup   *supervisor.Supervisor
	mon   *health.Monitor
}

// Controller wires the config store, key provisioner, strategies,
// supervisors and monitors together.
type Controller struct {
	store *config.Store
	prov  *keys.Provisioner
	opts  Options

	mu    sync.Mutex
	state State
	cause error
	cfg   *types.BridgeConfig
	units []*unit
}

// NewController builds a controller over the given state directory.
func NewController(stateDir string, opts Options) *Controller {
	return &Controller{
		store: config.NewStore(stateDir),
		prov:  keys.NewProvisioner(filepath.Join(stateDir, "keys")),
		opts:  opts.withDefaults(),
		state: StateUnconfigured,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cause returns the error that moved the controller into StateError.
func (c *Controller) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *Controller) transition(next State, reason string) {
	c.mu.Lock()
	if c.state != next {
		log.Info().Str("from", string(c.state)).Str("to", string(next)).Str("reason", reason).Msg("Bridge transition")
		c.state = next
	}
	c.mu.Unlock()
}

func (c *Controller) fail(cause error) error {
	c.mu.Lock()
	c.cause = cause
	c.mu.Unlock()
	c.transition(StateError, cause.Error())
	// The status file must reflect the failed run, not the previous one.
	c.publish()
	return cause
}

// Run drives the bridge until ctx is cancelled. It is single-shot: an error
// state is retryable by fixing the reported cause and invoking Run again;
// provisioning is idempotent, so the retry does not regenerate keys.
func (c *Controller) Run(ctx context.Context) error {
	cfg, err := c.store.Load()
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.transition(StateUnconfigured, "no configuration; run setup first")
		}
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()

	if err := c.provision(cfg); err != nil {
		return c.fail(err)
	}
	if err := c.connect(ctx, cfg); err != nil {
		c.stopUnits()
		if errors.Is(err, types.ErrAlreadyRunning) {
			// Not an error state for the existing instance.
			return err
		}
		return c.fail(err)
	}
	if err := c.verify(ctx); err != nil {
		c.stopUnits()
		return c.fail(err)
	}
	c.monitor(ctx)

	c.stopUnits()
	c.transition(StateStopped, "shutdown")
	c.publish()
	return nil
}

// provision ensures key material exists and constructs the strategies.
// EnsureKeys is idempotent, so re-running after an error state does not
// touch existing keys.
func (c *Controller) provision(cfg *types.BridgeConfig) error {
	c.transition(StateProvisioning, "configuration loaded")
	var units []*unit
	for _, m := range cfg.Methods() {
		var strat strategy.Strategy
		switch m {
		case types.MethodReverseTunnel:
			if cfg.Role == types.RoleHome {
				if _, err := c.prov.EnsureKeys(keys.PurposeReverseTunnel); err != nil {
					return err
				}
				signer, err := c.prov.Signer()
				if err != nil {
					return err
				}
				strat = strategy.NewReverseTunnel(cfg, signer, c.store.Dir())
			} else {
				strat = strategy.NewReverseTunnel(cfg, nil, c.store.Dir())
			}
		case types.MethodMeshVPN:
			if _, err := c.prov.EnsureKeys(keys.PurposeMeshVPN); err != nil {
				return err
			}
			key, err := c.prov.WireGuardKey()
			if err != nil {
				return err
			}
			// Also render a wg-quick config for operators who prefer a
			// kernel interface over the built-in userspace device.
			quick := strategy.RenderQuickConfig(cfg, key.String())
			quickPath := filepath.Join(c.store.Dir(), "wg0.conf")
			if err := os.WriteFile(quickPath, []byte(quick), 0o600); err != nil {
				log.Warn().Err(err).Str("path", quickPath).Msg("Failed to write wg-quick config")
			}
			strat = strategy.NewMeshVPN(cfg, key)
		}

		sup := supervisor.New(cfg.Role, strat, c.opts.Supervisor)
		mon := health.New(sup, c.probeTarget(cfg, strat), c.opts.Health)
		units = append(units, &unit{strat: strat, sup: sup, mon: mon})
	}

	c.mu.Lock()
	c.units = units
	c.mu.Unlock()
	return nil
}

// probeTarget picks what the monitor should dial: the local service on the
// home side, the forwarded/overlay endpoint on the VPS side.
func (c *Controller) probeTarget(cfg *types.BridgeConfig, strat strategy.Strategy) string {
	if cfg.Role == types.RoleHome {
		return net.JoinHostPort(cfg.LocalServiceAddress, strconv.Itoa(cfg.LocalServicePort))
	}
	return strat.DescribeEndpoint()
}

func (c *Controller) connect(ctx context.Context, cfg *types.BridgeConfig) error {
	c.transition(StateConnecting, "keys ready, strategies built")
	for _, u := range c.snapshotUnits() {
		if err := u.sup.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// verify waits for every supervisor to reach a live connection within the
// configured timeout, otherwise reports a classified cause.
func (c *Controller) verify(ctx context.Context) error {
	c.transition(StateVerifying, "supervisors started")

	deadline := time.Now().Add(c.opts.VerifyTimeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		allUp := true
		for _, u := range c.snapshotUnits() {
			if u.sup.State() == supervisor.StateStopped {
				// Fatal establish failure; surface it immediately.
				if err := u.sup.LastError(); err != nil {
					return err
				}
			}
			if !u.sup.Alive() {
				allUp = false
			}
		}
		if allUp {
			return nil
		}
		if time.Now().After(deadline) {
			for _, u := range c.snapshotUnits() {
				if err := u.sup.LastError(); err != nil {
					return err
				}
			}
			return fmt.Errorf("initial health check timed out after %s: %w", c.opts.VerifyTimeout, types.ErrPeerUnreachable)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// monitor is the steady state: poll loops run, status updates flow in, the
// report is republished on every update until shutdown.
func (c *Controller) monitor(ctx context.Context) {
	c.transition(StateMonitoring, "initial health check passed")

	monCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	units := c.snapshotUnits()
	for _, u := range units {
		wg.Add(1)
		go func(u *unit) {
			defer wg.Done()
			u.mon.Run(monCtx)
		}(u)
	}

	c.publish()
	cases := make([]<-chan types.HealthStatus, len(units))
	for i, u := range units {
		cases[i] = u.mon.Updates()
	}

	// Fan updates from all monitors into republishes of the status file.
	updates := make(chan types.HealthStatus, 8)
	for _, ch := range cases {
		wg.Add(1)
		go func(ch <-chan types.HealthStatus) {
			defer wg.Done()
			for {
				select {
				case <-monCtx.Done():
					return
				case st, ok := <-ch:
					if !ok {
						return
					}
					select {
					case updates <- st:
					default:
					}
				}
			}
		}(ch)
	}

	for {
		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return
		case <-updates:
			c.publish()
		}
	}
}

// publish writes the status report; failures are logged, never fatal.
func (c *Controller) publish() {
	c.mu.Lock()
	cfg := c.cfg
	state := c.state
	units := c.units
	c.mu.Unlock()
	if cfg == nil {
		return
	}

	report := &types.StatusReport{
		State:     string(state),
		Role:      cfg.Role,
		UpdatedAt: time.Now(),
	}
	for _, u := range units {
		ep := types.EndpointStatus{
			Method:   u.strat.Name(),
			Endpoint: u.strat.DescribeEndpoint(),
			Health:   u.mon.Status(),
			Process:  u.sup.Status(),
		}
		if t, ok := u.strat.(interface{ Traffic() (uint64, uint64) }); ok {
			ep.Traffic.RxBytes, ep.Traffic.TxBytes = t.Traffic()
		}
		report.Endpoints = append(report.Endpoints, ep)
	}
	if err := WriteStatus(c.store.Dir(), report); err != nil {
		log.Error().Err(err).Msg("Failed to publish status")
	}
}

func (c *Controller) snapshotUnits() []*unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units
}

func (c *Controller) stopUnits() {
	for _, u := range c.snapshotUnits() {
		u.sup.Stop()
	}
}
