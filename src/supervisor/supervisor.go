/*
src/supervisor/supervisor.go

Keeps one connection strategy alive: establishes it, watches for exits,
restarts with exponential backoff, and exposes liveness to the monitor and
the controller. Exactly one supervisor may own a given role+method pair at a
time; a second Start is rejected with ErrAlreadyRunning so two instances can
never fight over the same forwarded port.
*/
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lokegud/Paradelala/src/strategy"
	"github.com/lokegud/Paradelala/types"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
	StateBackoff  State = "backoff"
)

// Options tune the restart behaviour. Zero values select the defaults.
type Options struct {
	// BackoffBase is the first retry delay; it doubles per consecutive
	// failure up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// HealthyReset is how long a connection must stay up for the backoff
	// ladder to reset to the base interval.
	HealthyReset time.Duration
	// StopGrace bounds how long Stop waits for the run loop to wind down.
	StopGrace time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BackoffBase <= 0 {
		out.BackoffBase = 2 * time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 60 * time.Second
	}
	if out.HealthyReset <= 0 {
		out.HealthyReset = 5 * time.Minute
	}
	if out.StopGrace <= 0 {
		out.StopGrace = 5 * time.Second
	}
	return out
}

// registry enforces the single-owner invariant per role+method.
var (
	registryMu sync.Mutex
	registry   = map[string]*Supervisor{}
)

func registryKey(role types.Role, method types.Method) string {
	return string(role) + "/" + string(method)
}

// Supervisor owns one strategy's connection process.
type Supervisor struct {
	strat strategy.Strategy
	role  types.Role
	opts  Options

	mu           sync.Mutex
	state        State
	proc         types.ConnectionProcess
	handle       strategy.Handle
	lastErr      error
	restartCount int

	restartCh chan string
	cancel    context.CancelFunc
	runDone   chan struct{}
}

// New builds a supervisor for the given strategy.
func New(role types.Role, strat strategy.Strategy, opts Options) *Supervisor {
	return &Supervisor{
		strat:     strat,
		role:      role,
		opts:      opts.withDefaults(),
		state:     StateStopped,
		restartCh: make(chan string, 1),
	}
}

// Start launches the supervision loop. It returns types.ErrAlreadyRunning if
// this supervisor, or any other, already owns this role+method pair.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return fmt.Errorf("%s %s: %w", s.role, s.strat.Name(), types.ErrAlreadyRunning)
	}

	key := registryKey(s.role, s.strat.Name())
	registryMu.Lock()
	if _, claimed := registry[key]; claimed {
		registryMu.Unlock()
		return fmt.Errorf("%s %s: %w", s.role, s.strat.Name(), types.ErrAlreadyRunning)
	}
	registry[key] = s
	registryMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runDone = make(chan struct{})
	s.lastErr = nil
	s.setStateLocked(StateStarting, "start requested")

	go s.run(runCtx, key)
	return nil
}

// Stop terminates the supervised connection and waits (bounded) for the run
// loop to exit. Safe to call on a stopped supervisor.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.runDone
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(s.opts.StopGrace):
			log.Warn().Str("method", string(s.strat.Name())).Msg("Supervisor did not stop within grace period")
		}
	}
}

// Status returns the current connection process record.
func (s *Supervisor) Status() types.ConnectionProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether the supervised connection is up and usable.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	h := s.handle
	st := s.state
	s.mu.Unlock()
	return st == StateRunning && h != nil && h.IsAlive()
}

// LastError returns the most recent establish failure, classified.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Endpoint returns the strategy's published endpoint.
func (s *Supervisor) Endpoint() string { return s.strat.DescribeEndpoint() }

// Method returns the supervised technique.
func (s *Supervisor) Method() types.Method { return s.strat.Name() }

// RequestRestart asks the run loop to recycle the connection. Non-blocking;
// a restart already queued absorbs further requests, so one failure episode
// produces at most one restart.
func (s *Supervisor) RequestRestart(reason string) {
	select {
	case s.restartCh <- reason:
	default:
	}
}

func (s *Supervisor) run(ctx context.Context, key string) {
	defer func() {
		registryMu.Lock()
		delete(registry, key)
		registryMu.Unlock()
		close(s.runDone)
	}()

	backoffStep := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateStopped, "shutdown")
			return
		}
		s.setState(StateStarting, "establishing connection")

		handle, err := s.strat.Establish(ctx)
		if err == nil && !handle.IsAlive() {
			handle.Close()
			err = errors.New("connection not alive after establish")
		}
		if err != nil {
			err = strategy.Classify(err)
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.setState(StateFailed, err.Error())

			if ctx.Err() != nil {
				s.setState(StateStopped, "shutdown")
				return
			}
			if isFatal(err) {
				// Retrying with the same credentials or the same bound
				// port cannot succeed; leave it to the operator.
				s.setState(StateStopped, "fatal error, operator action required")
				return
			}

			delay := backoffDelay(backoffStep, s.opts)
			backoffStep++
			s.bumpRestartCount()
			s.setState(StateBackoff, fmt.Sprintf("retrying in %s", delay))
			select {
			case <-ctx.Done():
				s.setState(StateStopped, "shutdown")
				return
			case <-time.After(delay):
			}
			continue
		}

		// drain any stale restart request aimed at the previous handle
		select {
		case <-s.restartCh:
		default:
		}

		s.mu.Lock()
		s.handle = handle
		s.lastErr = nil
		s.proc = types.ConnectionProcess{
			PID:          os.Getpid(),
			StartedAt:    time.Now(),
			Method:       s.strat.Name(),
			RestartCount: s.restartCount,
		}
		s.mu.Unlock()
		s.setState(StateRunning, "connection established")
		runningSince := time.Now()

		var failReason string
		select {
		case <-ctx.Done():
			handle.Close()
			s.clearHandle()
			s.setState(StateStopped, "shutdown")
			return
		case <-handle.Done():
			// Release the dead handle's resources (device, ports) before
			// re-establishing, or the replacement can collide with them.
			handle.Close()
			failReason = "connection exited"
		case reason := <-s.restartCh:
			handle.Close()
			failReason = "restart requested: " + reason
		}
		s.clearHandle()
		s.setState(StateFailed, failReason)

		if time.Since(runningSince) >= s.opts.HealthyReset {
			backoffStep = 0
		}
		delay := backoffDelay(backoffStep, s.opts)
		backoffStep++
		s.bumpRestartCount()
		s.setState(StateBackoff, fmt.Sprintf("retrying in %s", delay))
		select {
		case <-ctx.Done():
			s.setState(StateStopped, "shutdown")
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) clearHandle() {
	s.mu.Lock()
	s.handle = nil
	s.mu.Unlock()
}

func (s *Supervisor) bumpRestartCount() {
	s.mu.Lock()
	s.restartCount++
	s.proc.RestartCount = s.restartCount
	s.mu.Unlock()
}

func (s *Supervisor) setState(next State, reason string) {
	s.mu.Lock()
	s.setStateLocked(next, reason)
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(next State, reason string) {
	if s.state == next {
		return
	}
	log.Info().
		Str("method", string(s.strat.Name())).
		Str("from", string(s.state)).
		Str("to", string(next)).
		Str("reason", reason).
		Msg("Supervisor transition")
	s.state = next
}

// isFatal reports whether retrying cannot help without operator action.
func isFatal(err error) bool {
	return errors.Is(err, types.ErrAuthenticationRejected) ||
		errors.Is(err, types.ErrPortInUse) ||
		func() bool {
			var verr *types.ConfigValidationError
			return errors.As(err, &verr)
		}()
}

// backoffDelay doubles the base per step, capped at the ceiling.
func backoffDelay(step int, opts Options) time.Duration {
	d := opts.BackoffBase
	for i := 0; i < step; i++ {
		d *= 2
		if d >= opts.BackoffMax {
			return opts.BackoffMax
		}
	}
	if d > opts.BackoffMax {
		return opts.BackoffMax
	}
	return d
}
