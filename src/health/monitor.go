/*
src/health/monitor.go

Fixed-interval poll loop verifying both the supervised connection and the
bridged service port. Each cycle overwrites the HealthStatus and publishes it
on a channel; once consecutive failures reach the threshold the monitor sends
the supervisor exactly one restart command for that failure episode. The
probe socket is independent of the connection's own sockets, so a stalled
probe can never block the restart path.
*/
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lokegud/Paradelala/types"
)

// Connection is the supervisor surface the monitor needs.
type Connection interface {
	Alive() bool
	RequestRestart(reason string)
}

// Options tune the poll loop. Zero values select the defaults.
type Options struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Interval <= 0 {
		out.Interval = 10 * time.Second
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = 2 * time.Second
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	return out
}

// Monitor polls one supervised connection and its service endpoint.
type Monitor struct {
	conn   Connection
	target string
	opts   Options

	mu          sync.Mutex
	status      types.HealthStatus
	restartSent bool

	updates chan types.HealthStatus
}

// New builds a monitor probing target (the local service for the home role,
// the forwarded or overlay endpoint for the VPS role).
func New(conn Connection, target string, opts Options) *Monitor {
	return &Monitor{
		conn:    conn,
		target:  target,
		opts:    opts.withDefaults(),
		status:  types.HealthStatus{ConnectionState: types.StateUnknown},
		updates: make(chan types.HealthStatus, 8),
	}
}

// Updates delivers a HealthStatus after every poll cycle. Slow consumers
// lose intermediate updates rather than stalling the loop.
func (m *Monitor) Updates() <-chan types.HealthStatus { return m.updates }

// Status returns the most recent poll result.
func (m *Monitor) Status() types.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Target returns the probed endpoint.
func (m *Monitor) Target() string { return m.target }

// Run polls until ctx is cancelled. It checks once immediately, then on
// every interval; cancellation is observed within one interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	alive := m.conn.Alive()
	reachable := m.probe()

	m.mu.Lock()
	st := types.HealthStatus{
		ServiceReachable: reachable,
		LastCheckedAt:    time.Now(),
	}
	if alive {
		st.ConnectionState = types.StateUp
	} else {
		st.ConnectionState = types.StateDown
	}
	if alive && reachable {
		st.ConsecutiveFailures = 0
		m.restartSent = false
	} else {
		st.ConsecutiveFailures = m.status.ConsecutiveFailures + 1
	}
	m.status = st

	shouldRestart := st.ConsecutiveFailures >= m.opts.FailureThreshold && !m.restartSent
	if shouldRestart {
		m.restartSent = true
	}
	m.mu.Unlock()

	if !alive || !reachable {
		log.Warn().
			Bool("connection_alive", alive).
			Bool("service_reachable", reachable).
			Str("target", m.target).
			Int("consecutive_failures", st.ConsecutiveFailures).
			Msg("Health check failed")
	}
	if shouldRestart {
		m.conn.RequestRestart(fmt.Sprintf("%d consecutive health check failures", st.ConsecutiveFailures))
	}

	select {
	case m.updates <- st:
	default:
	}
}

// probe is a bounded TCP reachability check against the service endpoint.
func (m *Monitor) probe() bool {
	conn, err := net.DialTimeout("tcp", m.target, m.opts.ProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
