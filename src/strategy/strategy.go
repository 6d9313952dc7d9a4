/*
src/strategy/strategy.go

The two connection techniques (SSH reverse forward, WireGuard overlay) behind
one interface. A Strategy knows how to establish its connection and describe
the endpoint the reverse proxy should target; the returned Handle exposes
liveness and teardown so the supervisor can treat both techniques uniformly.
*/
package strategy

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/lokegud/Paradelala/types"
)

// Handle is a live connection owned by a supervisor.
type Handle interface {
	// IsAlive reports whether the connection is currently usable.
	IsAlive() bool
	// Done is closed when the underlying connection dies on its own, so
	// the supervisor can react without polling. Passive handles (nothing
	// to die) never close it.
	Done() <-chan struct{}
	// Close tears the connection down and releases its resources.
	Close() error
}

// Strategy is one interchangeable connection technique.
type Strategy interface {
	// Name identifies the technique for logging and the status report.
	Name() types.Method
	// Establish brings the connection up and returns a live handle. The
	// context bounds the connection attempt, not the connection lifetime.
	Establish(ctx context.Context) (Handle, error)
	// DescribeEndpoint returns the address:port the reverse proxy (or an
	// operator) should target to reach the bridged service.
	DescribeEndpoint() string
}

// Classify maps a low-level establish failure onto the bridge error
// taxonomy so the controller can report a precise cause and the supervisor
// can decide whether retrying makes sense.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, types.ErrAuthenticationRejected),
		errors.Is(err, types.ErrPeerUnreachable),
		errors.Is(err, types.ErrPortInUse):
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"):
		return wrap(types.ErrAuthenticationRejected, err)
	case errors.Is(err, syscall.EADDRINUSE),
		strings.Contains(msg, "address already in use"),
		strings.Contains(msg, "tcpip-forward request denied"),
		strings.Contains(msg, "forward request denied"):
		return wrap(types.ErrPortInUse, err)
	case errors.Is(err, context.DeadlineExceeded):
		return wrap(types.ErrPeerUnreachable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrap(types.ErrPeerUnreachable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return wrap(types.ErrPeerUnreachable, err)
	}
	return err
}

type classified struct {
	kind  error
	cause error
}

func (c *classified) Error() string { return c.kind.Error() + ": " + c.cause.Error() }
func (c *classified) Is(target error) bool {
	return errors.Is(c.kind, target) || errors.Is(c.cause, target)
}
func (c *classified) Unwrap() error { return c.cause }

func wrap(kind, cause error) error {
	return &classified{kind: kind, cause: cause}
}

// probe performs a bounded TCP reachability check; shared by the passive
// reverse-tunnel handle on the VPS role.
func probe(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
