// Package meter counts bytes flowing through proxied connections.
package meter

import (
	"net"
	"sync/atomic"
)

// Meter accumulates received/sent byte counts across the connections it
// wraps. Safe for concurrent use; counts survive connection churn, so a
// single Meter gives the lifetime totals of a tunnel.
type Meter struct {
	rx atomic.Uint64
	tx atomic.Uint64
}

// Snapshot returns the bytes received from and sent to wrapped connections.
func (m *Meter) Snapshot() (rx, tx uint64) {
	return m.rx.Load(), m.tx.Load()
}

// Account wraps conn so reads count toward rx and writes toward tx.
func (m *Meter) Account(conn net.Conn) net.Conn {
	return &meteredConn{Conn: conn, meter: m}
}

type meteredConn struct {
	net.Conn
	meter *Meter
}

func (c *meteredConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.meter.rx.Add(uint64(n))
	return n, err
}

func (c *meteredConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.meter.tx.Add(uint64(n))
	return n, err
}
