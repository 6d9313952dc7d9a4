/*
src/strategy/reverse_tunnel.go

Reverse-tunnel strategy: the home side dials the VPS over SSH and requests
the VPS to forward remote_port back to the local service. Keepalive probes
make the transport itself detect dead sessions; a rejected forward request
fails Establish immediately so the supervisor sees a clean error instead of
a zombie session. On the VPS role the strategy is passive: sshd owns the
forward, so the handle only verifies the forwarded port is reachable.
*/
package strategy

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/lokegud/Paradelala/src/meter"
	"github.com/lokegud/Paradelala/types"
	"github.com/lokegud/Paradelala/wireguard"
)

const (
	defaultSSHPort      = 22
	dialTimeout         = 10 * time.Second
	keepaliveInterval   = 15 * time.Second
	keepaliveMaxMissed  = 3
	passiveProbeTimeout = 2 * time.Second
)

// ReverseTunnel implements Strategy over an outbound SSH session.
type ReverseTunnel struct {
	cfg    *types.BridgeConfig
	signer ssh.Signer
	// pinPath persists the peer host key on first contact so later
	// sessions refuse a changed key.
	pinPath string
	// traffic accumulates proxied bytes across reconnects.
	traffic meter.Meter
}

// NewReverseTunnel builds the strategy. signer may be nil for the VPS role,
// which never dials out.
func NewReverseTunnel(cfg *types.BridgeConfig, signer ssh.Signer, stateDir string) *ReverseTunnel {
	return &ReverseTunnel{
		cfg:     cfg,
		signer:  signer,
		pinPath: filepath.Join(stateDir, "peer_host_key"),
	}
}

// Name implements Strategy.
func (r *ReverseTunnel) Name() types.Method { return types.MethodReverseTunnel }

// DescribeEndpoint returns the upstream address for the reverse proxy. The
// forward lands on the VPS loopback, so the target is local to the VPS.
func (r *ReverseTunnel) DescribeEndpoint() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(r.cfg.RemotePort))
}

// Traffic returns lifetime proxied byte counts (received from clients, sent
// back to them).
func (r *ReverseTunnel) Traffic() (rx, tx uint64) { return r.traffic.Snapshot() }

// Establish implements Strategy.
func (r *ReverseTunnel) Establish(ctx context.Context) (Handle, error) {
	if r.cfg.Role == types.RoleVPS {
		// Nothing to dial: the home side initiates. Watch the forwarded
		// port instead.
		return &passiveHandle{addr: r.DescribeEndpoint()}, nil
	}
	if r.signer == nil {
		return nil, fmt.Errorf("reverse tunnel on the home role requires an SSH identity")
	}

	sshPort := r.cfg.SSHPort
	if sshPort == 0 {
		sshPort = defaultSSHPort
	}
	addr := net.JoinHostPort(r.cfg.RemoteHost, strconv.Itoa(sshPort))

	timeout := dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, Classify(err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	clientConf := &ssh.ClientConfig{
		User:            r.cfg.RemoteUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: r.pinOnFirstUse(),
		Timeout:         timeout,
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConf)
	if err != nil {
		conn.Close()
		return nil, Classify(err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(clientConn, chans, reqs)

	// Request the remote forward. The server rejecting it (port bound,
	// forwarding disabled) surfaces here as an immediate error.
	listener, err := client.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(r.cfg.RemotePort)))
	if err != nil {
		client.Close()
		return nil, Classify(err)
	}

	local := net.JoinHostPort(r.cfg.LocalServiceAddress, strconv.Itoa(r.cfg.LocalServicePort))
	h := &tunnelHandle{
		client:   client,
		listener: listener,
		traffic:  &r.traffic,
		done:     make(chan struct{}),
	}
	h.alive.Store(true)

	go h.acceptLoop(local)
	go h.keepaliveLoop()
	go func() {
		// Wait returns when the SSH transport closes for any reason.
		client.Wait()
		h.markDead()
	}()

	log.Info().
		Str("remote", addr).
		Int("remote_port", r.cfg.RemotePort).
		Str("local", local).
		Msg("Reverse tunnel established")
	return h, nil
}

// pinOnFirstUse returns a host key callback that stores the peer's host key
// on first contact and requires an exact match afterwards.
func (r *ReverseTunnel) pinOnFirstUse() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		presented := base64.StdEncoding.EncodeToString(key.Marshal())
		pinned, err := os.ReadFile(r.pinPath)
		if os.IsNotExist(err) {
			log.Info().Str("host", hostname).Str("fingerprint", ssh.FingerprintSHA256(key)).Msg("Pinning peer host key on first use")
			return os.WriteFile(r.pinPath, []byte(presented+"\n"), 0o600)
		}
		if err != nil {
			return fmt.Errorf("failed to read pinned host key: %w", err)
		}
		if strings.TrimSpace(string(pinned)) != presented {
			return fmt.Errorf("peer host key changed (expected pin in %s)", r.pinPath)
		}
		return nil
	}
}

// tunnelHandle owns a live SSH session with an active remote forward.
type tunnelHandle struct {
	client   *ssh.Client
	listener net.Listener
	traffic  *meter.Meter
	done     chan struct{}
	alive    atomic.Bool
	closing  atomic.Bool
	once     sync.Once
}

func (h *tunnelHandle) IsAlive() bool         { return h.alive.Load() }
func (h *tunnelHandle) Done() <-chan struct{} { return h.done }

func (h *tunnelHandle) Close() error {
	h.closing.Store(true)
	h.alive.Store(false)
	h.listener.Close()
	err := h.client.Close()
	h.once.Do(func() { close(h.done) })
	return err
}

func (h *tunnelHandle) markDead() {
	h.alive.Store(false)
	h.once.Do(func() { close(h.done) })
}

func (h *tunnelHandle) acceptLoop(local string) {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if !h.closing.Load() {
				log.Warn().Err(err).Msg("Reverse tunnel listener closed")
				h.markDead()
			}
			return
		}
		go wireguard.TCPProxy(h.traffic.Account(conn), local)
	}
}

// keepaliveLoop sends a periodic no-op request so a silently dead transport
// is noticed and torn down instead of hanging.
func (h *tunnelHandle) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			_, _, err := h.client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				missed++
				log.Warn().Err(err).Int("missed", missed).Msg("Tunnel keepalive failed")
				if missed >= keepaliveMaxMissed {
					h.client.Close()
					h.markDead()
					return
				}
				continue
			}
			missed = 0
		}
	}
}

// passiveHandle watches an endpoint it does not own. Used on the VPS role,
// where sshd manages the forward and the bridge only observes it.
type passiveHandle struct {
	addr string
}

func (h *passiveHandle) IsAlive() bool         { return probe(h.addr, passiveProbeTimeout) }
func (h *passiveHandle) Done() <-chan struct{} { return nil }
func (h *passiveHandle) Close() error          { return nil }
