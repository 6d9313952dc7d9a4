/*
src/strategy/meshvpn.go

Mesh-VPN strategy: a WireGuard point-to-point overlay run as a userspace
device. Liveness comes from the last-handshake timestamp on the device
rather than process liveness, since the overlay has no single long-lived
foreground process. On the home role a netstack listener forwards overlay
connections to the local service.
*/
package strategy

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/lokegud/Paradelala/src/meter"
	"github.com/lokegud/Paradelala/types"
	"github.com/lokegud/Paradelala/wireguard"
)

const (
	wgKeepalive = 25 * time.Second
	// handshakeMaxAge is how stale the last handshake may be before the
	// overlay counts as dead. WireGuard rekeys well inside this window
	// when traffic or keepalives flow.
	handshakeMaxAge = 3 * wgKeepalive
)

// MeshVPN implements Strategy over a userspace WireGuard overlay.
type MeshVPN struct {
	cfg     *types.BridgeConfig
	key     wgtypes.Key
	traffic meter.Meter
}

// NewMeshVPN builds the strategy with this peer's private key.
func NewMeshVPN(cfg *types.BridgeConfig, key wgtypes.Key) *MeshVPN {
	return &MeshVPN{cfg: cfg, key: key}
}

// Name implements Strategy.
func (m *MeshVPN) Name() types.Method { return types.MethodMeshVPN }

// DescribeEndpoint returns the overlay address the proxy should target: the
// home peer's overlay IP plus the exposed port.
func (m *MeshVPN) DescribeEndpoint() string {
	host := m.cfg.OverlayAddress
	if m.cfg.Role == types.RoleVPS {
		host = m.cfg.PeerOverlayAddress
	}
	return net.JoinHostPort(host, strconv.Itoa(m.cfg.RemotePort))
}

// Traffic returns lifetime proxied byte counts over the overlay.
func (m *MeshVPN) Traffic() (rx, tx uint64) { return m.traffic.Snapshot() }

// Establish implements Strategy.
func (m *MeshVPN) Establish(ctx context.Context) (Handle, error) {
	overlayAddr, err := netip.ParseAddr(m.cfg.OverlayAddress)
	if err != nil {
		return nil, &types.ConfigValidationError{Field: "overlay_address", Reason: err.Error()}
	}

	conf, err := m.uapiConfig()
	if err != nil {
		return nil, err
	}

	dev, err := wireguard.NewUserspaceDevice(conf, []netip.Addr{overlayAddr})
	if err != nil {
		return nil, Classify(err)
	}

	h := &meshHandle{
		dev:     dev,
		traffic: &m.traffic,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	if m.cfg.Role == types.RoleHome {
		// Expose the local service on the overlay so the VPS side can
		// reach it at overlay_address:remote_port.
		ln, err := dev.NetStack.ListenTCP(&net.TCPAddr{
			IP:   overlayAddr.AsSlice(),
			Port: m.cfg.RemotePort,
		})
		if err != nil {
			dev.Close()
			return nil, Classify(err)
		}
		h.listener = ln
		local := net.JoinHostPort(m.cfg.LocalServiceAddress, strconv.Itoa(m.cfg.LocalServicePort))
		go h.acceptLoop(local)
	}

	log.Info().
		Str("overlay_address", m.cfg.OverlayAddress).
		Str("peer_endpoint", m.cfg.PeerEndpoint).
		Str("endpoint", m.DescribeEndpoint()).
		Msg("Mesh VPN overlay up")
	return h, nil
}

// uapiConfig renders the device configuration in WireGuard's UAPI form.
// UAPI wants hex keys, unlike the base64 wg-quick format.
func (m *MeshVPN) uapiConfig() (string, error) {
	peerKey, err := wgtypes.ParseKey(m.cfg.PeerPublicKey)
	if err != nil {
		return "", &types.ConfigValidationError{Field: "peer_public_key", Reason: err.Error()}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hex.EncodeToString(m.key[:]))
	if m.cfg.ListenPort > 0 {
		fmt.Fprintf(&b, "listen_port=%d\n", m.cfg.ListenPort)
	}
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(peerKey[:]))
	fmt.Fprintf(&b, "allowed_ip=%s/32\n", m.cfg.PeerOverlayAddress)

	if m.cfg.PeerEndpoint != "" {
		// UAPI requires a resolved IP endpoint.
		resolved, err := net.ResolveUDPAddr("udp", m.cfg.PeerEndpoint)
		if err != nil {
			return "", wrap(types.ErrPeerUnreachable, fmt.Errorf("failed to resolve peer endpoint %q: %w", m.cfg.PeerEndpoint, err))
		}
		fmt.Fprintf(&b, "endpoint=%s\n", resolved.String())
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(wgKeepalive.Seconds()))
	}
	return b.String(), nil
}

// meshHandle owns the userspace device and, on the home role, the overlay
// listener in front of the local service.
type meshHandle struct {
	dev      *wireguard.UserspaceDevice
	listener net.Listener
	traffic  *meter.Meter
	started  time.Time
	done     chan struct{}
	closing  atomic.Bool
	once     sync.Once
}

// IsAlive checks the handshake age. A peer that never completed a handshake
// is granted a startup grace window; a passive side waiting for its peer to
// initiate would otherwise flap on every start.
func (h *meshHandle) IsAlive() bool {
	if h.closing.Load() {
		return false
	}
	last, err := h.dev.LastHandshake()
	if err != nil {
		return false
	}
	if last.IsZero() {
		return time.Since(h.started) < 2*handshakeMaxAge
	}
	return time.Since(last) < handshakeMaxAge
}

func (h *meshHandle) Done() <-chan struct{} { return h.done }

func (h *meshHandle) Close() error {
	h.closing.Store(true)
	if h.listener != nil {
		h.listener.Close()
	}
	h.dev.Close()
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *meshHandle) acceptLoop(local string) {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if !h.closing.Load() {
				log.Warn().Err(err).Msg("Overlay listener closed")
				h.once.Do(func() { close(h.done) })
			}
			return
		}
		go wireguard.TCPProxy(h.traffic.Account(conn), local)
	}
}
