package strategy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/lokegud/Paradelala/types"
)

func homeTunnelConfig() *types.BridgeConfig {
	return &types.BridgeConfig{
		Role:                types.RoleHome,
		Method:              types.MethodReverseTunnel,
		RemoteHost:          "127.0.0.1",
		RemotePort:          18080,
		RemoteUser:          "bridge",
		LocalServiceAddress: "127.0.0.1",
		LocalServicePort:    8000,
	}
}

func meshConfig(role types.Role) *types.BridgeConfig {
	key, _ := wgtypes.GeneratePrivateKey()
	return &types.BridgeConfig{
		Role:                role,
		Method:              types.MethodMeshVPN,
		RemoteHost:          "vps.example.com",
		RemotePort:          18080,
		LocalServiceAddress: "127.0.0.1",
		LocalServicePort:    8000,
		OverlayAddress:      "10.66.0.2",
		PeerOverlayAddress:  "10.66.0.1",
		PeerPublicKey:       key.PublicKey().String(),
		PeerEndpoint:        "127.0.0.1:51820",
		ListenPort:          51821,
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), types.ErrAuthenticationRejected},
		{"forward denied", errors.New("ssh: tcpip-forward request denied by peer"), types.ErrPortInUse},
		{"addr in use", errors.New("listen tcp 127.0.0.1:8080: bind: address already in use"), types.ErrPortInUse},
		{"deadline", context.DeadlineExceeded, types.ErrPeerUnreachable},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, types.ErrPeerUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.in)
			if !errors.Is(got, tc.want) {
				t.Fatalf("Classify(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestClassify_PassesThroughUnknown(t *testing.T) {
	plain := errors.New("something else")
	if got := Classify(plain); got != plain {
		t.Fatalf("unknown error was rewritten: %v", got)
	}
	if Classify(nil) != nil {
		t.Fatal("Classify(nil) should be nil")
	}
}

func TestReverseTunnel_DescribeEndpointIsVPSLocal(t *testing.T) {
	r := NewReverseTunnel(homeTunnelConfig(), nil, t.TempDir())
	if got := r.DescribeEndpoint(); got != "127.0.0.1:18080" {
		t.Fatalf("DescribeEndpoint() = %q", got)
	}
}

func TestReverseTunnel_EstablishUnreachablePeer(t *testing.T) {
	// Reserve a port and close it so the dial is refused deterministically.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := homeTunnelConfig()
	cfg.SSHPort = port

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	r := NewReverseTunnel(cfg, signer, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = r.Establish(ctx)
	if !errors.Is(err, types.ErrPeerUnreachable) {
		t.Fatalf("expected ErrPeerUnreachable, got %v", err)
	}
}

func TestReverseTunnel_HomeRequiresIdentity(t *testing.T) {
	r := NewReverseTunnel(homeTunnelConfig(), nil, t.TempDir())
	if _, err := r.Establish(context.Background()); err == nil {
		t.Fatal("expected error without signer")
	}
}

func TestReverseTunnel_VPSRoleIsPassive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := homeTunnelConfig()
	cfg.Role = types.RoleVPS
	cfg.RemotePort = port

	r := NewReverseTunnel(cfg, nil, t.TempDir())
	h, err := r.Establish(context.Background())
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	defer h.Close()

	if !h.IsAlive() {
		t.Fatal("passive handle should see the listening forwarded port")
	}
	ln.Close()
	if h.IsAlive() {
		t.Fatal("passive handle should notice the forwarded port going away")
	}
}

func TestHostKeyPin(t *testing.T) {
	mkKey := func() ssh.PublicKey {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("keygen: %v", err)
		}
		sshPub, err := ssh.NewPublicKey(pub)
		if err != nil {
			t.Fatalf("ssh pub: %v", err)
		}
		return sshPub
	}

	r := NewReverseTunnel(homeTunnelConfig(), nil, t.TempDir())
	cb := r.pinOnFirstUse()
	first := mkKey()

	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}
	if err := cb("vps.example.com", addr, first); err != nil {
		t.Fatalf("first use should pin: %v", err)
	}
	if err := cb("vps.example.com", addr, first); err != nil {
		t.Fatalf("same key should pass: %v", err)
	}
	if err := cb("vps.example.com", addr, mkKey()); err == nil {
		t.Fatal("changed host key should be rejected")
	}
}

func TestMeshVPN_DescribeEndpointPerRole(t *testing.T) {
	home := NewMeshVPN(meshConfig(types.RoleHome), wgtypes.Key{})
	if got := home.DescribeEndpoint(); got != "10.66.0.2:18080" {
		t.Fatalf("home endpoint = %q", got)
	}
	vps := NewMeshVPN(meshConfig(types.RoleVPS), wgtypes.Key{})
	if got := vps.DescribeEndpoint(); got != "10.66.0.1:18080" {
		t.Fatalf("vps endpoint = %q", got)
	}
}

func TestMeshVPN_UAPIConfig(t *testing.T) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	cfg := meshConfig(types.RoleHome)
	m := NewMeshVPN(cfg, key)

	conf, err := m.uapiConfig()
	if err != nil {
		t.Fatalf("uapi: %v", err)
	}

	for _, want := range []string{
		"replace_peers=true\n",
		"listen_port=51821\n",
		"allowed_ip=10.66.0.1/32\n",
		"endpoint=127.0.0.1:51820\n",
		fmt.Sprintf("persistent_keepalive_interval=%d\n", int(wgKeepalive.Seconds())),
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("uapi config missing %q:\n%s", want, conf)
		}
	}
	// UAPI keys are hex, not base64.
	if strings.Contains(conf, cfg.PeerPublicKey) {
		t.Error("uapi config contains base64 peer key; expected hex")
	}
}

func TestMeshVPN_BadPeerKey(t *testing.T) {
	cfg := meshConfig(types.RoleHome)
	cfg.PeerPublicKey = "not-a-key"
	m := NewMeshVPN(cfg, wgtypes.Key{})
	if _, err := m.uapiConfig(); err == nil {
		t.Fatal("expected error for malformed peer key")
	}
}

func TestRenderQuickConfig(t *testing.T) {
	cfg := meshConfig(types.RoleHome)
	key, _ := wgtypes.GeneratePrivateKey()
	out := RenderQuickConfig(cfg, key.String())

	for _, want := range []string{
		"[Interface]",
		"Address = 10.66.0.2/32",
		"ListenPort = 51821",
		"PrivateKey = " + key.String(),
		"[Peer]",
		"PublicKey = " + cfg.PeerPublicKey,
		"Endpoint = 127.0.0.1:51820",
		"AllowedIPs = 10.66.0.1/32",
		"PersistentKeepalive = 25",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered config missing %q:\n%s", want, out)
		}
	}
}
