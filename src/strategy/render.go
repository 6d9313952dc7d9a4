package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/lokegud/Paradelala/types"
)

// RenderQuickConfig produces a wg-quick compatible config for operators who
// prefer running the overlay as a kernel interface instead of the built-in
// userspace device. The bridge writes it next to the key material but never
// activates it itself.
func RenderQuickConfig(cfg *types.BridgeConfig, privateKey string) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s/32\n", cfg.OverlayAddress)
	if cfg.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.ListenPort)
	}
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", cfg.PeerPublicKey)
	if cfg.PeerEndpoint != "" {
		fmt.Fprintf(&b, "Endpoint = %s\n", cfg.PeerEndpoint)
	}
	fmt.Fprintf(&b, "AllowedIPs = %s/32\n", cfg.PeerOverlayAddress)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", int(wgKeepalive/time.Second))
	return b.String()
}
