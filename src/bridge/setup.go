/*
src/bridge/setup.go

First-run setup: collects a BridgeConfig interactively, validates it and
persists it through the config store. Every answer has a default so the
operator can hit enter through the common case; the public IP discovered
from the outside is offered as the remote host default on the VPS role.
*/
package bridge

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lokegud/Paradelala/src/config"
	"github.com/lokegud/Paradelala/src/keys"
	"github.com/lokegud/Paradelala/types"
)

// SetupDefaults seed the interactive prompts; flags may pre-fill them.
type SetupDefaults struct {
	Role                types.Role
	Method              types.Method
	RemoteHost          string
	RemotePort          int
	RemoteUser          string
	SSHPort             int
	LocalServiceAddress string
	LocalServicePort    int
	OverlayAddress      string
	PeerOverlayAddress  string
	PeerPublicKey       string
	PeerEndpoint        string
	ListenPort          int
}

// RunSetup asks for the bridge configuration on in/out, saves it, ensures
// key material for the chosen method(s) and reports the manual key-exchange
// step. Returns the saved config.
func RunSetup(store *config.Store, prov *keys.Provisioner, in io.Reader, out io.Writer, defs SetupDefaults) (*types.BridgeConfig, error) {
	r := bufio.NewReader(in)

	if defs.LocalServiceAddress == "" {
		defs.LocalServiceAddress = "127.0.0.1"
	}
	if defs.RemoteHost == "" && defs.Role == types.RoleVPS {
		if ip := DiscoverPublicIP(3 * time.Second); ip != "" {
			defs.RemoteHost = ip
		}
	}

	cfg := &types.BridgeConfig{}

	roleStr := ask(r, out, "Role (home/vps)", string(defs.Role))
	cfg.Role = types.Role(strings.ToLower(roleStr))

	methodStr := ask(r, out, "Connection method (reverse_tunnel/mesh_vpn/both)", string(defs.Method))
	cfg.Method = types.Method(strings.ToLower(methodStr))

	cfg.RemoteHost = ask(r, out, "Remote (VPS) host", defs.RemoteHost)
	cfg.RemotePort = askInt(r, out, "Exposed port on the VPS", defs.RemotePort)
	cfg.LocalServiceAddress = ask(r, out, "Local service address", defs.LocalServiceAddress)
	cfg.LocalServicePort = askInt(r, out, "Local service port", defs.LocalServicePort)

	for _, m := range cfg.Methods() {
		switch m {
		case types.MethodReverseTunnel:
			if cfg.Role == types.RoleHome {
				cfg.RemoteUser = ask(r, out, "SSH user on the VPS", defs.RemoteUser)
				cfg.SSHPort = askInt(r, out, "SSH port on the VPS", orDefault(defs.SSHPort, 22))
			}
		case types.MethodMeshVPN:
			cfg.OverlayAddress = ask(r, out, "This host's overlay address", defs.OverlayAddress)
			cfg.PeerOverlayAddress = ask(r, out, "Peer's overlay address", defs.PeerOverlayAddress)
			cfg.PeerPublicKey = ask(r, out, "Peer's WireGuard public key", defs.PeerPublicKey)
			cfg.PeerEndpoint = ask(r, out, "Peer's public endpoint (host:port, empty to wait for peer)", defs.PeerEndpoint)
			cfg.ListenPort = askInt(r, out, "Overlay listen port", orDefault(defs.ListenPort, 51820))
		}
	}

	if err := store.Save(cfg); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "\nConfiguration saved to %s\n", store.Path())

	// Provision keys now so the operator leaves setup with the public
	// half in hand; installing it on the peer is a manual step.
	for _, m := range cfg.Methods() {
		var purpose string
		switch m {
		case types.MethodReverseTunnel:
			if cfg.Role != types.RoleHome {
				continue
			}
			purpose = keys.PurposeReverseTunnel
		case types.MethodMeshVPN:
			purpose = keys.PurposeMeshVPN
		}
		km, err := prov.EnsureKeys(purpose)
		if err != nil {
			return nil, err
		}
		switch m {
		case types.MethodReverseTunnel:
			fmt.Fprintf(out, "\nAdd this key to %s@%s:~/.ssh/authorized_keys:\n  %s\n", cfg.RemoteUser, cfg.RemoteHost, km.PublicKey)
		case types.MethodMeshVPN:
			fmt.Fprintf(out, "\nAdd this WireGuard public key to the peer's [Peer] section:\n  %s\n", km.PublicKey)
		}
	}

	return cfg, nil
}

func ask(r *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func askInt(r *bufio.Reader, out io.Writer, prompt string, def int) int {
	defStr := ""
	if def > 0 {
		defStr = strconv.Itoa(def)
	}
	for {
		answer := ask(r, out, prompt, defStr)
		if answer == "" {
			return def
		}
		n, err := strconv.Atoi(answer)
		if err == nil {
			return n
		}
		fmt.Fprintf(out, "not a number: %q\n", answer)
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// DiscoverPublicIP asks an external echo service for our public address.
// Best-effort: returns "" on any failure.
func DiscoverPublicIP(timeout time.Duration) string {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		log.Debug().Err(err).Msg("Public IP discovery failed")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}
