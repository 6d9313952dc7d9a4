// Package types holds the data model shared by the bridge packages: the
// persisted configuration, key material metadata, supervised-process and
// health records, and the error taxonomy surfaced at the CLI boundary.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies which side of the bridge this host plays.
type Role string

const (
	// RoleHome is the NAT'd server hosting the actual service.
	RoleHome Role = "home"
	// RoleVPS is the publicly reachable server fronting the service.
	RoleVPS Role = "vps"
)

// Method selects how the bridge carries traffic between the two sides.
type Method string

const (
	// MethodReverseTunnel forwards a port on the VPS back to the home
	// service over an outbound SSH session.
	MethodReverseTunnel Method = "reverse_tunnel"
	// MethodMeshVPN runs a WireGuard point-to-point overlay between the
	// two hosts.
	MethodMeshVPN Method = "mesh_vpn"
	// MethodBoth runs both techniques side by side, each with its own
	// supervisor. The operator picks which endpoint to expose.
	MethodBoth Method = "both"
)

// BridgeConfig is the persisted connection configuration. Which fields are
// mandatory depends on the role/method combination; Validate enforces that.
type BridgeConfig struct {
	Role   Role   `yaml:"role" json:"role"`
	Method Method `yaml:"method" json:"method"`

	// RemoteHost is the peer's public address (the VPS for the home role).
	// RemotePort is the port on the VPS through which the bridged service
	// is exposed (the forwarded port, or the overlay service port).
	RemoteHost string `yaml:"remote_host" json:"remote_host"`
	RemotePort int    `yaml:"remote_port" json:"remote_port"`
	RemoteUser string `yaml:"remote_user,omitempty" json:"remote_user,omitempty"`
	// SSHPort is the VPS sshd port for the reverse tunnel. Zero means 22.
	SSHPort int `yaml:"ssh_port,omitempty" json:"ssh_port,omitempty"`

	LocalServiceAddress string `yaml:"local_service_address" json:"local_service_address"`
	LocalServicePort    int    `yaml:"local_service_port" json:"local_service_port"`

	// Mesh-VPN fields. OverlayAddress is this peer's address inside the
	// overlay; PeerPublicKey/PeerEndpoint describe the remote peer.
	OverlayAddress     string `yaml:"overlay_address,omitempty" json:"overlay_address,omitempty"`
	PeerOverlayAddress string `yaml:"peer_overlay_address,omitempty" json:"peer_overlay_address,omitempty"`
	PeerPublicKey      string `yaml:"peer_public_key,omitempty" json:"peer_public_key,omitempty"`
	PeerEndpoint       string `yaml:"peer_endpoint,omitempty" json:"peer_endpoint,omitempty"`
	ListenPort         int    `yaml:"listen_port,omitempty" json:"listen_port,omitempty"`

	// KeyReference names the key directory entry used by the chosen
	// method. Empty means the per-method default.
	KeyReference string `yaml:"key_reference,omitempty" json:"key_reference,omitempty"`
}

// Methods expands the configured method into the list of concrete techniques
// to supervise. MethodBoth yields both; anything else yields itself.
func (c *BridgeConfig) Methods() []Method {
	if c.Method == MethodBoth {
		return []Method{MethodReverseTunnel, MethodMeshVPN}
	}
	return []Method{c.Method}
}

// Validate checks the per-role/per-method required-field invariant.
func (c *BridgeConfig) Validate() error {
	switch c.Role {
	case RoleHome, RoleVPS:
	default:
		return &ConfigValidationError{Field: "role", Reason: fmt.Sprintf("must be %q or %q", RoleHome, RoleVPS)}
	}
	switch c.Method {
	case MethodReverseTunnel, MethodMeshVPN, MethodBoth:
	default:
		return &ConfigValidationError{Field: "method", Reason: fmt.Sprintf("must be %q, %q or %q", MethodReverseTunnel, MethodMeshVPN, MethodBoth)}
	}
	if c.RemoteHost == "" {
		return &ConfigValidationError{Field: "remote_host", Reason: "must not be empty"}
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return &ConfigValidationError{Field: "remote_port", Reason: "must be in range 1-65535"}
	}
	if c.LocalServiceAddress == "" {
		return &ConfigValidationError{Field: "local_service_address", Reason: "must not be empty"}
	}
	if c.LocalServicePort <= 0 || c.LocalServicePort > 65535 {
		return &ConfigValidationError{Field: "local_service_port", Reason: "must be in range 1-65535"}
	}
	for _, m := range c.Methods() {
		switch m {
		case MethodReverseTunnel:
			if c.Role == RoleHome && c.RemoteUser == "" {
				return &ConfigValidationError{Field: "remote_user", Reason: "required for reverse_tunnel on the home role"}
			}
		case MethodMeshVPN:
			if c.OverlayAddress == "" {
				return &ConfigValidationError{Field: "overlay_address", Reason: "required for mesh_vpn"}
			}
			if c.PeerOverlayAddress == "" {
				return &ConfigValidationError{Field: "peer_overlay_address", Reason: "required for mesh_vpn"}
			}
			if c.PeerPublicKey == "" {
				return &ConfigValidationError{Field: "peer_public_key", Reason: "required for mesh_vpn"}
			}
		}
	}
	return nil
}

// KeyMaterial describes one generated keypair. The private half never leaves
// the key directory; only its path is recorded here.
type KeyMaterial struct {
	Purpose        string    `json:"purpose"`
	PrivateKeyPath string    `json:"private_key_path"`
	PublicKey      string    `json:"public_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConnectionProcess records the supervised connection attempt currently (or
// last) owned by a Supervisor.
type ConnectionProcess struct {
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	Method       Method    `json:"method"`
	RestartCount int       `json:"restart_count"`
}

// ConnectionState is the monitor's view of the supervised connection.
type ConnectionState string

const (
	StateUnknown ConnectionState = "unknown"
	StateUp      ConnectionState = "up"
	StateDown    ConnectionState = "down"
)

// HealthStatus is overwritten by the Health Monitor on every poll cycle.
type HealthStatus struct {
	ConnectionState     ConnectionState `json:"connection_state"`
	ServiceReachable    bool            `json:"service_reachable"`
	LastCheckedAt       time.Time       `json:"last_checked_at"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// TrafficStats are lifetime proxied byte counts for one method.
type TrafficStats struct {
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

// EndpointStatus is the published per-method slice of the status report: the
// address the reverse proxy should target plus current health.
type EndpointStatus struct {
	Method   Method            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Health   HealthStatus      `json:"health"`
	Process  ConnectionProcess `json:"process"`
	Traffic  TrafficStats      `json:"traffic"`
}

// StatusReport is the JSON document written to the status file for external
// consumers (the `status` command, the reverse proxy's upstream picker).
type StatusReport struct {
	State     string           `json:"state"`
	Role      Role             `json:"role"`
	Endpoints []EndpointStatus `json:"endpoints"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ErrNotFound is returned by the config store when no configuration has been
// saved yet.
var ErrNotFound = errors.New("bridge configuration not found")

// ErrAlreadyRunning is returned when a second supervisor is started for a
// role+method combination that already has a live one.
var ErrAlreadyRunning = errors.New("already running")

// ErrAuthenticationRejected means the peer refused our credentials. Retrying
// with the same key cannot succeed, so it is never retried automatically.
var ErrAuthenticationRejected = errors.New("authentication rejected by peer")

// ErrPeerUnreachable is a network-level connect failure; the supervisor
// absorbs it with backoff.
var ErrPeerUnreachable = errors.New("peer unreachable")

// ErrPortInUse means the forwarded or overlay port is already bound.
var ErrPortInUse = errors.New("port already in use")

// ConfigValidationError reports a bad or missing BridgeConfig field.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Reason)
}

// KeyGenerationError wraps a filesystem or crypto failure while provisioning
// key material.
type KeyGenerationError struct {
	Dir string
	Err error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("key generation failed in %s: %v", e.Dir, e.Err)
}

func (e *KeyGenerationError) Unwrap() error { return e.Err }
