/*
This package wraps wireguard-go's userspace device for the mesh-VPN side of
the bridge. Running the overlay in userspace (netstack) keeps the bridge
free of kernel interface management and root requirements.
*/
package wireguard

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Verbose is set by the CLI when --verbose is passed; it raises the internal
// wireguard-go logger from error-only to verbose.
var Verbose bool

// UserspaceDevice represents a WireGuard device running in userspace.
type UserspaceDevice struct {
	Device   *device.Device
	NetStack *netstack.Net
	Tun      tun.Device
}

// NewUserspaceDevice creates a new userspace WireGuard device configured via
// a UAPI string and bound to the given overlay addresses.
func NewUserspaceDevice(conf string, addresses []netip.Addr) (*UserspaceDevice, error) {
	tun, tnet, err := netstack.CreateNetTUN(
		addresses,
		[]netip.Addr{}, // No DNS servers
		1420,           // MTU
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}

	logLevel := device.LogLevelError
	if Verbose {
		logLevel = device.LogLevelVerbose
	}

	dev := device.NewDevice(tun, conn.NewDefaultBind(), device.NewLogger(logLevel, ""))

	err = dev.IpcSet(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to set IPC config: %w", err)
	}

	err = dev.Up()
	if err != nil {
		return nil, fmt.Errorf("failed to bring up device: %w", err)
	}

	return &UserspaceDevice{
		Device:   dev,
		NetStack: tnet,
		Tun:      tun,
	}, nil
}

// Close shuts the device down and releases its sockets.
func (d *UserspaceDevice) Close() {
	if d.Device != nil {
		d.Device.Close()
	}
}

// LastHandshake returns the most recent handshake timestamp across the
// device's peers, parsed from the device's UAPI state. The overlay has no
// long-lived foreground process, so handshake recency is the liveness signal.
func (d *UserspaceDevice) LastHandshake() (time.Time, error) {
	state, err := d.Device.IpcGet()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read device state: %w", err)
	}

	var sec, nsec int64
	for _, line := range strings.Split(state, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "last_handshake_time_sec":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil && v > sec {
				sec = v
			}
		case "last_handshake_time_nsec":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				nsec = v
			}
		}
	}
	if sec == 0 {
		return time.Time{}, nil
	}
	return time.Unix(sec, nsec), nil
}

// GeneratePrivateKey generates a new WireGuard private key.
func GeneratePrivateKey() (wgtypes.Key, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	return key, nil
}
