/*
controller_test.go

Ginkgo-style integration test that drives the controller end to end: a
local listener stands in for the forwarded service on the VPS role, and a
closed port stands in for an unreachable peer on the home role.
*/
package bridge_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lokegud/Paradelala/src/bridge"
	"github.com/lokegud/Paradelala/src/config"
	"github.com/lokegud/Paradelala/src/health"
	"github.com/lokegud/Paradelala/src/supervisor"
	"github.com/lokegud/Paradelala/types"
)

func openPort() (net.Listener, int) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := ln.Addr().String()
	var port int
	fmt.Sscanf(strings.Split(addr, ":")[1], "%d", &port)
	return ln, port
}

// closedPort reserves a port and releases it so nothing listens there.
func closedPort() int {
	ln, port := openPort()
	ln.Close()
	return port
}

func fastOptions(verify time.Duration) bridge.Options {
	return bridge.Options{
		VerifyTimeout: verify,
		Supervisor: supervisor.Options{
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  50 * time.Millisecond,
			StopGrace:   time.Second,
		},
		Health: health.Options{
			Interval:     50 * time.Millisecond,
			ProbeTimeout: 200 * time.Millisecond,
		},
	}
}

var _ = Describe("Controller", func() {
	var stateDir string

	BeforeEach(func() {
		stateDir = GinkgoT().TempDir()
	})

	saveConfig := func(cfg *types.BridgeConfig) {
		Expect(config.NewStore(stateDir).Save(cfg)).To(Succeed())
	}

	Context("without a configuration", func() {
		It("refuses to run and stays unconfigured", func() {
			ctrl := bridge.NewController(stateDir, fastOptions(time.Second))
			err := ctrl.Run(context.Background())
			Expect(err).To(MatchError(types.ErrNotFound))
			Expect(ctrl.State()).To(Equal(bridge.StateUnconfigured))
		})
	})

	Context("on the VPS role with a live forwarded port", func() {
		It("reaches monitoring, publishes status and stops cleanly", func() {
			ln, port := openPort()
			defer ln.Close()

			saveConfig(&types.BridgeConfig{
				Role:                types.RoleVPS,
				Method:              types.MethodReverseTunnel,
				RemoteHost:          "203.0.113.7",
				RemotePort:          port,
				LocalServiceAddress: "127.0.0.1",
				LocalServicePort:    port,
			})

			ctrl := bridge.NewController(stateDir, fastOptions(3*time.Second))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			runErr := make(chan error, 1)
			go func() { runErr <- ctrl.Run(ctx) }()

			Eventually(ctrl.State, 5*time.Second, 20*time.Millisecond).
				Should(Equal(bridge.StateMonitoring))

			Eventually(func() (*types.StatusReport, error) {
				return bridge.ReadStatus(stateDir)
			}, 2*time.Second, 50*time.Millisecond).ShouldNot(BeNil())

			report, err := bridge.ReadStatus(stateDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.State).To(Equal(string(bridge.StateMonitoring)))
			Expect(report.Role).To(Equal(types.RoleVPS))
			Expect(report.Endpoints).To(HaveLen(1))
			Expect(report.Endpoints[0].Method).To(Equal(types.MethodReverseTunnel))
			Expect(report.Endpoints[0].Endpoint).To(Equal(fmt.Sprintf("127.0.0.1:%d", port)))

			cancel()
			Eventually(runErr, 5*time.Second).Should(Receive(BeNil()))
			Expect(ctrl.State()).To(Equal(bridge.StateStopped))

			report, err = bridge.ReadStatus(stateDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.State).To(Equal(string(bridge.StateStopped)))
		})
	})

	Context("on the home role with an unreachable peer", func() {
		It("fails verification with a peer-unreachable cause", func() {
			saveConfig(&types.BridgeConfig{
				Role:                types.RoleHome,
				Method:              types.MethodReverseTunnel,
				RemoteHost:          "127.0.0.1",
				RemotePort:          8080,
				RemoteUser:          "bridge",
				SSHPort:             closedPort(),
				LocalServiceAddress: "127.0.0.1",
				LocalServicePort:    3000,
			})

			ctrl := bridge.NewController(stateDir, fastOptions(700*time.Millisecond))
			err := ctrl.Run(context.Background())
			Expect(err).To(MatchError(types.ErrPeerUnreachable))
			Expect(ctrl.State()).To(Equal(bridge.StateError))
			Expect(ctrl.Cause()).To(MatchError(types.ErrPeerUnreachable))

			// The published status must reflect the failed run.
			report, readErr := bridge.ReadStatus(stateDir)
			Expect(readErr).NotTo(HaveOccurred())
			Expect(report.State).To(Equal(string(bridge.StateError)))
		})

		It("provisions key material before connecting", func() {
			saveConfig(&types.BridgeConfig{
				Role:                types.RoleHome,
				Method:              types.MethodReverseTunnel,
				RemoteHost:          "127.0.0.1",
				RemotePort:          8080,
				RemoteUser:          "bridge",
				SSHPort:             closedPort(),
				LocalServiceAddress: "127.0.0.1",
				LocalServicePort:    3000,
			})

			ctrl := bridge.NewController(stateDir, fastOptions(300*time.Millisecond))
			_ = ctrl.Run(context.Background())

			// The run fails, but keys from the provisioning phase survive
			// for the retry.
			Expect(fmt.Sprintf("%s/keys", stateDir)).To(BeADirectory())
		})
	})
})
