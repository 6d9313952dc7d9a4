package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lokegud/Paradelala/src/bridge"
	"github.com/lokegud/Paradelala/src/config"
	"github.com/lokegud/Paradelala/types"
	"github.com/lokegud/Paradelala/wireguard"
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge connects a home server to a VPS over a reverse tunnel or a mesh VPN.",
	// Errors are printed once by Execute, with the exit code they map to.
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Optional .env next to the binary; flags and real env still win.
		_ = godotenv.Load()

		level := zerolog.InfoLevel
		// If the global verbose flag was set, propagate to the wireguard package.
		if b, err := cmd.Flags().GetBool("verbose"); err == nil && b {
			wireguard.Verbose = true
			level = zerolog.DebugLevel
		}
		bridge.InitLogging(level)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	// Global persistent flags. --verbose also enables wireguard internals.
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().String("state-dir", "", "State directory (default $BRIDGE_STATE_DIR or ~/.bridge)")
}

// stateDir resolves the persistent --state-dir flag, falling back to the
// environment/home default.
func stateDir(cmd *cobra.Command) string {
	if dir, err := cmd.Flags().GetString("state-dir"); err == nil && dir != "" {
		return dir
	}
	return config.DefaultStateDir()
}

// Exit codes: scripts around the bridge branch on them.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitConnectivity   = 2
	exitAlreadyRunning = 3
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, types.ErrAlreadyRunning):
		return exitAlreadyRunning
	case errors.Is(err, types.ErrPeerUnreachable),
		errors.Is(err, types.ErrAuthenticationRejected),
		errors.Is(err, types.ErrPortInUse):
		return exitConnectivity
	default:
		return exitConfigError
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
