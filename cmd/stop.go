package cmd

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lokegud/Paradelala/src/bridge"
	"github.com/lokegud/Paradelala/types"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running bridge daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := stateDir(cmd)
		pid, err := bridge.RunningPID(dir)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				fmt.Println("bridge is not running")
				return nil
			}
			return err
		}

		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
		log.Info().Int("pid", pid).Msg("Sent SIGTERM")

		// Wait for the daemon to exit and clean up its pidfile.
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := bridge.RunningPID(dir); errors.Is(err, types.ErrNotFound) {
				fmt.Println("bridge stopped")
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("pid %d did not exit within 10s", pid)
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
