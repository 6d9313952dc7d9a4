package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lokegud/Paradelala/src/bridge"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Establish the configured connection(s) and keep them alive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := stateDir(cmd)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		if err := bridge.WritePIDFile(dir); err != nil {
			return err
		}
		defer bridge.RemovePIDFile(dir)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			s := <-sig
			log.Info().Str("signal", s.String()).Msg("Shutting down")
			cancel()
		}()

		ctrl := bridge.NewController(dir, bridge.Options{})
		return ctrl.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
