package cmd

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lokegud/Paradelala/src/bridge"
	"github.com/lokegud/Paradelala/src/config"
	"github.com/lokegud/Paradelala/src/keys"
	"github.com/lokegud/Paradelala/types"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively configure the bridge and provision key material",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := stateDir(cmd)
		store := config.NewStore(dir)
		prov := keys.NewProvisioner(filepath.Join(dir, "keys"))

		defs := bridge.SetupDefaults{
			Role:   types.Role(mustString(cmd, "role")),
			Method: types.Method(mustString(cmd, "method")),
		}
		defs.RemoteHost, _ = cmd.Flags().GetString("remote-host")
		defs.RemoteUser, _ = cmd.Flags().GetString("remote-user")
		defs.RemotePort, _ = cmd.Flags().GetInt("remote-port")
		defs.LocalServicePort, _ = cmd.Flags().GetInt("local-port")

		cfg, err := bridge.RunSetup(store, prov, os.Stdin, os.Stdout, defs)
		if err != nil {
			return err
		}
		log.Info().Str("role", string(cfg.Role)).Str("method", string(cfg.Method)).Msg("Setup complete")
		return nil
	},
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func init() {
	setupCmd.Flags().String("role", "home", "Bridge role (home or vps)")
	setupCmd.Flags().String("method", "reverse_tunnel", "Connection method (reverse_tunnel, mesh_vpn or both)")
	setupCmd.Flags().String("remote-host", "", "VPS host to offer as the default")
	setupCmd.Flags().String("remote-user", "", "SSH user on the VPS to offer as the default")
	setupCmd.Flags().Int("remote-port", 0, "Exposed port on the VPS to offer as the default")
	setupCmd.Flags().Int("local-port", 0, "Local service port to offer as the default")
	rootCmd.AddCommand(setupCmd)
}
