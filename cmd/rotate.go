package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lokegud/Paradelala/src/config"
	"github.com/lokegud/Paradelala/src/keys"
	"github.com/lokegud/Paradelala/types"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Generate fresh key material, replacing the existing keys",
	Long: `Generate fresh key material for the configured method(s). The old keys are
replaced atomically; the peer keeps rejecting connections until the new public
key is installed there, so plan the swap on both sides.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := stateDir(cmd)
		store := config.NewStore(dir)
		prov := keys.NewProvisioner(filepath.Join(dir, "keys"))

		cfg, err := store.Load()
		if err != nil {
			return err
		}

		for _, m := range cfg.Methods() {
			switch m {
			case types.MethodReverseTunnel:
				if cfg.Role != types.RoleHome {
					continue
				}
				km, err := prov.Rotate(keys.PurposeReverseTunnel)
				if err != nil {
					return err
				}
				fmt.Printf("New tunnel key; replace the old one in %s@%s:~/.ssh/authorized_keys:\n  %s\n",
					cfg.RemoteUser, cfg.RemoteHost, km.PublicKey)
			case types.MethodMeshVPN:
				km, err := prov.Rotate(keys.PurposeMeshVPN)
				if err != nil {
					return err
				}
				fmt.Printf("New overlay key; update the peer's [Peer] section:\n  %s\n", km.PublicKey)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rotateCmd)
}
