package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lokegud/Paradelala/src/bridge"
	"github.com/lokegud/Paradelala/types"
)

func formatBytes(n uint64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last published bridge status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := stateDir(cmd)
		asJSON, _ := cmd.Flags().GetBool("json")

		report, err := bridge.ReadStatus(dir)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				fmt.Println("bridge has never run; no status available")
				return nil
			}
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		pid, pidErr := bridge.RunningPID(dir)
		running := "no"
		if pidErr == nil {
			running = fmt.Sprintf("yes (pid %d)", pid)
		}

		fmt.Printf("state:    %s\n", report.State)
		fmt.Printf("role:     %s\n", report.Role)
		fmt.Printf("daemon:   %s\n", running)
		fmt.Printf("updated:  %s\n\n", report.UpdatedAt.Format("2006-01-02 15:04:05"))

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "METHOD\tENDPOINT\tCONNECTION\tSERVICE\tFAILURES\tRESTARTS\tRX\tTX")
		for _, ep := range report.Endpoints {
			service := "unreachable"
			if ep.Health.ServiceReachable {
				service = "reachable"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				ep.Method, ep.Endpoint, ep.Health.ConnectionState, service,
				ep.Health.ConsecutiveFailures, ep.Process.RestartCount,
				formatBytes(ep.Traffic.RxBytes), formatBytes(ep.Traffic.TxBytes))
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the raw status document")
	rootCmd.AddCommand(statusCmd)
}
