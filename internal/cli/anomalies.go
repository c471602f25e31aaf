package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/immunet/internal/daemon"
	"github.com/tutu-network/immunet/internal/infra/sqlite"
)

func init() {
	anomaliesCmd.Flags().IntVar(&anomaliesLimit, "limit", 20, "Maximum number of anomalies to list")
	anomaliesCmd.Flags().BoolVar(&anomaliesStats, "stats", false, "List statistical anomalies instead of packet anomalies")
	rootCmd.AddCommand(anomaliesCmd)
}

var (
	anomaliesLimit int
	anomaliesStats bool
)

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "List recently reported anomalies",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sqlite.Open(daemon.Home())
		if err != nil {
			return err
		}
		defer db.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		if anomaliesStats {
			list, err := db.ListStatAnomalies(anomaliesLimit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "TIME\tKIND\tDESCRIPTION")
			for _, a := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", a.DetectedAt.Format("2006-01-02 15:04:05"), a.Kind, a.Description())
			}
			return w.Flush()
		}

		list, err := db.ListPackAnomalies(anomaliesLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIME\tINTERFACE\tPROTOCOL\tSOURCE\tDESTINATION\tSIZE\tPATTERN")
		for _, a := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%q\n",
				a.DetectedAt.Format("2006-01-02 15:04:05"),
				a.Interface, a.Protocol, a.Source, a.Destination, a.Length, a.Pattern)
		}
		return w.Flush()
	},
}
