package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/immunet/internal/daemon"
	"github.com/tutu-network/immunet/internal/infra/dispatch"
)

func init() {
	rootCmd.AddCommand(psCmd)
}

// daemonStatus mirrors the fields of GET /api/status used here.
type daemonStatus struct {
	NodeID        string                    `json:"node_id"`
	Mode          string                    `json:"mode"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Patterns      int                       `json:"patterns"`
	Detectors     int                       `json:"detectors"`
	Analyzers     []dispatch.AnalyzerStatus `json:"analyzers"`
	Pending       int                       `json:"pending_packets"`
	PackAnomalies int                       `json:"pack_anomalies"`
	StatAnomalies int                       `json:"stat_anomalies"`
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "Show the analyzers of the running daemon",
	RunE:  runPs,
}

func runPs(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	var st daemonStatus
	if err := getJSON(cfg, "/api/status", &st); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Node %s  mode=%s  up %s\n", st.NodeID, st.Mode,
		(time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(out, "Patterns %d  Detectors %d  Anomalies %d packet / %d statistical\n\n",
		st.Patterns, st.Detectors, st.PackAnomalies, st.StatAnomalies)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ANALYZER\tPENDING\tREADING\tBUFFER")
	for _, a := range st.Analyzers {
		fmt.Fprintf(w, "%d\t%d\t%t\t%d\n", a.ID, a.Pending, a.Reading, a.Capacity)
	}
	return w.Flush()
}
