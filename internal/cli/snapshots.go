package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/immunet/internal/daemon"
	"github.com/tutu-network/immunet/internal/infra/snapshot"
	"github.com/tutu-network/immunet/internal/infra/sqlite"
)

func init() {
	snapshotsListCmd.Flags().IntVar(&snapshotsLimit, "limit", 20, "Maximum number of snapshots to list")
	snapshotsPruneCmd.Flags().IntVar(&snapshotsKeep, "keep", 5, "Number of newest snapshots to keep")
	snapshotsCmd.AddCommand(snapshotsListCmd, snapshotsPruneCmd, snapshotsInspectCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

var (
	snapshotsLimit int
	snapshotsKeep  int
)

var snapshotsCmd = &cobra.Command{
	Use:     "snapshots",
	Aliases: []string{"snap"},
	Short:   "Manage stored detector snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored detector snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sqlite.Open(daemon.Home())
		if err != nil {
			return err
		}
		defer db.Close()

		list, err := db.ListSnapshots(snapshotsLimit)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No snapshots stored yet. Run 'immunet serve' to start training.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTRAINED\tDETECTORS\tSTATISTICS\tBYTES\tCREATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
				shortID(s.ID),
				s.Elapsed,
				s.DetectorCount,
				s.StatCount,
				s.Size,
				s.CreatedAt.Format("2006-01-02 15:04"),
			)
		}
		return w.Flush()
	},
}

var snapshotsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if snapshotsKeep < 1 {
			return fmt.Errorf("--keep must be at least 1")
		}
		db, err := sqlite.Open(daemon.Home())
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.PruneSnapshots(snapshotsKeep)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d snapshot(s).\n", n)
		return nil
	},
}

var snapshotsInspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Print the header of a detector snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := snapshot.ReadFile(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Trained:      %s\n", b.Elapsed.Truncate(time.Minute))
		fmt.Fprintf(out, "Detectors:    %d x %d bytes\n", b.DetectorCount, b.DetectorSize)
		fmt.Fprintf(out, "Statistics:   %d x %d bytes\n", b.StatCount, b.StatSize)
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
