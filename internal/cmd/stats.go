package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatsCommand creates the stats command
func NewStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate task counts",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Total tasks:         %d\n", stats.TotalTasks)
	fmt.Fprintf(out, "  Queued:            %d\n", stats.Queued)
	fmt.Fprintf(out, "  Running:           %d\n", stats.Running)
	fmt.Fprintf(out, "  Awaiting approval: %d\n", stats.AwaitingApproval)
	fmt.Fprintf(out, "  Completed:         %d\n", stats.Completed)
	fmt.Fprintf(out, "  Failed:            %d\n", stats.Failed)
	fmt.Fprintf(out, "  Stopped:           %d\n", stats.Stopped)
	fmt.Fprintf(out, "Iterations:          %d (avg %.1f/task)\n", stats.TotalIterations, stats.AverageIterations)
	return nil
}
