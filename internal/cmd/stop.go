package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStopCommand creates the stop command
func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Request a cooperative stop",
		Long: `Stop flags a task for cooperative shutdown. A running orchestrator
honors the flag at the task's next iteration boundary; in-flight agent
work is never cut off mid-iteration. Stopping a finished task is a
no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	task, err := resolveTask(ctx, st, args[0])
	if err != nil {
		return err
	}

	if task.Status.Terminal() {
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s is already %s.\n", task.ShortID(), task.Status)
		return nil
	}

	if err := st.RequestStop(ctx, task.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for task %s; it stops at the next iteration boundary.\n", task.ShortID())
	return nil
}
