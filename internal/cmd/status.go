package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/reprise/internal/models"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show one task's state",
		Long: `Status prints a task's lifecycle state, iteration count, timestamps
and recorded error, if any. Short id prefixes are accepted as long as
they are unambiguous.`,
		Args: cobra.ExactArgs(1),
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	task, err := resolveTask(cmd.Context(), st, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:         %s\n", task.ID)
	fmt.Fprintf(out, "Status:     %s\n", task.Status)
	fmt.Fprintf(out, "Backend:    %s\n", task.Backend)
	fmt.Fprintf(out, "Iteration:  %d\n", task.Iteration)
	if task.MaxIterations > 0 {
		fmt.Fprintf(out, "Budget:     %d\n", task.MaxIterations)
	}
	fmt.Fprintf(out, "Created:    %s\n", task.CreatedAt.Local().Format(time.RFC3339))
	if task.StartedAt != nil {
		fmt.Fprintf(out, "Started:    %s\n", task.StartedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Updated:    %s\n", task.LastUpdateAt.Local().Format(time.RFC3339))

	if task.Status == models.StatusAwaitingApproval {
		fmt.Fprintf(out, "Approval:   tier %s; decide with: reprise approve %s\n", task.ApprovalTier, task.ID)
	}
	if task.StopRequested && !task.Status.Terminal() {
		fmt.Fprintf(out, "Stop:       requested, honored at the next iteration boundary\n")
	}
	if task.ErrKind != "" {
		fmt.Fprintf(out, "Error:      %s: %s\n", task.ErrKind, task.ErrMessage)
	}
	if workDir := task.WorkDir(); workDir != "" {
		fmt.Fprintf(out, "Work dir:   %s\n", workDir)
	}
	fmt.Fprintf(out, "Prompt:     %s\n", truncatePrompt(task.Prompt, 100))
	return nil
}
