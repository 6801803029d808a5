package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/reprise/internal/models"
)

// NewApproveCommand creates the approve command
func NewApproveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Decide a task waiting at the approval gate",
		Long: `Approve records the human decision for a suspended task. A grant lets
the task resume at its paused iteration; --reject fails it without
consuming an iteration.

A running orchestrator observes the decision via its approval watcher;
without one, a granted task resumes on the next run --resume.`,
		Args: cobra.ExactArgs(1),
		RunE: runApprove,
	}

	cmd.Flags().Bool("reject", false, "reject the task instead of approving it")

	return cmd
}

func runApprove(cmd *cobra.Command, args []string) error {
	reject, _ := cmd.Flags().GetBool("reject")

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

	decision := models.ApprovalGranted
	if reject {
		decision = models.ApprovalRejected
	}
	if err := st.RecordApprovalDecision(ctx, task.ID, decision); err != nil {
		return err
	}

	if reject {
		if err := st.UpdateStatus(ctx, task.ID, models.StatusFailed, models.ErrKindApprovalRejected, "rejected at the approval gate"); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s rejected.\n", task.ShortID())
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Task %s approved; it resumes at iteration %d.\n", task.ShortID(), task.Iteration)
	return nil
}
