package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/reprise/internal/models"
)

// NewListCommand creates the list command
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in submission order",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	cmd.Flags().String("status", "", "filter by status (queued, running, awaiting_approval, completed, failed, stopped)")

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	filter, _ := cmd.Flags().GetString("status")
	if filter != "" && !models.Status(filter).Valid() {
		return fmt.Errorf("unknown status %q", filter)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	var tasks []*models.Task
	if filter != "" {
		tasks, err = st.ListTasksByStatus(ctx, models.Status(filter))
	} else {
		tasks, err = st.ListTasks(ctx)
	}
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tITER\tBACKEND\tUPDATED\tPROMPT")
	for _, task := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			task.ShortID(), task.Status, task.Iteration, task.Backend,
			task.LastUpdateAt.Local().Format("2006-01-02 15:04:05"),
			truncatePrompt(task.Prompt, 48))
	}
	return w.Flush()
}
