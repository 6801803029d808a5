package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/reprise/internal/loop"
	"github.com/harrison/reprise/internal/models"
)

// NewSubmitCommand creates the submit command
func NewSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [taskfile|dir ...]",
		Short: "Enqueue tasks without running them",
		Long: `Submit persists tasks into the store without starting a worker pool.
An orchestrator running in watch mode picks them up within its poll
interval; otherwise they wait for the next run --resume.

Tasks come from taskfiles, or from --prompt for a one-off submission.
Each submission prints its task id and status.`,
		Args: cobra.ArbitraryArgs,
		RunE: runSubmit,
	}

	cmd.Flags().String("config", "", "config file (default <reprise home>/config.yaml)")
	cmd.Flags().String("prompt", "", "submit a single ad-hoc task with this prompt")
	cmd.Flags().String("backend", "", "agent backend for --prompt submissions")
	cmd.Flags().Int("max-iterations", 0, "per-task iteration budget, 0 = config default")
	cmd.Flags().Bool("require-approval", false, "pause at the approval gate before the first iteration")
	cmd.Flags().String("tier", "", "approval tier: low, medium or high")
	cmd.Flags().String("work-dir", "", "directory the agent runs in")
	cmd.Flags().String("plan-file", "", "markdown plan consulted by the completion detector")

	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	if len(args) == 0 && prompt == "" {
		return fmt.Errorf("nothing to submit: name a taskfile or pass --prompt")
	}
	if len(args) > 0 && prompt != "" {
		return fmt.Errorf("taskfile arguments and --prompt are mutually exclusive")
	}

	cfg, err := loadCommandConfig(cmd)
	if err != nil {
		return err
	}

	var specs []models.TaskSpec
	if prompt != "" {
		spec, err := adHocSpec(cmd, prompt)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	} else {
		defs, err := parseTaskfiles(args)
		if err != nil {
			return err
		}
		for _, def := range defs {
			specs = append(specs, def.Spec())
		}
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	for _, spec := range specs {
		task, err := loop.SubmitTask(ctx, st, cfg, spec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", task.ID, task.Status)
	}
	return nil
}

// adHocSpec builds a task spec from the submission flags.
func adHocSpec(cmd *cobra.Command, prompt string) (models.TaskSpec, error) {
	backend, _ := cmd.Flags().GetString("backend")
	maxIterations, _ := cmd.Flags().GetInt("max-iterations")
	requireApproval, _ := cmd.Flags().GetBool("require-approval")
	tier, _ := cmd.Flags().GetString("tier")
	workDir, _ := cmd.Flags().GetString("work-dir")
	planFile, _ := cmd.Flags().GetString("plan-file")

	if maxIterations < 0 {
		return models.TaskSpec{}, fmt.Errorf("--max-iterations must be >= 0, got %d", maxIterations)
	}
	if tier != "" && !models.ApprovalTier(tier).Valid() {
		return models.TaskSpec{}, fmt.Errorf("invalid --tier %q, must be one of: low, medium, high", tier)
	}

	spec := models.TaskSpec{
		Prompt:          prompt,
		Backend:         backend,
		MaxIterations:   maxIterations,
		RequireApproval: requireApproval,
		ApprovalTier:    models.ApprovalTier(tier),
	}
	if workDir != "" || planFile != "" {
		spec.Context = map[string]string{}
		if workDir != "" {
			spec.Context[models.ContextWorkDir] = workDir
		}
		if planFile != "" {
			spec.Context[models.ContextPlanFile] = planFile
		}
	}
	return spec, nil
}
