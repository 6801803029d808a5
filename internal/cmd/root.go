// Package cmd wires the reprise CLI: cobra commands over the store,
// the loop controller, and the taskfile parser.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// NewRootCommand assembles the reprise command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprise",
		Short: "Autonomous task loop orchestrator",
		Long: `Reprise drives coding agents through an autonomous iteration loop:
each task is invoked repeatedly until its agent confirms completion,
blocks for another pass, or fails past its budget.

Tasks are defined in Markdown taskfiles, persisted in a local SQLite
database, and survive interruption: a stopped run resumes tasks at
their last checkpointed iteration.`,
		Version: Version,
		// Errors already explain themselves; dumping usage drowns them.
		SilenceUsage: true,
	}

	cmd.AddCommand(
		NewRunCommand(),
		NewSubmitCommand(),
		NewStatusCommand(),
		NewListCommand(),
		NewStatsCommand(),
		NewStopCommand(),
		NewApproveCommand(),
	)

	return cmd
}
