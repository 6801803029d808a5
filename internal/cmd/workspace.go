package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/reprise/internal/config"
	"github.com/harrison/reprise/internal/models"
	"github.com/harrison/reprise/internal/store"
	"github.com/harrison/reprise/internal/taskfile"
)

// openStore opens the task database under the resolved reprise home.
// Commands that only read or flag state (status, list, stop, approve)
// share it; run builds the full orchestrator on top.
func openStore() (*store.Store, error) {
	dbPath, err := config.GetTaskDBPath()
	if err != nil {
		return nil, err
	}
	return store.NewStore(dbPath)
}

// resolveConfigPath returns the command's --config value, falling back
// to the config file under the reprise home.
func resolveConfigPath(cmd *cobra.Command) (string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err
	}
	if path != "" {
		return path, nil
	}
	return config.GetConfigPath()
}

// loadCommandConfig loads and validates configuration for commands that
// take no config-overriding flags.
func loadCommandConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := resolveConfigPath(cmd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseTaskfiles discovers and parses every taskfile named by args.
// Directory arguments expand to their *.md files.
func parseTaskfiles(args []string) ([]*taskfile.Definition, error) {
	if len(args) == 0 {
		return nil, nil
	}

	paths, err := taskfile.Discover(args)
	if err != nil {
		return nil, err
	}

	parser := taskfile.NewParser()
	defs := make([]*taskfile.Definition, 0, len(paths))
	for _, path := range paths {
		def, err := parser.ParseFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// resolveTask loads a task by id, falling back to a unique short-id
// prefix match so ids can be pasted exactly as the logs print them.
func resolveTask(ctx context.Context, st *store.Store, id string) (*models.Task, error) {
	task, err := st.GetTask(ctx, id)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return task, err
	}

	tasks, listErr := st.ListTasks(ctx)
	if listErr != nil {
		return nil, err
	}

	var matches []*models.Task
	for _, candidate := range tasks {
		if strings.HasPrefix(candidate.ID, id) {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 0:
		return nil, err
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("task id %s is ambiguous (%d matches)", id, len(matches))
	}
}

// truncatePrompt keeps one-line task listings readable.
func truncatePrompt(prompt string, max int) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max-3] + "..."
}
