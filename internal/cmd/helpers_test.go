package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harrison/reprise/internal/models"
	"github.com/harrison/reprise/internal/store"
)

// setHome points the reprise home at a temp directory for the duration
// of the test. Every command resolves its paths under it.
func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("REPRISE_HOME", home)
	return home
}

// executeCommand runs the CLI with the given args under a fresh root
// command and returns its combined output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

// writeTaskfile writes a taskfile into dir and returns its path.
func writeTaskfile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write taskfile %s: %v", name, err)
	}
	return path
}

// writeHomeConfig writes config.yaml into the reprise home.
func writeHomeConfig(t *testing.T, home, content string) string {
	t.Helper()
	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// submitPrompt submits one ad-hoc task and returns its assigned id.
func submitPrompt(t *testing.T, flags ...string) string {
	t.Helper()

	args := append([]string{"submit"}, flags...)
	output, err := executeCommand(t, args...)
	if err != nil {
		t.Fatalf("submit failed: %v\noutput: %s", err, output)
	}
	fields := strings.Fields(output)
	if len(fields) < 2 || fields[1] != string(models.StatusQueued) {
		t.Fatalf("unexpected submit output: %q", output)
	}
	return fields[0]
}

// openHomeStore opens the task database the commands use, for direct
// state checks and setup.
func openHomeStore(t *testing.T, home string) *store.Store {
	t.Helper()

	st, err := store.NewStore(filepath.Join(home, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// forceStatus rewrites a task's status directly, standing in for state
// transitions the orchestrator would normally perform.
func forceStatus(t *testing.T, st *store.Store, id string, status models.Status) {
	t.Helper()
	if err := st.UpdateStatus(context.Background(), id, status, "", ""); err != nil {
		t.Fatalf("force status %s: %v", status, err)
	}
}
