package cmd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harrison/reprise/internal/models"
	"github.com/harrison/reprise/internal/store"
)

func TestStatusCommand_ShowsTask(t *testing.T) {
	setHome(t)
	id := submitPrompt(t, "--prompt", "rewrite the release notes", "--max-iterations", "3")

	output, err := executeCommand(t, "status", id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	for _, want := range []string{
		"ID:         " + id,
		"Status:     queued",
		"Backend:    claude",
		"Iteration:  0",
		"Budget:     3",
		"rewrite the release notes",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestStatusCommand_ResolvesShortPrefix(t *testing.T) {
	setHome(t)
	id := submitPrompt(t, "--prompt", "trim the backlog")

	output, err := executeCommand(t, "status", id[:8])
	if err != nil {
		t.Fatalf("status by prefix failed: %v", err)
	}
	if !strings.Contains(output, id) {
		t.Errorf("output should carry the full id %s:\n%s", id, output)
	}
}

func TestStatusCommand_AmbiguousPrefix(t *testing.T) {
	home := setHome(t)
	st := openHomeStore(t, home)

	ctx := context.Background()
	for _, id := range []string{"shared-prefix-1", "shared-prefix-2"} {
		task := &models.Task{ID: id, Prompt: "p", Backend: "claude", Status: models.StatusQueued}
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	_, err := executeCommand(t, "status", "shared-prefix")
	if err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("error = %v, want ambiguity", err)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	setHome(t)

	_, err := executeCommand(t, "status", "deadbeef")
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestStatusCommand_ShowsFailure(t *testing.T) {
	home := setHome(t)
	id := submitPrompt(t, "--prompt", "doomed work")

	st := openHomeStore(t, home)
	if err := st.UpdateStatus(context.Background(), id, models.StatusFailed,
		models.ErrKindCircuitOpen, "backend circuit tripped"); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(t, "status", id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(output, "Error:      circuit_open: backend circuit tripped") {
		t.Errorf("output missing failure detail:\n%s", output)
	}
}
