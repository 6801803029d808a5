package cmd

import (
	"strings"
	"testing"
)

func TestRootCommand_Help(t *testing.T) {
	output, err := executeCommand(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}

	if !strings.Contains(output, "reprise") {
		t.Errorf("help should name the binary, got: %s", output)
	}
	if !strings.Contains(output, "iteration loop") {
		t.Errorf("help should describe the loop, got: %s", output)
	}

	for _, sub := range []string{"run", "submit", "status", "list", "stats", "stop", "approve"} {
		if !strings.Contains(output, sub) {
			t.Errorf("help should list the %s command, got: %s", sub, output)
		}
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	if root.Use != "reprise" {
		t.Errorf("Use = %q, want reprise", root.Use)
	}

	names := map[string]bool{}
	for _, sub := range root.Commands() {
		names[strings.Fields(sub.Use)[0]] = true
	}
	for _, want := range []string{"run", "submit", "status", "list", "stats", "stop", "approve"} {
		if !names[want] {
			t.Errorf("missing subcommand %s (registered: %v)", want, names)
		}
	}
}

func TestRootCommand_Version(t *testing.T) {
	output, err := executeCommand(t, "--version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(output, "version") {
		t.Errorf("version output = %q, want it to mention the version", output)
	}
}
