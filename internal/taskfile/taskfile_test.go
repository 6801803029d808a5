package taskfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harrison/reprise/internal/models"
)

func TestParseTaskfile(t *testing.T) {
	markdown := "# Refactor the config loader\n" +
		"\n" +
		"```yaml\n" +
		"backend: claude\n" +
		"max_iterations: 5\n" +
		"require_approval: true\n" +
		"approval_tier: high\n" +
		"work_dir: /srv/project\n" +
		"plan_file: PLAN.md\n" +
		"context:\n" +
		"  branch: main\n" +
		"```\n" +
		"\n" +
		"Split the loader into defaults, file and flag layers.\n" +
		"\n" +
		"```go\n" +
		"cfg := config.DefaultConfig()\n" +
		"```\n" +
		"\n" +
		"Keep the existing validation behavior.\n"

	def, err := NewParser().Parse(strings.NewReader(markdown), "refactor.md")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if def.Title != "Refactor the config loader" {
		t.Errorf("title = %q", def.Title)
	}
	if def.Settings.Backend != "claude" {
		t.Errorf("backend = %q", def.Settings.Backend)
	}
	if def.Settings.MaxIterations != 5 {
		t.Errorf("max_iterations = %d", def.Settings.MaxIterations)
	}
	if !def.Settings.RequireApproval {
		t.Error("require_approval should be true")
	}
	if def.Settings.ApprovalTier != "high" {
		t.Errorf("approval_tier = %q", def.Settings.ApprovalTier)
	}
	if def.Settings.WorkDir != "/srv/project" {
		t.Errorf("work_dir = %q", def.Settings.WorkDir)
	}
	if def.Settings.PlanFile != "PLAN.md" {
		t.Errorf("plan_file = %q", def.Settings.PlanFile)
	}
	if def.Settings.Context["branch"] != "main" {
		t.Errorf("context = %v", def.Settings.Context)
	}

	if strings.Contains(def.Prompt, "Refactor the config loader") {
		t.Errorf("prompt should not carry the title: %q", def.Prompt)
	}
	if strings.Contains(def.Prompt, "max_iterations") {
		t.Errorf("prompt should not carry the settings block: %q", def.Prompt)
	}
	if !strings.Contains(def.Prompt, "Split the loader") {
		t.Errorf("prompt lost its body: %q", def.Prompt)
	}
	if !strings.Contains(def.Prompt, "cfg := config.DefaultConfig()") {
		t.Errorf("prompt lost its code example: %q", def.Prompt)
	}
	if !strings.Contains(def.Prompt, "Keep the existing validation") {
		t.Errorf("prompt lost text after the code example: %q", def.Prompt)
	}
}

func TestParseTaskfile_MinimalDefaults(t *testing.T) {
	markdown := "# Fix the flaky test\n\nMake TestRetry deterministic.\n"

	def, err := NewParser().Parse(strings.NewReader(markdown), "fix.md")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if def.Title != "Fix the flaky test" {
		t.Errorf("title = %q", def.Title)
	}
	if def.Prompt != "Make TestRetry deterministic." {
		t.Errorf("prompt = %q", def.Prompt)
	}
	if def.Settings.Backend != "" || def.Settings.MaxIterations != 0 {
		t.Errorf("settings should default to zero values: %+v", def.Settings)
	}
}

func TestParseTaskfile_SecondYamlBlockStaysInPrompt(t *testing.T) {
	markdown := "# Deploy config\n" +
		"\n" +
		"```yaml\n" +
		"backend: claude\n" +
		"```\n" +
		"\n" +
		"Apply this manifest:\n" +
		"\n" +
		"```yaml\n" +
		"replicas: 3\n" +
		"```\n"

	def, err := NewParser().Parse(strings.NewReader(markdown), "deploy.md")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if def.Settings.Backend != "claude" {
		t.Errorf("backend = %q", def.Settings.Backend)
	}
	if !strings.Contains(def.Prompt, "replicas: 3") {
		t.Errorf("the second yaml block belongs to the prompt: %q", def.Prompt)
	}
	if strings.Contains(def.Prompt, "backend: claude") {
		t.Errorf("the settings block leaked into the prompt: %q", def.Prompt)
	}
}

func TestParseTaskfile_ValidationErrors(t *testing.T) {
	cases := []struct {
		name     string
		markdown string
		want     string
	}{
		{
			name:     "missing title",
			markdown: "Just a prompt with no heading.\n",
			want:     "missing title",
		},
		{
			name:     "missing prompt",
			markdown: "# Title only\n",
			want:     "missing prompt",
		},
		{
			name:     "invalid tier",
			markdown: "# T\n\n```yaml\napproval_tier: extreme\n```\n\nbody\n",
			want:     "invalid approval_tier",
		},
		{
			name:     "negative budget",
			markdown: "# T\n\n```yaml\nmax_iterations: -1\n```\n\nbody\n",
			want:     "max_iterations",
		},
		{
			name:     "malformed settings",
			markdown: "# T\n\n```yaml\nbackend: [broken\n```\n\nbody\n",
			want:     "invalid settings block",
		},
	}

	parser := NewParser()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parser.Parse(strings.NewReader(tc.markdown), "bad.md")
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
			if !strings.Contains(err.Error(), "bad.md") {
				t.Errorf("error %q does not name the file", err)
			}
		})
	}
}

func TestDefinitionSpec(t *testing.T) {
	def := &Definition{
		Path:   "tasks/exporter.md",
		Title:  "Build the exporter",
		Prompt: "Export spans for every iteration.",
		Settings: Settings{
			Backend:         "claude",
			MaxIterations:   7,
			RequireApproval: true,
			ApprovalTier:    "medium",
			WorkDir:         "/srv/project",
			PlanFile:        "PLAN.md",
			Context: map[string]string{
				"branch":              "main",
				models.ContextWorkDir: "/ignored",
			},
		},
	}

	spec := def.Spec()
	if spec.Prompt != def.Prompt {
		t.Errorf("prompt = %q", spec.Prompt)
	}
	if spec.Backend != "claude" || spec.MaxIterations != 7 || !spec.RequireApproval {
		t.Errorf("settings did not carry over: %+v", spec)
	}
	if spec.ApprovalTier != models.TierMedium {
		t.Errorf("tier = %q", spec.ApprovalTier)
	}
	if spec.Context[models.ContextWorkDir] != "/srv/project" {
		t.Errorf("the work_dir setting should win over the context map, got %q", spec.Context[models.ContextWorkDir])
	}
	if spec.Context[models.ContextPlanFile] != "PLAN.md" {
		t.Errorf("plan_file = %q", spec.Context[models.ContextPlanFile])
	}
	if spec.Context["branch"] != "main" {
		t.Errorf("context = %v", spec.Context)
	}

	empty := &Definition{Path: "p.md", Title: "T", Prompt: "body"}
	if ctx := empty.Spec().Context; ctx != nil {
		t.Errorf("an empty context should stay nil, got %v", ctx)
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.md")
	content := "# From disk\n\nDo the thing.\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	def, err := NewParser().ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if def.Path != path || def.Title != "From disk" {
		t.Errorf("parsed %q / %q", def.Path, def.Title)
	}

	if _, err := NewParser().ParseFile(filepath.Join(dir, "gone.md")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.md", "a.md", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("# T\n\nbody\n"), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "c.md"), []byte("# T\n\nbody\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	paths, err := Discover([]string{dir})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	want := []string{filepath.Join(dir, "a.md"), filepath.Join(dir, "b.md")}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("paths = %v, want %v (sorted, non-recursive)", paths, want)
	}

	direct := filepath.Join(dir, "b.md")
	paths, err = Discover([]string{direct})
	if err != nil || len(paths) != 1 || paths[0] != direct {
		t.Errorf("a file argument should pass through, got %v (%v)", paths, err)
	}

	if _, err := Discover([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected an error for a missing argument")
	}

	empty := t.TempDir()
	if _, err := Discover([]string{empty}); err == nil {
		t.Error("expected an error for a directory without taskfiles")
	}
}
