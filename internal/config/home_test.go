package config

import (
	"os"
	"path/filepath"
	"testing"
)

// chdir changes the working directory for the duration of the test and
// restores it in cleanup; it stands in for testing.T.Chdir, which needs
// Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PWD", dir)
	t.Cleanup(func() {
		if err := os.Chdir(oldwd); err != nil {
			panic(err)
		}
	})
}

// TestGetRepriseHome_EnvVar verifies REPRISE_HOME takes precedence
func TestGetRepriseHome_EnvVar(t *testing.T) {
	tmpDir := t.TempDir()
	custom := filepath.Join(tmpDir, "custom-home")
	t.Setenv("REPRISE_HOME", custom)

	home, err := GetRepriseHome()
	if err != nil {
		t.Fatalf("GetRepriseHome() error = %v", err)
	}
	if home != custom {
		t.Errorf("home = %q, want %q", home, custom)
	}
	if _, err := os.Stat(custom); err != nil {
		t.Errorf("home directory should be created: %v", err)
	}
}

// TestGetRepriseHome_MarkerFile verifies the upward search finds a
// .reprise-root marker from a nested working directory
func TestGetRepriseHome_MarkerFile(t *testing.T) {
	t.Setenv("REPRISE_HOME", "")

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".reprise-root"), nil, 0644); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dir: %v", err)
	}
	chdir(t, nested)

	home, err := GetRepriseHome()
	if err != nil {
		t.Fatalf("GetRepriseHome() error = %v", err)
	}
	// Resolve symlinks before comparing; macOS TempDir lives under /var.
	want, _ := filepath.EvalSymlinks(filepath.Join(root, ".reprise"))
	got, _ := filepath.EvalSymlinks(home)
	if got != want {
		t.Errorf("home = %q, want %q", got, want)
	}
}

// TestGetRepriseHome_ExistingStateDir verifies an existing .reprise
// directory in an ancestor anchors the project
func TestGetRepriseHome_ExistingStateDir(t *testing.T) {
	t.Setenv("REPRISE_HOME", "")

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".reprise"), 0755); err != nil {
		t.Fatalf("failed to create state dir: %v", err)
	}
	nested := filepath.Join(root, "src", "pkg")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dir: %v", err)
	}
	chdir(t, nested)

	home, err := GetRepriseHome()
	if err != nil {
		t.Fatalf("GetRepriseHome() error = %v", err)
	}
	want, _ := filepath.EvalSymlinks(filepath.Join(root, ".reprise"))
	got, _ := filepath.EvalSymlinks(home)
	if got != want {
		t.Errorf("home = %q, want %q", got, want)
	}
}

// TestGetRepriseHome_FallbackToCwd verifies the working-directory fallback
func TestGetRepriseHome_FallbackToCwd(t *testing.T) {
	t.Setenv("REPRISE_HOME", "")

	isolated := t.TempDir()
	chdir(t, isolated)

	home, err := GetRepriseHome()
	if err != nil {
		t.Fatalf("GetRepriseHome() error = %v", err)
	}
	want, _ := filepath.EvalSymlinks(filepath.Join(isolated, ".reprise"))
	got, _ := filepath.EvalSymlinks(home)
	if got != want {
		t.Errorf("home = %q, want %q", got, want)
	}
}

// TestPathHelpers verifies the derived paths live under home
func TestPathHelpers(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("REPRISE_HOME", tmpDir)

	dbPath, err := GetTaskDBPath()
	if err != nil {
		t.Fatalf("GetTaskDBPath() error = %v", err)
	}
	if dbPath != filepath.Join(tmpDir, "tasks.db") {
		t.Errorf("dbPath = %q, want under %q", dbPath, tmpDir)
	}

	telemetryPath, err := GetTelemetryPath()
	if err != nil {
		t.Fatalf("GetTelemetryPath() error = %v", err)
	}
	if telemetryPath != filepath.Join(tmpDir, "telemetry.jsonl") {
		t.Errorf("telemetryPath = %q, want under %q", telemetryPath, tmpDir)
	}

	lockPath, err := GetLockPath()
	if err != nil {
		t.Fatalf("GetLockPath() error = %v", err)
	}
	if lockPath != filepath.Join(tmpDir, "reprise.lock") {
		t.Errorf("lockPath = %q, want under %q", lockPath, tmpDir)
	}

	configPath, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if configPath != filepath.Join(tmpDir, "config.yaml") {
		t.Errorf("configPath = %q, want under %q", configPath, tmpDir)
	}
}

// TestGetLogsDir verifies creation and the configured-dir override
func TestGetLogsDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("REPRISE_HOME", tmpDir)

	logsDir, err := GetLogsDir("")
	if err != nil {
		t.Fatalf("GetLogsDir() error = %v", err)
	}
	if logsDir != filepath.Join(tmpDir, "logs") {
		t.Errorf("logsDir = %q, want default under home", logsDir)
	}
	if info, err := os.Stat(logsDir); err != nil || !info.IsDir() {
		t.Errorf("logs dir should be created: %v", err)
	}

	custom := filepath.Join(tmpDir, "elsewhere")
	logsDir, err = GetLogsDir(custom)
	if err != nil {
		t.Fatalf("GetLogsDir(custom) error = %v", err)
	}
	if logsDir != custom {
		t.Errorf("logsDir = %q, want %q", logsDir, custom)
	}
}
