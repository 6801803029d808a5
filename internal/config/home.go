package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetRepriseHome returns the reprise home directory
// Priority order:
//  1. REPRISE_HOME environment variable (if set)
//  2. Nearest ancestor directory containing .reprise or a .reprise-root marker
//  3. Current working directory (fallback)
//
// The directory is created if it doesn't exist
func GetRepriseHome() (string, error) {
	// Try env var first
	if home := os.Getenv("REPRISE_HOME"); home != "" {
		if err := os.MkdirAll(home, 0755); err != nil {
			return "", fmt.Errorf("create reprise home directory: %w", err)
		}
		return home, nil
	}

	// Walk up from the working directory so task runs started from a
	// subdirectory share the project's existing state.
	projectRoot, err := findProjectRoot()
	if err == nil && projectRoot != "" {
		repriseHome := filepath.Join(projectRoot, ".reprise")
		if err := os.MkdirAll(repriseHome, 0755); err != nil {
			return "", fmt.Errorf("create reprise home directory: %w", err)
		}
		return repriseHome, nil
	}

	// Fallback to current working directory
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	repriseHome := filepath.Join(cwd, ".reprise")
	if err := os.MkdirAll(repriseHome, 0755); err != nil {
		return "", fmt.Errorf("create reprise home directory: %w", err)
	}

	return repriseHome, nil
}

// findProjectRoot walks up from the working directory looking for an
// existing .reprise directory or a .reprise-root marker file
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		// Marker file has highest priority
		markerPath := filepath.Join(current, ".reprise-root")
		if _, err := os.Stat(markerPath); err == nil {
			return current, nil
		}

		// An existing state directory anchors the project too
		statePath := filepath.Join(current, ".reprise")
		if info, err := os.Stat(statePath); err == nil && info.IsDir() {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			// Reached filesystem root
			break
		}
		current = parent
	}

	return "", fmt.Errorf("project root not found (looking for .reprise or .reprise-root)")
}

// GetTaskDBPath returns the absolute path to the task database
// Always returns: $REPRISE_HOME/tasks.db
func GetTaskDBPath() (string, error) {
	home, err := GetRepriseHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "tasks.db"), nil
}

// GetTelemetryPath returns the path to the JSONL telemetry stream
func GetTelemetryPath() (string, error) {
	home, err := GetRepriseHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "telemetry.jsonl"), nil
}

// GetLockPath returns the path of the lock file that guards against
// concurrent orchestrator runs over the same home
func GetLockPath() (string, error) {
	home, err := GetRepriseHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "reprise.lock"), nil
}

// GetConfigPath returns the path of the YAML config file inside home
func GetConfigPath() (string, error) {
	home, err := GetRepriseHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "config.yaml"), nil
}

// GetLogsDir returns the log directory, creating it if needed. An explicit
// dir from configuration wins over the default under home.
func GetLogsDir(configured string) (string, error) {
	logsDir := strings.TrimSpace(configured)
	if logsDir == "" {
		home, err := GetRepriseHome()
		if err != nil {
			return "", err
		}
		logsDir = filepath.Join(home, "logs")
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}

	return logsDir, nil
}
