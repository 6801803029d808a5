// Package filelock provides the orchestrator run guard and atomic write
// operations for safe file access across processes.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Guard is an advisory lock that ensures at most one orchestrator iterates
// tasks over a given home directory. CLI commands that only read or flag
// state (status, stop, approve) do not take the guard.
type Guard struct {
	flock *flock.Flock
	path  string
}

// AcquireGuard attempts to take the exclusive orchestrator lock at path
// without blocking. It returns an error if another process holds it.
func AcquireGuard(path string) (*Guard, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another reprise run is already active (lock held at %s)", path)
	}

	return &Guard{flock: fl, path: path}, nil
}

// Path returns the lock file path.
func (g *Guard) Path() string {
	return g.path
}

// Release drops the lock. Safe to call once; the lock file itself is left
// in place for the next run.
func (g *Guard) Release() error {
	if g.flock == nil {
		return nil
	}
	if err := g.flock.Unlock(); err != nil {
		return fmt.Errorf("release run lock %s: %w", g.path, err)
	}
	g.flock = nil
	return nil
}

// AtomicWrite replaces the file at path through a temp file and rename,
// so readers observe either the old content or the new, never a torn
// write. The temp file lives next to the target; rename is only atomic
// within one filesystem.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if err := fillTemp(tmp, data); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// fillTemp writes and flushes the staged content, widening the 0600
// mode CreateTemp uses to the usual 0644 before the file goes live.
func fillTemp(tmp *os.File, data []byte) (err error) {
	defer func() {
		if cerr := tmp.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close temp file: %w", cerr)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	return nil
}
