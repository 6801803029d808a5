// Package agent runs the configured coding agents. A Backend describes
// how to launch one (argv template plus per-invocation timeout) and the
// Invoker turns a task prompt into a finished process.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harrison/reprise/internal/config"
)

// PromptPlaceholder marks where the task prompt is substituted into a
// backend's argv template. Templates without it get the prompt appended
// as the final argument.
const PromptPlaceholder = "{prompt}"

// Backend is a launchable agent CLI.
type Backend struct {
	Name    string
	Command []string
	Timeout time.Duration
}

// BuildArgs renders the backend's argv for the given prompt.
func (b Backend) BuildArgs(prompt string) []string {
	args := make([]string, len(b.Command))
	substituted := false
	for i, part := range b.Command {
		if strings.Contains(part, PromptPlaceholder) {
			part = strings.ReplaceAll(part, PromptPlaceholder, prompt)
			substituted = true
		}
		args[i] = part
	}
	if !substituted {
		args = append(args, prompt)
	}
	return args
}

// Registry holds the backends a run may invoke, keyed by name.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds a registry from configured backends.
func NewRegistry(configured map[string]config.BackendConfig) *Registry {
	backends := make(map[string]Backend, len(configured))
	for name, bc := range configured {
		backends[name] = Backend{
			Name:    name,
			Command: append([]string(nil), bc.Command...),
			Timeout: bc.Timeout(),
		}
	}
	return &Registry{backends: backends}
}

// Exists checks if a backend with the given name is registered.
func (r *Registry) Exists(name string) bool {
	_, exists := r.backends[name]
	return exists
}

// Get retrieves a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	backend, exists := r.backends[name]
	return backend, exists
}

// Lookup retrieves a backend by name, with an error naming the
// alternatives when it is not registered.
func (r *Registry) Lookup(name string) (Backend, error) {
	backend, exists := r.backends[name]
	if !exists {
		return Backend{}, fmt.Errorf("unknown backend %q (registered: %s)", name, strings.Join(r.Names(), ", "))
	}
	return backend, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
