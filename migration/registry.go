package migration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/migrate-go/migration/retry"
)

// Definition is a named, reusable workflow.
//
// Registering definitions lets a coordinator rebuild a workflow's task list
// after a process restart, when only the checkpoint survives.
type Definition struct {
	// Name identifies the definition. It is stored in the checkpoint as
	// Metadata.WorkflowName.
	Name string

	// Version distinguishes revisions of the same definition. Zero is
	// treated as 1. The highest version is used unless a caller asks for
	// a specific one.
	Version int

	// Tasks builds a fresh task list.
	Tasks func() []Task

	// RetryPolicy overrides the coordinator default for this definition.
	RetryPolicy *retry.Policy

	// Priority is used when WorkflowConfig.Priority is zero.
	Priority int
}

// Registry maps definition names to versioned definitions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[string][]Definition)}
}

// Register adds def, replacing a definition with the same name and version.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return &CoordinatorError{Message: "definition name cannot be empty", Code: "INVALID_DEFINITION"}
	}
	if def.Tasks == nil {
		return &CoordinatorError{Message: "definition " + def.Name + " has no task builder", Code: "INVALID_DEFINITION"}
	}
	if def.RetryPolicy != nil {
		if err := def.RetryPolicy.Validate(); err != nil {
			return err
		}
	}
	if def.Version <= 0 {
		def.Version = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.versions[def.Name]
	for i, d := range existing {
		if d.Version == def.Version {
			existing[i] = def
			return nil
		}
	}
	r.versions[def.Name] = append(existing, def)
	return nil
}

// Get returns the highest version of the named definition.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[name]
	if len(versions) == 0 {
		return Definition{}, false
	}
	best := versions[0]
	for _, d := range versions[1:] {
		if d.Version > best.Version {
			best = d
		}
	}
	return best, true
}

// GetVersion returns a specific version. version <= 0 behaves like Get.
func (r *Registry) GetVersion(name string, version int) (Definition, bool) {
	if version <= 0 {
		return r.Get(name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.versions[name] {
		if d.Version == version {
			return d, true
		}
	}
	return Definition{}, false
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// build returns a validated task list from the named definition.
func (r *Registry) build(name string) ([]Task, Definition, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, Definition{}, fmt.Errorf("%w: %q", ErrDefinitionNotFound, name)
	}
	tasks, err := prepareTasks(def.Tasks())
	if err != nil {
		return nil, Definition{}, fmt.Errorf("definition %s: %w", name, err)
	}
	return tasks, def, nil
}
