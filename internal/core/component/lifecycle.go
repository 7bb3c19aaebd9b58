package component

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Sub-action names carried in component requests.
const (
	ActionStart = "start"
	ActionReady = "ready"
	ActionPair  = "pair"
	ActionStop  = "stop"
)

// Results reported for non-start sub-actions.
const (
	StatusReady       = "READY"
	StatusUnready     = "UNREADY"
	StatusPaired      = "PAIRED"
	StatusUnpaired    = "UNPAIRED"
	StatusStopped     = "STOPPED"
	StatusUnsupported = "UNSUPPORTED"
)

// FailedPID is the start result of a component that did not launch.
const FailedPID = -1

// Lifecycle drives one kind of application on the local machine.
type Lifecycle interface {
	// Start launches the component and returns its pid, FailedPID on failure.
	Start(ctx context.Context, args map[string]any) int
	Ready(ctx context.Context, args map[string]any) string
	Pair(ctx context.Context, args map[string]any) string
}

// Stopper is implemented by lifecycles that can terminate what they started.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Factory builds a lifecycle from its configuration parameters.
type Factory func(params map[string]any) (Lifecycle, error)

// Registry resolves component names to lifecycles. Kinds are the factories a
// configured component can be built from.
type Registry struct {
	mu         sync.RWMutex
	kinds      map[string]Factory
	components map[string]Lifecycle
}

// NewRegistry returns a registry with the built-in "process" kind.
func NewRegistry() *Registry {
	r := &Registry{
		kinds:      make(map[string]Factory),
		components: make(map[string]Lifecycle),
	}
	r.RegisterKind(KindProcess, NewProcessLifecycle)
	return r
}

func (r *Registry) RegisterKind(kind string, factory Factory) {
	r.mu.Lock()
	r.kinds[kind] = factory
	r.mu.Unlock()
}

// Register binds name to an existing lifecycle, replacing any previous one.
func (r *Registry) Register(name string, lc Lifecycle) {
	r.mu.Lock()
	r.components[name] = lc
	r.mu.Unlock()
}

// Build creates a lifecycle of the given kind and registers it under name.
func (r *Registry) Build(name, kind string, params map[string]any) error {
	r.mu.RLock()
	f := r.kinds[kind]
	r.mu.RUnlock()
	if f == nil {
		return fmt.Errorf("unknown component kind: %s", kind)
	}

	lc, err := f(params)
	if err != nil {
		return errors.Wrapf(err, "build component %s", name)
	}
	r.Register(name, lc)
	return nil
}

func (r *Registry) Lookup(name string) (Lifecycle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lc, ok := r.components[name]
	return lc, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
