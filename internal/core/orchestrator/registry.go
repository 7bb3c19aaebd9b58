package orchestrator

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/topology"
)

var (
	ErrUnknownExperiment = errors.New("unknown experiment")
	ErrUnknownAction     = errors.New("unknown action type")
	ErrMissingTarget     = errors.New("action needs a target")
	ErrInvalidParam      = errors.New("invalid action parameter")
)

// ScenarioFactory creates a fresh scenario per run.
type ScenarioFactory func() Scenario

// Registry maps experiment names to scenarios.
type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]ScenarioFactory
}

// NewRegistry returns a registry holding the built-in experiments.
func NewRegistry() *Registry {
	r := &Registry{scenarios: make(map[string]ScenarioFactory)}
	r.Register("debug", func() Scenario { return Debug{} })
	r.Register("local_to_cloud", func() Scenario { return LocalToCloud{} })
	r.Register("scripted", func() Scenario { return Scripted{} })
	return r
}

func (r *Registry) Register(name string, factory ScenarioFactory) {
	r.mu.Lock()
	r.scenarios[name] = factory
	r.mu.Unlock()
}

// Build creates a run of the named experiment. Settings the scenario cannot
// run with are rejected here, before any peer is awaited.
func (r *Registry) Build(name string, settings Settings) (*Run, error) {
	r.mu.RLock()
	f := r.scenarios[name]
	r.mu.RUnlock()
	if f == nil {
		return nil, errors.Wrapf(ErrUnknownExperiment, "%s, known: %s", name, strings.Join(r.Names(), ", "))
	}

	run := NewRun(f(), settings)
	if err := run.scenario.Validate(run.Settings()); err != nil {
		return nil, errors.Wrap(err, name)
	}
	return run, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scenarios))
	for name := range r.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionFactory builds an action for one target. target is nil when the
// timeline entry names none.
type ActionFactory func(b *Builder, target *topology.Node, spec ActionSpec) (Action, error)

// ActionRegistry maps timeline action types to factories.
type ActionRegistry struct {
	mu   sync.RWMutex
	acts map[string]ActionFactory
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{acts: make(map[string]ActionFactory)}
}

// DefaultActions returns a registry with noop, start, stop and ping.
func DefaultActions() *ActionRegistry {
	r := NewActionRegistry()
	r.Register("noop", buildNoop)
	r.Register("start", buildStart)
	r.Register("stop", buildStop)
	r.Register("ping", buildPing)
	return r
}

func (r *ActionRegistry) Register(name string, factory ActionFactory) {
	r.mu.Lock()
	r.acts[name] = factory
	r.mu.Unlock()
}

func (r *ActionRegistry) lookup(name string) (ActionFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.acts[name]
	return f, ok
}

// Builder turns timeline specs into actions.
type Builder struct {
	Resolve    func(target string) ([]*topology.Node, error)
	Dispatcher Dispatcher
	Logger     log.Log
	// Timeout applies to actions that wait and name no timeout of their own.
	Timeout  time.Duration
	Registry *ActionRegistry
}

// Build creates the action for spec. A target resolving to several nodes
// yields a Chain with one action per node.
func (b *Builder) Build(spec ActionSpec) (Action, error) {
	if spec.Type == "chain" {
		chain := &Chain{}
		for i, child := range spec.Children {
			a, err := b.Build(child)
			if err != nil {
				return nil, errors.Wrapf(err, "chain child %d", i)
			}
			chain.Actions = append(chain.Actions, a)
		}
		return chain, nil
	}

	factory, ok := b.Registry.lookup(spec.Type)
	if !ok {
		return nil, errors.Wrap(ErrUnknownAction, spec.Type)
	}
	if spec.Target == "" {
		return factory(b, nil, spec)
	}

	targets, err := b.Resolve(spec.Target)
	if err != nil {
		return nil, err
	}
	actions := make([]Action, 0, len(targets))
	for _, node := range targets {
		a, err := factory(b, node, spec)
		if err != nil {
			return nil, errors.Wrapf(err, "%s on %s", spec.Type, node.Name())
		}
		actions = append(actions, a)
	}
	if len(actions) == 1 {
		return actions[0], nil
	}
	return &Chain{Actions: actions}, nil
}

func buildNoop(b *Builder, _ *topology.Node, spec ActionSpec) (Action, error) {
	msg, err := spec.StringParam("message", "")
	if err != nil {
		return nil, err
	}
	return &Noop{Message: msg, Logger: b.Logger}, nil
}

func buildStart(b *Builder, target *topology.Node, spec ActionSpec) (Action, error) {
	if target == nil {
		return nil, errors.Wrap(ErrMissingTarget, spec.Type)
	}
	req, err := componentRequest(spec, []string{"start"})
	if err != nil {
		return nil, err
	}
	timeout, err := spec.DurationParam("timeout", b.Timeout)
	if err != nil {
		return nil, err
	}
	inputArg, err := spec.StringParam("input_arg", "")
	if err != nil {
		return nil, err
	}
	return &StartComponent{
		Target:     target,
		Request:    req,
		Timeout:    timeout,
		Dispatcher: b.Dispatcher,
		Logger:     b.Logger,
		InputArg:   inputArg,
	}, nil
}

func buildStop(b *Builder, target *topology.Node, spec ActionSpec) (Action, error) {
	if target == nil {
		return nil, errors.Wrap(ErrMissingTarget, spec.Type)
	}
	req, err := componentRequest(spec, []string{"stop"})
	if err != nil {
		return nil, err
	}
	return &StopComponent{Target: target, Request: req, Logger: b.Logger}, nil
}

func buildPing(b *Builder, target *topology.Node, spec ActionSpec) (Action, error) {
	if target == nil {
		return nil, errors.Wrap(ErrMissingTarget, spec.Type)
	}
	timeout, err := spec.DurationParam("timeout", b.Timeout)
	if err != nil {
		return nil, err
	}
	return &Ping{Target: target, Timeout: timeout, Dispatcher: b.Dispatcher, Logger: b.Logger}, nil
}

func componentRequest(spec ActionSpec, steps []string) (*protocol.ComponentRequest, error) {
	name, err := spec.StringParam("component", "")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.Wrap(ErrInvalidParam, "component is required")
	}
	args, err := spec.MapParam("args")
	if err != nil {
		return nil, err
	}
	if custom, err := spec.StringsParam("actions"); err != nil {
		return nil, err
	} else if len(custom) > 0 {
		steps = custom
	}

	var argList []map[string]any
	if args != nil {
		argList = []map[string]any{args}
	}
	return protocol.NewComponentRequest([]string{name}, []protocol.ComponentSteps{steps}, argList)
}
