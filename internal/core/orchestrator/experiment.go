package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rescoord/rescoord/internal/core/hardware"
	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/topology"
	"github.com/rescoord/rescoord/internal/core/transport"
	"github.com/rescoord/rescoord/pkg/sequence"
)

// Role names targets can resolve against.
const (
	TargetAll    = "all"
	TargetLocal  = "local"
	TargetRemote = "remote"
	TargetServer = "server"
)

const (
	DefaultSetupTimeout      = 5 * time.Minute
	DefaultStartTimeout      = 30 * time.Second
	DefaultSamplingFrequency = 1.0
	defaultMetricName        = "hardware_metrics"
)

// Env is what an experiment runs against.
type Env struct {
	Topology    *topology.Topology
	Router      Dispatcher
	Logger      log.Log
	Coordinator bool
}

// Experiment is a scripted run driven by the host's sampling clock.
type Experiment interface {
	Name() string
	SamplingFrequency() float64
	Setup(ctx context.Context, env Env) error
	// Step runs one sampling tick and reports whether the experiment goes on.
	Step(ctx context.Context) bool
	End(ctx context.Context)
	State() State
}

// Scenario decides which nodes play which role and what happens before the
// timeline starts.
type Scenario interface {
	Name() string
	MinNodes() int
	// Validate rejects settings the scenario cannot run with.
	Validate(s Settings) error
	Prepare(ctx context.Context, r *Run) error
}

// Settings tune a Run. Zero values fall back to defaults.
type Settings struct {
	MinNodes          int
	SetupTimeout      time.Duration
	StartTimeout      time.Duration
	ClientTimeout     time.Duration
	SamplingFrequency float64
	StopWhenDone      bool

	ServerComponent string
	ClientComponent string
	ServerArgs      map[string]any
	ClientArgs      map[string]any
	// ServerAddressArg names the client argument carrying the server host.
	ServerAddressArg string

	MetricNames []string
	Timeline    *Timeline
	Actions     *ActionRegistry
}

func (s Settings) withDefaults() Settings {
	if s.SetupTimeout <= 0 {
		s.SetupTimeout = DefaultSetupTimeout
	}
	if s.StartTimeout <= 0 {
		s.StartTimeout = DefaultStartTimeout
	}
	if s.ClientTimeout <= 0 {
		s.ClientTimeout = s.StartTimeout
	}
	if s.SamplingFrequency <= 0 {
		s.SamplingFrequency = DefaultSamplingFrequency
	}
	if s.ServerAddressArg == "" {
		s.ServerAddressArg = "server"
	}
	if len(s.MetricNames) == 0 {
		s.MetricNames = []string{defaultMetricName}
	}
	if s.Actions == nil {
		s.Actions = DefaultActions()
	}
	return s
}

var _ Experiment = (*Run)(nil)

// Run is the Experiment implementation shared by every scenario.
type Run struct {
	scenario Scenario
	settings Settings
	state    stateMachine

	env    Env
	logger log.Log
	policy *Policy

	mu      sync.Mutex
	roles   map[string][]*topology.Node
	nodes   []*topology.Node
	metrics []*transport.Waiter
}

func NewRun(scenario Scenario, settings Settings) *Run {
	return &Run{
		scenario: scenario,
		settings: settings.withDefaults(),
		policy:   NewPolicy(),
		roles:    make(map[string][]*topology.Node),
	}
}

func (r *Run) Name() string { return r.scenario.Name() }

func (r *Run) SamplingFrequency() float64 { return r.settings.SamplingFrequency }

func (r *Run) State() State { return r.state.get() }

func (r *Run) Settings() Settings { return r.settings }

func (r *Run) Policy() *Policy { return r.policy }

func (r *Run) Env() Env { return r.env }

func (r *Run) Logger() log.Log { return r.logger }

func (r *Run) minNodes() int {
	return max(r.scenario.MinNodes(), r.settings.MinNodes)
}

// Setup waits for enough peers, lets the scenario assign roles and start its
// components, then loads the timeline. Any failure ends the run.
func (r *Run) Setup(ctx context.Context, env Env) error {
	if err := r.state.transition(StateUnstarted, StateSettingUp); err != nil {
		return err
	}
	r.env = env
	r.logger = env.Logger.With(log.String("component", "experiment"), log.String("experiment", r.Name()))

	if !env.Coordinator {
		return r.state.transition(StateSettingUp, StateRunning)
	}

	fail := func(err error) error {
		r.state.end()
		r.logger.Error("Experiment setup failed", log.Error(err))
		return err
	}

	if err := r.awaitNodes(ctx); err != nil {
		return fail(err)
	}
	if err := r.scenario.Prepare(ctx, r); err != nil {
		return fail(errors.Wrap(err, "prepare "+r.Name()))
	}
	if tl := r.settings.Timeline; tl != nil {
		if err := tl.Schedule(r.policy, r.builder()); err != nil {
			return fail(errors.Wrap(err, "timeline"))
		}
		if tl.StopWhenDone != nil {
			r.settings.StopWhenDone = *tl.StopWhenDone
		}
	}

	if err := r.state.transition(StateSettingUp, StateRunning); err != nil {
		return err
	}
	r.logger.Info("Experiment running",
		log.Int("nodes", len(r.Nodes())),
		log.Int("actions", r.policy.Remaining()),
	)
	return nil
}

func (r *Run) awaitNodes(ctx context.Context) error {
	want := r.minNodes()
	deadline := time.Now().Add(r.settings.SetupTimeout)
	r.logger.Info("Waiting for peers", log.Int("min_nodes", want), log.Duration("timeout", r.settings.SetupTimeout))

	for {
		have := len(r.env.Topology.Neighbors(true))
		if have >= want {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Wrapf(ErrSetupTimeout, "%d of %d nodes", have, want)
		}
		if !r.env.Router.Idle(ctx, min(remaining, 100*time.Millisecond)) {
			return errors.Wrap(ErrSetupAborted, ctx.Err().Error())
		}
	}
}

// Assign binds nodes to a role. Assigned nodes take part in the experiment:
// losing any of them stops it.
func (r *Run) Assign(role string, nodes ...*topology.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = append(r.roles[role], nodes...)
	for _, n := range nodes {
		if !containsNode(r.nodes, n) {
			r.nodes = append(r.nodes, n)
		}
	}
}

// Role returns the nodes bound to role.
func (r *Run) Role(role string) []*topology.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*topology.Node(nil), r.roles[role]...)
}

// Nodes returns every node taking part in the experiment.
func (r *Run) Nodes() []*topology.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*topology.Node(nil), r.nodes...)
}

// Resolve maps a timeline target to nodes: a role, "all", a node id or a
// node name.
func (r *Run) Resolve(target string) ([]*topology.Node, error) {
	if target == TargetAll {
		return r.Nodes(), nil
	}
	if nodes := r.Role(target); len(nodes) > 0 {
		return nodes, nil
	}
	if id, err := uuid.Parse(target); err == nil {
		if n, ok := r.env.Topology.Node(id); ok && !n.IsSelf() {
			return []*topology.Node{n}, nil
		}
	}
	for _, n := range r.env.Topology.Neighbors(false) {
		if n.Name() == target {
			return []*topology.Node{n}, nil
		}
	}
	return nil, errors.Wrap(ErrUnknownTarget, target)
}

// Start sends a component request to every target and waits for all of them.
func (r *Run) Start(ctx context.Context, timeout time.Duration, req *protocol.ComponentRequest, targets ...*topology.Node) ([]Started, error) {
	return startOn(ctx, r.env.Router, timeout, r.logger, targets, req)
}

func (r *Run) builder() *Builder {
	return &Builder{
		Resolve:    r.Resolve,
		Dispatcher: r.env.Router,
		Logger:     r.logger,
		Timeout:    r.settings.StartTimeout,
		Registry:   r.settings.Actions,
	}
}

// Step fires due timeline actions and asks every neighbour for metrics.
func (r *Run) Step(ctx context.Context) bool {
	if r.State() != StateRunning {
		return false
	}

	for _, n := range r.Nodes() {
		if !n.Active() {
			r.logger.Warn("Experiment node went inactive", log.String("node", n.Name()), log.String("id", n.ID.String()))
			return false
		}
	}

	for _, action := range r.policy.Check() {
		_, ok := perform(ctx, action, nil)
		r.logger.Info("Action performed",
			log.String("action", action.Name()),
			log.Bool("ok", ok),
			log.Duration("elapsed", r.policy.Elapsed()),
		)
	}

	r.requestMetrics()

	if r.settings.StopWhenDone && r.policy.Done() {
		r.logger.Info("Timeline exhausted")
		return false
	}
	return true
}

// requestMetrics replaces last tick's metric waiters. Responses are recorded
// into node history by the router.
func (r *Run) requestMetrics() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.metrics {
		if !w.Completed() {
			w.Cancel()
		}
	}
	r.metrics = r.metrics[:0]

	req, err := protocol.NewMetricRequest(1/r.settings.SamplingFrequency, r.settings.MetricNames...)
	if err != nil {
		r.logger.Error("Build metric request", log.Error(err))
		return
	}
	connected := sequence.From(r.env.Topology.Neighbors(true)).
		Filter(func(n *topology.Node) bool { return n.Connection() != nil })
	for n := range connected.Seq() {
		w, err := n.Connection().SendAndAwait(req, false)
		if err != nil {
			r.logger.Debug("Metric request not sent", log.String("node", n.Name()), log.Error(err))
			continue
		}
		r.metrics = append(r.metrics, w)
	}
}

// End stops the run. The coordinator tells every neighbour to exit.
func (r *Run) End(_ context.Context) {
	if !r.state.end() {
		return
	}

	r.mu.Lock()
	for _, w := range r.metrics {
		w.Cancel()
	}
	r.metrics = nil
	r.mu.Unlock()

	if r.logger == nil {
		return
	}
	r.logger.Info("Experiment ended",
		log.Int("fired", r.policy.Fired()),
		log.Int("remaining", r.policy.Remaining()),
		log.Int("edges", len(r.env.Topology.Edges())),
	)
	if !r.env.Coordinator {
		return
	}
	for _, n := range r.env.Topology.Neighbors(true) {
		conn := n.Connection()
		if conn == nil {
			continue
		}
		if _, err := conn.Send(protocol.NewExit()); err != nil {
			r.logger.Warn("Exit not sent", log.String("node", n.Name()), log.Error(err))
		}
	}
}

// rankByHardware orders nodes strongest first.
func rankByHardware(nodes []*topology.Node) []*topology.Node {
	return sequence.From(nodes).
		Sort(func(a, b *topology.Node) bool { return hardware.Stronger(a.Hardware(), b.Hardware()) }).
		Collect()
}

func containsNode(nodes []*topology.Node, n *topology.Node) bool {
	return sequence.From(nodes).Any(func(o *topology.Node) bool { return o.ID == n.ID })
}
