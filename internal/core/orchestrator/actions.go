package orchestrator

import (
	"context"
	"net"
	"time"

	"github.com/rescoord/rescoord/internal/core/component"
	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/observability/metrics"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/topology"
	"github.com/rescoord/rescoord/internal/core/transport"
)

// Dispatcher is the part of the router the orchestrator drives while waiting.
type Dispatcher interface {
	Step(ctx context.Context) bool
	WaitForAll(ctx context.Context, timeout time.Duration, waiters ...*transport.Waiter) bool
	Idle(ctx context.Context, d time.Duration) bool
}

// Action is one scripted step of an experiment.
type Action interface {
	Name() string
	// NeedsInput reports whether the action consumes the previous action's
	// output when run inside a Chain.
	NeedsInput() bool
	Perform(ctx context.Context, input any) (output any, ok bool)
}

// perform runs an action and accounts for it.
func perform(ctx context.Context, a Action, input any) (any, bool) {
	out, ok := a.Perform(ctx, input)
	metrics.PolicyActions.WithLabelValues(a.Name(), metrics.Status(ok)).Inc()
	return out, ok
}

// Started is the output of StartComponent.
type Started struct {
	Node *topology.Node
	PIDs []int
}

// Host returns the address of the node the components run on, without port.
func (s Started) Host() string {
	addr := s.Node.Address()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// StartComponent asks a node to start components and waits for their pids.
type StartComponent struct {
	Target     *topology.Node
	Request    *protocol.ComponentRequest
	Timeout    time.Duration
	Dispatcher Dispatcher
	Logger     log.Log

	// InputArg, when set, receives the chained input in every component's
	// arguments. A Started input contributes its host.
	InputArg string
}

func (a *StartComponent) Name() string { return "start_component" }

func (a *StartComponent) NeedsInput() bool { return a.InputArg != "" }

func (a *StartComponent) Perform(ctx context.Context, input any) (any, bool) {
	req := a.Request
	if a.InputArg != "" && input != nil {
		req = withArg(req, a.InputArg, inputValue(input))
	}

	started, err := startOn(ctx, a.Dispatcher, a.Timeout, a.Logger, []*topology.Node{a.Target}, req)
	if err != nil {
		return nil, false
	}
	return started[0], true
}

// StopComponent tells a node to stop components. Nothing is awaited.
type StopComponent struct {
	Target  *topology.Node
	Request *protocol.ComponentRequest
	Logger  log.Log
}

func (a *StopComponent) Name() string { return "stop_component" }

func (a *StopComponent) NeedsInput() bool { return false }

func (a *StopComponent) Perform(_ context.Context, _ any) (any, bool) {
	conn := a.Target.Connection()
	if conn == nil {
		a.Logger.Warn("Stop target has no connection", log.String("node", a.Target.Name()))
		return nil, true
	}
	if _, err := conn.Send(a.Request); err != nil {
		a.Logger.Warn("Stop request not sent", log.String("node", a.Target.Name()), log.Error(err))
		return nil, true
	}
	for _, name := range a.Request.Components {
		a.Target.DeactivateComponents(name)
	}
	return nil, true
}

// Chain runs actions in order, piping outputs into actions that need input.
// A step without output passes on the value it was given.
type Chain struct {
	Actions []Action
}

func (a *Chain) Name() string { return "chain" }

func (a *Chain) NeedsInput() bool {
	return len(a.Actions) > 0 && a.Actions[0].NeedsInput()
}

func (a *Chain) Perform(ctx context.Context, input any) (any, bool) {
	ok := true
	out := input
	for i, child := range a.Actions {
		var in any
		if i == 0 || child.NeedsInput() {
			in = out
		}
		res, childOK := perform(ctx, child, in)
		ok = ok && childOK
		if res != nil {
			out = res
		}
	}
	return out, ok
}

// Noop logs and succeeds. Its output is its input.
type Noop struct {
	Message string
	Logger  log.Log
}

func (a *Noop) Name() string { return "noop" }

func (a *Noop) NeedsInput() bool { return true }

func (a *Noop) Perform(_ context.Context, input any) (any, bool) {
	fields := []log.Field{log.String("message", a.Message)}
	if input != nil {
		fields = append(fields, log.Any("input", input))
	}
	a.Logger.Info("Noop", fields...)
	return input, true
}

// Ping checks a node answers within the timeout.
type Ping struct {
	Target     *topology.Node
	Timeout    time.Duration
	Dispatcher Dispatcher
	Logger     log.Log
}

func (a *Ping) Name() string { return "ping" }

func (a *Ping) NeedsInput() bool { return false }

func (a *Ping) Perform(ctx context.Context, _ any) (any, bool) {
	conn := a.Target.Connection()
	if conn == nil {
		return nil, false
	}
	start := time.Now()
	w, err := conn.SendAndAwait(protocol.NewPing(), false)
	if err != nil {
		a.Logger.Warn("Ping not sent", log.String("node", a.Target.Name()), log.Error(err))
		return nil, false
	}
	if !a.Dispatcher.WaitForAll(ctx, a.Timeout, w) {
		w.Cancel()
		return nil, false
	}
	return time.Since(start), true
}

// startOn sends req to every target, waits for all responses and registers the
// started components. Any timeout or failed start is an error.
func startOn(ctx context.Context, d Dispatcher, timeout time.Duration, logger log.Log, targets []*topology.Node, req *protocol.ComponentRequest) ([]Started, error) {
	waiters := make([]*transport.Waiter, 0, len(targets))
	cancel := func() {
		for _, w := range waiters {
			w.Cancel()
		}
	}

	for _, node := range targets {
		conn := node.Connection()
		if conn == nil || !node.Active() {
			cancel()
			return nil, protocol.WrapError(protocol.ErrConnectionClosed, "start on "+node.Name())
		}
		w, err := conn.SendAndAwait(req, true)
		if err != nil {
			cancel()
			logger.Warn("Start request not sent", log.String("node", node.Name()), log.Error(err))
			return nil, err
		}
		waiters = append(waiters, w)
	}

	if !d.WaitForAll(ctx, timeout, waiters...) {
		cancel()
		logger.Error("Component start timed out",
			log.Strings("components", req.Components),
			log.Duration("timeout", timeout),
		)
		return nil, protocol.NewProtocolError(protocol.ErrorCodeResponseTimeout, "component start", protocol.ErrResponseTimeout)
	}

	out := make([]Started, 0, len(targets))
	for i, w := range waiters {
		node := targets[i]
		resp, ok := w.Message().Request.(*protocol.ComponentRequest)
		if !ok {
			return nil, protocol.NewProtocolError(protocol.ErrorCodeInvalidRequest, "unexpected start reply", protocol.ErrInvalidRequest)
		}

		pids, err := startedPIDs(req, resp.Results)
		if err != nil {
			logger.Error("Component failed to start",
				log.String("node", node.Name()),
				log.Strings("components", req.Components),
				log.Error(err),
			)
			return nil, err
		}

		s := Started{Node: node}
		for _, pc := range pids {
			node.AddComponent(pc.name, pc.pid)
			s.PIDs = append(s.PIDs, pc.pid)
		}
		logger.Info("Components started",
			log.String("node", node.Name()),
			log.Strings("components", req.Components),
			log.Any("pids", s.PIDs),
		)
		out = append(out, s)
	}
	return out, nil
}

type namedPID struct {
	name string
	pid  int
}

// startedPIDs pairs every start step of req with its result.
func startedPIDs(req *protocol.ComponentRequest, results []protocol.ComponentResult) ([]namedPID, error) {
	var out []namedPID
	idx := 0
	for i, name := range req.Components {
		for _, step := range req.Actions[i] {
			if idx >= len(results) {
				return nil, protocol.NewProtocolError(protocol.ErrorCodeInvalidRequest, "missing results", protocol.ErrInvalidRequest)
			}
			res := results[idx]
			idx++
			if step != component.ActionStart {
				continue
			}
			if !res.IsPID() || res.PID == component.FailedPID {
				return nil, protocol.NewProtocolError(protocol.ErrorCodeComponentStartFailure, name+" returned "+res.String(), protocol.ErrComponentStartFailed)
			}
			out = append(out, namedPID{name: name, pid: res.PID})
		}
	}
	return out, nil
}

func withArg(req *protocol.ComponentRequest, key string, value any) *protocol.ComponentRequest {
	clone := *req
	clone.Args = make([]map[string]any, len(req.Components))
	for i := range req.Components {
		args := make(map[string]any)
		for k, v := range req.ArgsFor(i) {
			args[k] = v
		}
		args[key] = value
		clone.Args[i] = args
	}
	return &clone
}

func inputValue(input any) any {
	if s, ok := input.(Started); ok {
		return s.Host()
	}
	return input
}
