package component

import (
	"context"
	"sync"
	"time"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/protocol"
)

// Running is a component started through this node's handler.
type Running struct {
	Name      string
	PID       int
	StartedAt time.Time
	Active    bool
}

// Handler executes component requests against the registry and keeps track
// of what it started.
type Handler struct {
	registry *Registry
	logger   log.Log

	mu      sync.Mutex
	running []*Running
}

func NewHandler(registry *Registry, logger log.Log) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger.With(log.String("component", "lifecycle")),
	}
}

// Handle runs every sub-action of the request and returns one result per
// sub-action, in request order.
func (h *Handler) Handle(ctx context.Context, req *protocol.ComponentRequest) []protocol.ComponentResult {
	results := make([]protocol.ComponentResult, 0, len(req.Components))
	for i, name := range req.Components {
		args := req.ArgsFor(i)
		for _, action := range req.Actions[i] {
			results = append(results, h.Run(ctx, name, action, args))
		}
	}
	return results
}

// Run performs a single sub-action on the named component.
func (h *Handler) Run(ctx context.Context, name, action string, args map[string]any) protocol.ComponentResult {
	logger := h.logger.With(log.String("name", name), log.String("action", action))

	lc, ok := h.registry.Lookup(name)
	if !ok {
		logger.Warn("Unknown component", log.Strings("known", h.registry.Names()))
		if action == ActionStart {
			return protocol.PIDResult(FailedPID)
		}
		return protocol.StatusResult(StatusUnsupported)
	}

	switch action {
	case ActionStart:
		pid := lc.Start(ctx, args)
		if pid == FailedPID {
			logger.Error("Component failed to start")
			return protocol.PIDResult(FailedPID)
		}
		h.track(name, pid)
		logger.Info("Component started", log.Int("pid", pid))
		return protocol.PIDResult(pid)

	case ActionReady:
		return protocol.StatusResult(lc.Ready(ctx, args))

	case ActionPair:
		status := lc.Pair(ctx, args)
		logger.Info("Pair finished", log.String("status", status))
		return protocol.StatusResult(status)

	case ActionStop:
		h.stop(ctx, name, lc, logger)
		return protocol.StatusResult(StatusStopped)

	default:
		logger.Warn("Unsupported component action")
		return protocol.StatusResult(StatusUnsupported)
	}
}

// Running returns the components still considered active.
func (h *Handler) Running() []Running {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Running
	for _, r := range h.running {
		if r.Active {
			out = append(out, *r)
		}
	}
	return out
}

// PIDs returns the pids of active components.
func (h *Handler) PIDs() []int {
	running := h.Running()
	pids := make([]int, 0, len(running))
	for _, r := range running {
		pids = append(pids, r.PID)
	}
	return pids
}

// StopAll terminates everything this handler started.
func (h *Handler) StopAll(ctx context.Context) {
	seen := make(map[string]bool)
	for _, r := range h.Running() {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true

		lc, ok := h.registry.Lookup(r.Name)
		if !ok {
			continue
		}
		h.stop(ctx, r.Name, lc, h.logger.With(log.String("name", r.Name)))
	}
}

func (h *Handler) track(name string, pid int) {
	h.mu.Lock()
	h.running = append(h.running, &Running{Name: name, PID: pid, StartedAt: time.Now(), Active: true})
	h.mu.Unlock()
}

func (h *Handler) stop(ctx context.Context, name string, lc Lifecycle, logger log.Log) {
	h.mu.Lock()
	stopped := 0
	for _, r := range h.running {
		if r.Name == name && r.Active {
			r.Active = false
			stopped++
		}
	}
	h.mu.Unlock()

	// lifecycles without Stop only lose their bookkeeping
	if stopper, ok := lc.(Stopper); ok {
		if err := stopper.Stop(ctx); err != nil {
			logger.Warn("Stop failed", log.Error(err))
			return
		}
	}
	logger.Info("Component stopped", log.Int("instances", stopped))
}
