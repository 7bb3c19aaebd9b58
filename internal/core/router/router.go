package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/observability/metrics"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/topology"
	"github.com/rescoord/rescoord/internal/core/transport"
	"github.com/rescoord/rescoord/pkg/sequence"
)

// DefaultPollInterval bounds how long an idle wait parks before re-checking
// deadlines and cancellation.
const DefaultPollInterval = 5 * time.Millisecond

// ComponentRunner executes component requests addressed to this node.
type ComponentRunner interface {
	Handle(ctx context.Context, req *protocol.ComponentRequest) []protocol.ComponentResult
}

// MetricSource answers metric requests with trailing-window aggregates.
type MetricSource interface {
	Average(window time.Duration) ([]protocol.MetricRow, error)
}

type Option func(*Router)

func WithComponents(c ComponentRunner) Option {
	return func(r *Router) { r.components = c }
}

func WithMetrics(m MetricSource) Option {
	return func(r *Router) { r.metrics = m }
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// Router consumes the inbound queue one message at a time. It is not safe for
// concurrent use: exactly one goroutine drives Step, WaitForAll, Idle or Run.
type Router struct {
	inbound      *sequence.Queue[transport.Envelope]
	topo         *topology.Topology
	components   ComponentRunner
	metrics      MetricSource
	logger       log.Log
	pollInterval time.Duration

	// connection -> id of the node it carries
	bound map[*transport.Connection]uuid.UUID
}

func New(inbound *sequence.Queue[transport.Envelope], topo *topology.Topology, logger log.Log, opts ...Option) *Router {
	r := &Router{
		inbound:      inbound,
		topo:         topo,
		logger:       logger.With(log.String("component", "router")),
		pollInterval: DefaultPollInterval,
		bound:        make(map[*transport.Connection]uuid.UUID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Topology() *topology.Topology { return r.topo }

// Step handles at most one inbound message and reports whether there was one.
// It never blocks.
func (r *Router) Step(ctx context.Context) bool {
	env, ok := r.inbound.TryPop()
	if !ok {
		return false
	}
	if env.Closed {
		r.handleClosed(env.Conn)
		return true
	}
	r.dispatch(ctx, env.Conn, env.Msg)
	return true
}

// WaitForAll steps the router until every waiter has completed. It returns
// false when timeout elapses or ctx is cancelled first.
func (r *Router) WaitForAll(ctx context.Context, timeout time.Duration, waiters ...*transport.Waiter) bool {
	start := time.Now()
	deadline := start.Add(timeout)
	status := "ok"
	defer func() {
		metrics.WaitDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for {
		if transport.AllCompleted(waiters...) {
			return true
		}
		if ctx.Err() != nil {
			status = "cancelled"
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			status = "timeout"
			r.logger.Warn("Wait timed out",
				log.Duration("timeout", timeout),
				log.Int("waiters", len(waiters)),
				log.Int("completed", completed(waiters)),
			)
			return false
		}
		if r.Step(ctx) {
			continue
		}
		r.park(ctx, timer, min(r.pollInterval, remaining))
	}
}

// Idle keeps handling messages for d. It returns false if ctx was cancelled.
func (r *Router) Idle(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if r.Step(ctx) {
			continue
		}
		r.park(ctx, timer, min(r.pollInterval, remaining))
	}
}

// Run handles messages until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for ctx.Err() == nil {
		if r.Step(ctx) {
			continue
		}
		r.park(ctx, timer, r.pollInterval)
	}
	return nil
}

// Drain handles every message already queued and returns how many.
func (r *Router) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil && r.Step(ctx) {
		n++
	}
	return n
}

func (r *Router) park(ctx context.Context, timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)

	select {
	case <-r.inbound.Ready():
	case <-ctx.Done():
	case <-timer.C:
	}
}

func completed(waiters []*transport.Waiter) int {
	return sequence.From(waiters).
		Filter(func(w *transport.Waiter) bool { return w != nil && w.Completed() }).
		Count()
}
