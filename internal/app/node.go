package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rescoord/rescoord/internal/config"
	"github.com/rescoord/rescoord/internal/core/component"
	"github.com/rescoord/rescoord/internal/core/hardware"
	"github.com/rescoord/rescoord/internal/core/metrics"
	"github.com/rescoord/rescoord/internal/core/observability/log"
	obsmetrics "github.com/rescoord/rescoord/internal/core/observability/metrics"
	"github.com/rescoord/rescoord/internal/core/orchestrator"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/router"
	"github.com/rescoord/rescoord/internal/core/topology"
	"github.com/rescoord/rescoord/internal/core/transport"
)

var ErrHandshakeTimeout = errors.New("handshake timed out")

type Option func(*Node)

// WithIdentity skips id loading.
func WithIdentity(id uuid.UUID) Option {
	return func(n *Node) { n.id = id }
}

// WithHardware skips hardware detection.
func WithHardware(hw protocol.HardwareProfile) Option {
	return func(n *Node) { n.hw = &hw }
}

func WithExperiments(r *orchestrator.Registry) Option {
	return func(n *Node) { n.experiments = r }
}

func WithComponents(r *component.Registry) Option {
	return func(n *Node) { n.registry = r }
}

// Node is one running rescoord process, coordinator or peer.
type Node struct {
	cfg    config.Config
	logger log.Log

	id uuid.UUID
	hw *protocol.HardwareProfile

	mux         *transport.Multiplexer
	topo        *topology.Topology
	router      *router.Router
	registry    *component.Registry
	components  *component.Handler
	store       *metrics.MemoryStore
	sampler     *metrics.Sampler
	experiments *orchestrator.Registry
	experiment  orchestrator.Experiment

	listenAddr  net.Addr
	metricsAddr net.Addr
	metricsLn   net.Listener
	coordinator *transport.Connection
}

// New prepares a node: identity, hardware profile, components and sockets.
// Nothing runs until Run.
func New(ctx context.Context, cfg config.Config, logger log.Log, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, logger: logger.With(log.String("component", "node"), log.String("role", cfg.Role))}
	for _, opt := range opts {
		opt(n)
	}

	if n.id == uuid.Nil {
		id, err := LoadIdentity(cfg.Node.IDFile, cfg.Node.UseCachedID)
		if err != nil {
			return nil, err
		}
		n.id = id
	}
	if n.hw == nil {
		detected, err := hardware.Detect(ctx)
		if err != nil {
			n.logger.Warn("Hardware detection incomplete", log.Error(err))
		}
		hw := hardware.Merge(detected, cfg.Hardware)
		n.hw = &hw
	}
	if n.experiments == nil {
		n.experiments = orchestrator.NewRegistry()
	}
	if n.registry == nil {
		n.registry = component.NewRegistry()
	}
	for name, cc := range cfg.Components {
		kind, params := cc.LifecycleParams()
		if err := n.registry.Build(name, kind, params); err != nil {
			return nil, errors.Wrapf(err, "component %s", name)
		}
	}
	n.logger.Debug("Components registered", log.Strings("names", n.registry.Names()))

	// the coordinator hosts the cloud side, peers start out client facing
	role := topology.RoleClient
	if cfg.IsCoordinator() {
		role = topology.RoleCloud
		exp, err := n.buildExperiment()
		if err != nil {
			return nil, errors.Wrap(err, "experiment")
		}
		n.experiment = exp
	}
	name := cfg.Name
	if name == "" {
		name, _ = os.Hostname()
	}

	n.store = metrics.NewMemoryStore(cfg.Sampling.Retention)
	n.sampler = metrics.NewSampler(n.store, logger)
	n.components = component.NewHandler(n.registry, logger)
	n.mux = transport.NewMultiplexer(cfg.Transport(), logger)
	n.topo = topology.New(topology.SelfInfo{
		ID:       n.id,
		Name:     name,
		Address:  cfg.Network.ListenAddr,
		Role:     role,
		Hardware: *n.hw,
	}, logger)
	n.router = router.New(n.mux.Inbound(), n.topo, logger,
		router.WithComponents(n.components),
		router.WithMetrics(n.store),
		router.WithPollInterval(cfg.Network.PollInterval),
	)

	if err := n.open(ctx); err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *Node) open(ctx context.Context) error {
	if n.cfg.Metrics.ListenAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.Metrics.ListenAddr)
		if err != nil {
			return errors.Wrap(err, "metrics listener")
		}
		n.metricsLn, n.metricsAddr = ln, ln.Addr()
	}

	if n.cfg.IsCoordinator() {
		addr, err := n.mux.Listen(n.cfg.Network.ListenAddr)
		if err != nil {
			return err
		}
		n.listenAddr = addr
		return nil
	}

	conn, err := n.mux.Dial(ctx, n.cfg.Network.CoordinatorAddr)
	if err != nil {
		return err
	}
	n.coordinator = conn
	return nil
}

func (n *Node) close() {
	if n.metricsLn != nil {
		_ = n.metricsLn.Close()
	}
	n.mux.Stop()
}

func (n *Node) ID() uuid.UUID { return n.id }

func (n *Node) Topology() *topology.Topology { return n.topo }

// Addr is the coordinator's listening address, nil on peers.
func (n *Node) Addr() net.Addr { return n.listenAddr }

// MetricsAddr is the prometheus endpoint address, nil when disabled.
func (n *Node) MetricsAddr() net.Addr { return n.metricsAddr }

// Run drives the node until its role finishes, ctx is cancelled or a part fails.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return n.mux.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		if n.cfg.IsCoordinator() {
			return n.runCoordinator(gctx)
		}
		return n.runPeer(gctx)
	})
	if n.metricsLn != nil {
		srv := &http.Server{Handler: n.metricsHandler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(n.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics endpoint")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	n.components.StopAll(stopCtx)
	stop()
	n.logger.Info("Node stopped", log.Error(err))
	return err
}

func (n *Node) metricsHandler() http.Handler {
	path := n.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, obsmetrics.Handler())
	return mux
}

func (n *Node) period() time.Duration {
	return time.Duration(float64(time.Second) / n.cfg.Sampling.Frequency)
}

func (n *Node) buildExperiment() (orchestrator.Experiment, error) {
	settings := n.cfg.Settings()
	if path := n.cfg.Experiment.TimelineFile; path != "" {
		tl, err := orchestrator.LoadTimelineFile(path)
		if err != nil {
			return nil, err
		}
		settings.Timeline = tl
	}
	run, err := n.experiments.Build(n.cfg.Experiment.Name, settings)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (n *Node) runCoordinator(ctx context.Context) error {
	exp := n.experiment
	defer n.mux.Stop()
	defer exp.End(context.Background())

	env := orchestrator.Env{Topology: n.topo, Router: n.router, Logger: n.logger, Coordinator: true}
	if err := exp.Setup(ctx, env); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	period := time.Duration(float64(time.Second) / exp.SamplingFrequency())
	for exp.Step(ctx) {
		n.sampler.Sample(ctx, os.Getpid())
		if !n.router.Idle(ctx, period) {
			break
		}
	}

	// settle replies and closes that arrived with the last step
	drainCtx, done := context.WithTimeout(context.Background(), period)
	defer done()
	n.logger.Debug("Experiment loop finished", log.Int("drained", n.router.Drain(drainCtx)))
	return nil
}

func (n *Node) runPeer(ctx context.Context) error {
	defer n.mux.Stop()
	conn := n.coordinator

	req, err := protocol.NewHandshake(n.id, *n.hw)
	if err != nil {
		return err
	}
	w, err := conn.SendAndAwait(req, false)
	if err != nil {
		return errors.Wrap(err, "handshake")
	}
	if !n.router.WaitForAll(ctx, n.cfg.Network.HandshakeTimeout, w) {
		w.Cancel()
		if ctx.Err() != nil {
			return nil
		}
		return ErrHandshakeTimeout
	}

	server, ok := n.topo.NodeByConnection(conn)
	if !ok {
		return errors.Wrap(topology.ErrUnknownNode, "coordinator after handshake")
	}
	if err := n.topo.DesignateServer(server.ID); err != nil {
		return err
	}

	period := n.period()
	for conn.Active() {
		n.sampler.Sample(ctx, append(n.components.PIDs(), os.Getpid())...)
		if !n.router.Idle(ctx, period) {
			break
		}
	}

	if conn.Active() {
		if _, err := conn.Send(protocol.NewExit()); err != nil {
			n.logger.Warn("Exit not sent", log.Error(err))
		}
	}
	return nil
}
