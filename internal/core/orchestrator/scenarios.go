package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/topology"
	"github.com/rescoord/rescoord/pkg/sequence"
)

var (
	// ErrNoComponent is returned when a scenario needs a component name it was not given.
	ErrNoComponent = errors.New("component not configured")
	// ErrNotEnoughNodes is returned when peers dropped out before roles were assigned.
	ErrNotEnoughNodes = errors.New("not enough active nodes")
)

// Debug starts the server component on a single peer and logs a marker 20
// seconds in.
type Debug struct {
	MarkerAt time.Duration
}

func (Debug) Name() string { return "debug" }

func (Debug) MinNodes() int { return 1 }

func (Debug) Validate(s Settings) error {
	if s.ServerComponent == "" {
		return errors.Wrap(ErrNoComponent, "server")
	}
	return nil
}

func (d Debug) Prepare(ctx context.Context, r *Run) error {
	s := r.Settings()
	if err := d.Validate(s); err != nil {
		return err
	}

	node, ok := sequence.From(rankByHardware(r.Env().Topology.Neighbors(true))).First()
	if !ok {
		return errors.Wrap(ErrNotEnoughNodes, "debug needs one peer")
	}
	node.SetRole(topology.RoleCloud)
	r.Assign(TargetRemote, node)
	r.Assign(TargetServer, node)

	req, err := protocol.NewComponentStart(s.ServerComponent, s.ServerArgs)
	if err != nil {
		return err
	}
	if _, err := r.Start(ctx, s.StartTimeout, req, node); err != nil {
		return err
	}

	at := d.MarkerAt
	if at <= 0 {
		at = 20 * time.Second
	}
	r.Policy().Add(at, &Noop{Message: "debug marker", Logger: r.Logger()})
	return nil
}

// LocalToCloud runs the server component on the strongest peer and a client
// component on every other peer, pointed at the server.
type LocalToCloud struct{}

func (LocalToCloud) Name() string { return "local_to_cloud" }

func (LocalToCloud) MinNodes() int { return 2 }

func (LocalToCloud) Validate(s Settings) error {
	if s.ServerComponent == "" {
		return errors.Wrap(ErrNoComponent, "server")
	}
	if s.ClientComponent == "" {
		return errors.Wrap(ErrNoComponent, "client")
	}
	return nil
}

func (l LocalToCloud) Prepare(ctx context.Context, r *Run) error {
	s := r.Settings()
	if err := l.Validate(s); err != nil {
		return err
	}

	remote, locals, err := assignCloud(r)
	if err != nil {
		return err
	}
	if len(locals) == 0 {
		return errors.Wrap(ErrNotEnoughNodes, "no local peer for the clients")
	}

	serverReq, err := protocol.NewComponentStart(s.ServerComponent, s.ServerArgs)
	if err != nil {
		return err
	}
	started, err := r.Start(ctx, s.StartTimeout, serverReq, remote)
	if err != nil {
		return errors.Wrap(err, "server component")
	}

	clientArgs := make(map[string]any, len(s.ClientArgs)+1)
	for k, v := range s.ClientArgs {
		clientArgs[k] = v
	}
	clientArgs[s.ServerAddressArg] = started[0].Host()

	clientReq, err := protocol.NewComponentStart(s.ClientComponent, clientArgs)
	if err != nil {
		return err
	}
	if _, err := r.Start(ctx, s.ClientTimeout, clientReq, locals...); err != nil {
		return errors.Wrap(err, "client components")
	}

	r.Logger().Info("Cloud layout ready",
		log.String("remote", remote.Name()),
		log.Strings("locals", sequence.Map(sequence.From(locals), (*topology.Node).Name)),
	)
	return nil
}

// Scripted only assigns roles. Everything else comes from the timeline.
type Scripted struct {
	Nodes int
}

func (Scripted) Name() string { return "scripted" }

func (s Scripted) MinNodes() int { return max(s.Nodes, 1) }

func (Scripted) Validate(Settings) error { return nil }

func (Scripted) Prepare(_ context.Context, r *Run) error {
	if r.Settings().Timeline == nil {
		r.Logger().Warn("Scripted experiment without a timeline")
	}
	_, _, err := assignCloud(r)
	return err
}

// assignCloud makes the strongest active peer the cloud side, remote and
// server; the rest become client facing locals.
func assignCloud(r *Run) (remote *topology.Node, locals []*topology.Node, err error) {
	ranked := rankByHardware(r.Env().Topology.Neighbors(true))
	if len(ranked) == 0 {
		return nil, nil, errors.Wrap(ErrNotEnoughNodes, "no active peer left")
	}
	remote, locals = ranked[0], ranked[1:]

	remote.SetRole(topology.RoleCloud)
	for _, n := range locals {
		n.SetRole(topology.RoleClient)
	}
	r.Assign(TargetRemote, remote)
	r.Assign(TargetServer, remote)
	r.Assign(TargetLocal, locals...)
	return remote, locals, nil
}
