package router

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/topology"
	"github.com/rescoord/rescoord/internal/core/transport"
)

type node struct {
	id     uuid.UUID
	mux    *transport.Multiplexer
	topo   *topology.Topology
	router *Router
}

func newNode(t *testing.T, name string, role topology.Role, cpus int, opts ...Option) *node {
	t.Helper()
	id := uuid.New()
	mux := transport.NewMultiplexer(transport.DefaultConfig(), log.NewNop())
	topo := topology.New(topology.SelfInfo{
		ID:       id,
		Name:     name,
		Role:     role,
		Hardware: protocol.HardwareProfile{NumCPU: cpus},
	}, log.NewNop())
	return &node{
		id:     id,
		mux:    mux,
		topo:   topo,
		router: New(mux.Inbound(), topo, log.NewNop(), opts...),
	}
}

func (n *node) runMux(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.mux.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (n *node) runRouter(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.router.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// pair starts a listening coordinator and a peer dialed into it.
func pair(t *testing.T, coordOpts, peerOpts []Option) (coord, peer *node, conn *transport.Connection) {
	t.Helper()
	coord = newNode(t, "coordinator", topology.RoleCloud, 8, coordOpts...)
	addr, err := coord.mux.Listen("127.0.0.1:0")
	require.NoError(t, err)
	coord.runMux(t)

	peer = newNode(t, "peer", topology.RoleClient, 4, peerOpts...)
	conn, err = peer.mux.Dial(context.Background(), addr.String())
	require.NoError(t, err)
	peer.runMux(t)
	return coord, peer, conn
}

func handshake(t *testing.T, peer *node, conn *transport.Connection) {
	t.Helper()
	req, err := protocol.NewHandshake(peer.id, peer.topo.Self().Hardware())
	require.NoError(t, err)
	w, err := conn.SendAndAwait(req, false)
	require.NoError(t, err)
	require.True(t, peer.router.WaitForAll(context.Background(), 2*time.Second, w))
}

func neighborIDs(topo *topology.Topology) []uuid.UUID {
	var ids []uuid.UUID
	for _, n := range topo.Neighbors(true) {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestHandshakeSymmetry(t *testing.T) {
	coord, peer, conn := pair(t, nil, nil)
	coord.runRouter(t)

	handshake(t, peer, conn)

	assert.Equal(t, []uuid.UUID{coord.id}, neighborIDs(peer.topo))
	assert.Len(t, peer.topo.Edges(), 1)
	remote, ok := peer.topo.Node(coord.id)
	require.True(t, ok)
	assert.Equal(t, 8, remote.Hardware().NumCPU)
	assert.Equal(t, topology.RoleCloud, remote.Role())
	assert.Same(t, conn, remote.Connection())

	require.Eventually(t, func() bool { return len(coord.topo.Edges()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uuid.UUID{peer.id}, neighborIDs(coord.topo))
	local, ok := coord.topo.Node(peer.id)
	require.True(t, ok)
	assert.Equal(t, 4, local.Hardware().NumCPU)
	assert.Equal(t, topology.RoleClient, local.Role())
	assert.Equal(t, topology.EdgeID(coord.id, peer.id), coord.topo.Edges()[0].ID)
	assert.Equal(t, coord.topo.Edges()[0].ID, peer.topo.Edges()[0].ID)

	// a repeated handshake neither duplicates edges nor nodes, and keeps roles
	local.SetRole(topology.RoleCloud)
	handshake(t, peer, conn)
	assert.Len(t, peer.topo.Edges(), 1)
	assert.Len(t, peer.topo.Nodes(), 2)
	assert.Equal(t, topology.RoleCloud, local.Role())
}

type fakeComponents struct {
	pid int
}

func (f *fakeComponents) Handle(_ context.Context, req *protocol.ComponentRequest) []protocol.ComponentResult {
	var results []protocol.ComponentResult
	for _, steps := range req.Actions {
		for _, step := range steps {
			if step == "start" {
				results = append(results, protocol.PIDResult(f.pid))
			} else {
				results = append(results, protocol.StatusResult("READY"))
			}
		}
	}
	return results
}

func TestComponentRequestDeliversResults(t *testing.T) {
	// the coordinator is the one executing here; roles do not matter to the router
	coord, peer, conn := pair(t, []Option{WithComponents(&fakeComponents{pid: 4242})}, nil)
	coord.runRouter(t)

	req, err := protocol.NewComponentRequest([]string{"worker"}, []protocol.ComponentSteps{{"start", "ready"}}, nil)
	require.NoError(t, err)
	w, err := conn.SendAndAwait(req, true)
	require.NoError(t, err)
	require.True(t, peer.router.WaitForAll(context.Background(), 2*time.Second, w))

	resp, ok := w.Message().Request.(*protocol.ComponentRequest)
	require.True(t, ok)
	assert.True(t, resp.IsResponse())
	assert.Equal(t, []protocol.ComponentResult{protocol.PIDResult(4242), protocol.StatusResult("READY")}, resp.Results)
	assert.Zero(t, conn.Pending())
}

func TestComponentRequestWithoutHandler(t *testing.T) {
	coord, peer, conn := pair(t, nil, nil)
	coord.runRouter(t)

	req, err := protocol.NewComponentStart("worker", nil)
	require.NoError(t, err)
	w, err := conn.SendAndAwait(req, true)
	require.NoError(t, err)
	require.True(t, peer.router.WaitForAll(context.Background(), 2*time.Second, w))

	resp := w.Message().Request.(*protocol.ComponentRequest)
	assert.Equal(t, []protocol.ComponentResult{protocol.StatusResult("UNSUPPORTED")}, resp.Results)
}

type fixedMetrics struct {
	window time.Duration
	rows   []protocol.MetricRow
}

func (f *fixedMetrics) Average(window time.Duration) ([]protocol.MetricRow, error) {
	f.window = window
	return f.rows, nil
}

func TestMetricResponseAppendsHistory(t *testing.T) {
	source := &fixedMetrics{rows: []protocol.MetricRow{{PID: 99, CPU: 12.5, Memory: 2048, Samples: 4}}}
	coord, peer, conn := pair(t, []Option{WithMetrics(source)}, nil)
	coord.runRouter(t)
	handshake(t, peer, conn)

	req, err := protocol.NewMetricRequest(2.5, "hardware_metrics")
	require.NoError(t, err)
	w, err := conn.SendAndAwait(req, false)
	require.NoError(t, err)
	require.True(t, peer.router.WaitForAll(context.Background(), 2*time.Second, w))

	remote, ok := peer.topo.Node(coord.id)
	require.True(t, ok)
	history := remote.MetricHistory()
	require.Len(t, history, 1)
	assert.Equal(t, source.rows, history[0].Rows)
	assert.Equal(t, 2500*time.Millisecond, source.window)
}

func TestPingAck(t *testing.T) {
	coord, peer, conn := pair(t, nil, nil)
	coord.runRouter(t)

	w, err := conn.SendAndAwait(protocol.NewPing(), true)
	require.NoError(t, err)
	require.True(t, peer.router.WaitForAll(context.Background(), 2*time.Second, w))
	assert.Equal(t, protocol.ActionAck, w.Message().Request.Action())
	assert.Equal(t, w.Sequence(), w.Message().Sequence)
}

func TestCloseOfStaleConnectionKeepsNodeActive(t *testing.T) {
	n := newNode(t, "solo", topology.RoleCloud, 1)
	stale, current := &transport.Connection{}, &transport.Connection{}
	id := uuid.New()

	n.topo.RegisterNode("peer_1", stale, "10.0.0.2:1", topology.RoleClient, id, protocol.HardwareProfile{})
	n.router.bound[stale] = id
	node := n.topo.RegisterNode("peer_2", current, "10.0.0.2:2", topology.RoleClient, id, protocol.HardwareProfile{})
	n.router.bound[current] = id
	_, err := n.topo.ConnectToSelf(id)
	require.NoError(t, err)

	n.mux.Inbound().Push(transport.Envelope{Conn: stale, Closed: true})
	require.True(t, n.router.Step(context.Background()))
	assert.True(t, node.Active())
	assert.NotContains(t, n.router.bound, stale)

	n.mux.Inbound().Push(transport.Envelope{Conn: current, Closed: true})
	require.True(t, n.router.Step(context.Background()))
	assert.Empty(t, n.router.bound)
	assert.Len(t, n.topo.Neighbors(false), 1)
	assert.Empty(t, n.topo.Neighbors(true))
	assert.False(t, node.Active())
}

func TestUnroutedResponseIsDropped(t *testing.T) {
	coord, _, conn := pair(t, nil, nil)

	require.NoError(t, conn.Respond(protocol.NewAck(), 77))
	require.Eventually(t, func() bool { return coord.router.Step(context.Background()) }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, coord.router.Step(context.Background()))

	remote := coord.mux.Connections()
	require.Len(t, remote, 1)
	assert.True(t, remote[0].Active())
}

func TestWaitForAllTimesOut(t *testing.T) {
	// nobody serves the coordinator's inbound queue
	_, peer, conn := pair(t, nil, nil)

	answered, err := conn.SendAndAwait(protocol.NewPing(), false)
	require.NoError(t, err)
	silent, err := conn.SendAndAwait(protocol.NewPing(), false)
	require.NoError(t, err)

	_, ok := conn.Resolve(&protocol.Message{Sequence: answered.Sequence()})
	require.True(t, ok)

	start := time.Now()
	assert.False(t, peer.router.WaitForAll(context.Background(), 150*time.Millisecond, answered, silent))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	assert.True(t, peer.router.WaitForAll(context.Background(), 0, answered))
}

func TestWaitForAllPartialCompletion(t *testing.T) {
	coord, peer, conn := pair(t, nil, nil)
	coord.runRouter(t)
	// the second coordinator never serves its queue
	_, _, mute := pair(t, nil, nil)

	answered, err := conn.SendAndAwait(protocol.NewPing(), false)
	require.NoError(t, err)
	silent, err := mute.SendAndAwait(protocol.NewPing(), false)
	require.NoError(t, err)

	assert.False(t, peer.router.WaitForAll(context.Background(), 300*time.Millisecond, answered, silent))
	assert.True(t, answered.Completed())
	assert.False(t, silent.Completed())
	assert.Equal(t, 1, completed([]*transport.Waiter{answered, silent}))
	assert.Equal(t, 1, mute.Pending())

	silent.Cancel()
	assert.Zero(t, mute.Pending())
}

func TestWaitForAllStopsOnCancel(t *testing.T) {
	_, peer, conn := pair(t, nil, nil)
	w, err := conn.SendAndAwait(protocol.NewPing(), false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	assert.False(t, peer.router.WaitForAll(ctx, time.Minute, w))
	assert.Less(t, time.Since(start), time.Second)
}

func TestExitClosesConnectionAndDeactivatesNode(t *testing.T) {
	coord, peer, conn := pair(t, nil, nil)
	coord.runRouter(t)
	handshake(t, peer, conn)

	require.Eventually(t, func() bool { return len(coord.topo.Neighbors(true)) == 1 }, 2*time.Second, 5*time.Millisecond)
	remote := coord.topo.Neighbors(true)[0].Connection()
	_, err := remote.Send(protocol.NewExit())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		peer.router.Step(context.Background())
		return conn.Closed() && len(peer.router.bound) == 0
	}, 2*time.Second, 5*time.Millisecond)

	coordNode, ok := peer.topo.Node(coord.id)
	require.True(t, ok)
	assert.False(t, coordNode.Active())
	assert.Empty(t, peer.topo.Neighbors(true))

	require.Eventually(t, func() bool { return len(coord.topo.Neighbors(true)) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, coord.topo.Neighbors(false), 1)
}

func TestIdleReturnsAfterDuration(t *testing.T) {
	n := newNode(t, "solo", topology.RoleCloud, 1)

	start := time.Now()
	assert.True(t, n.router.Idle(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, n.router.Idle(ctx, time.Minute))
}
