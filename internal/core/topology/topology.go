package topology

import (
	"bytes"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/observability/metrics"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/transport"
	"github.com/rescoord/rescoord/pkg/sequence"
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrSelfLoop    = errors.New("edge endpoints must differ")
)

// Edge is an undirected link between two nodes. A and B are stored in
// canonical order so the same pair always yields the same edge.
type Edge struct {
	ID uint64
	A  uuid.UUID
	B  uuid.UUID
}

// Other returns the endpoint opposite to id.
func (e Edge) Other(id uuid.UUID) (uuid.UUID, bool) {
	switch id {
	case e.A:
		return e.B, true
	case e.B:
		return e.A, true
	default:
		return uuid.Nil, false
	}
}

// EdgeID derives the edge identity from both endpoints, independent of order.
func EdgeID(a, b uuid.UUID) uint64 {
	a, b = canonical(a, b)
	var key [33]byte
	n := copy(key[:], a[:])
	key[n] = '|'
	copy(key[n+1:], b[:])
	return xxhash.Sum64(key[:])
}

func canonical(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}

// SelfInfo describes the local node.
type SelfInfo struct {
	ID       uuid.UUID
	Name     string
	Address  string
	Role     Role
	Hardware protocol.HardwareProfile
}

// Topology is the graph of known nodes. It is created per run and passed to
// whatever needs it.
type Topology struct {
	mu     sync.RWMutex
	logger log.Log
	self   *Node
	nodes  map[uuid.UUID]*Node
	edges  map[uint64]Edge
}

// New creates a topology seeded with exactly one self node.
func New(self SelfInfo, logger log.Log) *Topology {
	n := &Node{ID: self.ID, self: true}
	n.update(self.Name, nil, self.Address, self.Role, self.Hardware)
	n.active.Store(true)

	t := &Topology{
		logger: logger.With(log.String("component", "topology")),
		self:   n,
		nodes:  map[uuid.UUID]*Node{self.ID: n},
		edges:  make(map[uint64]Edge),
	}
	t.logger.Info("Registered self",
		log.String("id", self.ID.String()),
		log.String("name", self.Name),
		log.String("role", self.Role.String()),
	)
	return t
}

func (t *Topology) Self() *Node { return t.self }

// RegisterNode adds a peer or refreshes a known one. A node registered again
// after going inactive is reactivated with the new connection.
func (t *Topology) RegisterNode(name string, conn *transport.Connection, addr string, role Role, id uuid.UUID, hw protocol.HardwareProfile) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == t.self.ID {
		t.logger.Warn("Ignoring registration of own id", log.String("name", name))
		return t.self
	}

	n, known := t.nodes[id]
	if !known {
		n = &Node{ID: id}
		t.nodes[id] = n
	}
	n.update(name, conn, addr, role, hw)
	n.active.Store(true)

	t.logger.Info("Registered node",
		log.String("id", id.String()),
		log.String("name", name),
		log.String("address", addr),
		log.String("role", role.String()),
		log.Bool("known", known),
	)
	t.refreshGaugeLocked()
	return n
}

// Deactivate marks a node unreachable. It stays in the topology.
func (t *Topology) Deactivate(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok || n.self {
		return
	}
	if n.active.Swap(false) {
		t.logger.Info("Node inactive", log.String("id", id.String()), log.String("name", n.Name()))
	}
	t.refreshGaugeLocked()
}

// Connect links two known nodes. Linking an already linked pair is a no-op.
func (t *Topology) Connect(a, b uuid.UUID) (Edge, error) {
	if a == b {
		return Edge{}, errors.Wrap(ErrSelfLoop, a.String())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range []uuid.UUID{a, b} {
		if _, ok := t.nodes[id]; !ok {
			return Edge{}, errors.Wrap(ErrUnknownNode, id.String())
		}
	}

	id := EdgeID(a, b)
	if e, exists := t.edges[id]; exists {
		t.logger.Warn("Edge already exists",
			log.String("a", a.String()),
			log.String("b", b.String()),
		)
		return e, nil
	}

	first, second := canonical(a, b)
	e := Edge{ID: id, A: first, B: second}
	t.edges[id] = e
	t.logger.Debug("Edge created", log.String("a", a.String()), log.String("b", b.String()))
	return e, nil
}

func (t *Topology) ConnectToSelf(other uuid.UUID) (Edge, error) {
	return t.Connect(t.self.ID, other)
}

// NeighborsOf returns the nodes one edge away from id, ordered by name.
func (t *Topology) NeighborsOf(id uuid.UUID, activeOnly bool) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var linked []*Node
	for _, e := range t.edges {
		if other, ok := e.Other(id); ok {
			linked = append(linked, t.nodes[other])
		}
	}
	out := sequence.From(linked).
		Filter(func(n *Node) bool { return !activeOnly || n.Active() }).
		Collect()
	sortNodes(out)
	return out
}

// Neighbors is NeighborsOf for the self node.
func (t *Topology) Neighbors(activeOnly bool) []*Node {
	return t.NeighborsOf(t.self.ID, activeOnly)
}

// DesignateServer marks id as the coordinator, clearing any previous one.
func (t *Topology) DesignateServer(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return errors.Wrap(ErrUnknownNode, id.String())
	}
	for _, other := range t.nodes {
		other.server.Store(false)
	}
	n.server.Store(true)
	t.logger.Info("Server designated", log.String("id", id.String()), log.String("name", n.Name()))
	return nil
}

func (t *Topology) Server() (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.nodeSeq().Filter((*Node).IsServer).First()
}

func (t *Topology) Node(id uuid.UUID) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// NodeByConnection finds the node bound to conn.
func (t *Topology) NodeByConnection(conn *transport.Connection) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.nodeSeq().Filter(func(n *Node) bool { return n.Connection() == conn }).First()
}

// Nodes returns every node including self, ordered by name.
func (t *Topology) Nodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := t.nodeSeq().Collect()
	sortNodes(out)
	return out
}

func (t *Topology) Edges() []Edge {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Edge, 0, len(t.edges))
	for _, e := range t.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// nodeSeq iterates the node table. Callers hold t.mu.
func (t *Topology) nodeSeq() *sequence.Iterator[*Node] {
	nodes := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, n)
	}
	return sequence.From(nodes)
}

func (t *Topology) refreshGaugeLocked() {
	active, inactive := t.nodeSeq().
		Filter(func(n *Node) bool { return !n.self }).
		Partition((*Node).Active)
	metrics.TopologyNodes.WithLabelValues("active").Set(float64(len(active)))
	metrics.TopologyNodes.WithLabelValues("inactive").Set(float64(len(inactive)))
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		ni, nj := nodes[i].Name(), nodes[j].Name()
		if ni != nj {
			return ni < nj
		}
		return bytes.Compare(nodes[i].ID[:], nodes[j].ID[:]) < 0
	})
}
