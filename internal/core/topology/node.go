package topology

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/transport"
)

// Role is the place of a node in the experiment graph, independent of which
// node coordinates.
type Role int32

const (
	RoleUnknown Role = iota
	// RoleClient is client facing, e.g. a player endpoint
	RoleClient
	// RoleCloud is hardware that is not client facing
	RoleCloud
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleCloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// Component is a process started on a node through a component request.
type Component struct {
	Name      string
	PID       int
	StartedAt time.Time

	active atomic.Bool
}

func (c *Component) Active() bool { return c.active.Load() }

func (c *Component) Deactivate() { c.active.Store(false) }

// MetricSample is one metric response received from a node.
type MetricSample struct {
	At   time.Time
	Rows []protocol.MetricRow
}

// Node is a machine known to the topology, including this one.
type Node struct {
	ID uuid.UUID

	mu         sync.RWMutex
	name       string
	address    string
	role       Role
	hardware   protocol.HardwareProfile
	conn       *transport.Connection
	components []*Component
	history    []MetricSample

	self   bool
	active atomic.Bool
	server atomic.Bool
}

func (n *Node) IsSelf() bool { return n.self }

func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *Node) Address() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.address
}

func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// SetRole moves the node to another place in the graph.
func (n *Node) SetRole(role Role) {
	n.mu.Lock()
	n.role = role
	n.mu.Unlock()
}

// Active reports whether the node is reachable: not deactivated and its
// connection, if any, still open. The self node always is.
func (n *Node) Active() bool {
	if !n.active.Load() {
		return false
	}
	conn := n.Connection()
	return conn == nil || conn.Active()
}

func (n *Node) IsServer() bool { return n.server.Load() }

func (n *Node) Hardware() protocol.HardwareProfile {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hardware.Clone()
}

// Connection returns the socket bound to the node, nil for the self node.
func (n *Node) Connection() *transport.Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conn
}

// AddComponent records a process started on the node.
func (n *Node) AddComponent(name string, pid int) *Component {
	c := &Component{Name: name, PID: pid, StartedAt: time.Now()}
	c.active.Store(true)

	n.mu.Lock()
	n.components = append(n.components, c)
	n.mu.Unlock()
	return c
}

// Components returns every component ever started on the node, in start order.
func (n *Node) Components() []*Component {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*Component(nil), n.components...)
}

// DeactivateComponents marks every active component with the given name
// stopped and returns how many there were.
func (n *Node) DeactivateComponents(name string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	count := 0
	for _, c := range n.components {
		if c.Name == name && c.Active() {
			c.Deactivate()
			count++
		}
	}
	return count
}

// AppendMetrics stores a metric response in the node's history.
func (n *Node) AppendMetrics(at time.Time, rows []protocol.MetricRow) {
	n.mu.Lock()
	n.history = append(n.history, MetricSample{At: at, Rows: append([]protocol.MetricRow(nil), rows...)})
	n.mu.Unlock()
}

func (n *Node) MetricHistory() []MetricSample {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]MetricSample(nil), n.history...)
}

func (n *Node) update(name string, conn *transport.Connection, addr string, role Role, hw protocol.HardwareProfile) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.name = name
	n.address = addr
	n.role = role
	n.hardware = hw.Clone()
	n.conn = conn
}
