package router

import (
	"context"
	"time"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/observability/metrics"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/topology"
	"github.com/rescoord/rescoord/internal/core/transport"
)

const (
	outcomeWaiter   = "waiter"
	outcomeHandled  = "handled"
	outcomeUnrouted = "unrouted"
	outcomeDropped  = "dropped"
)

func (r *Router) dispatch(ctx context.Context, conn *transport.Connection, msg *protocol.Message) {
	if msg.Request == nil {
		r.logger.Debug("Dropping opaque payload",
			log.String("peer", conn.Name()),
			log.String("content_type", msg.ContentType()),
			log.Int("bytes", len(msg.Raw)),
		)
		metrics.MessagesDispatched.WithLabelValues("raw", outcomeDropped).Inc()
		return
	}
	action := msg.Request.Action()

	if msg.IsResponse() {
		w, ok := conn.Resolve(msg)
		if !ok {
			err := protocol.NewProtocolError(protocol.ErrorCodeUnroutableResponse, "no waiter for "+msg.String(), protocol.ErrUnroutableResponse)
			r.logger.Warn("Dropping response", log.String("peer", conn.Name()), log.Error(err))
			metrics.MessagesDispatched.WithLabelValues(action.String(), outcomeUnrouted).Inc()
			return
		}
		// the waiter owns a delivered response
		if w.Deliver() {
			metrics.MessagesDispatched.WithLabelValues(action.String(), outcomeWaiter).Inc()
			return
		}
	}

	outcome := outcomeHandled
	switch req := msg.Request.(type) {
	case *protocol.Handshake:
		r.handleHandshake(conn, msg.Sequence, req)
	case *protocol.MetricRequest:
		r.handleMetric(conn, msg.Sequence, req)
	case *protocol.ComponentRequest:
		if !r.handleComponent(ctx, conn, msg.Sequence, req) {
			outcome = outcomeDropped
		}
	case *protocol.Exit:
		r.handleExit(conn)
	case *protocol.Ping:
		if !req.IsResponse() {
			r.respond(conn, protocol.NewAck(), msg.Sequence)
		}
	case *protocol.Ack:
		// a signalled ping waiter, nothing left to do
	case *protocol.ErrorReport:
		r.logger.Warn("Peer reported an error",
			log.String("peer", conn.Name()),
			log.String("remote", conn.RemoteAddr().String()),
			log.String("error", req.Message),
		)
	default:
		outcome = outcomeDropped
		r.logger.Warn("Unhandled request", log.String("action", action.String()))
	}
	metrics.MessagesDispatched.WithLabelValues(action.String(), outcome).Inc()
}

func (r *Router) handleHandshake(conn *transport.Connection, seq uint32, req *protocol.Handshake) {
	self := r.topo.Self()

	// whoever accepts handshakes is the cloud side, whoever sends them starts
	// out client facing; a role assigned since then is kept
	role := topology.RoleClient
	if req.IsResponse() {
		role = topology.RoleCloud
	}
	if known, ok := r.topo.Node(req.ID); ok && known.Role() != topology.RoleUnknown {
		role = known.Role()
	}

	node := r.topo.RegisterNode(conn.Name(), conn, conn.RemoteAddr().String(), role, req.ID, *req.Hardware)
	r.bound[conn] = node.ID
	if _, err := r.topo.ConnectToSelf(node.ID); err != nil {
		r.logger.Warn("Handshake edge rejected", log.String("peer", conn.Name()), log.Error(err))
	}

	r.logger.Info("Handshake",
		log.String("peer", conn.Name()),
		log.String("id", req.ID.String()),
		log.Int("num_cpu", req.Hardware.NumCPU),
		log.String("role", role.String()),
		log.Bool("response", req.IsResponse()),
	)

	if req.IsResponse() {
		return
	}
	reply, err := protocol.NewHandshakeResponse(self.ID, self.Hardware())
	if err != nil {
		r.logger.Error("Build handshake reply", log.Error(err))
		return
	}
	r.respond(conn, reply, seq)
}

// handleClosed deactivates the node a closed connection carried, unless the
// node has reconnected on another one since.
func (r *Router) handleClosed(conn *transport.Connection) {
	id, ok := r.bound[conn]
	if !ok {
		return
	}
	delete(r.bound, conn)
	if n, known := r.topo.Node(id); known && n.Connection() == conn {
		r.topo.Deactivate(id)
	}
}

func (r *Router) handleMetric(conn *transport.Connection, seq uint32, req *protocol.MetricRequest) {
	if req.IsResponse() {
		node, ok := r.topo.NodeByConnection(conn)
		if !ok {
			r.logger.Warn("Metric response from unknown node", log.String("peer", conn.Name()))
			return
		}
		node.AppendMetrics(time.Now(), req.Rows)
		return
	}

	var rows []protocol.MetricRow
	if r.metrics != nil {
		var err error
		window := time.Duration(req.Period * float64(time.Second))
		if rows, err = r.metrics.Average(window); err != nil {
			r.logger.Warn("Metric aggregate failed", log.Float64("period", req.Period), log.Error(err))
			rows = nil
		}
	}

	reply, err := protocol.NewMetricResponse(req, rows)
	if err != nil {
		r.logger.Error("Build metric reply", log.Error(err))
		return
	}
	r.respond(conn, reply, seq)
}

func (r *Router) handleComponent(ctx context.Context, conn *transport.Connection, seq uint32, req *protocol.ComponentRequest) bool {
	if req.IsResponse() {
		r.logger.Warn("Component response without a waiting caller",
			log.String("peer", conn.Name()),
			log.Strings("components", req.Components),
		)
		return false
	}

	var results []protocol.ComponentResult
	if r.components != nil {
		results = r.components.Handle(ctx, req)
	} else {
		r.logger.Warn("No component handler, rejecting request", log.Strings("components", req.Components))
		for _, steps := range req.Actions {
			for range steps {
				results = append(results, protocol.StatusResult("UNSUPPORTED"))
			}
		}
	}

	reply, err := protocol.NewComponentResponse(req, results)
	if err != nil {
		r.logger.Error("Build component reply", log.Error(err))
		return true
	}
	r.respond(conn, reply, seq)
	return true
}

func (r *Router) handleExit(conn *transport.Connection) {
	r.logger.Info("Peer requested exit", log.String("peer", conn.Name()))
	conn.Close()
}

func (r *Router) respond(conn *transport.Connection, reply protocol.Request, seq uint32) {
	if err := conn.Respond(reply, seq); err != nil {
		r.logger.Warn("Reply failed",
			log.String("peer", conn.Name()),
			log.String("action", reply.Action().String()),
			log.Error(err),
		)
	}
}
