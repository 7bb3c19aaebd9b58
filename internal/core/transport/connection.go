package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/pkg/sequence"
)

// Connection is the state of one peer socket. Buffers and the framer belong to
// the multiplexer loop; the outbound queue and the pending table are the only
// parts touched from other goroutines.
type Connection struct {
	name     string
	conn     net.Conn
	modulus  uint32
	logger   log.Log
	openedAt time.Time

	// loop-owned
	framer  *protocol.Framer
	sendBuf []byte

	outbound *sequence.Queue[[]byte]

	pendingMu sync.Mutex
	nextSeq   uint32
	pending   map[uint32]*Waiter

	notify  func()
	closing atomic.Bool
	closed  atomic.Bool
}

func newConnection(name string, conn net.Conn, cfg Config, logger log.Log, notify func()) *Connection {
	if notify == nil {
		notify = func() {}
	}
	return &Connection{
		name:     name,
		conn:     conn,
		modulus:  cfg.SequenceModulus,
		logger:   logger.With(log.String("peer", name), log.String("remote", conn.RemoteAddr().String())),
		openedAt: time.Now(),
		framer:   protocol.NewFramer(cfg.MaxContentLength),
		outbound: sequence.NewQueue[[]byte](),
		pending:  make(map[uint32]*Waiter),
		notify:   notify,
	}
}

// Name returns the local label of the peer (peer_N).
func (c *Connection) Name() string { return c.name }

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Connection) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Active reports whether the connection is still registered and not closing.
func (c *Connection) Active() bool {
	return !c.closed.Load() && !c.closing.Load()
}

// Closed reports whether the socket has been torn down.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Close asks the multiplexer to close the connection once queued output has
// been written. Safe to call more than once.
func (c *Connection) Close() {
	if c.closing.CompareAndSwap(false, true) {
		c.notify()
	}
}

// Send queues a request under the next sequence number and returns it. The
// number is allocated and the frame queued under one lock, so frames leave in
// sequence order even with concurrent senders.
func (c *Connection) Send(req protocol.Request) (uint32, error) {
	if req != nil && req.IsResponse() {
		return 0, errors.Wrap(protocol.ErrInvalidRequest, "responses are sent with Respond")
	}
	if !c.Active() {
		return 0, protocol.ErrConnectionClosed
	}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	seq, err := c.allocateLocked()
	if err != nil {
		return 0, err
	}
	return seq, c.enqueue(req, seq)
}

// Respond queues a response carrying the sequence number of the request it
// answers. The connection's own counter is left untouched.
func (c *Connection) Respond(req protocol.Request, seq uint32) error {
	if req == nil || !req.IsResponse() {
		return errors.Wrap(protocol.ErrInvalidRequest, "response flag not set")
	}
	if !c.Active() {
		return protocol.ErrConnectionClosed
	}
	return c.enqueue(req, seq)
}

// SendAndAwait sends a request and registers a waiter for its response. With
// deliver set the response is handed to the waiter; otherwise the waiter is
// only signalled and the response is still handled normally.
func (c *Connection) SendAndAwait(req protocol.Request, deliver bool) (*Waiter, error) {
	if req != nil && req.IsResponse() {
		return nil, errors.Wrap(protocol.ErrInvalidRequest, "responses are sent with Respond")
	}
	if !c.Active() {
		return nil, protocol.ErrConnectionClosed
	}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	seq, err := c.allocateLocked()
	if err != nil {
		return nil, err
	}
	w, err := c.awaitLocked(seq, deliver)
	if err != nil {
		return nil, err
	}
	if err = c.enqueue(req, seq); err != nil {
		delete(c.pending, seq)
		return nil, err
	}
	return w, nil
}

// awaitLocked registers a waiter for seq. A second waiter on the same number
// is rejected and the first one stays in place.
func (c *Connection) awaitLocked(seq uint32, deliver bool) (*Waiter, error) {
	if _, exists := c.pending[seq]; exists {
		c.logger.Error("Duplicate await", log.Uint32("sequence", seq))
		return nil, protocol.NewProtocolError(protocol.ErrorCodeDuplicateAwait, "sequence already awaited", protocol.ErrDuplicateAwait).
			WithContext("sequence", seq).
			WithContext("peer", c.name)
	}
	w := newWaiter(c, seq, deliver)
	c.pending[seq] = w
	return w, nil
}

// Resolve completes and removes the waiter registered for msg's sequence
// number. It returns false when nobody is waiting.
func (c *Connection) Resolve(msg *protocol.Message) (*Waiter, bool) {
	c.pendingMu.Lock()
	w, ok := c.pending[msg.Sequence]
	if ok {
		delete(c.pending, msg.Sequence)
	}
	c.pendingMu.Unlock()

	if !ok {
		return nil, false
	}
	w.complete(msg)
	return w, true
}

// Pending returns the number of registered waiters.
func (c *Connection) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Connection) forget(w *Waiter) {
	c.pendingMu.Lock()
	if cur, ok := c.pending[w.seq]; ok && cur == w {
		delete(c.pending, w.seq)
	}
	c.pendingMu.Unlock()
}

// allocateLocked hands out the counter value and advances it, skipping numbers
// that still have a waiter after a wrap.
func (c *Connection) allocateLocked() (uint32, error) {
	for range len(c.pending) + 1 {
		seq := c.nextSeq
		c.nextSeq = (c.nextSeq + 1) % c.modulus
		if _, busy := c.pending[seq]; !busy {
			return seq, nil
		}
	}
	return 0, protocol.NewProtocolError(protocol.ErrorCodeSequenceExhausted, "every sequence number is awaited", protocol.ErrSequenceExhausted).
		WithContext("peer", c.name)
}

func (c *Connection) enqueue(req protocol.Request, seq uint32) error {
	msg := protocol.NewMessage(req)
	msg.SetSequence(seq)
	frame, err := msg.Encode(true)
	if err != nil {
		return errors.Wrapf(err, "encode %s for %s", msg, c.name)
	}
	c.outbound.Push(frame)
	c.notify()

	c.logger.Debug("Message queued",
		log.String("message", msg.String()),
		log.Int("bytes", len(frame)),
	)
	return nil
}

func (c *Connection) hasOutput() bool {
	return len(c.sendBuf) > 0 || !c.outbound.IsEmpty()
}

// teardown closes the socket and reports whether this call did it. Only the
// loop calls it.
func (c *Connection) teardown() bool {
	if c.closed.Swap(true) {
		return false
	}
	c.closing.Store(true)
	_ = c.conn.Close()
	return true
}
