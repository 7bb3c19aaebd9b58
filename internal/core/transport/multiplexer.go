package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/observability/metrics"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/pkg/sequence"
)

var (
	ErrAlreadyRunning = errors.New("multiplexer is already running")
	ErrStopped        = errors.New("multiplexer has stopped")
)

// Envelope is a decoded message together with the connection it arrived on.
// A Closed envelope carries no message and is the last one for its connection.
type Envelope struct {
	Conn   *Connection
	Msg    *protocol.Message
	Closed bool
}

type eventKind uint8

const (
	eventAccept eventKind = iota
	eventAcceptFailed
	eventRead
)

// event is posted by the socket goroutines. They only block in Accept/Read and
// hand the result over; connection state is touched by the loop alone.
type event struct {
	kind eventKind
	conn *Connection
	nc   net.Conn
	data []byte
	err  error
}

// Multiplexer owns every socket read and write. Reader goroutines park in the
// runtime netpoller and report readiness through events; Run is the single
// loop that feeds framers, flushes output and closes failed connections.
type Multiplexer struct {
	cfg     Config
	logger  log.Log
	inbound *sequence.Queue[Envelope]

	events chan event
	wake   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Connection]struct{}

	nextID   atomic.Uint64
	running  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
}

func NewMultiplexer(cfg Config, logger log.Log) *Multiplexer {
	return &Multiplexer{
		cfg:     cfg.withDefaults(),
		logger:  logger.With(log.String("component", "multiplexer")),
		inbound: sequence.NewQueue[Envelope](),
		events:  make(chan event, 64),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		conns:   make(map[*Connection]struct{}),
	}
}

// Inbound is the queue of decoded messages consumed by the router.
func (m *Multiplexer) Inbound() *sequence.Queue[Envelope] {
	return m.inbound
}

// Listen opens the acceptor socket.
func (m *Multiplexer) Listen(addr string) (net.Addr, error) {
	if m.stopped.Load() {
		return nil, ErrStopped
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	m.mu.Lock()
	if m.listener != nil {
		m.mu.Unlock()
		_ = ln.Close()
		return nil, errors.Errorf("already listening on %s", m.listener.Addr())
	}
	m.listener = ln
	m.mu.Unlock()

	go m.acceptLoop(ln)

	m.logger.Info("Listening", log.String("address", ln.Addr().String()))
	return ln.Addr(), nil
}

// Dial connects to addr, retrying with a fixed back-off.
func (m *Multiplexer) Dial(ctx context.Context, addr string) (*Connection, error) {
	if m.stopped.Load() {
		return nil, ErrStopped
	}

	dialer := net.Dialer{Timeout: m.cfg.DialTimeout}
	var lastErr error
	for attempt := 1; attempt <= m.cfg.DialRetries; attempt++ {
		nc, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return m.register(nc), nil
		}
		lastErr = err

		m.logger.Warn("Dial failed",
			log.String("address", addr),
			log.Int("attempt", attempt),
			log.Int("retries", m.cfg.DialRetries),
			log.Error(err),
		)
		if attempt == m.cfg.DialRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.DialBackoff):
		}
	}
	return nil, errors.Wrapf(lastErr, "connect to %s after %d attempts", addr, m.cfg.DialRetries)
}

// Connections returns the registered connections.
func (m *Multiplexer) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Connection, 0, len(m.conns))
	for c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Stop makes Run return; it is equivalent to cancelling Run's context.
func (m *Multiplexer) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		m.notify()
	})
}

// Run services sockets until ctx is cancelled, Stop is called or no socket is
// left. All connections are closed when it returns.
func (m *Multiplexer) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.shutdown()

	var (
		retry      *time.Timer
		retryC     <-chan time.Time
		retryArmed bool
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		if ctx.Err() != nil || m.stopped.Load() {
			return nil
		}

		backlog := m.serviceWrites()
		if m.sockets() == 0 {
			m.logger.Info("No sockets left, stopping")
			return nil
		}

		// a timed out write needs another pass even if nothing else happens
		if backlog && !retryArmed {
			if retry == nil {
				retry = time.NewTimer(m.cfg.WriteSlice)
			} else {
				retry.Reset(m.cfg.WriteSlice)
			}
			retryC, retryArmed = retry.C, true
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.handle(ev)
		case <-m.wake:
		case <-retryC:
			retryC, retryArmed = nil, false
		}
	}
}

func (m *Multiplexer) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Multiplexer) sockets() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.conns)
	if m.listener != nil {
		n++
	}
	return n
}

func (m *Multiplexer) register(nc net.Conn) *Connection {
	name := fmt.Sprintf("peer_%d", m.nextID.Add(1))
	c := newConnection(name, nc, m.cfg, m.logger, m.notify)

	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	go m.readLoop(c)

	c.logger.Info("Connection registered")
	return c
}

func (m *Multiplexer) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			m.post(event{kind: eventAcceptFailed, err: err})
			return
		}
		if !m.post(event{kind: eventAccept, nc: nc}) {
			_ = nc.Close()
			return
		}
	}
}

func (m *Multiplexer) readLoop(c *Connection) {
	buf := make([]byte, m.cfg.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !m.post(event{kind: eventRead, conn: c, data: data}) {
				return
			}
		}
		if err != nil {
			m.post(event{kind: eventRead, conn: c, err: err})
			return
		}
	}
}

func (m *Multiplexer) handle(ev event) {
	switch ev.kind {
	case eventAccept:
		m.register(ev.nc)

	case eventAcceptFailed:
		m.mu.Lock()
		ln := m.listener
		m.listener = nil
		m.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
			m.logger.Error("Acceptor failed", log.Error(ev.err))
		}

	case eventRead:
		if ev.conn.Closed() {
			return
		}
		if ev.err != nil {
			if errors.Is(ev.err, io.EOF) {
				m.closeConn(ev.conn, "peer_closed", nil)
			} else {
				m.closeConn(ev.conn, "io_error", ev.err)
			}
			return
		}
		m.feed(ev.conn, ev.data)
	}
}

func (m *Multiplexer) feed(c *Connection, data []byte) {
	metrics.BytesTotal.WithLabelValues("in").Add(float64(len(data)))

	msgs, err := c.framer.Feed(data)
	for _, msg := range msgs {
		metrics.FramesTotal.WithLabelValues("in").Inc()
		m.inbound.Push(Envelope{Conn: c, Msg: msg})
	}
	if err != nil {
		metrics.ProtocolErrors.Inc()
		m.closeConn(c, "protocol_error", err)
	}
}

// serviceWrites flushes queued output and finishes pending closes. It reports
// whether some connection still holds unsent bytes.
func (m *Multiplexer) serviceWrites() bool {
	backlog := false
	for _, c := range m.Connections() {
		if c.Closed() {
			continue
		}
		if err := m.flush(c, m.cfg.WriteSlice); err != nil {
			m.closeConn(c, "io_error", err)
			continue
		}
		if c.hasOutput() {
			backlog = true
			continue
		}
		if c.closing.Load() {
			m.closeConn(c, "local", nil)
		}
	}
	return backlog
}

// flush writes as much queued output as the socket takes within slice. A
// deadline hit is transient and leaves the remainder in sendBuf.
func (m *Multiplexer) flush(c *Connection, slice time.Duration) error {
	for {
		if len(c.sendBuf) == 0 {
			frame, ok := c.outbound.TryPop()
			if !ok {
				return nil
			}
			c.sendBuf = frame
			metrics.FramesTotal.WithLabelValues("out").Inc()
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(slice))
		n, err := c.conn.Write(c.sendBuf)
		c.sendBuf = c.sendBuf[n:]
		metrics.BytesTotal.WithLabelValues("out").Add(float64(n))

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (m *Multiplexer) closeConn(c *Connection, reason string, err error) {
	m.mu.Lock()
	_, registered := m.conns[c]
	delete(m.conns, c)
	m.mu.Unlock()
	if !registered {
		return
	}

	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsClosed.WithLabelValues(reason).Inc()

	fields := []log.Field{log.String("reason", reason), log.Int("pending", c.Pending())}
	switch {
	case protocol.IsProtocolError(err):
		c.logger.Warn("Closing connection after protocol error", append(fields, log.Error(err))...)
	case err != nil:
		c.logger.Warn("Closing connection after I/O error", append(fields, log.Error(err))...)
	default:
		c.logger.Info("Connection closed", fields...)
	}

	if c.teardown() {
		m.inbound.Push(Envelope{Conn: c, Closed: true})
	}
}

func (m *Multiplexer) shutdown() {
	m.doneOnce.Do(func() { close(m.done) })
	m.stopped.Store(true)

	m.mu.Lock()
	ln := m.listener
	m.listener = nil
	m.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	for _, c := range m.Connections() {
		// best effort, e.g. an Exit queued right before cancellation
		if c.hasOutput() {
			_ = m.flush(c, m.cfg.ShutdownFlush)
		}
		m.closeConn(c, "local", nil)
	}
	m.running.Store(false)
	m.logger.Info("Multiplexer stopped")
}
