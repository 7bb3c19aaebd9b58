package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/pkg/sequence"
)

func pipeConnection(t *testing.T, modulus uint32) *Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	cfg := DefaultConfig()
	cfg.SequenceModulus = modulus
	return newConnection("peer_test", a, cfg, log.NewNop(), nil)
}

func queuedSequences(t *testing.T, c *Connection) []uint32 {
	t.Helper()
	var seqs []uint32
	for {
		frame, ok := c.outbound.TryPop()
		if !ok {
			return seqs
		}
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		seqs = append(seqs, msg.Header.SequenceNumber)
	}
}

func TestSequenceIncrementsAndWraps(t *testing.T) {
	c := pipeConnection(t, 4)

	for range 6 {
		_, err := c.Send(protocol.NewPing())
		require.NoError(t, err)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 0, 1}, queuedSequences(t, c))

	seq, err := c.Send(protocol.NewPing())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), seq)
}

func TestRespondKeepsSequence(t *testing.T) {
	c := pipeConnection(t, 1<<31)

	_, err := c.Send(protocol.NewPing())
	require.NoError(t, err)
	require.NoError(t, c.Respond(protocol.NewAck(), 41))
	_, err = c.Send(protocol.NewPing())
	require.NoError(t, err)

	assert.Equal(t, []uint32{0, 41, 1}, queuedSequences(t, c))
}

func TestSendRejectsWrongDirection(t *testing.T) {
	c := pipeConnection(t, 1<<31)

	_, err := c.Send(protocol.NewAck())
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)

	err = c.Respond(protocol.NewPing(), 3)
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)

	_, err = c.SendAndAwait(protocol.NewAck(), false)
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)

	assert.Empty(t, queuedSequences(t, c))
	seq, err := c.Send(protocol.NewPing())
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestAllocationSkipsAwaitedNumbers(t *testing.T) {
	c := pipeConnection(t, 4)

	w, err := c.SendAndAwait(protocol.NewPing(), false)
	require.NoError(t, err)
	require.Equal(t, uint32(0), w.Sequence())

	for range 4 {
		_, err = c.Send(protocol.NewPing())
		require.NoError(t, err)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 1}, queuedSequences(t, c))
}

func TestSequenceExhausted(t *testing.T) {
	c := pipeConnection(t, 2)

	_, err := c.SendAndAwait(protocol.NewPing(), false)
	require.NoError(t, err)
	_, err = c.SendAndAwait(protocol.NewPing(), false)
	require.NoError(t, err)

	_, err = c.Send(protocol.NewPing())
	assert.ErrorIs(t, err, protocol.ErrSequenceExhausted)
}

func TestDuplicateAwaitKeepsOriginal(t *testing.T) {
	c := pipeConnection(t, 1<<31)

	c.pendingMu.Lock()
	first, err := c.awaitLocked(5, true)
	require.NoError(t, err)
	second, err := c.awaitLocked(5, false)
	c.pendingMu.Unlock()

	assert.Nil(t, second)
	assert.ErrorIs(t, err, protocol.ErrDuplicateAwait)
	assert.Equal(t, protocol.ErrorCodeDuplicateAwait, protocol.GetErrorCode(err))
	assert.Equal(t, 1, c.Pending())

	resp := protocol.NewMessage(protocol.NewAck())
	resp.SetSequence(5)
	w, ok := c.Resolve(resp)
	require.True(t, ok)
	assert.Same(t, first, w)
	assert.True(t, first.Completed())
	assert.Same(t, resp, first.Message())
	assert.Zero(t, c.Pending())
}

func TestResolveWithoutPayload(t *testing.T) {
	c := pipeConnection(t, 1<<31)

	w, err := c.SendAndAwait(protocol.NewPing(), false)
	require.NoError(t, err)
	assert.False(t, w.Completed())
	assert.Nil(t, w.Message())

	resp := protocol.NewMessage(protocol.NewAck())
	resp.SetSequence(w.Sequence())
	_, ok := c.Resolve(resp)
	require.True(t, ok)

	assert.True(t, w.Completed())
	assert.Nil(t, w.Message())
	assert.True(t, AllCompleted(w))

	_, ok = c.Resolve(resp)
	assert.False(t, ok)
}

func TestConcurrentSendsQueueInSequenceOrder(t *testing.T) {
	c := pipeConnection(t, 1<<31)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_, err := c.Send(protocol.NewPing())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	seqs := queuedSequences(t, c)
	require.Len(t, seqs, 400)
	for i, seq := range seqs {
		assert.Equal(t, uint32(i), seq)
	}
}

func TestCancelRemovesWaiter(t *testing.T) {
	c := pipeConnection(t, 1<<31)

	w, err := c.SendAndAwait(protocol.NewPing(), true)
	require.NoError(t, err)
	require.Equal(t, 1, c.Pending())

	w.Cancel()
	assert.Zero(t, c.Pending())
	assert.False(t, AllCompleted(w, nil))
}

type harness struct {
	mux  *Multiplexer
	addr string
	done chan error
}

func startListener(t *testing.T) *harness {
	t.Helper()
	mux := NewMultiplexer(DefaultConfig(), log.NewNop())
	addr, err := mux.Listen("127.0.0.1:0")
	require.NoError(t, err)
	h := &harness{mux: mux, addr: addr.String(), done: make(chan error, 1)}
	h.run(t)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.mux.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("multiplexer did not stop")
		}
	})
}

func dialer(t *testing.T, addr string) (*harness, *Connection) {
	t.Helper()
	mux := NewMultiplexer(DefaultConfig(), log.NewNop())
	conn, err := mux.Dial(context.Background(), addr)
	require.NoError(t, err)
	h := &harness{mux: mux, done: make(chan error, 1)}
	h.run(t)
	return h, conn
}

func popEnvelope(t *testing.T, q *sequence.Queue[Envelope]) Envelope {
	t.Helper()
	var env Envelope
	require.Eventually(t, func() bool {
		var ok bool
		env, ok = q.TryPop()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return env
}

func TestRequestResponseOverLoopback(t *testing.T) {
	server := startListener(t)
	client, conn := dialer(t, server.addr)

	w, err := conn.SendAndAwait(protocol.NewPing(), true)
	require.NoError(t, err)

	in := popEnvelope(t, server.mux.Inbound())
	action, ok := in.Msg.Action()
	require.True(t, ok)
	assert.Equal(t, protocol.ActionPing, action)
	assert.Equal(t, w.Sequence(), in.Msg.Sequence)
	require.NoError(t, in.Conn.Respond(protocol.NewAck(), in.Msg.Sequence))

	reply := popEnvelope(t, client.mux.Inbound())
	assert.True(t, reply.Msg.IsResponse())
	assert.Same(t, conn, reply.Conn)

	resolved, ok := conn.Resolve(reply.Msg)
	require.True(t, ok)
	assert.Same(t, w, resolved)
	assert.Equal(t, protocol.ActionAck, w.Message().Request.Action())
}

func TestLargePayloadSurvivesPartialWrites(t *testing.T) {
	server := startListener(t)
	_, conn := dialer(t, server.addr)

	names := make([]string, 20000)
	for i := range names {
		names[i] = fmt.Sprintf("metric_%05d_%s", i, strings.Repeat("x", 40))
	}
	req, err := protocol.NewMetricRequest(1, names...)
	require.NoError(t, err)
	_, err = conn.Send(req)
	require.NoError(t, err)

	in := popEnvelope(t, server.mux.Inbound())
	got, ok := in.Msg.Request.(*protocol.MetricRequest)
	require.True(t, ok)
	assert.Equal(t, names, got.Metrics)
}

func TestProtocolErrorClosesOnlyOffender(t *testing.T) {
	server := startListener(t)

	_, good := dialer(t, server.addr)
	_, err := good.Send(protocol.NewPing())
	require.NoError(t, err)
	first := popEnvelope(t, server.mux.Inbound())

	bad, err := net.Dial("tcp", server.addr)
	require.NoError(t, err)
	defer bad.Close()

	hdr := []byte(`{"byte_order":"big","content_length":0,"content_type":"x","content_encoding":"utf-8"}`)
	frame := make([]byte, 2, 2+len(hdr))
	binary.BigEndian.PutUint16(frame, uint16(len(hdr)))
	_, err = bad.Write(append(frame, hdr...))
	require.NoError(t, err)

	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadAll(bad)
	assert.NoError(t, err, "server should close the socket")

	closed := popEnvelope(t, server.mux.Inbound())
	assert.True(t, closed.Closed)
	assert.Nil(t, closed.Msg)
	assert.NotSame(t, first.Conn, closed.Conn)
	assert.True(t, first.Conn.Active())

	_, err = good.Send(protocol.NewExit())
	require.NoError(t, err)
	second := popEnvelope(t, server.mux.Inbound())
	assert.Same(t, first.Conn, second.Conn)
}

func TestPeerClosePostsCloseEnvelopeAndStopsLoop(t *testing.T) {
	server := startListener(t)
	client, conn := dialer(t, server.addr)

	_, err := conn.Send(protocol.NewPing())
	require.NoError(t, err)
	remote := popEnvelope(t, server.mux.Inbound()).Conn

	remote.Close()

	closed := popEnvelope(t, client.mux.Inbound())
	assert.True(t, closed.Closed)
	assert.Same(t, conn, closed.Conn)
	assert.True(t, conn.Closed())

	// the dialed socket was the client's only one
	select {
	case err := <-client.done:
		assert.NoError(t, err)
		client.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("client loop still running")
	}

	_, err = conn.Send(protocol.NewPing())
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestCloseFlushesQueuedOutput(t *testing.T) {
	server := startListener(t)
	_, conn := dialer(t, server.addr)

	_, err := conn.Send(protocol.NewExit())
	require.NoError(t, err)
	conn.Close()
	conn.Close()

	in := popEnvelope(t, server.mux.Inbound())
	assert.Equal(t, protocol.ActionExit, in.Msg.Request.Action())
	require.Eventually(t, conn.Closed, 2*time.Second, 5*time.Millisecond)
}

func TestDialGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.DialRetries = 2
	cfg.DialBackoff = 10 * time.Millisecond
	mux := NewMultiplexer(cfg, log.NewNop())

	_, err = mux.Dial(context.Background(), addr)
	assert.Error(t, err)
	assert.Empty(t, mux.Connections())
}

func TestRunTwice(t *testing.T) {
	server := startListener(t)
	require.Eventually(t, server.mux.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, server.mux.Run(context.Background()), ErrAlreadyRunning)
}
