package transport

import (
	"sync"

	"github.com/rescoord/rescoord/internal/core/protocol"
)

// Waiter is the completion cell registered for one outstanding request. It is
// written once by whoever resolves it and read by the caller that awaits it.
type Waiter struct {
	conn    *Connection
	seq     uint32
	deliver bool

	once sync.Once
	done chan struct{}
	msg  *protocol.Message
}

func newWaiter(conn *Connection, seq uint32, deliver bool) *Waiter {
	return &Waiter{
		conn:    conn,
		seq:     seq,
		deliver: deliver,
		done:    make(chan struct{}),
	}
}

func (w *Waiter) Sequence() uint32 { return w.seq }

func (w *Waiter) Connection() *Connection { return w.conn }

// Deliver reports whether the response is handed to this waiter.
func (w *Waiter) Deliver() bool { return w.deliver }

// Done is closed once the response has arrived.
func (w *Waiter) Done() <-chan struct{} { return w.done }

func (w *Waiter) Completed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Message returns the response. It is nil before completion and for waiters
// that did not ask for the payload.
func (w *Waiter) Message() *protocol.Message {
	if !w.Completed() {
		return nil
	}
	return w.msg
}

// Cancel drops the waiter from its connection's pending table.
func (w *Waiter) Cancel() {
	w.conn.forget(w)
}

func (w *Waiter) complete(msg *protocol.Message) {
	w.once.Do(func() {
		if w.deliver {
			w.msg = msg
		}
		close(w.done)
	})
}

// AllCompleted reports whether every waiter has completed.
func AllCompleted(waiters ...*Waiter) bool {
	for _, w := range waiters {
		if w == nil || !w.Completed() {
			return false
		}
	}
	return true
}
