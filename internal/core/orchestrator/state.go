package orchestrator

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrInvalidState  = errors.New("invalid experiment state transition")
	ErrSetupTimeout  = errors.New("experiment setup timed out")
	ErrSetupAborted  = errors.New("experiment setup aborted")
	ErrUnknownTarget = errors.New("unknown action target")
)

// State is the lifecycle position of an experiment.
type State int32

const (
	StateUnstarted State = iota
	StateSettingUp
	StateRunning
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateSettingUp:
		return "setting-up"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) get() State { return State(m.v.Load()) }

func (m *stateMachine) transition(from, to State) error {
	if !m.v.CompareAndSwap(int32(from), int32(to)) {
		return errors.Wrapf(ErrInvalidState, "%s -> %s while %s", from, to, m.get())
	}
	return nil
}

// end moves to Ended from any state and reports whether it was not there yet.
func (m *stateMachine) end() bool {
	return State(m.v.Swap(int32(StateEnded))) != StateEnded
}
