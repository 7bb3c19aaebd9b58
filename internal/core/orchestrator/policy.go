package orchestrator

import (
	"sync"
	"time"

	"github.com/rescoord/rescoord/pkg/sequence"
)

type entry struct {
	at     time.Duration
	action Action
	fired  bool
}

// Policy is a timeline of actions relative to the first Check. Every action
// fires at most once.
type Policy struct {
	mu      sync.Mutex
	pending *sequence.PriorityQueue[*entry]
	fired   []*entry
	start   time.Time
	started bool
}

func NewPolicy() *Policy {
	return &Policy{pending: sequence.NewPriorityQueue[*entry]()}
}

// Add schedules action at offset after the policy start. Entries with the same
// offset fire in insertion order.
func (p *Policy) Add(at time.Duration, action Action) *Policy {
	if at < 0 {
		at = 0
	}
	p.mu.Lock()
	p.pending.Enqueue(&entry{at: at, action: action}, int64(at))
	p.mu.Unlock()
	return p
}

// Check returns the actions that became due since the last call.
func (p *Policy) Check() []Action {
	return p.CheckAt(time.Now())
}

// CheckAt is Check with an explicit clock. The first call fixes the start.
func (p *Policy) CheckAt(now time.Time) []Action {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		p.start, p.started = now, true
	}
	elapsed := now.Sub(p.start)

	var due []Action
	for {
		e, at, ok := p.pending.Peek()
		if !ok || time.Duration(at) > elapsed {
			break
		}
		p.pending.Dequeue()
		if e.fired {
			continue
		}
		e.fired = true
		p.fired = append(p.fired, e)
		due = append(due, e.action)
	}
	return due
}

// Elapsed returns the time since the first Check.
func (p *Policy) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return 0
	}
	return time.Since(p.start)
}

func (p *Policy) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Len()
}

func (p *Policy) Fired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fired)
}

// Done reports whether every scheduled action has fired.
func (p *Policy) Done() bool {
	return p.Remaining() == 0
}
