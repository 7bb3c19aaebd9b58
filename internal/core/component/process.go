package component

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const KindProcess = "process"

// ProcessLifecycle launches a configured command. Request arguments are
// appended as "--key value" pairs in key order.
type ProcessLifecycle struct {
	Command     []string
	Dir         string
	PairCommand []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	lastErr error
}

// NewProcessLifecycle is the Factory of the "process" kind. Recognised
// parameters: command (list, or a string split on spaces), dir and
// pair_command (same forms as command).
func NewProcessLifecycle(params map[string]any) (Lifecycle, error) {
	command, err := stringList(params["command"])
	if err != nil {
		return nil, errors.Wrap(err, "command")
	}
	if len(command) == 0 {
		return nil, errors.New("process component needs a command")
	}
	pair, err := stringList(params["pair_command"])
	if err != nil {
		return nil, errors.Wrap(err, "pair_command")
	}
	dir, _ := params["dir"].(string)

	return &ProcessLifecycle{Command: command, Dir: dir, PairCommand: pair}, nil
}

func (p *ProcessLifecycle) Start(_ context.Context, args map[string]any) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running() {
		return p.cmd.Process.Pid
	}

	argv := append(append([]string{}, p.Command[1:]...), Flags(args)...)
	cmd := exec.Command(p.Command[0], argv...)
	cmd.Dir = p.Dir
	if err := cmd.Start(); err != nil {
		p.lastErr = err
		return FailedPID
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		close(exited)
	}()

	p.cmd = cmd
	p.exited = exited
	return cmd.Process.Pid
}

func (p *ProcessLifecycle) Ready(_ context.Context, _ map[string]any) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running() {
		return StatusReady
	}
	return StatusUnready
}

func (p *ProcessLifecycle) Pair(ctx context.Context, args map[string]any) string {
	if len(p.PairCommand) == 0 {
		return StatusUnsupported
	}

	argv := append(append([]string{}, p.PairCommand[1:]...), Flags(args)...)
	cmd := exec.CommandContext(ctx, p.PairCommand[0], argv...)
	cmd.Dir = p.Dir
	if err := cmd.Run(); err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return StatusUnpaired
	}
	return StatusPaired
}

// Stop kills the running process and waits for it to be reaped.
func (p *ProcessLifecycle) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running() {
		p.mu.Unlock()
		return nil
	}
	proc, exited := p.cmd.Process, p.exited
	p.mu.Unlock()

	if err := proc.Kill(); err != nil {
		return errors.Wrapf(err, "kill pid %d", proc.Pid)
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the last launch, exit or pair error.
func (p *ProcessLifecycle) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *ProcessLifecycle) running() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Flags renders args as command line flags sorted by key.
func Flags(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, "--"+k, fmt.Sprint(args[k]))
	}
	return out
}

func stringList(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(val), nil
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list, got %T", v)
	}
}
