package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/rescoord/rescoord/internal/core/observability/log"
)

// Sampler reads cpu and memory usage of processes and records them in a
// Store. Process handles are kept between calls so cpu percentages cover the
// interval since the previous sample.
type Sampler struct {
	store  Store
	logger log.Log

	mu    sync.Mutex
	procs map[int]*process.Process
}

func NewSampler(store Store, logger log.Log) *Sampler {
	return &Sampler{
		store:  store,
		logger: logger.With(log.String("component", "sampler")),
		procs:  make(map[int]*process.Process),
	}
}

// Sample records one reading for every pid. Pids that no longer exist are
// skipped and forgotten.
func (s *Sampler) Sample(ctx context.Context, pids ...int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	recorded := 0
	seen := make(map[int]bool, len(pids))
	for _, pid := range pids {
		seen[pid] = true

		proc, err := s.handle(ctx, pid)
		if err != nil {
			s.logger.Debug("Process gone", log.Int("pid", pid), log.Error(err))
			continue
		}

		cpu, err := proc.PercentWithContext(ctx, 0)
		if err != nil {
			s.logger.Debug("Cpu sample failed", log.Int("pid", pid), log.Error(err))
			delete(s.procs, pid)
			continue
		}
		mem, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			s.logger.Debug("Memory sample failed", log.Int("pid", pid), log.Error(err))
			delete(s.procs, pid)
			continue
		}

		if err = s.store.Record(Sample{At: now, PID: pid, CPU: cpu, Memory: float64(mem.RSS)}); err != nil {
			s.logger.Warn("Record failed", log.Int("pid", pid), log.Error(err))
			continue
		}
		recorded++
	}

	for pid := range s.procs {
		if !seen[pid] {
			delete(s.procs, pid)
		}
	}
	return recorded
}

func (s *Sampler) handle(ctx context.Context, pid int) (*process.Process, error) {
	if proc, ok := s.procs[pid]; ok {
		return proc, nil
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	s.procs[pid] = proc
	return proc, nil
}
