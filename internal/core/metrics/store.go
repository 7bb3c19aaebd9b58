package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rescoord/rescoord/internal/core/protocol"
)

var ErrInvalidWindow = errors.New("window must be positive")

// Sample is one resource reading of a process.
type Sample struct {
	At     time.Time
	PID    int
	CPU    float64 // percent
	Memory float64 // resident bytes
}

// Store keeps samples and answers trailing-window aggregates grouped by pid.
type Store interface {
	Record(s Sample) error
	Average(window time.Duration) ([]protocol.MetricRow, error)
}

// MemoryStore is a Store that forgets samples older than its retention.
type MemoryStore struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
	samples   map[int][]Sample
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(retention time.Duration, opts ...MemoryOption) *MemoryStore {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	s := &MemoryStore{
		retention: retention,
		now:       time.Now,
		samples:   make(map[int][]Sample),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Record(sample Sample) error {
	if sample.At.IsZero() {
		sample.At = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	series := append(s.samples[sample.PID], sample)
	cutoff := s.now().Add(-s.retention)
	drop := 0
	for drop < len(series) && series[drop].At.Before(cutoff) {
		drop++
	}
	s.samples[sample.PID] = series[drop:]
	return nil
}

// Average returns, per pid, the mean of samples taken within window of now.
// Pids without samples in the window are omitted; rows are ordered by pid.
func (s *MemoryStore) Average(window time.Duration) ([]protocol.MetricRow, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	rows := make([]protocol.MetricRow, 0, len(s.samples))
	for pid, series := range s.samples {
		var (
			row = protocol.MetricRow{PID: pid}
			cpu float64
			mem float64
		)
		for _, sample := range series {
			if sample.At.Before(cutoff) {
				continue
			}
			cpu += sample.CPU
			mem += sample.Memory
			row.Samples++
		}
		if row.Samples == 0 {
			continue
		}
		row.CPU = cpu / float64(row.Samples)
		row.Memory = mem / float64(row.Samples)
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].PID < rows[j].PID })
	return rows, nil
}
