package metrics

import (
	"math"
	"sync"
)

// SamplingObserver thins a high-rate stream before it reaches inner. Each
// event name is sampled on its own counter and the first event of a name
// always passes, so sparse series such as per-epoch metrics are never lost.
type SamplingObserver struct {
	inner Observer
	every uint64

	mu   sync.Mutex
	seen map[string]uint64
}

// NewSamplingObserver keeps about rate of each series. A rate of zero or
// less drops everything.
func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	var every uint64
	if rate >= 1 {
		every = 1
	} else if rate > 0 {
		every = max(uint64(math.Round(1/rate)), 1)
	}
	return &SamplingObserver{inner: inner, every: every, seen: make(map[string]uint64)}
}

func (s *SamplingObserver) RecordEvent(ev Event) {
	if s.every == 0 {
		return
	}
	s.mu.Lock()
	n := s.seen[ev.Name]
	s.seen[ev.Name] = n + 1
	s.mu.Unlock()
	if n%s.every == 0 {
		s.inner.RecordEvent(ev)
	}
}

func (s *SamplingObserver) Close() error {
	if c, ok := s.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}
