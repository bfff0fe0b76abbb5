package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a ring of recent duration samples and reports percentiles over it.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyTracker creates a tracker storing up to size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{samples: make([]time.Duration, size)}
}

// Observe records a new duration, overwriting the oldest once the ring is full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.samples[l.next] = d
	l.next++
	if l.next == len(l.samples) {
		l.next = 0
		l.full = true
	}
}

// Count returns number of samples currently held.
func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count()
}

// Percentile returns the p-th (0-100) percentile, or zero without samples.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	return l.Percentiles(p)[0]
}

// Percentiles returns one duration per requested percentile from a single sorted copy.
func (l *LatencyTracker) Percentiles(ps ...float64) []time.Duration {
	out := make([]time.Duration, len(ps))

	l.mu.RLock()
	sorted := slices.Clone(l.samples[:l.count()])
	l.mu.RUnlock()

	if len(sorted) == 0 {
		return out
	}
	slices.Sort(sorted)

	for i, p := range ps {
		switch {
		case p <= 0:
			out[i] = sorted[0]
		case p >= 100:
			out[i] = sorted[len(sorted)-1]
		default:
			out[i] = sorted[int((p/100.0)*float64(len(sorted)-1))]
		}
	}
	return out
}

func (l *LatencyTracker) count() int {
	if l.full {
		return len(l.samples)
	}
	return l.next
}
