package agent

import (
	"sync"
	"time"
)

// latencyBucket aggregates the generator calls that finished within one
// second.
type latencyBucket struct {
	sec      int64
	calls    int64
	failures int64
	totalMs  int64
	maxMs    int64
}

// latencyStats is a one-bucket-per-second ring covering the last window.
type latencyStats struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets []latencyBucket
}

// latencySummary is what latencyStats reports for the current window.
type latencySummary struct {
	AvgMs    int64
	MaxMs    int64
	Calls    int64
	Failures int64
}

func newLatencyStats(window time.Duration) *latencyStats {
	n := int(window / time.Second)
	if n < 1 {
		n = 1
	}
	return &latencyStats{now: time.Now, buckets: make([]latencyBucket, n)}
}

// Record adds one generator call.
func (l *latencyStats) Record(d time.Duration, failed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sec := l.now().Unix()
	b := &l.buckets[sec%int64(len(l.buckets))]
	if b.sec != sec {
		*b = latencyBucket{sec: sec}
	}
	ms := d.Milliseconds()
	b.calls++
	b.totalMs += ms
	if ms > b.maxMs {
		b.maxMs = ms
	}
	if failed {
		b.failures++
	}
}

// Summary folds every bucket still inside the window.
func (l *latencyStats) Summary() latencySummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldest := l.now().Unix() - int64(len(l.buckets)) + 1
	var s latencySummary
	var total int64
	for _, b := range l.buckets {
		if b.calls == 0 || b.sec < oldest {
			continue
		}
		s.Calls += b.calls
		s.Failures += b.failures
		total += b.totalMs
		if b.maxMs > s.MaxMs {
			s.MaxMs = b.maxMs
		}
	}
	if s.Calls > 0 {
		s.AvgMs = total / s.Calls
	}
	return s
}
