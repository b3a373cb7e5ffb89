package extract

import (
	"slices"
	"sort"
	"sync"
	"time"
)

// StatsSnapshot aggregates the samples of one operation that are still
// inside the window.
type StatsSnapshot struct {
	Calls  int     `json:"calls"`
	Errors int     `json:"errors"`
	MinMs  int64   `json:"min_ms"`
	MaxMs  int64   `json:"max_ms"`
	AvgMs  float64 `json:"avg_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

type call struct {
	at     time.Time
	ms     int64
	failed bool
}

// CallStats keeps a rolling window of model call latencies per operation,
// such as "complete" or "embed". It is safe for concurrent use.
type CallStats struct {
	mu     sync.Mutex
	window time.Duration
	ops    map[string][]call
}

func NewCallStats(window time.Duration) *CallStats {
	if window <= 0 {
		window = time.Hour
	}
	return &CallStats{window: window, ops: make(map[string][]call)}
}

// Record adds one call. Negative durations count as zero.
func (s *CallStats) Record(op string, d time.Duration, err error) {
	ms := max(d.Milliseconds(), 0)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op] = append(expire(s.ops[op], now.Add(-s.window)), call{at: now, ms: ms, failed: err != nil})
}

// Snapshot returns the aggregate for every operation with live samples.
func (s *CallStats) Snapshot() map[string]StatsSnapshot {
	cutoff := time.Now().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]StatsSnapshot, len(s.ops))
	for op, calls := range s.ops {
		calls = expire(calls, cutoff)
		if len(calls) == 0 {
			delete(s.ops, op)
			continue
		}
		s.ops[op] = calls
		out[op] = summarize(calls)
	}
	return out
}

// Operations lists recorded operation names in sorted order.
func (s *CallStats) Operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, 0, len(s.ops))
	for op := range s.ops {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// expire drops calls older than cutoff. Calls are appended in time order,
// so the survivors are a suffix.
func expire(calls []call, cutoff time.Time) []call {
	i := sort.Search(len(calls), func(i int) bool { return !calls[i].at.Before(cutoff) })
	return calls[i:]
}

func summarize(calls []call) StatsSnapshot {
	values := make([]int64, len(calls))
	var sum int64
	snap := StatsSnapshot{Calls: len(calls)}
	for i, c := range calls {
		values[i] = c.ms
		sum += c.ms
		if c.failed {
			snap.Errors++
		}
	}
	slices.Sort(values)

	snap.MinMs = values[0]
	snap.MaxMs = values[len(values)-1]
	snap.AvgMs = float64(sum) / float64(len(values))
	snap.P50Ms = percentile(values, 50)
	snap.P95Ms = percentile(values, 95)
	snap.P99Ms = percentile(values, 99)
	return snap
}

// percentile interpolates linearly between the closest ranks.
func percentile(sorted []int64, pct float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case pct <= 0:
		return float64(sorted[0])
	case pct >= 100:
		return float64(sorted[len(sorted)-1])
	}
	rank := float64(len(sorted)-1) * pct / 100
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return float64(sorted[lo])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo]) + (float64(sorted[lo+1])-float64(sorted[lo]))*frac
}
