package observability

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// OperationStats summarizes the most recent samples of one control-plane
// operation.
type OperationStats struct {
	Operation   string  `json:"operation"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Operations  []OperationStats `json:"operations"`
	Indicators  map[string]int   `json:"indicators,omitempty"`
}

// targetP95 is the latency budget reported next to each operation.
var targetP95 = map[string]time.Duration{
	"spawn":        50 * time.Millisecond,
	"start_worker": 2500 * time.Millisecond,
	"remove":       500 * time.Millisecond,
	"health":       time.Second,
}

// latencyWindow keeps the last size durations per operation and a running
// count per indicator.
type latencyWindow struct {
	mu         sync.Mutex
	size       int
	samples    map[string][]time.Duration
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:       size,
		samples:    make(map[string][]time.Duration),
		indicators: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(op string, d time.Duration) {
	if op == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := append(w.samples[op], d)
	if len(s) > w.size {
		s = s[len(s)-w.size:]
	}
	w.samples[op] = s
}

func (w *latencyWindow) ObserveIndicator(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Operations:  make([]OperationStats, 0, len(w.samples)),
	}
	for _, op := range slices.Sorted(maps.Keys(w.samples)) {
		recent := w.samples[op]
		sorted := slices.Clone(recent)
		slices.Sort(sorted)
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		snap.Operations = append(snap.Operations, OperationStats{
			Operation:   op,
			Samples:     len(sorted),
			LastMS:      millis(recent[len(recent)-1]),
			AvgMS:       millis(sum / time.Duration(len(sorted))),
			P50MS:       millis(nearestRank(sorted, 50)),
			P95MS:       millis(nearestRank(sorted, 95)),
			TargetP95MS: millis(targetP95[op]),
		})
	}
	if len(w.indicators) > 0 {
		snap.Indicators = maps.Clone(w.indicators)
	}
	return snap
}

// nearestRank returns the pct-th percentile of a sorted, non-empty slice.
func nearestRank(sorted []time.Duration, pct int) time.Duration {
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
