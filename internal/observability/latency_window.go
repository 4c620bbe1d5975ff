package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type LatencyStats struct {
	Op          string  `json:"op"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type LatencyIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Ops         []LatencyStats     `json:"ops"`
	Indicators  []LatencyIndicator `json:"indicators,omitempty"`
}

// LatencyWindow keeps a fixed ring of recent samples per operation.
type LatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	ops        map[string]*latencyBuffer
	indicators map[string]int
}

type latencyBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewLatencyWindow(maxSamples int) *LatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &LatencyWindow{
		maxSamples: maxSamples,
		ops:        make(map[string]*latencyBuffer),
		indicators: make(map[string]int),
	}
}

func (w *LatencyWindow) Observe(op string, ms float64) {
	if w == nil || op == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.ops[op]
	if !ok {
		buf = &latencyBuffer{values: make([]float64, w.maxSamples)}
		w.ops[op] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.ops))
	for op := range w.ops {
		keys = append(keys, op)
	}
	sort.Strings(keys)

	ops := make([]LatencyStats, 0, len(keys))
	for _, op := range keys {
		buf := w.ops[op]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		ops = append(ops, LatencyStats{
			Op:          op,
			Samples:     n,
			LastMS:      round2(buf.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: opTargetP95MS(op),
		})
	}

	names := make([]string, 0, len(w.indicators))
	for name, count := range w.indicators {
		if count > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	indicators := make([]LatencyIndicator, 0, len(names))
	for _, name := range names {
		indicators = append(indicators, LatencyIndicator{Name: name, Count: w.indicators[name]})
	}

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Ops:         ops,
		Indicators:  indicators,
	}
}

func (w *LatencyWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops = make(map[string]*latencyBuffer)
	w.indicators = make(map[string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Targets for the calls that sit on the operator path.
func opTargetP95MS(op string) float64 {
	switch op {
	case "update_status", "mark_missing", "save_position":
		return 250
	case "list_in_progress":
		return 500
	default:
		return 0
	}
}
