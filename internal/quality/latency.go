package quality

import (
	"math"
	"sort"
	"sync"
)

// latencyBucketBounds are the fixed upper bounds in milliseconds. The final
// bucket is open-ended.
var latencyBucketBounds = [...]float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// LatencyBucketCount includes the open-ended overflow bucket.
const LatencyBucketCount = len(latencyBucketBounds) + 1

type latencyKey struct {
	symbol   string
	provider string
}

type latencySeries struct {
	buckets [LatencyBucketCount]int64
	count   int64
	sum     float64
	sumSq   float64
	min     float64
	max     float64
}

func (s *latencySeries) record(ms float64) {
	s.buckets[bucketIndex(ms)]++
	if s.count == 0 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
	s.count++
	s.sum += ms
	s.sumSq += ms * ms
}

func bucketIndex(ms float64) int {
	for i, bound := range latencyBucketBounds {
		if ms <= bound {
			return i
		}
	}
	return LatencyBucketCount - 1
}

// LatencyStatistics summarizes one latency series, or the weighted
// recombination of all series.
type LatencyStatistics struct {
	Symbol   string  `json:"symbol,omitempty"`
	Provider string  `json:"provider,omitempty"`
	Count    int64   `json:"count"`
	MeanMs   float64 `json:"mean_ms"`
	StdevMs  float64 `json:"stdev_ms"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P90Ms    float64 `json:"p90_ms"`
	P95Ms    float64 `json:"p95_ms"`
	P99Ms    float64 `json:"p99_ms"`
}

// LatencyHistogram accumulates per-(symbol, provider) fixed-bucket latency
// histograms and answers quantile queries by linear interpolation inside a
// bucket.
type LatencyHistogram struct {
	mu     sync.Mutex
	series map[latencyKey]*latencySeries
}

// NewLatencyHistogram constructs an empty histogram set.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{series: make(map[latencyKey]*latencySeries)}
}

// RecordLatency adds one observation in milliseconds.
func (h *LatencyHistogram) RecordLatency(symbol, provider string, ms float64) {
	if ms < 0 {
		return
	}
	key := latencyKey{symbol: symbol, provider: provider}
	h.mu.Lock()
	s, ok := h.series[key]
	if !ok {
		s = &latencySeries{}
		h.series[key] = s
	}
	s.record(ms)
	h.mu.Unlock()
}

// StatisticsFor returns the statistics of one (symbol, provider) series.
func (h *LatencyHistogram) StatisticsFor(symbol, provider string) (LatencyStatistics, bool) {
	h.mu.Lock()
	s, ok := h.series[latencyKey{symbol: symbol, provider: provider}]
	if !ok {
		h.mu.Unlock()
		return LatencyStatistics{}, false
	}
	copySeries := *s
	h.mu.Unlock()
	stats := seriesStatistics(&copySeries)
	stats.Symbol = symbol
	stats.Provider = provider
	return stats, true
}

// GetStatistics recombines all series by summing buckets and moments, so the
// global quantiles reflect the whole population rather than an average of
// per-series quantiles.
func (h *LatencyHistogram) GetStatistics() LatencyStatistics {
	combined := latencySeries{}
	h.mu.Lock()
	first := true
	for _, s := range h.series {
		for i, c := range s.buckets {
			combined.buckets[i] += c
		}
		combined.count += s.count
		combined.sum += s.sum
		combined.sumSq += s.sumSq
		if s.count > 0 {
			if first || s.min < combined.min {
				combined.min = s.min
			}
			if s.max > combined.max {
				combined.max = s.max
			}
			first = false
		}
	}
	h.mu.Unlock()
	return seriesStatistics(&combined)
}

// Symbols returns the tracked (symbol, provider) pairs, sorted.
func (h *LatencyHistogram) Symbols() []string {
	h.mu.Lock()
	seen := make(map[string]struct{})
	for key := range h.series {
		seen[key.symbol] = struct{}{}
	}
	h.mu.Unlock()
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func seriesStatistics(s *latencySeries) LatencyStatistics {
	stats := LatencyStatistics{Count: s.count, MinMs: s.min, MaxMs: s.max}
	if s.count == 0 {
		return stats
	}
	n := float64(s.count)
	stats.MeanMs = s.sum / n
	if s.count > 1 {
		variance := (s.sumSq - s.sum*s.sum/n) / n
		if variance > 0 {
			stats.StdevMs = math.Sqrt(variance)
		}
	}
	stats.P50Ms = quantile(s, 0.50)
	stats.P90Ms = quantile(s, 0.90)
	stats.P95Ms = quantile(s, 0.95)
	stats.P99Ms = quantile(s, 0.99)
	return stats
}

// quantile walks the buckets to the one containing the target rank and
// interpolates linearly between the bucket's bounds. The overflow bucket has
// no upper bound; observations there report the series max.
func quantile(s *latencySeries, q float64) float64 {
	if s.count == 0 {
		return 0
	}
	rank := q * float64(s.count)
	var cumulative int64
	for i, c := range s.buckets {
		if c == 0 {
			continue
		}
		lowerRank := float64(cumulative)
		cumulative += c
		if float64(cumulative) < rank {
			continue
		}
		if i == LatencyBucketCount-1 {
			return s.max
		}
		lower := 0.0
		if i > 0 {
			lower = latencyBucketBounds[i-1]
		}
		upper := latencyBucketBounds[i]
		fraction := (rank - lowerRank) / float64(c)
		if fraction < 0 {
			fraction = 0
		} else if fraction > 1 {
			fraction = 1
		}
		return lower + fraction*(upper-lower)
	}
	return s.max
}
