// Package fleet computes robust peer-group statistics (median, MAD,
// percentiles) so a miner can be judged against its cohort without assuming
// normally distributed metrics. Groups are cached in process memory and
// rebuilt every cycle.
package fleet

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/telemetry"
)

// consistencyFactor scales MAD to the standard deviation of a normal
// distribution, making robust z-scores comparable to ordinary ones.
const consistencyFactor = 1.4826

// DefaultTTL is the cache lifetime when none is configured. It matches the
// pipeline cadence: stats older than one cycle are stale.
const DefaultTTL = 300 * time.Second

// Stats is the robust summary of one metric within one peer group.
type Stats struct {
	Median float64 `json:"median"`
	MAD    float64 `json:"mad"`
	P10    float64 `json:"p10"`
	P25    float64 `json:"p25"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
	Count  int     `json:"count"`
}

// GroupStats is the cached entry for one peer group. Entries are immutable
// once computed; a rebuild replaces the whole cache.
type GroupStats struct {
	Key        string           `json:"key"`
	MinerCount int              `json:"miner_count"`
	Metrics    map[string]Stats `json:"metrics"`
	ComputedAt time.Time        `json:"computed_at"`

	// sorted raw values per metric, kept for percentile ranks.
	raw map[string][]float64
}

// Baseliner holds the peer-group cache.
type Baseliner struct {
	mu     sync.Mutex
	cache  map[string]*GroupStats
	ttl    time.Duration
	logger *zap.Logger

	// Injectable clock for TTL tests.
	now func() time.Time
}

// NewBaseliner creates a fleet baseliner with the given cache TTL.
func NewBaseliner(ttl time.Duration, logger *zap.Logger) *Baseliner {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Baseliner{
		cache:  make(map[string]*GroupStats),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// ComputeAllGroups rebuilds the cache from this cycle's feature vectors,
// grouping by the mode-aware peer key. The previous cache is discarded
// wholesale.
func (b *Baseliner) ComputeAllGroups(feats []telemetry.Features) {
	byGroup := make(map[string][]*telemetry.Features)
	for i := range feats {
		key := feats[i].GroupKey()
		byGroup[key] = append(byGroup[key], &feats[i])
	}

	now := b.now().UTC()
	next := make(map[string]*GroupStats, len(byGroup))
	for key, members := range byGroup {
		entry := &GroupStats{
			Key:        key,
			MinerCount: len(members),
			Metrics:    make(map[string]Stats, len(telemetry.MetricNames())),
			ComputedAt: now,
			raw:        make(map[string][]float64),
		}
		for _, name := range telemetry.MetricNames() {
			values := make([]float64, 0, len(members))
			for _, f := range members {
				if v, ok := f.Metric(name); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
					values = append(values, v)
				}
			}
			if len(values) == 0 {
				continue
			}
			sort.Float64s(values)
			entry.raw[name] = values
			entry.Metrics[name] = summarize(values)
		}
		next[key] = entry
	}

	b.mu.Lock()
	b.cache = next
	b.mu.Unlock()

	b.logger.Debug("fleet groups rebuilt", zap.Int("groups", len(next)))
}

// Group returns a snapshot of one cached group, or false when the group is
// unknown or its entry has outlived the TTL.
func (b *Baseliner) Group(key string) (GroupStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.cache[key]
	if !ok {
		return GroupStats{}, false
	}
	if b.now().UTC().Sub(entry.ComputedAt) > b.ttl {
		delete(b.cache, key)
		return GroupStats{}, false
	}

	snap := GroupStats{
		Key:        entry.Key,
		MinerCount: entry.MinerCount,
		Metrics:    make(map[string]Stats, len(entry.Metrics)),
		ComputedAt: entry.ComputedAt,
	}
	for name, st := range entry.Metrics {
		snap.Metrics[name] = st
	}
	return snap, true
}

// RobustZ scores a value against its group: (value - median) / (MAD * 1.4826).
// Unknown groups, expired entries, absent metrics, and zero MAD all score 0,
// so a cache miss can never fail rule evaluation.
func (b *Baseliner) RobustZ(groupKey, metric string, value float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.liveEntry(groupKey)
	if !ok {
		return 0
	}
	st, ok := entry.Metrics[metric]
	if !ok || st.MAD == 0 {
		return 0
	}
	return (value - st.Median) / (st.MAD * consistencyFactor)
}

// PeerMetrics builds the fleet comparison block stored on problem events:
// one entry per metric present on both the miner and its group. A cache miss
// yields an empty block.
func (b *Baseliner) PeerMetrics(f *telemetry.Features) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := map[string]any{}
	entry, ok := b.liveEntry(f.GroupKey())
	if !ok {
		return out
	}

	out["group_key"] = entry.Key
	out["group_size"] = entry.MinerCount
	for _, name := range telemetry.MetricNames() {
		value, ok := f.Metric(name)
		if !ok {
			continue
		}
		st, ok := entry.Metrics[name]
		if !ok {
			continue
		}
		z := 0.0
		if st.MAD != 0 {
			z = (value - st.Median) / (st.MAD * consistencyFactor)
		}
		out[name] = map[string]any{
			"value":           value,
			"group_median":    st.Median,
			"robust_z":        z,
			"percentile_rank": percentileRank(entry.raw[name], value),
			"group_p10":       st.P10,
			"group_p90":       st.P90,
		}
	}
	return out
}

// Invalidate drops one group from the cache.
func (b *Baseliner) Invalidate(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, key)
}

// InvalidateAll clears the cache.
func (b *Baseliner) InvalidateAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[string]*GroupStats)
}

// liveEntry returns the cached entry if present and fresh. Callers hold the
// mutex.
func (b *Baseliner) liveEntry(key string) (*GroupStats, bool) {
	entry, ok := b.cache[key]
	if !ok {
		return nil, false
	}
	if b.now().UTC().Sub(entry.ComputedAt) > b.ttl {
		delete(b.cache, key)
		return nil, false
	}
	return entry, true
}

// ─── Robust statistics ────────────────────────────────────────────────────────

// summarize computes the robust stats over a sorted value slice.
func summarize(sorted []float64) Stats {
	med := median(sorted)

	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - med)
	}
	sort.Float64s(deviations)

	return Stats{
		Median: med,
		MAD:    median(deviations),
		P10:    percentile(sorted, 10),
		P25:    percentile(sorted, 25),
		P75:    percentile(sorted, 75),
		P90:    percentile(sorted, 90),
		Count:  len(sorted),
	}
}

// median of a sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile interpolates linearly between the two nearest ranks of a sorted
// slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// percentileRank is the percentage of group samples at or below the value.
func percentileRank(sorted []float64, value float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	n := sort.Search(len(sorted), func(i int) bool { return sorted[i] > value })
	return float64(n) / float64(len(sorted)) * 100
}
