// Package mode infers each miner's operating mode (eco, normal, perf) by
// clustering hardware cohorts on hashrate ratio, temperature, and efficiency.
// Degradation comparisons downstream are only fair within a mode: an S19 in
// eco mode at 55% of nominal hashrate is healthy, not degraded.
package mode

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
	"github.com/ArabotHXL/BTC-project-sub002/internal/telemetry"
)

const (
	// MinGroupSize is the cohort floor below which no clustering is
	// attempted and every member stays unknown.
	MinGroupSize = 5

	// Seed fixes the clustering rng. Assignments must be reproducible
	// across runs and replicas for the same input set.
	Seed = 42

	// MinConfidence floors the membership confidence so downstream
	// consumers never see a "known mode" with near-zero weight.
	MinConfidence = 0.3
)

// Assignment is one miner's inferred mode.
type Assignment struct {
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
}

// Inferer clusters miners into operating modes per hardware cohort.
type Inferer struct {
	store  store.BaselineStore
	logger *zap.Logger
	seed   int64
}

// NewInferer creates a mode inferer.
func NewInferer(st store.BaselineStore, logger *zap.Logger) *Inferer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inferer{store: st, logger: logger, seed: Seed}
}

// InferModes assigns a mode to every miner in the batch, annotates the
// feature vectors in place, and persists the assignments onto the baseline
// rows. The returned map always covers every input miner; miners the
// clustering cannot place carry mode unknown with confidence 0.
//
// A persistence failure is returned to the caller, but the in-memory
// assignments and annotations are still valid and usable for the cycle.
func (inf *Inferer) InferModes(ctx context.Context, feats []telemetry.Features, now time.Time) (map[string]Assignment, error) {
	assignments := make(map[string]Assignment, len(feats))
	for i := range feats {
		assignments[feats[i].MinerID] = Assignment{Mode: telemetry.ModeUnknown, Confidence: 0}
	}

	groups := make(map[string][]int)
	for i := range feats {
		key := feats[i].BaseGroupKey()
		groups[key] = append(groups[key], i)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		members := groups[key]
		if len(members) < MinGroupSize {
			continue
		}
		inf.clusterGroup(feats, members, assignments)
	}

	for i := range feats {
		a := assignments[feats[i].MinerID]
		feats[i].InferredMode = a.Mode
		feats[i].ModeConfidence = a.Confidence
	}
	inf.logger.Debug("mode inference complete",
		zap.Int("miners", len(feats)),
		zap.Int("cohorts", len(groups)))

	updates := make([]store.ModeUpdate, 0, len(feats))
	for i := range feats {
		a := assignments[feats[i].MinerID]
		updates = append(updates, store.ModeUpdate{
			MinerID:    feats[i].MinerID,
			Mode:       a.Mode,
			Confidence: a.Confidence,
			UpdatedAt:  now,
		})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].MinerID < updates[j].MinerID })

	if err := inf.store.SetBaselineModes(ctx, updates); err != nil {
		return assignments, fmt.Errorf("persist modes: %w", err)
	}
	return assignments, nil
}

// clusterGroup runs k-means for one hardware cohort and writes the labeled
// assignments. Members without a single valid clustering feature stay
// unknown and do not participate.
func (inf *Inferer) clusterGroup(feats []telemetry.Features, members []int, assignments map[string]Assignment) {
	type row struct {
		minerID string
		values  []float64 // hashrate_ratio, temp_max, efficiency; missing = 0
		rawHash float64
	}

	rows := make([]row, 0, len(members))
	for _, idx := range members {
		f := &feats[idx]
		values := make([]float64, 3)
		valid := 0
		if f.HashrateRatio != nil {
			values[0] = *f.HashrateRatio
			valid++
		}
		if f.TempMax != nil {
			values[1] = *f.TempMax
			valid++
		}
		if f.Efficiency != nil {
			values[2] = *f.Efficiency
			valid++
		}
		if valid == 0 {
			continue
		}
		rows = append(rows, row{minerID: f.MinerID, values: values, rawHash: values[0]})
	}

	k := len(rows) / 3
	if k > 3 {
		k = 3
	}
	if k < 2 {
		return
	}

	// Row order feeds the rng-driven seeding, so pin it.
	sort.Slice(rows, func(i, j int) bool { return rows[i].minerID < rows[j].minerID })

	matrix := make([][]float64, len(rows))
	for i, r := range rows {
		matrix[i] = r.values
	}
	standardized := standardize(matrix)

	// A fresh rng per cohort keeps one cohort's assignment independent of
	// how many other cohorts ran before it.
	km := newKMeans(k, rand.New(rand.NewSource(inf.seed)))
	assign, centroids := km.fit(standardized)

	labels := labelClusters(len(rows), assign, k, func(i int) float64 { return rows[i].rawHash })

	// Confidence falls off with distance from the centroid, relative to the
	// farthest member of the same cluster.
	dmax := make([]float64, k)
	dself := make([]float64, len(rows))
	for i := range rows {
		d := math.Sqrt(squaredDistance(standardized[i], centroids[assign[i]]))
		dself[i] = d
		if d > dmax[assign[i]] {
			dmax[assign[i]] = d
		}
	}

	for i, r := range rows {
		conf := 1.0
		if dmax[assign[i]] > 0 {
			conf = clamp(1-dself[i]/dmax[assign[i]], MinConfidence, 1.0)
		}
		assignments[r.minerID] = Assignment{Mode: labels[assign[i]], Confidence: conf}
	}
}

// labelClusters orders clusters by their mean raw hashrate ratio and names
// them: lowest eco, highest perf, middle (three clusters only) normal.
func labelClusters(n int, assign []int, k int, rawHash func(int) float64) []string {
	sums := make([]float64, k)
	counts := make([]int, k)
	for i := 0; i < n; i++ {
		sums[assign[i]] += rawHash(i)
		counts[assign[i]]++
	}

	order := make([]int, k)
	for c := range order {
		order[c] = c
	}
	sort.SliceStable(order, func(a, b int) bool {
		ma, mb := math.Inf(1), math.Inf(1)
		if counts[order[a]] > 0 {
			ma = sums[order[a]] / float64(counts[order[a]])
		}
		if counts[order[b]] > 0 {
			mb = sums[order[b]] / float64(counts[order[b]])
		}
		if ma != mb {
			return ma < mb
		}
		return order[a] < order[b]
	})

	names := []string{telemetry.ModeEco, telemetry.ModePerf}
	if k == 3 {
		names = []string{telemetry.ModeEco, telemetry.ModeNormal, telemetry.ModePerf}
	}

	labels := make([]string, k)
	for rank, cluster := range order {
		if rank < len(names) {
			labels[cluster] = names[rank]
		} else {
			labels[cluster] = telemetry.ModeUnknown
		}
	}
	return labels
}

// standardize z-scales each column; a constant column becomes all zeros.
func standardize(matrix [][]float64) [][]float64 {
	n := len(matrix)
	dims := len(matrix[0])
	mean := make([]float64, dims)
	for _, row := range matrix {
		for d, v := range row {
			mean[d] += v
		}
	}
	for d := range mean {
		mean[d] /= float64(n)
	}
	stddev := make([]float64, dims)
	for _, row := range matrix {
		for d, v := range row {
			diff := v - mean[d]
			stddev[d] += diff * diff
		}
	}
	for d := range stddev {
		stddev[d] = math.Sqrt(stddev[d] / float64(n))
	}

	out := make([][]float64, n)
	for i, row := range matrix {
		out[i] = make([]float64, dims)
		for d, v := range row {
			if stddev[d] > 0 {
				out[i][d] = (v - mean[d]) / stddev[d]
			}
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
