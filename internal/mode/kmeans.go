package mode

import "math/rand"

// kmeans is a small deterministic k-means: k-means++ seeding off the caller's
// seeded rng, Lloyd iterations with lowest-index tie-breaking, and empty
// clusters keeping their previous centroid. Determinism is a contract here:
// the same rows and seed must always produce the same assignment.
type kmeans struct {
	k       int
	maxIter int
	rng     *rand.Rand
}

func newKMeans(k int, rng *rand.Rand) *kmeans {
	return &kmeans{k: k, maxIter: 100, rng: rng}
}

// fit clusters the rows and returns per-row cluster indexes plus centroids.
// Rows must be non-empty and rectangular; k must not exceed len(rows).
func (km *kmeans) fit(rows [][]float64) (assign []int, centroids [][]float64) {
	centroids = km.seedCentroids(rows)
	assign = make([]int, len(rows))
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < km.maxIter; iter++ {
		changed := false
		for i, row := range rows {
			c := nearestCentroid(row, centroids)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		km.recomputeCentroids(rows, assign, centroids)
	}
	return assign, centroids
}

// seedCentroids implements k-means++: the first centroid is a uniformly
// random row, each later one is drawn proportionally to its squared distance
// from the nearest chosen centroid.
func (km *kmeans) seedCentroids(rows [][]float64) [][]float64 {
	centroids := make([][]float64, 0, km.k)
	first := rows[km.rng.Intn(len(rows))]
	centroids = append(centroids, cloneRow(first))

	dist2 := make([]float64, len(rows))
	for len(centroids) < km.k {
		var total float64
		for i, row := range rows {
			dist2[i] = squaredDistance(row, centroids[nearestCentroid(row, centroids)])
			total += dist2[i]
		}
		if total == 0 {
			// All remaining rows coincide with a centroid; any row works.
			centroids = append(centroids, cloneRow(rows[km.rng.Intn(len(rows))]))
			continue
		}
		target := km.rng.Float64() * total
		var cum float64
		picked := len(rows) - 1
		for i, d := range dist2 {
			cum += d
			if cum >= target {
				picked = i
				break
			}
		}
		centroids = append(centroids, cloneRow(rows[picked]))
	}
	return centroids
}

func (km *kmeans) recomputeCentroids(rows [][]float64, assign []int, centroids [][]float64) {
	dims := len(rows[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for c := range sums {
		sums[c] = make([]float64, dims)
	}
	for i, row := range rows {
		c := assign[i]
		counts[c]++
		for d, v := range row {
			sums[c][d] += v
		}
	}
	for c := range centroids {
		if counts[c] == 0 {
			continue
		}
		for d := 0; d < dims; d++ {
			centroids[c][d] = sums[c][d] / float64(counts[c])
		}
	}
}

func nearestCentroid(row []float64, centroids [][]float64) int {
	best, bestDist := 0, squaredDistance(row, centroids[0])
	for c := 1; c < len(centroids); c++ {
		if d := squaredDistance(row, centroids[c]); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func squaredDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func cloneRow(row []float64) []float64 {
	out := make([]float64, len(row))
	copy(out, row)
	return out
}
