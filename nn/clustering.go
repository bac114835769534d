package nn

import (
	"math"
	"math/rand"
)

// KMeansCluster performs K-means clustering on data and always returns exactly
// k centroids.
// Initial centroids are k distinct samples when len(data) >= k, otherwise
// samples drawn with replacement. A centroid whose cluster empties keeps its
// previous value. With the same rng state the result is deterministic.
// Returns:
// - centroids: The final cluster centers
// - assignments: Cluster index for each data point
func KMeansCluster(data [][]float32, k int, maxIter int, rng *rand.Rand) (centroids [][]float32, assignments []int) {
	if len(data) == 0 || k <= 0 {
		return nil, nil
	}

	dim := len(data[0])
	centroids = make([][]float32, k)

	// 1. Initialize centroids from the data (Forgy method)
	for i, idx := range SampleIndices(len(data), k, rng) {
		centroids[i] = make([]float32, dim)
		copy(centroids[i], data[idx])
	}

	assignments = make([]int, len(data))
	for iter := 0; iter < maxIter; iter++ {
		// 2. Assign points to nearest centroid
		AssignNearest(data, centroids, assignments)

		// 3. Update centroids
		counts := make([]int, k)
		sums := make([][]float64, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, c := range assignments {
			counts[c]++
			for j, v := range data[i] {
				sums[c][j] += float64(v)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = float32(sums[c][j] / float64(counts[c]))
			}
		}
	}
	AssignNearest(data, centroids, assignments)

	return centroids, assignments
}

// SampleIndices draws k indices in [0, n): a random permutation prefix when
// n >= k, uniform draws with replacement otherwise.
func SampleIndices(n, k int, rng *rand.Rand) []int {
	if n >= k {
		return rng.Perm(n)[:k]
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = rng.Intn(n)
	}
	return idx
}

// AssignNearest writes the index of the closest centroid (squared Euclidean
// distance, lowest index on ties) for every point into assignments.
func AssignNearest(data, centroids [][]float32, assignments []int) {
	parallelFor(len(data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			assignments[i] = Nearest(data[i], centroids)
		}
	})
}

// Nearest returns the index of the centroid closest to point.
func Nearest(point []float32, centroids [][]float32) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := SquaredDistance(point, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// SquaredDistance computes the squared Euclidean distance between two vectors.
func SquaredDistance(a, b []float32) float64 {
	var sum float64
	// Handle different lengths gracefully (though typically they should match)
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return sum
}

// EuclideanDistance computes the distance between two vectors.
func EuclideanDistance(a, b []float32) float32 {
	return float32(math.Sqrt(SquaredDistance(a, b)))
}
