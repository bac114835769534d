package nn

import (
	"math"
	"math/rand"
	"testing"
)

func TestKMeansClusterSeparatesBlobs(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var data [][]float32
	for i := 0; i < 60; i++ {
		c := float32(10 * (i % 2))
		data = append(data, []float32{c + float32(rng.NormFloat64()*0.1), -c + float32(rng.NormFloat64()*0.1)})
	}
	centroids, assignments := KMeansCluster(data, 2, 10, rand.New(rand.NewSource(1)))
	if len(centroids) != 2 || len(assignments) != 60 {
		t.Fatalf("expected 2 centroids and 60 assignments, got %d and %d", len(centroids), len(assignments))
	}
	// Points generated from the same blob share a cluster.
	for i := 2; i < 60; i++ {
		if assignments[i] != assignments[i%2] {
			t.Fatalf("point %d assigned to %d, its blob to %d", i, assignments[i], assignments[i%2])
		}
	}
	if assignments[0] == assignments[1] {
		t.Fatal("both blobs share one cluster")
	}
	for _, c := range centroids {
		blob := float64(c[0])
		if math.Abs(blob-math.Round(blob/10)*10) > 0.2 {
			t.Errorf("centroid %v is not near a blob center", c)
		}
	}
}

func TestKMeansClusterDeterministicAndPadsK(t *testing.T) {
	data := [][]float32{{1, 0}, {0, 1}}
	a, _ := KMeansCluster(data, 5, 3, rand.New(rand.NewSource(9)))
	b, _ := KMeansCluster(data, 5, 3, rand.New(rand.NewSource(9)))
	if len(a) != 5 {
		t.Fatalf("expected 5 centroids from 2 points, got %d", len(a))
	}
	for i := range a {
		if SquaredDistance(a[i], b[i]) != 0 {
			t.Fatalf("centroid %d differs between identical runs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestNearestTiesPickLowestIndex(t *testing.T) {
	centroids := [][]float32{{1, 0}, {-1, 0}, {1, 0}}
	if got := Nearest([]float32{0.9, 0}, centroids); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := Nearest([]float32{0, 0}, centroids); got != 0 {
		t.Errorf("equidistant point: expected lowest index 0, got %d", got)
	}
	if d := EuclideanDistance([]float32{3, 0}, []float32{0, 4}); d != 5 {
		t.Errorf("expected distance 5, got %f", d)
	}
}
