package align

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func bruteRadius(points []Vec3, q Vec3, r float64) []Neighbor {
	var out []Neighbor
	for i, p := range points {
		d := p.Sub(q)
		if d2 := d.Dot(d); d2 <= r*r {
			out = append(out, Neighbor{Index: i, Dist2: d2})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dist2 != out[j].Dist2 {
			return out[i].Dist2 < out[j].Dist2
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func TestSpatialIndex_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	points := randomPoints(rng, 500, 1)
	index := NewSpatialIndex(points)
	approx := cmpopts.EquateApprox(0, 1e-12)

	for i := 0; i < 25; i++ {
		q := Vec3{rng.Float64(), rng.Float64(), rng.Float64()}

		want := bruteRadius(points, q, 0.15)
		got := index.RadiusPoint(q, 0.15, 0)
		if diff := cmp.Diff(want, got, approx, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("radius query %d mismatch (-want +got):\n%s", i, diff)
		}

		all := bruteRadius(points, q, 10)
		nb, ok := index.NearestPoint(q)
		if !ok || nb.Index != all[0].Index {
			t.Errorf("nearest query %d = %+v, want index %d", i, nb, all[0].Index)
		}

		knn := index.KNearest(q[:], 5)
		if diff := cmp.Diff(all[:5], knn, approx); diff != "" {
			t.Errorf("knn query %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestSpatialIndex_MaxNN(t *testing.T) {
	points := []Vec3{{0, 0, 0}, {0.1, 0, 0}, {0.2, 0, 0}, {0.3, 0, 0}}
	index := NewSpatialIndex(points)
	got := index.RadiusPoint(Vec3{}, 1, 2)
	if len(got) != 2 || got[0].Index != 0 || got[1].Index != 1 {
		t.Errorf("RadiusPoint with maxNN=2 = %+v", got)
	}
}

func TestSpatialIndex_Empty(t *testing.T) {
	index := NewSpatialIndex(nil)
	if _, ok := index.NearestPoint(Vec3{}); ok {
		t.Error("Nearest on empty index should report no hit")
	}
	if got := index.RadiusPoint(Vec3{}, 1, 0); len(got) != 0 {
		t.Errorf("Radius on empty index = %v", got)
	}
	if got := index.KNearest([]float64{0, 0, 0}, 3); len(got) != 0 {
		t.Errorf("KNearest on empty index = %v", got)
	}
}

func TestVectorIndex_HighDimension(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	vecs := make([][]float64, 200)
	for i := range vecs {
		vecs[i] = make([]float64, FPFHDim)
		for j := range vecs[i] {
			vecs[i][j] = rng.Float64()
		}
	}
	index := NewVectorIndex(vecs)
	for i := 0; i < 10; i++ {
		nb, ok := index.Nearest(vecs[i*7])
		if !ok || nb.Index != i*7 || nb.Dist2 != 0 {
			t.Errorf("self query %d = %+v", i*7, nb)
		}
	}
}
