package align

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cubeSurfaceGrid samples the surface of the unit cube on a regular k x k
// lattice per face, without duplicates along shared edges.
func cubeSurfaceGrid(k int) []Vec3 {
	seen := map[[3]int]bool{}
	var pts []Vec3
	add := func(c [3]int) {
		if seen[c] {
			return
		}
		seen[c] = true
		pts = append(pts, Vec3{float64(c[0]) / float64(k), float64(c[1]) / float64(k), float64(c[2]) / float64(k)})
	}
	for a := 0; a <= k; a++ {
		for b := 0; b <= k; b++ {
			for _, side := range []int{0, k} {
				add([3]int{side, a, b})
				add([3]int{a, side, b})
				add([3]int{a, b, side})
			}
		}
	}
	return pts
}

func distanceToCubeCorner(p Vec3) float64 {
	var d Vec3
	for i := range p {
		d[i] = math.Min(p[i], 1-p[i])
	}
	return d.Norm()
}

func TestDetectKeypoints_SphereIsQuiet(t *testing.T) {
	cloud := NewPointCloud(fibonacciSphere(3000, 1))
	keys, err := DetectKeypoints(context.Background(), cloud, nil, ISSConfig{
		Radius:       0.4,
		Gamma21:      0.975,
		Gamma32:      0.975,
		MinNeighbors: 5,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, keys.Len(), cloud.Len()/100, "uniform sphere produced %d keypoints", keys.Len())
}

func TestDetectKeypoints_CubeCorners(t *testing.T) {
	cloud := NewPointCloud(cubeSurfaceGrid(16))
	keys, err := DetectKeypoints(context.Background(), cloud, nil, ISSConfig{
		Radius:       0.2,
		Gamma21:      0.975,
		Gamma32:      0.975,
		MinNeighbors: 5,
		MinSaliency:  1e-8,
		Workers:      3,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, keys.Len(), 4)
	for _, i := range keys.Indices {
		p := cloud.Points[i]
		assert.Less(t, distanceToCubeCorner(p), 0.15, "keypoint %d at %v is not near a corner", i, p)
	}
}

func TestDetectKeypoints_SortedAndSeparated(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	cloud := NewPointCloud(randomPoints(rng, 1500, 1))
	cfg := ISSConfig{Radius: 0.15, Gamma21: 0.975, Gamma32: 0.975, MinNeighbors: 5}
	keys, err := DetectKeypoints(context.Background(), cloud, nil, cfg)
	require.NoError(t, err)
	require.NotZero(t, keys.Len())
	require.Len(t, keys.Saliency, keys.Len())

	for k := 1; k < keys.Len(); k++ {
		assert.GreaterOrEqual(t, keys.Saliency[k-1], keys.Saliency[k])
	}
	// Non-maximum suppression leaves no two keypoints within the radius.
	for a := 0; a < keys.Len(); a++ {
		for b := a + 1; b < keys.Len(); b++ {
			d := Distance(cloud.Points[keys.Indices[a]], cloud.Points[keys.Indices[b]])
			assert.Greater(t, d, cfg.Radius)
		}
	}
}

func TestDetectKeypoints_WorkerIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	cloud := NewPointCloud(randomPoints(rng, 800, 1))
	cfg := ISSConfig{Radius: 0.2, Gamma21: 0.975, Gamma32: 0.975, MinNeighbors: 5, Workers: 1}
	single, err := DetectKeypoints(context.Background(), cloud, nil, cfg)
	require.NoError(t, err)
	cfg.Workers = 8
	multi, err := DetectKeypoints(context.Background(), cloud, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, single, multi)
}

func TestDetectKeypoints_EmptyAndInvalid(t *testing.T) {
	keys, err := DetectKeypoints(context.Background(), &PointCloud{}, nil, DefaultISSConfig())
	require.NoError(t, err)
	assert.Zero(t, keys.Len())

	_, err = DetectKeypoints(context.Background(), NewPointCloud([]Vec3{{0, 0, 0}}), nil, ISSConfig{Radius: 0})
	assert.Error(t, err)
}

func TestDetectKeypoints_Cancelled(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	cloud := NewPointCloud(randomPoints(rng, 500, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DetectKeypoints(ctx, cloud, nil, DefaultISSConfig())
	assert.ErrorIs(t, err, context.Canceled)
}
