package align

import (
	"context"
	"fmt"
	"sort"
)

// ISSConfig controls Intrinsic Shape Signature keypoint detection
type ISSConfig struct {
	Radius       float64 // neighbourhood and non-maximum suppression radius
	Gamma21      float64 // upper bound on e2/e1
	Gamma32      float64 // upper bound on e3/e2
	MinNeighbors int     // points with fewer neighbours are never keypoints
	MinSaliency  float64 // e3 must exceed this
	Workers      int
}

// DefaultISSConfig returns detector settings for a voxel size of 1
func DefaultISSConfig() ISSConfig {
	return ISSConfig{
		Radius:       2.5,
		Gamma21:      0.975,
		Gamma32:      0.975,
		MinNeighbors: 5,
	}
}

func (c ISSConfig) Validate() error {
	if c.Radius <= 0 {
		return fmt.Errorf("keypoints.radius must be positive, got %g", c.Radius)
	}
	if c.Gamma21 <= 0 || c.Gamma32 <= 0 {
		return fmt.Errorf("keypoints.gamma21 and gamma32 must be positive")
	}
	if c.MinNeighbors < 0 {
		return fmt.Errorf("keypoints.min_neighbors must be >= 0")
	}
	return nil
}

// DetectKeypoints runs ISS over the cloud. Each point's scatter matrix is
// built about the point itself with neighbour weights 1/|N(q)|, so dense
// regions do not dominate. A candidate needs e2/e1 < Gamma21 and
// e3/e2 < Gamma32, and survives non-maximum suppression only if its e3 beats
// every other candidate within Radius (ties go to the lower index).
func DetectKeypoints(ctx context.Context, cloud *PointCloud, index *SpatialIndex, cfg ISSConfig) (KeypointSet, error) {
	if err := cfg.Validate(); err != nil {
		return KeypointSet{}, err
	}
	n := cloud.Len()
	if n == 0 {
		return KeypointSet{}, nil
	}
	if index == nil {
		index = NewSpatialIndex(cloud.Points)
	}

	// Neighbour lists exclude the point itself.
	neighbors := make([][]int, n)
	err := parallelRange(ctx, n, cfg.Workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			hits := index.RadiusPoint(cloud.Points[i], cfg.Radius, 0)
			list := make([]int, 0, len(hits))
			for _, h := range hits {
				if h.Index != i {
					list = append(list, h.Index)
				}
			}
			neighbors[i] = list
		}
		return nil
	})
	if err != nil {
		return KeypointSet{}, err
	}

	saliency := make([]float64, n)
	candidate := make([]bool, n)
	err = parallelRange(ctx, n, cfg.Workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			nbrs := neighbors[i]
			if len(nbrs) == 0 || len(nbrs) < cfg.MinNeighbors {
				continue
			}
			p := cloud.Points[i]
			var scatter [3][3]float64
			var wsum float64
			for _, j := range nbrs {
				w := 1.0 / float64(len(neighbors[j])+1)
				d := cloud.Points[j].Sub(p)
				addOuter(&scatter, d, d, w)
				wsum += w
			}
			for r := 0; r < 3; r++ {
				for c := 0; c < 3; c++ {
					scatter[r][c] /= wsum
				}
			}
			vals, _, ok := eigenSym3(scatter)
			if !ok {
				continue
			}
			e1, e2, e3 := vals[2], vals[1], vals[0]
			if e1 <= 0 || e2 <= 0 {
				continue
			}
			if e2/e1 < cfg.Gamma21 && e3/e2 < cfg.Gamma32 && e3 > cfg.MinSaliency {
				candidate[i] = true
				saliency[i] = e3
			}
		}
		return nil
	})
	if err != nil {
		return KeypointSet{}, err
	}

	var keys []int
	for i := 0; i < n; i++ {
		if !candidate[i] {
			continue
		}
		isMax := true
		for _, j := range neighbors[i] {
			if !candidate[j] {
				continue
			}
			if saliency[j] > saliency[i] || (saliency[j] == saliency[i] && j < i) {
				isMax = false
				break
			}
		}
		if isMax {
			keys = append(keys, i)
		}
	}

	out := KeypointSet{Indices: keys, Saliency: make([]float64, len(keys))}
	for k, i := range keys {
		out.Saliency[k] = saliency[i]
	}
	sort.Sort(keypointOrder(out))
	Logf("[ISS] %d candidates reduced to %d keypoints (radius=%.4f)", countTrue(candidate), len(keys), cfg.Radius)
	return out, nil
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// keypointOrder sorts a KeypointSet by descending saliency, ties by
// ascending point index
type keypointOrder KeypointSet

func (k keypointOrder) Len() int { return len(k.Indices) }

func (k keypointOrder) Less(a, b int) bool {
	if k.Saliency[a] != k.Saliency[b] {
		return k.Saliency[a] > k.Saliency[b]
	}
	return k.Indices[a] < k.Indices[b]
}

func (k keypointOrder) Swap(a, b int) {
	k.Indices[a], k.Indices[b] = k.Indices[b], k.Indices[a]
	k.Saliency[a], k.Saliency[b] = k.Saliency[b], k.Saliency[a]
}
