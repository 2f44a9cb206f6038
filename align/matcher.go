package align

import (
	"fmt"
	"math"
	"sort"
)

// Scorer rates a proposed correspondence; higher is more trustworthy.
// fa and fb are the two descriptors behind the pair.
type Scorer func(c Correspondence, fa, fb []float64) float64

// RatioScorer scores 1 - d_best/d_second, the distinctiveness of the match
func RatioScorer(c Correspondence, _, _ []float64) float64 {
	return 1 - c.Ratio
}

// MatchConfig controls correspondence proposal
type MatchConfig struct {
	Mutual         bool    // keep only mutual nearest neighbours
	Scorer         Scorer  // optional re-ranking
	ScoreThreshold float64 // with Scorer: drop pairs scoring below this
	TopN           int     // with Scorer: keep the best N (0 = all)
}

// ProposeCorrespondences pairs every descriptor of a with its nearest
// descriptor of b. Output is ordered by source index, or by descending score
// then source index when a Scorer is set.
func ProposeCorrespondences(a, b *DescriptorSet, cfg MatchConfig) ([]Correspondence, error) {
	if a.Len() == 0 || b.Len() == 0 {
		return nil, nil
	}
	if a.Dim != b.Dim {
		return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, a.Dim, b.Dim)
	}

	indexB := NewVectorIndex(b.Vectors)
	var indexA *SpatialIndex
	if cfg.Mutual {
		indexA = NewVectorIndex(a.Vectors)
	}

	type proposal struct {
		c      Correspondence
		ia, ib int
	}
	var props []proposal
	for ia, fa := range a.Vectors {
		hits := indexB.KNearest(fa, 2)
		if len(hits) == 0 {
			continue
		}
		best := hits[0]
		ratio := 1.0
		if len(hits) > 1 {
			second := math.Sqrt(hits[1].Dist2)
			if second > 0 {
				ratio = math.Sqrt(best.Dist2) / second
			}
		}
		if cfg.Mutual {
			back, ok := indexA.Nearest(b.Vectors[best.Index])
			if !ok || back.Index != ia {
				continue
			}
		}
		props = append(props, proposal{
			c: Correspondence{
				A:        a.Indices[ia],
				B:        b.Indices[best.Index],
				Distance: math.Sqrt(best.Dist2),
				Ratio:    ratio,
			},
			ia: ia,
			ib: best.Index,
		})
	}

	if cfg.Scorer != nil {
		kept := props[:0]
		for _, p := range props {
			p.c.Score = cfg.Scorer(p.c, a.Vectors[p.ia], b.Vectors[p.ib])
			if p.c.Score >= cfg.ScoreThreshold {
				kept = append(kept, p)
			}
		}
		props = kept
		sort.SliceStable(props, func(i, j int) bool {
			if props[i].c.Score != props[j].c.Score {
				return props[i].c.Score > props[j].c.Score
			}
			return props[i].c.A < props[j].c.A
		})
		if cfg.TopN > 0 && len(props) > cfg.TopN {
			props = props[:cfg.TopN]
		}
	} else {
		sort.SliceStable(props, func(i, j int) bool { return props[i].c.A < props[j].c.A })
	}

	out := make([]Correspondence, len(props))
	for i, p := range props {
		out[i] = p.c
	}
	return out, nil
}

// GroundTruthInlierRatio is the fraction of correspondences whose source
// point, moved by the reference transform, lands within radius of its match.
func GroundTruthInlierRatio(src, tgt *PointCloud, corrs []Correspondence, ref RigidTransform, radius float64) float64 {
	if len(corrs) == 0 {
		return 0
	}
	return float64(countGroundTruthInliers(src, tgt, corrs, ref, radius)) / float64(len(corrs))
}

func countGroundTruthInliers(src, tgt *PointCloud, corrs []Correspondence, ref RigidTransform, radius float64) int {
	n := 0
	for _, c := range corrs {
		if Distance(ref.Apply(src.Points[c.A]), tgt.Points[c.B]) < radius {
			n++
		}
	}
	return n
}
