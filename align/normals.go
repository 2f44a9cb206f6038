package align

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// NormalConfig controls hybrid radius / max-NN normal estimation
type NormalConfig struct {
	Radius  float64 // neighbourhood radius
	MaxNN   int     // cap on neighbours used per point (0 = unlimited)
	Workers int
}

// DefaultNormalConfig returns the settings used for a voxel size of 1
func DefaultNormalConfig() NormalConfig {
	return NormalConfig{Radius: 2, MaxNN: 30}
}

// EstimateNormals fits a plane to each point's neighbourhood and stores the
// smallest-eigenvalue direction in cloud.Normals. Normals point away from the
// neighbourhood centroid so the result moves with the cloud under rigid
// motion; when that is ambiguous they face +Z. Points with fewer than three
// neighbours get +Z.
func EstimateNormals(ctx context.Context, cloud *PointCloud, index *SpatialIndex, cfg NormalConfig) error {
	if cloud.Len() == 0 {
		return ErrEmptyCloud
	}
	if cfg.Radius <= 0 {
		return fmt.Errorf("normal radius must be positive, got %g", cfg.Radius)
	}
	if index == nil {
		index = NewSpatialIndex(cloud.Points)
	}

	normals := make([]Vec3, cloud.Len())
	err := parallelRange(ctx, cloud.Len(), cfg.Workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			p := cloud.Points[i]
			nbrs := index.RadiusPoint(p, cfg.Radius, cfg.MaxNN)
			if len(nbrs) < 3 {
				normals[i] = Vec3{0, 0, 1}
				continue
			}
			pts := make([]Vec3, len(nbrs))
			for k, nb := range nbrs {
				pts[k] = cloud.Points[nb.Index]
			}
			c := Centroid(pts)
			var cov [3][3]float64
			for _, q := range pts {
				d := q.Sub(c)
				addOuter(&cov, d, d, 1)
			}
			_, vecs, ok := eigenSym3(cov)
			if !ok {
				normals[i] = Vec3{0, 0, 1}
				continue
			}
			normals[i] = orientNormal(vecs[0], p.Sub(c))
		}
		return nil
	})
	if err != nil {
		return err
	}
	cloud.Normals = normals
	return nil
}

// withNormals returns cloud when it already carries normals. Otherwise it
// returns a shallow copy holding freshly estimated normals; cloud itself is
// left untouched.
func withNormals(ctx context.Context, cloud *PointCloud, index *SpatialIndex, cfg NormalConfig) (*PointCloud, error) {
	if cloud.HasNormals() {
		return cloud, nil
	}
	cp := *cloud
	if err := EstimateNormals(ctx, &cp, index, cfg); err != nil {
		return nil, err
	}
	return &cp, nil
}

func orientNormal(n, offset Vec3) Vec3 {
	n = n.Normalized()
	s := n.Dot(offset)
	if s < -1e-12 || (s <= 1e-12 && n[2] < 0) {
		return n.Scale(-1)
	}
	return n
}

// addOuter accumulates w * a*b^T into m
func addOuter(m *[3][3]float64, a, b Vec3, w float64) {
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r][c] += w * a[r] * b[c]
		}
	}
}

// eigenSym3 decomposes a symmetric 3x3 matrix. Values are ascending and
// vecs[k] is the unit eigenvector for vals[k].
func eigenSym3(m [3][3]float64) (vals [3]float64, vecs [3]Vec3, ok bool) {
	sym := mat.NewSymDense(3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[0][1], m[1][1], m[1][2],
		m[0][2], m[1][2], m[2][2],
	})
	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return vals, vecs, false
	}
	v := es.Values(nil)
	var ev mat.Dense
	es.VectorsTo(&ev)
	for k := 0; k < 3; k++ {
		vals[k] = v[k]
		vecs[k] = Vec3{ev.At(0, k), ev.At(1, k), ev.At(2, k)}
	}
	return vals, vecs, true
}
