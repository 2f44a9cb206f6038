package align

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ICPMethod selects the error metric minimised by each ICP step
type ICPMethod string

const (
	PointToPoint ICPMethod = "point_to_point"
	PointToPlane ICPMethod = "point_to_plane"
)

// ICPStatus is the terminal state of a refinement run
type ICPStatus string

const (
	ICPConverged      ICPStatus = "converged"
	ICPMaxIterReached ICPStatus = "max_iter_reached"
	ICPDegenerate     ICPStatus = "degenerate"
)

// ICPConfig holds configuration for the ICP algorithm.
// Distances are in the units of the input clouds.
type ICPConfig struct {
	Method            ICPMethod
	MaxCorrDist       float64 // Maximum distance for point correspondence
	MaxIterations     int     // Maximum number of iterations
	Tolerance         float64 // Stop when RMSE improvement is below this
	OutlierPercentile float64 // Keep only this fraction of closest pairs (0 or 1 = keep all)
	Normals           NormalConfig
	Workers           int
}

// DefaultICPConfig returns refinement settings for a voxel size of 1
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		Method:        PointToPlane,
		MaxCorrDist:   1.5,
		MaxIterations: 30,
		Tolerance:     1e-6,
		Normals:       DefaultNormalConfig(),
	}
}

func (c ICPConfig) Validate() error {
	switch c.Method {
	case PointToPoint, PointToPlane:
	default:
		return fmt.Errorf("unknown icp method %q", c.Method)
	}
	if c.MaxCorrDist <= 0 {
		return fmt.Errorf("icp.max_corrdist must be positive, got %g", c.MaxCorrDist)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("icp.max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("icp.tolerance must be >= 0")
	}
	if c.OutlierPercentile < 0 || c.OutlierPercentile > 1 {
		return fmt.Errorf("icp.outlier_percentile must be in [0, 1]")
	}
	return nil
}

// ICPResult contains the result of ICP alignment
type ICPResult struct {
	Transform   RigidTransform
	Status      ICPStatus
	Iterations  int
	Fitness     float64   // matched source points / source points
	InlierRMSE  float64   // RMSE of the returned transform's correspondences
	RMSEHistory []float64 // one entry per accepted iterate, non-increasing

	// Diverged is set when the loop stopped because the RMSE rose; the
	// best earlier iterate is returned.
	Diverged bool
}

type icpPair struct {
	src, dst Vec3
	normal   Vec3
	dist     float64
}

// RefineICP aligns src onto tgt starting from init. Nearest-neighbour
// searches run in parallel; iterations are sequential. An iterate that would
// raise the RMSE is discarded and the best transform so far is returned.
func RefineICP(ctx context.Context, src, tgt *PointCloud, tgtIndex *SpatialIndex, init RigidTransform, cfg ICPConfig) (*ICPResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src.Len() == 0 || tgt.Len() == 0 {
		return nil, ErrEmptyCloud
	}
	if tgtIndex == nil {
		tgtIndex = NewSpatialIndex(tgt.Points)
	}
	if cfg.Method == PointToPlane && !tgt.HasNormals() {
		nc := cfg.Normals
		nc.Workers = cfg.Workers
		if nc.Radius <= 0 {
			nc.Radius = cfg.MaxCorrDist
		}
		withN, err := withNormals(ctx, tgt, tgtIndex, nc)
		if err != nil {
			return nil, fmt.Errorf("estimating target normals: %w", err)
		}
		tgt = withN
	}

	result := &ICPResult{Transform: init, Status: ICPMaxIterReached}
	current := init
	bestRMSE := math.Inf(1)

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		pairs, err := matchICPPairs(ctx, src, tgt, tgtIndex, current, cfg)
		if err != nil {
			return nil, err
		}
		result.Iterations = iter + 1
		if len(pairs) == 0 {
			Logf("[ICP] iteration %d: no correspondences within %.4f", iter, cfg.MaxCorrDist)
			result.Status = ICPDegenerate
			break
		}

		rmse := pairRMSE(pairs)
		if rmse > bestRMSE {
			Logf("[ICP] warning: rmse rose from %.6f to %.6f at iteration %d, keeping the previous iterate", bestRMSE, rmse, iter)
			result.Status = ICPConverged
			result.Diverged = true
			break
		}
		improvement := bestRMSE - rmse
		bestRMSE = rmse
		result.Transform = current
		result.InlierRMSE = rmse
		result.Fitness = float64(len(pairs)) / float64(src.Len())
		result.RMSEHistory = append(result.RMSEHistory, rmse)
		if improvement < cfg.Tolerance {
			result.Status = ICPConverged
			break
		}

		step, ok := icpStep(pairs, cfg.Method)
		if !ok {
			result.Status = ICPConverged
			break
		}
		current = step.Compose(current).Orthonormalized()
	}

	Logf("[ICP] %s after %d iterations: rmse=%.6f fitness=%.3f", result.Status, result.Iterations, result.InlierRMSE, result.Fitness)
	return result, nil
}

// matchICPPairs pairs each transformed source point with its nearest target
// point within MaxCorrDist
func matchICPPairs(ctx context.Context, src, tgt *PointCloud, tgtIndex *SpatialIndex, t RigidTransform, cfg ICPConfig) ([]icpPair, error) {
	slots := make([]icpPair, src.Len())
	found := make([]bool, src.Len())
	maxD2 := cfg.MaxCorrDist * cfg.MaxCorrDist
	err := parallelRange(ctx, src.Len(), cfg.Workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			p := t.Apply(src.Points[i])
			nb, ok := tgtIndex.NearestPoint(p)
			if !ok || nb.Dist2 > maxD2 {
				continue
			}
			pair := icpPair{src: p, dst: tgt.Points[nb.Index], dist: math.Sqrt(nb.Dist2)}
			if tgt.HasNormals() {
				pair.normal = tgt.Normals[nb.Index]
			}
			slots[i] = pair
			found[i] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pairs := make([]icpPair, 0, len(slots))
	for i, ok := range found {
		if ok {
			pairs = append(pairs, slots[i])
		}
	}
	if p := cfg.OutlierPercentile; p > 0 && p < 1 && len(pairs) > 3 {
		sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })
		keep := max(int(float64(len(pairs))*p), 3)
		pairs = pairs[:keep]
	}
	return pairs, nil
}

func pairRMSE(pairs []icpPair) float64 {
	var sq float64
	for _, p := range pairs {
		sq += p.dist * p.dist
	}
	return math.Sqrt(sq / float64(len(pairs)))
}

// icpStep computes the incremental transform for one iteration
func icpStep(pairs []icpPair, method ICPMethod) (RigidTransform, bool) {
	if method == PointToPlane {
		if t, ok := pointToPlaneStep(pairs); ok {
			return t, true
		}
	}
	src := make([]Vec3, len(pairs))
	dst := make([]Vec3, len(pairs))
	for i, p := range pairs {
		src[i] = p.src
		dst[i] = p.dst
	}
	t, err := CalculateRigidTransform(src, dst)
	return t, err == nil
}

// pointToPlaneStep minimises sum ((R*s + t - d) . n)^2 under the small-angle
// approximation R ~ I + [w]x, giving the 6x6 normal equations
// (J^T J) x = -J^T r with J = [s x n, n] and x = (w, t).
func pointToPlaneStep(pairs []icpPair) (RigidTransform, bool) {
	if len(pairs) < 6 {
		return RigidTransform{}, false
	}
	ata := mat.NewSymDense(6, nil)
	atb := mat.NewVecDense(6, nil)
	var row [6]float64
	for _, p := range pairs {
		if p.normal == (Vec3{}) {
			continue
		}
		c := p.src.Cross(p.normal)
		row = [6]float64{c[0], c[1], c[2], p.normal[0], p.normal[1], p.normal[2]}
		r := p.src.Sub(p.dst).Dot(p.normal)
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				ata.SetSym(i, j, ata.At(i, j)+row[i]*row[j])
			}
			atb.SetVec(i, atb.AtVec(i)-row[i]*r)
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(ata) {
		return RigidTransform{}, false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, atb); err != nil {
		return RigidTransform{}, false
	}
	w := Vec3{x.AtVec(0), x.AtVec(1), x.AtVec(2)}
	step := AxisAngle(w, w.Norm())
	step.T = Vec3{x.AtVec(3), x.AtVec(4), x.AtVec(5)}
	return step, true
}
