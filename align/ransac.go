package align

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// maxSampleAttempts bounds resampling when a trial keeps drawing degenerate samples
const maxSampleAttempts = 8

// RANSACConfig holds parameters for correspondence-based consensus
type RANSACConfig struct {
	NumSamples           int     // correspondences per hypothesis, >= 3
	MaxCorrDist          float64 // inlier residual threshold
	NumIter              int     // hypotheses to try
	NumValid             int     // validation subset size per hypothesis (0 = all candidates)
	NumRefine            int     // refit rounds on the full inlier set
	MaxMNNDistRatio      float64 // descriptor ratio bound (0 disables)
	NormalAngleThreshold float64 // degrees (0 disables)
	EdgeLengthRatio      float64 // sample pruning on pairwise lengths (0 disables)
	MinInliers           int     // inlier floor; 0 means NumSamples
	Seed                 int64
	Workers              int
}

// DefaultRANSACConfig returns consensus settings for a voxel size of 1
func DefaultRANSACConfig() RANSACConfig {
	return RANSACConfig{
		NumSamples:      8,
		MaxCorrDist:     1.5,
		NumIter:         7500,
		NumValid:        750,
		NumRefine:       25,
		MaxMNNDistRatio: 0,
		Seed:            1,
	}
}

func (c RANSACConfig) Validate() error {
	if c.NumSamples < 3 {
		return fmt.Errorf("ransac.num_samples must be >= 3, got %d", c.NumSamples)
	}
	if c.MaxCorrDist <= 0 {
		return fmt.Errorf("ransac.max_corrdist must be positive, got %g", c.MaxCorrDist)
	}
	if c.NumIter < 1 {
		return fmt.Errorf("ransac.num_iter must be >= 1, got %d", c.NumIter)
	}
	if c.NumValid < 0 || c.NumRefine < 0 || c.MinInliers < 0 {
		return fmt.Errorf("ransac.num_valid, num_refine and min_inliers must be >= 0")
	}
	if c.EdgeLengthRatio < 0 || c.EdgeLengthRatio >= 1 {
		return fmt.Errorf("ransac.edge_length_ratio must be in [0, 1), got %g", c.EdgeLengthRatio)
	}
	return nil
}

func (c RANSACConfig) minInliers() int {
	if c.MinInliers > 0 {
		return c.MinInliers
	}
	return c.NumSamples
}

// ConsensusResult is the outcome of SolveConsensus
type ConsensusResult struct {
	Transform     RigidTransform
	Inliers       []Correspondence
	Fitness       float64 // |inliers| / |candidates|
	InlierRMSE    float64
	Trials        int
	ValidTrials   int // trials that produced a hypothesis
	BestTrial     int
	RefineHistory []int // inlier count after the initial evaluation and each accepted round
}

type hypothesis struct {
	t        RigidTransform
	count    int
	residual float64 // mean residual over counted inliers
	trial    int
	ok       bool
}

// better orders hypotheses by inlier count, then mean residual, then trial
// index. The trial index makes the merge independent of partitioning.
func (h hypothesis) better(o hypothesis) bool {
	if !o.ok {
		return h.ok
	}
	if !h.ok {
		return false
	}
	if h.count != o.count {
		return h.count > o.count
	}
	if h.residual != o.residual {
		return h.residual < o.residual
	}
	return h.trial < o.trial
}

// SolveConsensus estimates the rigid transform best supported by the
// candidate correspondences. Trials run in parallel partitions, each trial
// with its own generator derived from cfg.Seed, so the result does not depend
// on the worker count.
func SolveConsensus(ctx context.Context, src, tgt *PointCloud, candidates []Correspondence, cfg RANSACConfig) (*ConsensusResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(candidates)
	if n < cfg.NumSamples {
		return nil, fmt.Errorf("%w: %d candidates for sample size %d", ErrConsensusNoSolution, n, cfg.NumSamples)
	}

	checker := newInlierChecker(src, tgt, cfg)

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	parts := min(workers, cfg.NumIter)
	size := (cfg.NumIter + parts - 1) / parts
	bests := make([]hypothesis, parts)
	valid := make([]int, parts)

	group, groupCtx := errgroup.WithContext(ctx)
	for p := 0; p < parts; p++ {
		lo, hi := p*size, min((p+1)*size, cfg.NumIter)
		group.Go(func() error {
			best, ok, err := runTrials(groupCtx, src, tgt, candidates, checker, cfg, lo, hi)
			bests[p] = best
			valid[p] = ok
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var best hypothesis
	validTrials := 0
	for p := range bests {
		if bests[p].better(best) {
			best = bests[p]
		}
		validTrials += valid[p]
	}
	if !best.ok {
		return nil, fmt.Errorf("%w: no trial produced a non-degenerate hypothesis", ErrConsensusNoSolution)
	}

	res := refineConsensus(src, tgt, candidates, checker, best.t, cfg.NumRefine)
	res.Trials = cfg.NumIter
	res.ValidTrials = validTrials
	res.BestTrial = best.trial

	Logf("[RANSAC] best trial %d: %d/%d inliers on validation, %d/%d after refinement (%d rounds)",
		best.trial, best.count, min(n, validationSize(n, cfg.NumValid)), len(res.Inliers), n, len(res.RefineHistory)-1)

	if len(res.Inliers) < cfg.minInliers() {
		return nil, fmt.Errorf("%w: best hypothesis has %d inliers, need %d", ErrConsensusNoSolution, len(res.Inliers), cfg.minInliers())
	}
	return res, nil
}

func validationSize(n, numValid int) int {
	if numValid <= 0 || numValid >= n {
		return n
	}
	return numValid
}

// runTrials evaluates trials [lo, hi) and returns the local best
func runTrials(ctx context.Context, src, tgt *PointCloud, candidates []Correspondence, checker *inlierChecker, cfg RANSACConfig, lo, hi int) (hypothesis, int, error) {
	n := len(candidates)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	k := cfg.NumSamples
	sample := make([]int, k)
	swaps := make([]int, max(k, cfg.NumValid))
	nValid := validationSize(n, cfg.NumValid)
	validIdx := make([]int, nValid)
	srcPts := make([]Vec3, k)
	dstPts := make([]Vec3, k)
	dupEps := cfg.MaxCorrDist * 1e-6

	var best hypothesis
	produced := 0
	for trial := lo; trial < hi; trial++ {
		if (trial-lo)%64 == 0 {
			if err := ctx.Err(); err != nil {
				return best, produced, err
			}
		}
		rng := trialRNG(cfg.Seed, trial)

		found := false
		for attempt := 0; attempt < maxSampleAttempts; attempt++ {
			drawSubset(rng, perm, sample, swaps)
			for j, ci := range sample {
				srcPts[j] = src.Points[candidates[ci].A]
				dstPts[j] = tgt.Points[candidates[ci].B]
			}
			if degenerateSample(srcPts, dupEps) || degenerateSample(dstPts, dupEps) {
				continue
			}
			if cfg.EdgeLengthRatio > 0 && !edgeLengthsAgree(srcPts, dstPts, cfg.EdgeLengthRatio) {
				continue
			}
			found = true
			break
		}
		if !found {
			continue
		}

		t, err := CalculateRigidTransform(srcPts, dstPts)
		if err != nil {
			continue
		}
		produced++

		var subset []int
		if nValid == n {
			subset = perm
		} else {
			drawSubset(rng, perm, validIdx, swaps)
			subset = validIdx
		}
		h := hypothesis{t: t, trial: trial, ok: true}
		var sum float64
		for _, ci := range subset {
			if res, ok := checker.check(t, candidates[ci]); ok {
				h.count++
				sum += res
			}
		}
		if h.count > 0 {
			h.residual = sum / float64(h.count)
		}
		if h.better(best) {
			best = h
		}
	}
	return best, produced, nil
}

// refineConsensus re-fits on the inlier set of the full candidate pool.
// A round is accepted only when it keeps at least as many inliers, so the
// recorded history never decreases.
func refineConsensus(src, tgt *PointCloud, candidates []Correspondence, checker *inlierChecker, t RigidTransform, rounds int) *ConsensusResult {
	inliers, sq := evaluateAll(candidates, checker, t)
	history := []int{len(inliers)}
	for r := 0; r < rounds && len(inliers) >= 3; r++ {
		srcPts := make([]Vec3, len(inliers))
		dstPts := make([]Vec3, len(inliers))
		for i, ci := range inliers {
			srcPts[i] = src.Points[candidates[ci].A]
			dstPts[i] = tgt.Points[candidates[ci].B]
		}
		next, err := CalculateRigidTransform(srcPts, dstPts)
		if err != nil {
			break
		}
		nextInliers, nextSq := evaluateAll(candidates, checker, next)
		if len(nextInliers) < len(inliers) {
			break
		}
		same := equalInts(inliers, nextInliers)
		t, inliers, sq = next, nextInliers, nextSq
		history = append(history, len(inliers))
		if same {
			break
		}
	}

	res := &ConsensusResult{
		Transform:     t,
		Inliers:       make([]Correspondence, len(inliers)),
		Fitness:       float64(len(inliers)) / float64(len(candidates)),
		RefineHistory: history,
	}
	for i, ci := range inliers {
		res.Inliers[i] = candidates[ci]
	}
	if len(inliers) > 0 {
		res.InlierRMSE = math.Sqrt(sq / float64(len(inliers)))
	}
	return res
}

// evaluateAll returns inlier positions in candidates and their summed squared residual
func evaluateAll(candidates []Correspondence, checker *inlierChecker, t RigidTransform) ([]int, float64) {
	var idx []int
	var sq float64
	for i, c := range candidates {
		if res, ok := checker.check(t, c); ok {
			idx = append(idx, i)
			sq += res * res
		}
	}
	return idx, sq
}

// drawSubset fills dst with distinct entries of perm by a partial
// Fisher-Yates shuffle, then undoes the swaps so perm is unchanged.
func drawSubset(rng *rand.Rand, perm, dst, swaps []int) {
	n := len(perm)
	k := len(dst)
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		perm[i], perm[j] = perm[j], perm[i]
		swaps[i] = j
		dst[i] = perm[i]
	}
	for i := k - 1; i >= 0; i-- {
		j := swaps[i]
		perm[i], perm[j] = perm[j], perm[i]
	}
}

// degenerateSample rejects samples with coincident points or points that
// lie (nearly) on a line, both of which leave the rotation underdetermined.
func degenerateSample(pts []Vec3, eps float64) bool {
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			if Distance(pts[i], pts[j]) <= eps {
				return true
			}
		}
	}
	c := Centroid(pts)
	a := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		d := p.Sub(c)
		a.Set(i, 0, d[0])
		a.Set(i, 1, d[1])
		a.Set(i, 2, d[2])
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return true
	}
	s := svd.Values(nil)
	return s[0] == 0 || s[1] <= 1e-6*s[0]
}

// trialRNG derives an independent generator for one trial
func trialRNG(seed int64, trial int) *rand.Rand {
	z := uint64(seed) + uint64(trial)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return rand.New(rand.NewSource(int64(z)))
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
