package align

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Stage names the pipeline step a result stopped at
type Stage string

const (
	StageKeypoints       Stage = "keypoints"
	StageCorrespondences Stage = "correspondences"
	StageConsensus       Stage = "consensus"
	StageRefinement      Stage = "refinement"
	StageDone            Stage = "done"

	// StageInput marks a sample that could not be loaded or was empty
	StageInput Stage = "input"
)

// PipelineConfig holds absolute (already resolved) parameters for every stage
type PipelineConfig struct {
	VoxelSize      float64
	Normals        NormalConfig
	Keypoints      ISSConfig
	Features       ExtractorConfig
	Matching       MatchConfig
	Consensus      RANSACConfig
	Refinement     ICPConfig
	SkipRefinement bool
	SaltRatio      float64 // fraction of keypoints replaced with random points
	GTMatchRadius  float64 // radius for the ground-truth inlier ratio
	Workers        int

	// RecomputeNormals discards normals loaded with the clouds. Clouds
	// without normals always get estimated ones.
	RecomputeNormals bool
}

// DefaultPipelineConfig returns a pipeline tuned for a voxel size of 1
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		VoxelSize:     1,
		Normals:       DefaultNormalConfig(),
		Keypoints:     DefaultISSConfig(),
		Features:      DefaultExtractorConfig(),
		Consensus:     DefaultRANSACConfig(),
		Refinement:    DefaultICPConfig(),
		GTMatchRadius: 1.5,
	}
}

// Validate checks each stage and fills in worker counts
func (c *PipelineConfig) Validate() error {
	if c.Normals.Radius <= 0 {
		return fmt.Errorf("normals.radius must be positive, got %g", c.Normals.Radius)
	}
	if err := c.Keypoints.Validate(); err != nil {
		return err
	}
	if err := c.Features.Validate(); err != nil {
		return err
	}
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if !c.SkipRefinement {
		if err := c.Refinement.Validate(); err != nil {
			return err
		}
	}
	if c.SaltRatio < 0 || c.SaltRatio > 1 {
		return fmt.Errorf("salt_ratio must be in [0, 1], got %g", c.SaltRatio)
	}
	if c.Workers > 0 {
		c.Normals.Workers = c.Workers
		c.Keypoints.Workers = c.Workers
		c.Features.Workers = c.Workers
		c.Consensus.Workers = c.Workers
		c.Refinement.Workers = c.Workers
	}
	return nil
}

// RegistrationResult is the stage-tagged outcome of one registration.
// Err is nil on success; otherwise it wraps one of ErrKeypointNotFound,
// ErrInsufficientCorrespondences, ErrConsensusNoSolution or
// ErrRefinementDegenerate and Stage names where the pipeline stopped.
type RegistrationResult struct {
	Stage     Stage
	Err       error
	Transform RigidTransform // final estimate; the coarse one when refinement is skipped or degenerate

	Source, Target         *PointCloud // downsampled inputs
	KeypointsA, KeypointsB KeypointSet
	Candidates             []Correspondence
	Coarse                 *ConsensusResult
	Refined                *ICPResult

	Diff          *TransformDiff // against the reference, when given
	GTInlierRatio float64        // fraction of candidates consistent with the reference
	Elapsed       time.Duration
}

// Succeeded reports whether the pipeline produced its full estimate
func (r *RegistrationResult) Succeeded() bool { return r.Err == nil }

// HasTransform reports whether Transform holds an estimate, which includes
// the coarse fallback after degenerate refinement
func (r *RegistrationResult) HasTransform() bool {
	return r.Err == nil || errors.Is(r.Err, ErrRefinementDegenerate)
}

// Fitness returns the fitness of the stage that produced Transform
func (r *RegistrationResult) Fitness() float64 {
	if r.Refined != nil && r.Refined.Status != ICPDegenerate {
		return r.Refined.Fitness
	}
	if r.Coarse != nil {
		return r.Coarse.Fitness
	}
	return 0
}

// InlierRMSE returns the RMSE of the stage that produced Transform
func (r *RegistrationResult) InlierRMSE() float64 {
	if r.Refined != nil && r.Refined.Status != ICPDegenerate {
		return r.Refined.InlierRMSE
	}
	if r.Coarse != nil {
		return r.Coarse.InlierRMSE
	}
	return 0
}

// Registrar runs the full registration pipeline
type Registrar struct {
	cfg PipelineConfig
}

// NewRegistrar validates cfg and returns a pipeline
func NewRegistrar(cfg PipelineConfig) (*Registrar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registrar{cfg: cfg}, nil
}

func (r *Registrar) Config() PipelineConfig { return r.cfg }

// Register estimates the transform mapping a onto b. reference, when not nil,
// is the ground truth used for diagnostics only. A returned error means the
// inputs were unusable; pipeline failures are reported in the result.
func (r *Registrar) Register(ctx context.Context, a, b *PointCloud, reference *RigidTransform) (*RegistrationResult, error) {
	if a.Len() == 0 || b.Len() == 0 {
		return nil, ErrEmptyCloud
	}
	start := time.Now()
	cfg := r.cfg
	res := &RegistrationResult{Transform: Identity()}
	defer func() { res.Elapsed = time.Since(start) }()

	src := VoxelDownsample(a, cfg.VoxelSize)
	tgt := VoxelDownsample(b, cfg.VoxelSize)
	res.Source, res.Target = src, tgt
	Logf("[PIPELINE] downsampled %d -> %d and %d -> %d points (voxel=%.4f)", a.Len(), src.Len(), b.Len(), tgt.Len(), cfg.VoxelSize)

	srcIndex := NewSpatialIndex(src.Points)
	tgtIndex := NewSpatialIndex(tgt.Points)
	if cfg.RecomputeNormals || !src.HasNormals() {
		if err := EstimateNormals(ctx, src, srcIndex, cfg.Normals); err != nil {
			return nil, fmt.Errorf("source normals: %w", err)
		}
	}
	if cfg.RecomputeNormals || !tgt.HasNormals() {
		if err := EstimateNormals(ctx, tgt, tgtIndex, cfg.Normals); err != nil {
			return nil, fmt.Errorf("target normals: %w", err)
		}
	}

	var err error
	res.KeypointsA, err = DetectKeypoints(ctx, src, srcIndex, cfg.Keypoints)
	if err != nil {
		return nil, fmt.Errorf("source keypoints: %w", err)
	}
	res.KeypointsB, err = DetectKeypoints(ctx, tgt, tgtIndex, cfg.Keypoints)
	if err != nil {
		return nil, fmt.Errorf("target keypoints: %w", err)
	}
	if cfg.SaltRatio > 0 {
		rng := rand.New(rand.NewSource(cfg.Consensus.Seed))
		res.KeypointsA = SaltKeypoints(res.KeypointsA, src.Len(), cfg.SaltRatio, rng)
		res.KeypointsB = SaltKeypoints(res.KeypointsB, tgt.Len(), cfg.SaltRatio, rng)
	}
	if res.KeypointsA.Len() == 0 || res.KeypointsB.Len() == 0 {
		res.Stage = StageKeypoints
		res.Err = fmt.Errorf("%w: source=%d target=%d", ErrKeypointNotFound, res.KeypointsA.Len(), res.KeypointsB.Len())
		return res, nil
	}

	descA, err := ExtractFeatures(ctx, src, srcIndex, res.KeypointsA, cfg.Features)
	if err != nil {
		return nil, fmt.Errorf("source features: %w", err)
	}
	descB, err := ExtractFeatures(ctx, tgt, tgtIndex, res.KeypointsB, cfg.Features)
	if err != nil {
		return nil, fmt.Errorf("target features: %w", err)
	}

	res.Candidates, err = ProposeCorrespondences(descA, descB, cfg.Matching)
	if err != nil {
		return nil, fmt.Errorf("proposing correspondences: %w", err)
	}
	if reference != nil {
		res.GTInlierRatio = GroundTruthInlierRatio(src, tgt, res.Candidates, *reference, cfg.GTMatchRadius)
	}
	Logf("[PIPELINE] %d/%d keypoints, %d candidates", res.KeypointsA.Len(), res.KeypointsB.Len(), len(res.Candidates))
	if len(res.Candidates) < cfg.Consensus.NumSamples {
		res.Stage = StageCorrespondences
		res.Err = fmt.Errorf("%w: %d candidates, need %d", ErrInsufficientCorrespondences, len(res.Candidates), cfg.Consensus.NumSamples)
		return res, nil
	}

	res.Coarse, err = SolveConsensus(ctx, src, tgt, res.Candidates, cfg.Consensus)
	if err != nil {
		if errors.Is(err, ErrConsensusNoSolution) {
			res.Stage = StageConsensus
			res.Err = err
			return res, nil
		}
		return nil, fmt.Errorf("consensus: %w", err)
	}
	res.Transform = res.Coarse.Transform
	res.diagnose(reference)

	if cfg.SkipRefinement {
		res.Stage = StageDone
		return res, nil
	}

	res.Refined, err = RefineICP(ctx, src, tgt, tgtIndex, res.Coarse.Transform, cfg.Refinement)
	if err != nil {
		return nil, fmt.Errorf("refinement: %w", err)
	}
	if res.Refined.Status == ICPDegenerate {
		res.Stage = StageRefinement
		res.Err = fmt.Errorf("%w after %d iterations", ErrRefinementDegenerate, res.Refined.Iterations)
		return res, nil
	}
	res.Transform = res.Refined.Transform
	res.Stage = StageDone
	res.diagnose(reference)
	return res, nil
}

func (r *RegistrationResult) diagnose(reference *RigidTransform) {
	if reference == nil {
		return
	}
	d := CompareTransforms(r.Transform, *reference)
	r.Diff = &d
}
