package align

import "errors"

// Pipeline failures. Register wraps these in RegistrationResult.Err so callers
// can test them with errors.Is.
var (
	ErrKeypointNotFound            = errors.New("no keypoints detected")
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	ErrConsensusNoSolution         = errors.New("consensus found no solution")
	ErrRefinementDegenerate        = errors.New("refinement lost all correspondences")
)

var (
	ErrEmptyCloud        = errors.New("point cloud is empty")
	ErrDimensionMismatch = errors.New("descriptor dimensions differ")
	ErrDegenerateSample  = errors.New("degenerate point sample")
)
