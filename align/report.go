package align

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Record is the persisted diagnostics of one registered sample
type Record struct {
	RecordID        string         `json:"record_id"`
	RunID           string         `json:"run_id"`
	SampleID        string         `json:"sample_id"`
	Status          string         `json:"status"` // "ok" or "failed"
	Stage           Stage          `json:"stage"`
	Failure         string         `json:"failure,omitempty"`
	NumPointsA      int            `json:"num_points_a"`
	NumPointsB      int            `json:"num_points_b"`
	NumKeypointsA   int            `json:"num_keypoints_a"`
	NumKeypointsB   int            `json:"num_keypoints_b"`
	NumCandidates   int            `json:"num_candidates"`
	NumInliers      int            `json:"num_inliers"`
	NumGTInliers    int            `json:"num_gt_inliers"`
	GTInlierRatio   float64        `json:"gt_inlier_ratio"`
	Fitness         float64        `json:"fitness"`
	InlierRMSE      float64        `json:"inlier_rmse"`
	ICPStatus       ICPStatus      `json:"icp_status,omitempty"`
	ICPIterations   int            `json:"icp_iterations"`
	HasReference    bool           `json:"has_reference"`
	RotationDeg     float64        `json:"rotation_deg"`
	TranslationNorm float64        `json:"translation_norm"`
	Transform       RigidTransform `json:"transform"`
	ElapsedMS       int64          `json:"elapsed_ms"`
	CreatedAt       int64          `json:"created_at"`
}

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// NewRecord flattens a registration result. gtRadius is the distance under
// which a candidate counts as a ground-truth match.
func NewRecord(runID, sampleID string, res *RegistrationResult, reference *RigidTransform, gtRadius float64) *Record {
	r := &Record{
		RunID:         runID,
		SampleID:      sampleID,
		Status:        StatusOK,
		Stage:         res.Stage,
		NumPointsA:    res.Source.Len(),
		NumPointsB:    res.Target.Len(),
		NumKeypointsA: res.KeypointsA.Len(),
		NumKeypointsB: res.KeypointsB.Len(),
		NumCandidates: len(res.Candidates),
		GTInlierRatio: res.GTInlierRatio,
		Fitness:       res.Fitness(),
		InlierRMSE:    res.InlierRMSE(),
		Transform:     res.Transform,
		ElapsedMS:     res.Elapsed.Milliseconds(),
		CreatedAt:     time.Now().UnixNano(),
	}
	if res.Err != nil {
		r.Status = StatusFailed
		r.Failure = res.Err.Error()
	}
	if res.Coarse != nil {
		r.NumInliers = len(res.Coarse.Inliers)
	}
	if res.Refined != nil {
		r.ICPStatus = res.Refined.Status
		r.ICPIterations = res.Refined.Iterations
	}
	if reference != nil {
		r.HasReference = true
		if res.Source != nil && res.Target != nil {
			r.NumGTInliers = countGroundTruthInliers(res.Source, res.Target, res.Candidates, *reference, gtRadius)
		}
		d := res.Diff
		if d == nil {
			diff := CompareTransforms(res.Transform, *reference)
			d = &diff
		}
		r.RotationDeg = d.RotationDeg
		r.TranslationNorm = d.TranslationNorm
	}
	return r
}

// Registered reports whether the record meets the success thresholds
func (r *Record) Registered(s SuccessConfig) bool {
	if r.Status != StatusOK {
		return false
	}
	if !r.HasReference {
		return true
	}
	return r.RotationDeg <= s.RotationDeg && r.TranslationNorm <= s.Translation
}

// StatsLine formats the per-sample line of the stats dump
func (r *Record) StatsLine() string {
	return fmt.Sprintf("%s %d %d %.4f %.4f %.4f %s",
		r.SampleID, r.NumGTInliers, r.NumCandidates, r.GTInlierRatio, r.RotationDeg, r.TranslationNorm, r.Status)
}

// AppendStats appends the record's stats line to path
func AppendStats(path string, r *Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating stats directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening stats file: %w", err)
	}
	if _, err := fmt.Fprintln(f, r.StatsLine()); err != nil {
		f.Close()
		return fmt.Errorf("writing stats: %w", err)
	}
	return f.Close()
}

// Summary aggregates the records of one run
type Summary struct {
	RunID           string        `json:"run_id"`
	Samples         int           `json:"samples"`
	Registered      int           `json:"registered"`
	Failed          int           `json:"failed"`
	SuccessRate     float64       `json:"success_rate"`
	MeanRotationDeg float64       `json:"mean_rotation_deg"`
	StdRotationDeg  float64       `json:"std_rotation_deg"`
	MeanTranslation float64       `json:"mean_translation"`
	StdTranslation  float64       `json:"std_translation"`
	MeanGTInlier    float64       `json:"mean_gt_inlier_ratio"`
	FailuresByStage map[Stage]int `json:"failures_by_stage,omitempty"`
}

// Summarize computes success rate and error statistics. Error statistics
// cover records that have a reference and produced a transform.
func Summarize(runID string, records []*Record, s SuccessConfig) Summary {
	sum := Summary{RunID: runID, Samples: len(records)}
	var rot, trans, gt []float64
	for _, r := range records {
		if r.Registered(s) {
			sum.Registered++
		}
		if r.Status != StatusOK {
			sum.Failed++
			if sum.FailuresByStage == nil {
				sum.FailuresByStage = make(map[Stage]int)
			}
			sum.FailuresByStage[r.Stage]++
		}
		if r.HasReference {
			gt = append(gt, r.GTInlierRatio)
			if r.Status == StatusOK || r.Stage == StageRefinement {
				rot = append(rot, r.RotationDeg)
				trans = append(trans, r.TranslationNorm)
			}
		}
	}
	if sum.Samples > 0 {
		sum.SuccessRate = float64(sum.Registered) / float64(sum.Samples)
	}
	sum.MeanRotationDeg, sum.StdRotationDeg = meanStd(rot)
	sum.MeanTranslation, sum.StdTranslation = meanStd(trans)
	sum.MeanGTInlier, _ = meanStd(gt)
	return sum
}

func meanStd(x []float64) (float64, float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

// FailureStages lists the stages with failures in a stable order
func (s Summary) FailureStages() []Stage {
	stages := make([]Stage, 0, len(s.FailuresByStage))
	for st := range s.FailuresByStage {
		stages = append(stages, st)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}
