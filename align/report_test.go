package align

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord_Success(t *testing.T) {
	res := sceneFixture()
	res.Stage = StageDone
	res.Elapsed = 1500 * time.Millisecond
	res.GTInlierRatio = 2.0 / 3
	res.Refined = &ICPResult{Status: ICPConverged, Iterations: 4, Fitness: 1, InlierRMSE: 0.001}
	ref := res.Transform

	r := NewRecord("run-1", "s-1", res, &ref, 0.1)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, StageDone, r.Stage)
	assert.Empty(t, r.Failure)
	assert.Equal(t, 3, r.NumPointsA)
	assert.Equal(t, 2, r.NumKeypointsA)
	assert.Equal(t, 1, r.NumKeypointsB)
	assert.Equal(t, 3, r.NumCandidates)
	assert.Equal(t, 2, r.NumInliers)
	assert.Equal(t, 2, r.NumGTInliers)
	assert.Equal(t, ICPConverged, r.ICPStatus)
	assert.Equal(t, 4, r.ICPIterations)
	assert.Equal(t, 1.0, r.Fitness)
	assert.True(t, r.HasReference)
	assert.InDelta(t, 0, r.RotationDeg, 1e-9)
	assert.InDelta(t, 0, r.TranslationNorm, 1e-12)
	assert.Equal(t, int64(1500), r.ElapsedMS)
	assert.NotZero(t, r.CreatedAt)
}

func TestNewRecord_Failure(t *testing.T) {
	res := &RegistrationResult{
		Stage:     StageKeypoints,
		Err:       fmt.Errorf("source: %w", ErrKeypointNotFound),
		Transform: Identity(),
		Source:    NewPointCloud([]Vec3{{0, 0, 0}}),
		Target:    NewPointCloud([]Vec3{{0, 0, 0}}),
	}
	ref := Translation(Vec3{3, 4, 0})
	r := NewRecord("run-1", "s-2", res, &ref, 0.1)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, StageKeypoints, r.Stage)
	assert.Contains(t, r.Failure, ErrKeypointNotFound.Error())
	assert.InDelta(t, 5, r.TranslationNorm, 1e-12)
	assert.False(t, r.Registered(SuccessConfig{RotationDeg: 180, Translation: 100}))

	r = NewRecord("run-1", "s-3", res, nil, 0.1)
	assert.False(t, r.HasReference)
	assert.Zero(t, r.TranslationNorm)
}

func TestRecord_Registered(t *testing.T) {
	s := SuccessConfig{RotationDeg: 5, Translation: 0.1}
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"within thresholds", Record{Status: StatusOK, HasReference: true, RotationDeg: 4, TranslationNorm: 0.05}, true},
		{"on the threshold", Record{Status: StatusOK, HasReference: true, RotationDeg: 5, TranslationNorm: 0.1}, true},
		{"rotation too large", Record{Status: StatusOK, HasReference: true, RotationDeg: 6}, false},
		{"translation too large", Record{Status: StatusOK, HasReference: true, TranslationNorm: 0.2}, false},
		{"no reference", Record{Status: StatusOK}, true},
		{"failed", Record{Status: StatusFailed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Registered(s))
		})
	}
}

func TestAppendStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "stats.txt")
	a := &Record{SampleID: "a", NumGTInliers: 3, NumCandidates: 10, GTInlierRatio: 0.3, RotationDeg: 1.23456, TranslationNorm: 0.01, Status: StatusOK}
	b := &Record{SampleID: "b", Status: StatusFailed}
	require.NoError(t, AppendStats(path, a))
	require.NoError(t, AppendStats(path, b))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		"a 3 10 0.3000 1.2346 0.0100 ok",
		"b 0 0 0.0000 0.0000 0.0000 failed",
	}, lines)
}

func TestSummarize(t *testing.T) {
	s := SuccessConfig{RotationDeg: 5, Translation: 0.1}
	records := []*Record{
		{Status: StatusOK, Stage: StageDone, HasReference: true, RotationDeg: 1, TranslationNorm: 0.02, GTInlierRatio: 0.5},
		{Status: StatusOK, Stage: StageDone, HasReference: true, RotationDeg: 3, TranslationNorm: 0.04, GTInlierRatio: 0.7},
		{Status: StatusOK, Stage: StageDone, HasReference: true, RotationDeg: 20, TranslationNorm: 1, GTInlierRatio: 0.1},
		{Status: StatusFailed, Stage: StageRefinement, HasReference: true, RotationDeg: 8, TranslationNorm: 0.3, GTInlierRatio: 0.3},
		{Status: StatusFailed, Stage: StageConsensus, HasReference: true, RotationDeg: 90, GTInlierRatio: 0},
		{Status: StatusFailed, Stage: StageConsensus},
	}
	sum := Summarize("run", records, s)

	assert.Equal(t, 6, sum.Samples)
	assert.Equal(t, 2, sum.Registered)
	assert.Equal(t, 3, sum.Failed)
	assert.InDelta(t, 1.0/3, sum.SuccessRate, 1e-12)
	assert.InDelta(t, 8, sum.MeanRotationDeg, 1e-12, "consensus failures carry no transform")
	assert.InDelta(t, 0.34, sum.MeanTranslation, 1e-12)
	assert.InDelta(t, 0.32, sum.MeanGTInlier, 1e-12)
	assert.Greater(t, sum.StdRotationDeg, 0.0)
	assert.Equal(t, map[Stage]int{StageConsensus: 2, StageRefinement: 1}, sum.FailuresByStage)
	assert.Equal(t, []Stage{StageConsensus, StageRefinement}, sum.FailureStages())
}

func TestSummarize_Empty(t *testing.T) {
	sum := Summarize("run", nil, SuccessConfig{})
	assert.Zero(t, sum.SuccessRate)
	assert.Nil(t, sum.FailuresByStage)
	assert.Empty(t, sum.FailureStages())

	one := Summarize("run", []*Record{{Status: StatusOK, HasReference: true, RotationDeg: 2}}, SuccessConfig{RotationDeg: 5})
	assert.Equal(t, 2.0, one.MeanRotationDeg)
	assert.Zero(t, one.StdRotationDeg)
}

func TestNewRecord_WrapsSentinel(t *testing.T) {
	res := &RegistrationResult{Stage: StageConsensus, Err: ErrConsensusNoSolution}
	r := NewRecord("run", "x", res, nil, 0.1)
	assert.True(t, errors.Is(res.Err, ErrConsensusNoSolution))
	assert.Equal(t, ErrConsensusNoSolution.Error(), r.Failure)
	assert.Zero(t, r.NumPointsA)
}
