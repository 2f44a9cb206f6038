package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sceneFixture() *RegistrationResult {
	src := NewPointCloud([]Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}})
	move := Translation(Vec3{0, 0, 1})
	tgt := src.Transformed(move)
	return &RegistrationResult{
		Source:     src,
		Target:     tgt,
		Transform:  move,
		KeypointsA: KeypointSet{Indices: []int{0, 2}, Saliency: []float64{1, 1}},
		KeypointsB: KeypointSet{Indices: []int{1}, Saliency: []float64{1}},
		Candidates: []Correspondence{{A: 0, B: 0}, {A: 2, B: 2}, {A: 0, B: 1}},
		Coarse:     &ConsensusResult{Transform: move, Inliers: []Correspondence{{A: 0, B: 0}, {A: 2, B: 2}}},
	}
}

func TestNewRegistrationScene(t *testing.T) {
	res := sceneFixture()
	s := NewRegistrationScene(res, ViewOptions{})

	require.Len(t, s.Points, 6)
	assert.Equal(t, Vec3{1, 0, 1}, s.Points[1], "source is moved by the estimate")
	assert.Equal(t, res.Target.Points[0], s.Points[3])

	want := []Color{ColorKeypoint, ColorSource, ColorKeypoint, ColorTarget, ColorKeypoint, ColorTarget}
	assert.Equal(t, want, s.Colors)

	require.Len(t, s.Edges, 2, "only consensus inliers are drawn")
	assert.Equal(t, Edge{A: 0, B: 3, Color: ColorMatch}, s.Edges[0])
	assert.Equal(t, Edge{A: 2, B: 5, Color: ColorMatch}, s.Edges[1])
}

func TestNewRegistrationScene_ColoursByReference(t *testing.T) {
	res := sceneFixture()
	ref := res.Transform
	s := NewRegistrationScene(res, ViewOptions{Reference: &ref, CorrectRadius: 0.1, AllCandidates: true})

	require.Len(t, s.Edges, 3)
	assert.Equal(t, ColorCorrect, s.Edges[0].Color)
	assert.Equal(t, ColorCorrect, s.Edges[1].Color)
	assert.Equal(t, ColorWrong, s.Edges[2].Color)
}

func TestNewRegistrationScene_Empty(t *testing.T) {
	assert.Equal(t, &Scene{}, NewRegistrationScene(nil, ViewOptions{}))
	assert.Equal(t, &Scene{}, NewRegistrationScene(&RegistrationResult{}, ViewOptions{}))
}

func TestSceneFromCloud(t *testing.T) {
	c := NewPointCloud([]Vec3{{1, 2, 3}, {4, 5, 6}})
	s := SceneFromCloud(c, ColorTarget)
	assert.Equal(t, []Color{ColorTarget, ColorTarget}, s.Colors)
	assert.Empty(t, s.Edges)

	c.Colors = []Color{{1, 1, 1}, {2, 2, 2}}
	s = SceneFromCloud(c, ColorTarget)
	assert.Equal(t, c.Colors, s.Colors)

	s.Points[0] = Vec3{}
	assert.Equal(t, Vec3{1, 2, 3}, c.Points[0], "scene owns its points")
}
