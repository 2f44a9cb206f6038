package align

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPoints(rng *rand.Rand, n int, scale float64) []Vec3 {
	pts := make([]Vec3, n)
	for i := range pts {
		pts[i] = Vec3{rng.Float64() * scale, rng.Float64() * scale, rng.Float64() * scale}
	}
	return pts
}

func randomRigid(rng *rand.Rand, maxTrans float64) RigidTransform {
	axis := Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	t := AxisAngle(axis, rng.Float64()*math.Pi)
	t.T = Vec3{rng.Float64()*2 - 1, rng.Float64()*2 - 1, rng.Float64()*2 - 1}.Scale(maxTrans)
	return t
}

func applyAll(t RigidTransform, pts []Vec3) []Vec3 {
	out := make([]Vec3, len(pts))
	for i, p := range pts {
		out[i] = t.Apply(p)
	}
	return out
}

func TestCalculateRigidTransform_ExactRecovery(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		want := randomRigid(rng, 5)
		src := randomPoints(rng, 10, 3)
		dst := applyAll(want, src)

		got, err := CalculateRigidTransform(src, dst)
		require.NoError(t, err)
		assert.True(t, got.ApproxEqual(want, 1e-9), "trial %d: got %+v want %+v", trial, got, want)
		assert.InDelta(t, 1.0, got.Det(), 1e-9)
	}
}

func TestCalculateRigidTransform_MinimalSample(t *testing.T) {
	src := []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	want := RotationZ(math.Pi / 3)
	want.T = Vec3{1, 2, 3}

	got, err := CalculateRigidTransform(src, applyAll(want, src))
	require.NoError(t, err)
	assert.True(t, got.ApproxEqual(want, 1e-9))
}

func TestCalculateRigidTransform_NoReflection(t *testing.T) {
	// A mirrored target has no rotation that fits it; the result must
	// still be a proper rotation.
	src := []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	dst := make([]Vec3, len(src))
	for i, p := range src {
		dst[i] = Vec3{-p[0], p[1], p[2]}
	}
	got, err := CalculateRigidTransform(src, dst)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Det(), 1e-9)
	assert.True(t, got.IsRotation(1e-9))
}

func TestCalculateRigidTransform_Errors(t *testing.T) {
	_, err := CalculateRigidTransform(nil, nil)
	assert.ErrorIs(t, err, ErrDegenerateSample)

	_, err = CalculateRigidTransform([]Vec3{{0, 0, 0}}, []Vec3{{0, 0, 0}, {1, 1, 1}})
	assert.Error(t, err)
}

func TestRigidTransform_InverseCompose(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		tr := randomRigid(rng, 10)
		assert.True(t, tr.Compose(tr.Inverse()).ApproxEqual(Identity(), 1e-9))
		assert.True(t, tr.Inverse().Compose(tr).ApproxEqual(Identity(), 1e-9))

		p := Vec3{rng.Float64(), rng.Float64(), rng.Float64()}
		back := tr.Inverse().Apply(tr.Apply(p))
		assert.InDelta(t, 0, Distance(p, back), 1e-9)
	}
}

func TestRigidTransform_ComposeOrder(t *testing.T) {
	a := RotationZ(math.Pi / 2)
	b := Translation(Vec3{1, 0, 0})
	// a.Compose(b) applies b first.
	p := a.Compose(b).Apply(Vec3{0, 0, 0})
	assert.InDelta(t, 0, p[0], 1e-12)
	assert.InDelta(t, 1, p[1], 1e-12)
}

func TestMatrix4RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	tr := randomRigid(rng, 4)
	m := tr.Matrix4()
	assert.Equal(t, 1.0, m[15])
	assert.Equal(t, [3]float64{m[12], m[13], m[14]}, [3]float64{0, 0, 0})

	back, err := FromMatrix4(m[:])
	require.NoError(t, err)
	assert.True(t, back.ApproxEqual(tr, 1e-12))
}

func TestFromMatrix4_Errors(t *testing.T) {
	tests := []struct {
		name string
		m    []float64
	}{
		{"too short", []float64{1, 0, 0}},
		{"bad last row", []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 2}},
		{"scaled rotation", []float64{2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMatrix4(tt.m)
			assert.Error(t, err)
		})
	}
}

func TestFromMatrix4_ProjectsRounding(t *testing.T) {
	m := RotationZ(0.3).Matrix4()
	m[0] += 1e-5
	got, err := FromMatrix4(m[:])
	require.NoError(t, err)
	assert.True(t, got.IsRotation(1e-9))
}

func TestRigidTransform_JSON(t *testing.T) {
	tr := AxisAngle(Vec3{1, 1, 0}, 0.4)
	tr.T = Vec3{0.5, -1, 2}
	data, err := json.Marshal(tr)
	require.NoError(t, err)

	var vals []float64
	require.NoError(t, json.Unmarshal(data, &vals))
	assert.Len(t, vals, 16)

	var back RigidTransform
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.ApproxEqual(tr, 1e-12))
}

func TestCompareTransforms(t *testing.T) {
	ref := RotationZ(math.Pi / 6)
	ref.T = Vec3{1, 0, 0}

	d := CompareTransforms(ref, ref)
	assert.InDelta(t, 0, d.RotationDeg, 1e-6)
	assert.InDelta(t, 0, d.TranslationNorm, 1e-12)

	pred := RotationZ(math.Pi/6 + 10*math.Pi/180)
	pred.T = Vec3{1, 0.3, -0.4}
	d = CompareTransforms(pred, ref)
	assert.InDelta(t, 10, d.RotationDeg, 1e-9)
	assert.InDelta(t, 0.5, d.TranslationNorm, 1e-12)
	assert.InDelta(t, 1, math.Abs(d.Axis[2]), 1e-9)
}

func TestAxisAngle_ZeroAxis(t *testing.T) {
	assert.Equal(t, Identity(), AxisAngle(Vec3{}, 1))
	assert.True(t, AxisAngle(Vec3{0, 0, 2}, math.Pi/2).IsRotation(1e-12))
}

func TestOrthonormalized(t *testing.T) {
	tr := RotationZ(1)
	tr.R[0][1] += 0.01
	assert.False(t, tr.IsRotation(1e-6))
	assert.True(t, tr.Orthonormalized().IsRotation(1e-9))
}
