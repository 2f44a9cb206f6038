package align

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// RigidTransform maps p to R*p + T. R is row-major.
type RigidTransform struct {
	R [3][3]float64
	T Vec3
}

// Identity returns the identity transform
func Identity() RigidTransform {
	return RigidTransform{R: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// Translation creates a translation-only transform
func Translation(t Vec3) RigidTransform {
	r := Identity()
	r.T = t
	return r
}

// AxisAngle creates a rotation of angle radians about axis (Rodrigues)
func AxisAngle(axis Vec3, angle float64) RigidTransform {
	k := axis.Normalized()
	if k == (Vec3{}) || angle == 0 {
		return Identity()
	}
	c, s := math.Cos(angle), math.Sin(angle)
	v := 1 - c
	x, y, z := k[0], k[1], k[2]
	return RigidTransform{R: [3][3]float64{
		{c + x*x*v, x*y*v - z*s, x*z*v + y*s},
		{y*x*v + z*s, c + y*y*v, y*z*v - x*s},
		{z*x*v - y*s, z*y*v + x*s, c + z*z*v},
	}}
}

// RotationZ creates a rotation about the Z axis (angle in radians)
func RotationZ(angle float64) RigidTransform {
	return AxisAngle(Vec3{0, 0, 1}, angle)
}

// Apply transforms a point
func (t RigidTransform) Apply(p Vec3) Vec3 {
	return t.Rotate(p).Add(t.T)
}

// Rotate applies only the rotational part, for directions and normals
func (t RigidTransform) Rotate(p Vec3) Vec3 {
	return Vec3{
		t.R[0][0]*p[0] + t.R[0][1]*p[1] + t.R[0][2]*p[2],
		t.R[1][0]*p[0] + t.R[1][1]*p[1] + t.R[1][2]*p[2],
		t.R[2][0]*p[0] + t.R[2][1]*p[1] + t.R[2][2]*p[2],
	}
}

// Compose returns t*o: applying the result equals applying o first, then t
func (t RigidTransform) Compose(o RigidTransform) RigidTransform {
	var out RigidTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = t.R[i][0]*o.R[0][j] + t.R[i][1]*o.R[1][j] + t.R[i][2]*o.R[2][j]
		}
	}
	out.T = t.Rotate(o.T).Add(t.T)
	return out
}

// Inverse returns the transform mapping t.Apply(p) back to p
func (t RigidTransform) Inverse() RigidTransform {
	var out RigidTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = t.R[j][i]
		}
	}
	out.T = out.Rotate(t.T).Scale(-1)
	return out
}

// Det returns the determinant of the rotation block
func (t RigidTransform) Det() float64 {
	r := t.R
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

// IsRotation reports whether R is orthonormal with determinant +1 within tol
func (t RigidTransform) IsRotation(tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += t.R[k][i] * t.R[k][j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	return math.Abs(t.Det()-1) <= tol
}

// ApproxEqual compares two transforms elementwise
func (t RigidTransform) ApproxEqual(o RigidTransform, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(t.R[i][j]-o.R[i][j]) > tol {
				return false
			}
		}
		if math.Abs(t.T[i]-o.T[i]) > tol {
			return false
		}
	}
	return true
}

// Matrix4 returns the homogeneous 4x4 matrix in row-major order
func (t RigidTransform) Matrix4() [16]float64 {
	var m [16]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i*4+j] = t.R[i][j]
		}
		m[i*4+3] = t.T[i]
	}
	m[15] = 1
	return m
}

// FromMatrix4 builds a transform from a row-major homogeneous matrix.
// The rotation block is projected onto SO(3) so small export rounding
// does not leak into downstream math.
func FromMatrix4(m []float64) (RigidTransform, error) {
	if len(m) != 16 {
		return RigidTransform{}, fmt.Errorf("transform needs 16 values, got %d", len(m))
	}
	if math.Abs(m[12])+math.Abs(m[13])+math.Abs(m[14])+math.Abs(m[15]-1) > 1e-6 {
		return RigidTransform{}, fmt.Errorf("transform last row must be [0 0 0 1]")
	}
	var t RigidTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.R[i][j] = m[i*4+j]
		}
		t.T[i] = m[i*4+3]
	}
	if !t.IsRotation(1e-3) {
		return RigidTransform{}, fmt.Errorf("transform rotation block is not orthonormal")
	}
	return t.Orthonormalized(), nil
}

func (t RigidTransform) MarshalJSON() ([]byte, error) {
	m := t.Matrix4()
	return json.Marshal(m[:])
}

func (t *RigidTransform) UnmarshalJSON(data []byte) error {
	var m []float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := FromMatrix4(m)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Orthonormalized returns t with R replaced by the nearest rotation matrix
func (t RigidTransform) Orthonormalized() RigidTransform {
	a := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a.Set(i, j, t.R[i][j])
		}
	}
	r, ok := nearestRotation(a)
	if !ok {
		return t
	}
	t.R = r
	return t
}

// nearestRotation returns U*D*V^T for the SVD a = U*S*V^T, with D fixing the
// determinant sign so the result is a proper rotation.
func nearestRotation(a *mat.Dense) ([3][3]float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return [3][3]float64{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		d = -1
	}
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = u.At(i, 0)*v.At(j, 0) + u.At(i, 1)*v.At(j, 1) + d*u.At(i, 2)*v.At(j, 2)
		}
	}
	return r, true
}

// Centroid calculates the centroid of a set of points
func Centroid(points []Vec3) Vec3 {
	if len(points) == 0 {
		return Vec3{}
	}
	var c Vec3
	for _, p := range points {
		c = c.Add(p)
	}
	return c.Scale(1 / float64(len(points)))
}

// Distance calculates the Euclidean distance between two points
func Distance(a, b Vec3) float64 {
	return a.Sub(b).Norm()
}

// CalculateRigidTransform finds R, T minimising sum |R*src[i] + T - dst[i]|^2
// (orthogonal Procrustes). The SVD of the cross-covariance gives the rotation,
// with a determinant correction that rules out reflections.
func CalculateRigidTransform(src, dst []Vec3) (RigidTransform, error) {
	if len(src) != len(dst) {
		return RigidTransform{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) == 0 {
		return RigidTransform{}, ErrDegenerateSample
	}

	cs := Centroid(src)
	cd := Centroid(dst)

	// H = sum (dst - cd)(src - cs)^T, so that R = U*D*V^T
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+b[r]*a[c])
			}
		}
	}

	rot, ok := nearestRotation(h)
	if !ok {
		return RigidTransform{}, fmt.Errorf("svd of cross-covariance failed")
	}
	t := RigidTransform{R: rot}
	t.T = cd.Sub(t.Rotate(cs))
	return t, nil
}

// TransformDiff describes how far a predicted transform is from a reference
type TransformDiff struct {
	RotationDeg     float64 `json:"rotation_deg"`
	Axis            Vec3    `json:"axis"`
	Translation     Vec3    `json:"translation"`
	TranslationNorm float64 `json:"translation_norm"`
}

// CompareTransforms measures the rotation angle of pred^T*ref and the
// translation offset between the two transforms.
func CompareTransforms(pred, ref RigidTransform) TransformDiff {
	var m [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				m[i][j] += pred.R[k][i] * ref.R[k][j]
			}
		}
	}
	cos := (m[0][0] + m[1][1] + m[2][2] - 1) / 2
	cos = math.Max(-1, math.Min(1, cos))

	axis := Vec3{m[2][1] - m[1][2], m[0][2] - m[2][0], m[1][0] - m[0][1]}
	dt := pred.T.Sub(ref.T)
	return TransformDiff{
		RotationDeg:     math.Acos(cos) * 180 / math.Pi,
		Axis:            axis.Normalized(),
		Translation:     dt,
		TranslationNorm: dt.Norm(),
	}
}
