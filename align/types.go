package align

import "math"

// Vec3 is a point or direction in R^3
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a Vec3) Scale(s float64) Vec3 {
	return Vec3{a[0] * s, a[1] * s, a[2] * s}
}
func (a Vec3) Dot(b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

// Cross returns a x b
func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a Vec3) Norm() float64 { return math.Sqrt(a.Dot(a)) }

// Normalized returns a unit vector, or the zero vector when a has no length
func (a Vec3) Normalized() Vec3 {
	n := a.Norm()
	if n == 0 {
		return Vec3{}
	}
	return a.Scale(1 / n)
}

// Color is an 8-bit RGB triplet as stored in PLY files
type Color struct {
	R, G, B uint8
}

// PointCloud is an ordered set of 3D points with optional per-point attributes.
// Normals, Colors and Embeddings are either nil or have one entry per point.
type PointCloud struct {
	Points  []Vec3
	Normals []Vec3
	Colors  []Color

	// Embeddings holds precomputed per-point feature rows for the learned
	// extractor. They travel with the point through downsampling.
	Embeddings [][]float64

	// SourceIndex maps each point back to the cloud it was derived from.
	// Nil means the identity mapping.
	SourceIndex []int
}

// NewPointCloud wraps a slice of points
func NewPointCloud(points []Vec3) *PointCloud {
	return &PointCloud{Points: points}
}

func (c *PointCloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

func (c *PointCloud) HasNormals() bool {
	return c != nil && len(c.Normals) == len(c.Points) && len(c.Points) > 0
}

func (c *PointCloud) HasColors() bool {
	return c != nil && len(c.Colors) == len(c.Points) && len(c.Points) > 0
}

// Origin returns the index of point i in the cloud this one was derived from
func (c *PointCloud) Origin(i int) int {
	if c.SourceIndex == nil {
		return i
	}
	return c.SourceIndex[i]
}

// Clone returns a deep copy of the cloud
func (c *PointCloud) Clone() *PointCloud {
	out := &PointCloud{Points: append([]Vec3(nil), c.Points...)}
	if c.Normals != nil {
		out.Normals = append([]Vec3(nil), c.Normals...)
	}
	if c.Colors != nil {
		out.Colors = append([]Color(nil), c.Colors...)
	}
	if c.Embeddings != nil {
		out.Embeddings = make([][]float64, len(c.Embeddings))
		for i, row := range c.Embeddings {
			out.Embeddings[i] = append([]float64(nil), row...)
		}
	}
	if c.SourceIndex != nil {
		out.SourceIndex = append([]int(nil), c.SourceIndex...)
	}
	return out
}

// Transformed returns a copy of the cloud with t applied to points and normals
func (c *PointCloud) Transformed(t RigidTransform) *PointCloud {
	out := c.Clone()
	for i, p := range out.Points {
		out.Points[i] = t.Apply(p)
	}
	for i, n := range out.Normals {
		out.Normals[i] = t.Rotate(n)
	}
	return out
}

// Bounds returns the axis-aligned bounding box of the cloud
func (c *PointCloud) Bounds() (min, max Vec3) {
	if c.Len() == 0 {
		return
	}
	min, max = c.Points[0], c.Points[0]
	for _, p := range c.Points[1:] {
		for k := 0; k < 3; k++ {
			min[k] = math.Min(min[k], p[k])
			max[k] = math.Max(max[k], p[k])
		}
	}
	return
}

// KeypointSet holds indices into a cloud together with their ISS saliency
// (smallest scatter eigenvalue), sorted by descending saliency.
type KeypointSet struct {
	Indices  []int
	Saliency []float64
}

func (k KeypointSet) Len() int { return len(k.Indices) }

// DescriptorSet holds one fixed-dimension descriptor per keypoint.
// Indices refer to points of the cloud the descriptors were computed on.
type DescriptorSet struct {
	Indices []int
	Vectors [][]float64
	Dim     int
}

func (d *DescriptorSet) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Indices)
}

// Correspondence pairs point A of the source cloud with point B of the target.
type Correspondence struct {
	A        int     `json:"a"`
	B        int     `json:"b"`
	Distance float64 `json:"distance"` // descriptor-space L2 distance
	Ratio    float64 `json:"ratio"`    // best / second-best descriptor distance
	Score    float64 `json:"score,omitempty"`
}
