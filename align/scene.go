package align

// Colours used for fused registration views
var (
	ColorSource   = Color{200, 200, 0}
	ColorTarget   = Color{0, 200, 200}
	ColorKeypoint = Color{200, 0, 200}
	ColorCorrect  = Color{0, 200, 0}
	ColorWrong    = Color{220, 0, 0}
	ColorMatch    = Color{120, 120, 120}
)

// Edge joins two scene points
type Edge struct {
	A, B  int
	Color Color
}

// Scene is a coloured point set with line segments, the common currency of
// the PLY writer and the renderers.
type Scene struct {
	Points []Vec3
	Colors []Color
	Edges  []Edge
}

// ViewOptions controls how a registration result becomes a Scene
type ViewOptions struct {
	Reference     *RigidTransform // colours matches by correctness when set
	CorrectRadius float64
	AllCandidates bool // draw every candidate, not only consensus inliers
}

// NewRegistrationScene fuses a result into one scene: the source moved by the
// estimated transform, the target, both keypoint sets, and match edges.
func NewRegistrationScene(res *RegistrationResult, opts ViewOptions) *Scene {
	s := &Scene{}
	if res == nil || res.Source == nil || res.Target == nil {
		return s
	}
	src, tgt := res.Source, res.Target
	offset := src.Len()

	for _, p := range src.Points {
		s.Points = append(s.Points, res.Transform.Apply(p))
		s.Colors = append(s.Colors, ColorSource)
	}
	for _, p := range tgt.Points {
		s.Points = append(s.Points, p)
		s.Colors = append(s.Colors, ColorTarget)
	}
	for _, i := range res.KeypointsA.Indices {
		s.Colors[i] = ColorKeypoint
	}
	for _, i := range res.KeypointsB.Indices {
		s.Colors[offset+i] = ColorKeypoint
	}

	matches := res.Candidates
	if !opts.AllCandidates && res.Coarse != nil {
		matches = res.Coarse.Inliers
	}
	for _, c := range matches {
		col := ColorMatch
		if opts.Reference != nil {
			col = ColorWrong
			if Distance(opts.Reference.Apply(src.Points[c.A]), tgt.Points[c.B]) < opts.CorrectRadius {
				col = ColorCorrect
			}
		}
		s.Edges = append(s.Edges, Edge{A: c.A, B: offset + c.B, Color: col})
	}
	return s
}

// SceneFromCloud wraps a cloud, colouring uncoloured points with col
func SceneFromCloud(c *PointCloud, col Color) *Scene {
	s := &Scene{Points: append([]Vec3(nil), c.Points...), Colors: make([]Color, c.Len())}
	for i := range s.Colors {
		if c.HasColors() {
			s.Colors[i] = c.Colors[i]
		} else {
			s.Colors[i] = col
		}
	}
	return s
}
