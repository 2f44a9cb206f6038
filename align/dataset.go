package align

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Sample is one registration problem: align Source onto Target.
// Reference, when known, maps source coordinates into the target frame.
type Sample struct {
	ID        string
	Source    *PointCloud
	Target    *PointCloud
	Reference *RigidTransform
}

// Dataset yields samples in a fixed order
type Dataset interface {
	Len() int
	// SampleID names sample i without loading it
	SampleID(i int) string
	Sample(i int) (*Sample, error)
}

// ManifestEntry describes one pair in a manifest file. Paths are relative to
// the manifest's directory unless absolute.
type ManifestEntry struct {
	ID               string    `yaml:"id"`
	Source           string    `yaml:"source"`
	Target           string    `yaml:"target"`
	Transform        []float64 `yaml:"transform,omitempty"` // row-major 4x4, source -> target
	SourceEmbeddings string    `yaml:"source_embeddings,omitempty"`
	TargetEmbeddings string    `yaml:"target_embeddings,omitempty"`
}

// Manifest lists dataset pairs
type Manifest struct {
	Samples []ManifestEntry `yaml:"samples"`
}

// ManifestDataset reads PLY pairs listed in a YAML manifest
type ManifestDataset struct {
	root     string
	manifest Manifest
	augment  *Augmenter
}

// LoadManifest parses and validates a manifest file
func LoadManifest(path string) (*ManifestDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest not found: %s", path)
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest YAML: %w", err)
	}
	seen := make(map[string]bool)
	for i, e := range m.Samples {
		if e.ID == "" {
			return nil, fmt.Errorf("samples[%d].id is required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("samples[%d]: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		if e.Source == "" || e.Target == "" {
			return nil, fmt.Errorf("samples[%d].source and target are required for %s", i, e.ID)
		}
		if e.Transform != nil {
			if _, err := FromMatrix4(e.Transform); err != nil {
				return nil, fmt.Errorf("samples[%d].transform: %w", i, err)
			}
		}
	}
	return &ManifestDataset{root: filepath.Dir(path), manifest: m}, nil
}

// WithAugmenter makes every loaded sample pass through a
func (d *ManifestDataset) WithAugmenter(a *Augmenter) *ManifestDataset {
	d.augment = a
	return d
}

func (d *ManifestDataset) Len() int { return len(d.manifest.Samples) }

func (d *ManifestDataset) SampleID(i int) string {
	if i < 0 || i >= d.Len() {
		return fmt.Sprintf("sample-%04d", i)
	}
	return d.manifest.Samples[i].ID
}

func (d *ManifestDataset) Sample(i int) (*Sample, error) {
	if i < 0 || i >= d.Len() {
		return nil, fmt.Errorf("sample %d out of range", i)
	}
	e := d.manifest.Samples[i]
	src, err := ReadPLY(d.resolve(e.Source))
	if err != nil {
		return nil, err
	}
	tgt, err := ReadPLY(d.resolve(e.Target))
	if err != nil {
		return nil, err
	}
	if e.SourceEmbeddings != "" {
		if src.Embeddings, err = LoadEmbeddingsCSV(d.resolve(e.SourceEmbeddings)); err != nil {
			return nil, err
		}
	}
	if e.TargetEmbeddings != "" {
		if tgt.Embeddings, err = LoadEmbeddingsCSV(d.resolve(e.TargetEmbeddings)); err != nil {
			return nil, err
		}
	}
	s := &Sample{ID: e.ID, Source: src, Target: tgt}
	if e.Transform != nil {
		t, _ := FromMatrix4(e.Transform)
		s.Reference = &t
	}
	if d.augment != nil {
		d.augment.Apply(s, i)
	}
	return s, nil
}

func (d *ManifestDataset) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.root, p)
}

// Augmenter perturbs samples: the source is moved by a random rigid motion
// (the reference is updated to match), jittered, and partly replaced with
// uniform noise. Each sample index gets its own generator so results do not
// depend on iteration order.
type Augmenter struct {
	MaxRotationDeg float64 // rotation angle about a random axis, up to this
	MaxTranslation float64 // translation length, up to this
	Jitter         float64 // stddev of per-point Gaussian noise
	NoiseRatio     float64 // fraction of source points replaced by uniform noise
	Seed           int64
}

// Apply perturbs s in place
func (a *Augmenter) Apply(s *Sample, index int) {
	rng := trialRNG(a.Seed, index)

	axis := Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	angle := rng.Float64() * a.MaxRotationDeg * math.Pi / 180
	motion := AxisAngle(axis, angle)
	dir := Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}.Normalized()
	motion.T = dir.Scale(rng.Float64() * a.MaxTranslation)

	src := s.Source.Transformed(motion)
	if a.Jitter > 0 {
		for i := range src.Points {
			src.Points[i] = src.Points[i].Add(Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}.Scale(a.Jitter))
		}
	}
	if a.NoiseRatio > 0 && src.Len() > 0 {
		lo, hi := src.Bounds()
		k := int(math.Round(a.NoiseRatio * float64(src.Len())))
		for _, i := range rng.Perm(src.Len())[:min(k, src.Len())] {
			for d := 0; d < 3; d++ {
				src.Points[i][d] = lo[d] + rng.Float64()*(hi[d]-lo[d])
			}
		}
	}
	s.Source = src

	// B = ref(A) and A' = motion(A), so B = ref(motion^-1(A'))
	ref := Identity()
	if s.Reference != nil {
		ref = *s.Reference
	}
	newRef := ref.Compose(motion.Inverse())
	s.Reference = &newRef
}

// Shape names a synthetic point distribution
type Shape string

const (
	ShapeCube   Shape = "cube"   // uniform in the unit cube volume
	ShapeBox    Shape = "box"    // uniform on the surface of a 2x1x0.5 box
	ShapeSphere Shape = "sphere" // uniform on the unit sphere
)

// SyntheticDataset generates seeded point clouds. Each sample's target is a
// fresh cloud and the source is the same cloud after augmentation.
type SyntheticDataset struct {
	Count   int
	Points  int
	Shape   Shape
	Seed    int64
	Augment Augmenter
}

func (d *SyntheticDataset) Len() int { return d.Count }

func (d *SyntheticDataset) SampleID(i int) string {
	return fmt.Sprintf("synthetic-%s-%04d", d.Shape, i)
}

func (d *SyntheticDataset) Sample(i int) (*Sample, error) {
	if i < 0 || i >= d.Count {
		return nil, fmt.Errorf("sample %d out of range", i)
	}
	if d.Points <= 0 {
		return nil, fmt.Errorf("synthetic dataset needs a positive point count")
	}
	rng := trialRNG(d.Seed, i)
	pts, err := GenerateShape(d.Shape, d.Points, rng)
	if err != nil {
		return nil, err
	}
	tgt := NewPointCloud(pts)
	s := &Sample{
		ID:     d.SampleID(i),
		Source: tgt.Clone(),
		Target: tgt,
	}
	aug := d.Augment
	aug.Seed = d.Seed ^ 0x5eed
	aug.Apply(s, i)
	return s, nil
}

// GenerateShape samples n points from a named shape
func GenerateShape(shape Shape, n int, rng *rand.Rand) ([]Vec3, error) {
	pts := make([]Vec3, n)
	switch shape {
	case ShapeCube, "":
		for i := range pts {
			pts[i] = Vec3{rng.Float64(), rng.Float64(), rng.Float64()}
		}
	case ShapeSphere:
		for i := range pts {
			pts[i] = Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}.Normalized()
		}
	case ShapeBox:
		size := Vec3{2, 1, 0.5}
		areas := [3]float64{size[1] * size[2], size[0] * size[2], size[0] * size[1]}
		total := areas[0] + areas[1] + areas[2]
		for i := range pts {
			p := Vec3{rng.Float64() * size[0], rng.Float64() * size[1], rng.Float64() * size[2]}
			r := rng.Float64() * total
			axis := 0
			if r >= areas[0] {
				axis = 1
				if r >= areas[0]+areas[1] {
					axis = 2
				}
			}
			if rng.Intn(2) == 0 {
				p[axis] = 0
			} else {
				p[axis] = size[axis]
			}
			pts[i] = p
		}
	default:
		return nil, fmt.Errorf("unknown shape %q", shape)
	}
	return pts, nil
}
