package align

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ExtractorKind selects the descriptor backend
type ExtractorKind string

const (
	ExtractorFPFH    ExtractorKind = "fpfh"
	ExtractorLearned ExtractorKind = "learned"
)

// fpfhBins is the number of histogram bins per angular feature
const fpfhBins = 11

// FPFHDim is the length of an FPFH descriptor
const FPFHDim = 3 * fpfhBins

// EmbeddingFunc maps a cloud to one feature row per point. It must be
// deterministic and return rows of a single dimension.
type EmbeddingFunc func(ctx context.Context, cloud *PointCloud) ([][]float64, error)

// ExtractorConfig chooses and parameterises the feature backend
type ExtractorConfig struct {
	Kind    ExtractorKind
	Radius  float64 // FPFH support radius
	MaxNN   int     // FPFH neighbour cap
	Normals NormalConfig
	Embed   EmbeddingFunc // learned backend; defaults to CloudEmbeddings
	Workers int
}

// DefaultExtractorConfig returns FPFH settings for a voxel size of 1
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		Kind:    ExtractorFPFH,
		Radius:  5,
		MaxNN:   100,
		Normals: DefaultNormalConfig(),
	}
}

func (c ExtractorConfig) Validate() error {
	switch c.Kind {
	case ExtractorFPFH:
		if c.Radius <= 0 {
			return fmt.Errorf("features.radius must be positive, got %g", c.Radius)
		}
	case ExtractorLearned:
	default:
		return fmt.Errorf("unknown feature extractor %q", c.Kind)
	}
	return nil
}

// ExtractFeatures computes one descriptor per keypoint with the configured backend
func ExtractFeatures(ctx context.Context, cloud *PointCloud, index *SpatialIndex, keys KeypointSet, cfg ExtractorConfig) (*DescriptorSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case ExtractorLearned:
		embed := cfg.Embed
		if embed == nil {
			embed = CloudEmbeddings
		}
		return extractLearned(ctx, cloud, keys, embed)
	default:
		return extractFPFH(ctx, cloud, index, keys, cfg)
	}
}

// CloudEmbeddings returns the precomputed rows carried by the cloud
func CloudEmbeddings(_ context.Context, cloud *PointCloud) ([][]float64, error) {
	if cloud.Embeddings == nil {
		return nil, fmt.Errorf("cloud carries no embeddings")
	}
	return cloud.Embeddings, nil
}

func extractLearned(ctx context.Context, cloud *PointCloud, keys KeypointSet, embed EmbeddingFunc) (*DescriptorSet, error) {
	rows, err := embed(ctx, cloud)
	if err != nil {
		return nil, fmt.Errorf("computing embeddings: %w", err)
	}
	if len(rows) != cloud.Len() {
		return nil, fmt.Errorf("embedding returned %d rows for %d points", len(rows), cloud.Len())
	}
	out := &DescriptorSet{}
	for k, i := range keys.Indices {
		row := rows[i]
		if k == 0 {
			out.Dim = len(row)
		} else if len(row) != out.Dim {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrDimensionMismatch, i, len(row), out.Dim)
		}
		out.Indices = append(out.Indices, i)
		out.Vectors = append(out.Vectors, append([]float64(nil), row...))
	}
	return out, nil
}

func extractFPFH(ctx context.Context, cloud *PointCloud, index *SpatialIndex, keys KeypointSet, cfg ExtractorConfig) (*DescriptorSet, error) {
	if cloud.Len() == 0 {
		return nil, ErrEmptyCloud
	}
	if index == nil {
		index = NewSpatialIndex(cloud.Points)
	}
	if !cloud.HasNormals() {
		nc := cfg.Normals
		if nc.Radius <= 0 {
			nc.Radius = cfg.Radius / 2.5
		}
		nc.Workers = cfg.Workers
		withN, err := withNormals(ctx, cloud, index, nc)
		if err != nil {
			return nil, fmt.Errorf("estimating normals: %w", err)
		}
		cloud = withN
	}

	neighborsOf := func(i int) []Neighbor {
		hits := index.RadiusPoint(cloud.Points[i], cfg.Radius, 0)
		out := hits[:0:0]
		for _, h := range hits {
			if h.Index != i {
				out = append(out, h)
			}
		}
		if cfg.MaxNN > 0 && len(out) > cfg.MaxNN {
			out = out[:cfg.MaxNN]
		}
		return out
	}

	// Keypoint neighbourhoods decide which points need an SPFH.
	keyNbrs := make([][]Neighbor, keys.Len())
	err := parallelRange(ctx, keys.Len(), cfg.Workers, func(lo, hi int) error {
		for k := lo; k < hi; k++ {
			keyNbrs[k] = neighborsOf(keys.Indices[k])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slot := make(map[int]int)
	var needed []int
	need := func(i int) {
		if _, ok := slot[i]; !ok {
			slot[i] = len(needed)
			needed = append(needed, i)
		}
	}
	for k, i := range keys.Indices {
		need(i)
		for _, nb := range keyNbrs[k] {
			need(nb.Index)
		}
	}

	spfh := make([][FPFHDim]float64, len(needed))
	err = parallelRange(ctx, len(needed), cfg.Workers, func(lo, hi int) error {
		for s := lo; s < hi; s++ {
			i := needed[s]
			spfh[s] = computeSPFH(cloud, i, neighborsOf(i))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &DescriptorSet{
		Indices: append([]int(nil), keys.Indices...),
		Vectors: make([][]float64, keys.Len()),
		Dim:     FPFHDim,
	}
	for k, i := range keys.Indices {
		var feat [FPFHDim]float64
		var sum [3]float64
		for _, nb := range keyNbrs[k] {
			if nb.Dist2 == 0 {
				continue
			}
			h := spfh[slot[nb.Index]]
			for j := 0; j < FPFHDim; j++ {
				v := h[j] / nb.Dist2
				sum[j/fpfhBins] += v
				feat[j] += v
			}
		}
		for s := range sum {
			if sum[s] != 0 {
				sum[s] = 100 / sum[s]
			}
		}
		own := spfh[slot[i]]
		vec := make([]float64, FPFHDim)
		for j := 0; j < FPFHDim; j++ {
			vec[j] = feat[j]*sum[j/fpfhBins] + own[j]
		}
		out.Vectors[k] = vec
	}
	return out, nil
}

// computeSPFH bins the pair features between point i and each neighbour.
// Every sub-histogram sums to 100 when all pairs are valid.
func computeSPFH(cloud *PointCloud, i int, nbrs []Neighbor) [FPFHDim]float64 {
	var h [FPFHDim]float64
	if len(nbrs) == 0 {
		return h
	}
	incr := 100 / float64(len(nbrs))
	p, n := cloud.Points[i], cloud.Normals[i]
	for _, nb := range nbrs {
		f, ok := pairFeatures(p, n, cloud.Points[nb.Index], cloud.Normals[nb.Index])
		if !ok {
			continue
		}
		h[histBin(f[0], -math.Pi, math.Pi)] += incr
		h[fpfhBins+histBin(f[1], -1, 1)] += incr
		h[2*fpfhBins+histBin(f[2], -1, 1)] += incr
	}
	return h
}

func histBin(v, lo, hi float64) int {
	b := int(math.Floor(fpfhBins * (v - lo) / (hi - lo)))
	return min(max(b, 0), fpfhBins-1)
}

// pairFeatures computes the Darboux-frame angles (theta, alpha, phi) between
// two oriented points. The frame is anchored at whichever point's normal is
// more aligned with the connecting line, which makes the result symmetric.
func pairFeatures(p1, n1, p2, n2 Vec3) ([3]float64, bool) {
	d := p2.Sub(p1)
	dist := d.Norm()
	if dist == 0 {
		return [3]float64{}, false
	}
	a1 := n1.Dot(d) / dist
	a2 := n2.Dot(d) / dist

	u, nt := n1, n2
	phi := a1
	if math.Acos(math.Abs(a1)) > math.Acos(math.Abs(a2)) {
		u, nt = n2, n1
		d = d.Scale(-1)
		phi = -a2
	}
	v := d.Cross(u)
	vn := v.Norm()
	if vn == 0 {
		return [3]float64{}, false
	}
	v = v.Scale(1 / vn)
	w := u.Cross(v)
	alpha := v.Dot(nt)
	theta := math.Atan2(w.Dot(nt), u.Dot(nt))
	return [3]float64{theta, alpha, phi}, true
}

// LoadEmbeddingsCSV reads one comma- or whitespace-separated row of floats per
// point. Blank lines and lines starting with # are skipped.
func LoadEmbeddingsCSV(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening embeddings: %w", err)
	}
	defer f.Close()
	return DecodeEmbeddingsCSV(f)
}

// DecodeEmbeddingsCSV is LoadEmbeddingsCSV over a reader
func DecodeEmbeddingsCSV(r io.Reader) ([][]float64, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows [][]float64
	dim := -1
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading embeddings: %w", err)
		}
		var fields []string
		if len(rec) == 1 {
			fields = strings.Fields(rec[0])
		} else {
			fields = rec
		}
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for j, s := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("embeddings row %d column %d: %w", line, j, err)
			}
			row[j] = v
		}
		if dim >= 0 && len(row) != dim {
			return nil, fmt.Errorf("%w: embeddings row %d has %d values, want %d", ErrDimensionMismatch, line, len(row), dim)
		}
		dim = len(row)
		rows = append(rows, row)
	}
	return rows, nil
}
