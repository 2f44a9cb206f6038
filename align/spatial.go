package align

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a search hit: the index of the indexed item and its squared distance
type Neighbor struct {
	Index int
	Dist2 float64
}

// SpatialIndex answers nearest, k-nearest and radius queries over a fixed set
// of equal-length vectors. It serves both 3D points and N-D descriptors.
// Queries are read-only and safe for concurrent use.
type SpatialIndex struct {
	tree *kdtree.Tree
	n    int
	dims int
}

// NewSpatialIndex indexes 3D points
func NewSpatialIndex(points []Vec3) *SpatialIndex {
	items := make(indexedPoints, len(points))
	for i := range points {
		p := points[i]
		items[i] = indexedPoint{coords: p[:], idx: i}
	}
	return buildIndex(items, 3)
}

// NewVectorIndex indexes arbitrary-dimension vectors, which must all share
// the same length.
func NewVectorIndex(vectors [][]float64) *SpatialIndex {
	items := make(indexedPoints, len(vectors))
	dims := 0
	for i, v := range vectors {
		items[i] = indexedPoint{coords: v, idx: i}
		dims = len(v)
	}
	return buildIndex(items, dims)
}

func buildIndex(items indexedPoints, dims int) *SpatialIndex {
	idx := &SpatialIndex{n: len(items), dims: dims}
	if len(items) > 0 {
		idx.tree = kdtree.New(items, false)
	}
	return idx
}

func (s *SpatialIndex) Len() int { return s.n }

// Nearest returns the closest indexed item to q
func (s *SpatialIndex) Nearest(q []float64) (Neighbor, bool) {
	if s.tree == nil {
		return Neighbor{}, false
	}
	c, d := s.tree.Nearest(indexedPoint{coords: q, idx: -1})
	if c == nil {
		return Neighbor{}, false
	}
	return Neighbor{Index: c.(indexedPoint).idx, Dist2: d}, true
}

// KNearest returns up to k items closest to q, sorted by distance then index
func (s *SpatialIndex) KNearest(q []float64, k int) []Neighbor {
	if s.tree == nil || k <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	s.tree.NearestSet(keep, indexedPoint{coords: q, idx: -1})
	return collect(keep.Heap)
}

// Radius returns every item within r of q, sorted by distance then index.
// A positive maxNN keeps only the closest maxNN hits.
func (s *SpatialIndex) Radius(q []float64, r float64, maxNN int) []Neighbor {
	if s.tree == nil || r <= 0 {
		return nil
	}
	keep := kdtree.NewDistKeeper(r * r)
	s.tree.NearestSet(keep, indexedPoint{coords: q, idx: -1})
	out := collect(keep.Heap)
	if maxNN > 0 && len(out) > maxNN {
		out = out[:maxNN]
	}
	return out
}

// NearestPoint is Nearest for a 3D query
func (s *SpatialIndex) NearestPoint(p Vec3) (Neighbor, bool) { return s.Nearest(p[:]) }

// RadiusPoint is Radius for a 3D query
func (s *SpatialIndex) RadiusPoint(p Vec3, r float64, maxNN int) []Neighbor {
	return s.Radius(p[:], r, maxNN)
}

// collect drops keeper sentinels and orders hits deterministically
func collect(heap kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(heap))
	for _, cd := range heap {
		if cd.Comparable == nil || math.IsInf(cd.Dist, 1) {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(indexedPoint).idx, Dist2: cd.Dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dist2 != out[j].Dist2 {
			return out[i].Dist2 < out[j].Dist2
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// indexedPoint remembers its position in the input because kdtree.New
// reorders the slice it is given.
type indexedPoint struct {
	coords []float64
	idx    int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.coords[d] - q.coords[d]
}

func (p indexedPoint) Dims() int { return len(p.coords) }

// Distance is squared Euclidean, matching kdtree.Point
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	var sum float64
	for i, v := range p.coords {
		d := v - q.coords[i]
		sum += d * d
	}
	return sum
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return plane{indexedPoints: p, Dim: d}.Pivot()
}
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane sorts indexedPoints along one dimension for median partitioning
type plane struct {
	kdtree.Dim
	indexedPoints
}

func (p plane) Less(i, j int) bool {
	return p.indexedPoints[i].coords[p.Dim] < p.indexedPoints[j].coords[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedPoints = p.indexedPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}
