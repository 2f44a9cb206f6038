package align

import "math"

// VoxelDownsample keeps one point per cubic voxel of the given size: the input
// point closest to the centroid of its voxel. Kept points stay in input order
// and carry their normals, colors and embeddings. SourceIndex of the result
// maps back to the input's own origin. A non-positive size returns a copy.
func VoxelDownsample(cloud *PointCloud, size float64) *PointCloud {
	if cloud.Len() == 0 || size <= 0 {
		return cloud.Clone()
	}

	inv := 1 / size
	keyOf := func(p Vec3) [3]int64 {
		return [3]int64{
			int64(math.Floor(p[0] * inv)),
			int64(math.Floor(p[1] * inv)),
			int64(math.Floor(p[2] * inv)),
		}
	}

	type voxelAccum struct {
		sum       Vec3
		count     int
		bestIdx   int
		bestDist2 float64
	}

	voxels := make(map[[3]int64]*voxelAccum, cloud.Len()/4)
	keys := make([][3]int64, cloud.Len())
	for i, p := range cloud.Points {
		key := keyOf(p)
		keys[i] = key
		acc, ok := voxels[key]
		if !ok {
			acc = &voxelAccum{bestIdx: i, bestDist2: math.MaxFloat64}
			voxels[key] = acc
		}
		acc.sum = acc.sum.Add(p)
		acc.count++
	}

	for i, p := range cloud.Points {
		acc := voxels[keys[i]]
		c := acc.sum.Scale(1 / float64(acc.count))
		d := p.Sub(c)
		if d2 := d.Dot(d); d2 < acc.bestDist2 {
			acc.bestDist2 = d2
			acc.bestIdx = i
		}
	}

	out := &PointCloud{
		Points:      make([]Vec3, 0, len(voxels)),
		SourceIndex: make([]int, 0, len(voxels)),
	}
	for i, p := range cloud.Points {
		if voxels[keys[i]].bestIdx != i {
			continue
		}
		out.Points = append(out.Points, p)
		out.SourceIndex = append(out.SourceIndex, cloud.Origin(i))
		if cloud.HasNormals() {
			out.Normals = append(out.Normals, cloud.Normals[i])
		}
		if cloud.HasColors() {
			out.Colors = append(out.Colors, cloud.Colors[i])
		}
		if len(cloud.Embeddings) == cloud.Len() {
			out.Embeddings = append(out.Embeddings, cloud.Embeddings[i])
		}
	}
	return out
}
