package align

import "math"

// inlierChecker is the conjunction of the enabled correspondence checks.
// A correspondence counts as an inlier only when every enabled check passes.
type inlierChecker struct {
	src, tgt  *PointCloud
	maxDist   float64
	maxRatio  float64 // 0 disables
	cosNormal float64
	normals   bool
}

func newInlierChecker(src, tgt *PointCloud, cfg RANSACConfig) *inlierChecker {
	c := &inlierChecker{
		src:      src,
		tgt:      tgt,
		maxDist:  cfg.MaxCorrDist,
		maxRatio: cfg.MaxMNNDistRatio,
	}
	if cfg.NormalAngleThreshold > 0 && src.HasNormals() && tgt.HasNormals() {
		c.normals = true
		c.cosNormal = math.Cos(cfg.NormalAngleThreshold * math.Pi / 180)
	}
	return c
}

// check returns the residual |R*a + t - b| and whether the pair is an inlier
func (c *inlierChecker) check(t RigidTransform, corr Correspondence) (float64, bool) {
	res := Distance(t.Apply(c.src.Points[corr.A]), c.tgt.Points[corr.B])
	if res >= c.maxDist {
		return res, false
	}
	if c.maxRatio > 0 && corr.Ratio >= c.maxRatio {
		return res, false
	}
	if c.normals {
		na := t.Rotate(c.src.Normals[corr.A])
		if na.Dot(c.tgt.Normals[corr.B]) < c.cosNormal {
			return res, false
		}
	}
	return res, true
}

// edgeLengthsAgree reports whether every pairwise distance within the source
// sample matches its target counterpart up to ratio. Rigid motion preserves
// these lengths, so a mismatch means the sample holds an outlier.
func edgeLengthsAgree(src, dst []Vec3, ratio float64) bool {
	for i := 0; i < len(src); i++ {
		for j := i + 1; j < len(src); j++ {
			da := Distance(src[i], src[j])
			db := Distance(dst[i], dst[j])
			if da < db*ratio || db < da*ratio {
				return false
			}
		}
	}
	return true
}
