package align

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelRange_CoversEveryIndexOnce(t *testing.T) {
	for _, workers := range []int{0, 1, 3, 16} {
		for _, n := range []int{0, 1, 63, 64, 1000} {
			hits := make([]int32, n)
			err := parallelRange(context.Background(), n, workers, func(lo, hi int) error {
				for i := lo; i < hi; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
				return nil
			})
			require.NoError(t, err)
			for i, h := range hits {
				assert.Equal(t, int32(1), h, "workers=%d n=%d index %d", workers, n, i)
			}
		}
	}
}

func TestParallelRange_Errors(t *testing.T) {
	boom := errors.New("boom")
	err := parallelRange(context.Background(), 500, 4, func(lo, hi int) error {
		if lo == 0 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls int32
	err = parallelRange(ctx, 10, 1, func(lo, hi int) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestInlierChecker(t *testing.T) {
	src := NewPointCloud([]Vec3{{0, 0, 0}, {1, 0, 0}})
	src.Normals = []Vec3{{0, 0, 1}, {0, 0, 1}}
	tgt := src.Clone()
	tgt.Normals[1] = Vec3{1, 0, 0}

	cfg := RANSACConfig{MaxCorrDist: 0.1}
	c := newInlierChecker(src, tgt, cfg)
	_, ok := c.check(Identity(), Correspondence{A: 1, B: 1})
	assert.True(t, ok, "normals are ignored unless a threshold is set")

	res, ok := c.check(Translation(Vec3{0.1, 0, 0}), Correspondence{A: 0, B: 0})
	assert.False(t, ok, "the distance bound is exclusive")
	assert.InDelta(t, 0.1, res, 1e-12)

	cfg.NormalAngleThreshold = 45
	c = newInlierChecker(src, tgt, cfg)
	_, ok = c.check(Identity(), Correspondence{A: 0, B: 0})
	assert.True(t, ok)
	_, ok = c.check(Identity(), Correspondence{A: 1, B: 1})
	assert.False(t, ok)

	cfg.MaxMNNDistRatio = 0.8
	c = newInlierChecker(src, tgt, cfg)
	_, ok = c.check(Identity(), Correspondence{A: 0, B: 0, Ratio: 0.8})
	assert.False(t, ok)
	_, ok = c.check(Identity(), Correspondence{A: 0, B: 0, Ratio: 0.5})
	assert.True(t, ok)
}
