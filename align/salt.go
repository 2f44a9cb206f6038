package align

import (
	"math"
	"math/rand"
	"sort"
)

// SaltKeypoints replaces round(ratio*len) detected keypoints with random
// points of the cloud that are not already keypoints. It stresses the
// correspondence stages with guaranteed-uninformative detections. Replaced
// entries get zero saliency, so they sort after every detected keypoint.
func SaltKeypoints(keys KeypointSet, cloudSize int, ratio float64, rng *rand.Rand) KeypointSet {
	n := keys.Len()
	k := int(math.Round(ratio * float64(n)))
	if k <= 0 || n == 0 {
		return keys
	}

	out := KeypointSet{
		Indices:  append([]int(nil), keys.Indices...),
		Saliency: append([]float64(nil), keys.Saliency...),
	}
	used := make(map[int]bool, n)
	for _, i := range keys.Indices {
		used[i] = true
	}
	var pool []int
	for i := 0; i < cloudSize; i++ {
		if !used[i] {
			pool = append(pool, i)
		}
	}
	k = min(k, len(pool))

	slots := rng.Perm(n)[:k]
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	for s, slot := range slots {
		out.Indices[slot] = pool[s]
		out.Saliency[slot] = 0
	}
	sort.Sort(keypointOrder(out))
	return out
}
