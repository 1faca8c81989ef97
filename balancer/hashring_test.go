package balancer

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sampleFrom = 100000
	sampleSize = 10000
)

func sampleKeys() []uint64 {
	keys := make([]uint64, sampleSize)
	for i := range keys {
		keys[i] = uint64(sampleFrom + i)
	}
	return keys
}

func newTestRing(t *testing.T, size, replicas int, nodes ...int) *HashRing {
	t.Helper()
	r, err := NewHashRing(size, replicas)
	require.NoError(t, err)
	for _, n := range nodes {
		require.NoError(t, r.AddNode(n))
	}
	return r
}

func TestNewHashRing_InvalidConfig(t *testing.T) {
	for _, tc := range []struct {
		name           string
		size, replicas int
	}{
		{"zero size", 0, 9},
		{"negative size", -1, 9},
		{"zero replicas", 512, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewHashRing(tc.size, tc.replicas)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestHashRing_HashesInRange(t *testing.T) {
	r := newTestRing(t, 512, 9)
	for n := 0; n < 100; n++ {
		for j := 0; j < 9; j++ {
			s := r.PlacementSlot(n, j)
			assert.True(t, s >= 0 && s < 512, "placement slot %d", s)
			assert.Equal(t, s, r.PlacementSlot(n, j))
		}
	}
	for _, k := range sampleKeys() {
		s := r.RequestSlot(k)
		assert.True(t, s >= 0 && s < 512, "request slot %d", s)
	}
}

func TestHashRing_HashesIndependentOfOccupancy(t *testing.T) {
	empty := newTestRing(t, 512, 9)
	full := newTestRing(t, 512, 9, 0, 1, 2, 3, 4)
	for n := 0; n < 10; n++ {
		for j := 0; j < 9; j++ {
			assert.Equal(t, empty.PlacementSlot(n, j), full.PlacementSlot(n, j))
		}
	}
	for k := uint64(0); k < 1000; k++ {
		assert.Equal(t, empty.RequestSlot(k), full.RequestSlot(k))
	}
}

func TestHashRing_ReplicasSpread(t *testing.T) {
	r := newTestRing(t, 512, 9)
	for n := 0; n < 6; n++ {
		seen := make(map[int]bool)
		for j := 0; j < 9; j++ {
			s := r.PlacementSlot(n, j)
			assert.False(t, seen[s], "node %d replicas share slot %d", n, s)
			seen[s] = true
			if j > 0 {
				d := s - r.PlacementSlot(n, j-1)
				if d < 0 {
					d = -d
				}
				assert.Greater(t, d, 1, "node %d replicas %d and %d are adjacent", n, j-1, j)
			}
		}
	}
}

func TestHashRing_AddNodeFollowsProbingRule(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1, 2)
	for n := 3; n < 10; n++ {
		shadow := r.Occupancy()
		require.NoError(t, r.AddNode(n))

		owned := r.Slots(n)
		require.Len(t, owned, 9)
		for j, got := range owned {
			want := r.PlacementSlot(n, j)
			for shadow[want] != emptySlot {
				want = (want + 1) % len(shadow)
			}
			shadow[want] = n
			assert.Equal(t, want, got, "node %d replica %d", n, j)
		}
		assert.Equal(t, shadow, r.Occupancy())
	}
}

func TestHashRing_ExactReplicaCount(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1, 2, 3, 4, 5)
	counts := make(map[int]int)
	for _, id := range r.Occupancy() {
		if id != emptySlot {
			counts[id]++
		}
	}
	for n := 0; n < 6; n++ {
		assert.Equal(t, 9, counts[n], "node %d", n)
	}
	assert.Equal(t, 54, r.Status().Occupied)
}

func TestHashRing_LookupEmpty(t *testing.T) {
	r := newTestRing(t, 512, 9)
	for _, k := range []uint64{0, 1, 100000, 999999} {
		_, ok := r.Lookup(k)
		assert.False(t, ok)
	}

	require.NoError(t, r.AddNode(7))
	require.NoError(t, r.RemoveNode(7))
	_, ok := r.Lookup(123456)
	assert.False(t, ok)
}

func TestHashRing_LookupNeverMissesOnNonEmptyRing(t *testing.T) {
	r := newTestRing(t, 512, 1, 42)
	for _, k := range sampleKeys() {
		id, ok := r.Lookup(k)
		require.True(t, ok)
		assert.Equal(t, 42, id)
	}
}

func TestHashRing_LookupIsClockwise(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1, 2)
	occ := r.Occupancy()
	for _, k := range sampleKeys()[:500] {
		s := r.RequestSlot(k)
		for occ[s] == emptySlot {
			s = (s + 1) % len(occ)
		}
		id, ok := r.Lookup(k)
		require.True(t, ok)
		assert.Equal(t, occ[s], id, "key %d", k)
	}
}

func TestHashRing_ReadsAreIdempotent(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1, 2)
	st := r.Status()
	first := make(map[uint64]int)
	for _, k := range sampleKeys() {
		first[k], _ = r.Lookup(k)
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, st, r.Status())
		for _, k := range sampleKeys() {
			id, _ := r.Lookup(k)
			assert.Equal(t, first[k], id)
		}
	}
}

func TestHashRing_AddRemoveRestoresOccupancy(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1, 2)
	before := r.Occupancy()
	for n := 3; n < 8; n++ {
		require.NoError(t, r.AddNode(n))
		require.NoError(t, r.RemoveNode(n))
		assert.Equal(t, before, r.Occupancy(), "node %d", n)
	}
}

func TestHashRing_DuplicateAddRejected(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1)
	before := r.Occupancy()
	err := r.AddNode(1)
	assert.True(t, errors.Is(err, ErrNodeExists))
	assert.Equal(t, before, r.Occupancy())
	assert.Len(t, r.Slots(1), 9)
}

func TestHashRing_RemoveUnknown(t *testing.T) {
	r := newTestRing(t, 512, 9, 0)
	assert.True(t, errors.Is(r.RemoveNode(5), ErrUnknownNode))
	require.NoError(t, r.RemoveNode(0))
	assert.True(t, errors.Is(r.RemoveNode(0), ErrUnknownNode))
}

func TestHashRing_NegativeNode(t *testing.T) {
	r := newTestRing(t, 512, 9)
	assert.True(t, errors.Is(r.AddNode(-1), ErrInvalidNode))
	assert.Equal(t, 0, r.Status().Occupied)
}

func TestHashRing_FullRingRollsBack(t *testing.T) {
	// 16 slots hold one node of 9 replicas but not two
	r := newTestRing(t, 16, 9, 0)
	before := r.Occupancy()

	err := r.AddNode(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRingFull))
	assert.Equal(t, before, r.Occupancy())
	assert.False(t, r.Contains(1))
	assert.Equal(t, []int{0}, r.Status().Nodes)
	assert.Equal(t, 9, r.Status().Occupied)
}

func TestHashRing_ExactlyFull(t *testing.T) {
	r := newTestRing(t, 18, 9, 0, 1)
	for _, id := range r.Occupancy() {
		assert.NotEqual(t, emptySlot, id)
	}
	assert.True(t, errors.Is(r.AddNode(2), ErrRingFull))
	assert.Equal(t, 18, r.Status().Occupied)
}

func TestHashRing_MinimalDisruption(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1, 2, 3)
	keys := sampleKeys()
	before := make(map[uint64]int, len(keys))
	for _, k := range keys {
		before[k], _ = r.Lookup(k)
	}

	require.NoError(t, r.RemoveNode(2))

	moved := 0
	for _, k := range keys {
		id, ok := r.Lookup(k)
		require.True(t, ok)
		if before[k] == 2 {
			assert.NotEqual(t, 2, id)
			moved++
			continue
		}
		assert.Equal(t, before[k], id, "key %d moved off an unrelated node", k)
	}
	assert.Greater(t, moved, 0)
	assert.Less(t, moved, len(keys)/2)
}

func TestHashRing_Distribution(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1, 2)
	load := r.LoadDistribution(sampleKeys())
	require.Len(t, load, 3)

	even := float64(sampleSize) / 3
	total := 0
	for id, n := range load {
		total += n
		dev := (float64(n) - even) / even
		assert.True(t, dev > -0.2 && dev < 0.2, "node %d served %d keys (%.1f%% off)", id, n, dev*100)
	}
	assert.Equal(t, sampleSize, total)
}

func TestHashRing_ScaleOut(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1, 2)
	keys := sampleKeys()
	before := r.LoadDistribution(keys)

	for n := 3; n < 6; n++ {
		require.NoError(t, r.AddNode(n))
	}
	after := r.LoadDistribution(keys)
	require.Len(t, after, 6)

	assert.InDelta(t, 2.0, mean(before)/mean(after), 0.01)
	ratio := float64(maxLoad(before)) / float64(maxLoad(after))
	assert.True(t, ratio >= 1.5 && ratio <= 2.5, "busiest node ratio %.2f", ratio)
	for n := 0; n < 3; n++ {
		assert.LessOrEqual(t, after[n], before[n], "node %d gained load on scale-out", n)
	}
}

func TestHashRing_ConcurrentLookups(t *testing.T) {
	r := newTestRing(t, 512, 9, 0, 1, 2)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				n := 100 + w
				_ = r.AddNode(n)
				_ = r.RemoveNode(n)
			}
		}(w)
	}
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, k := range sampleKeys()[:2000] {
				_, ok := r.Lookup(k)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, r.Status().Nodes)
}

func BenchmarkHashRing_Lookup(b *testing.B) {
	r, _ := NewHashRing(512, 9)
	for n := 0; n < 6; n++ {
		_ = r.AddNode(n)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Lookup(uint64(i))
	}
}

func mean(load map[int]int) float64 {
	total := 0
	for _, n := range load {
		total += n
	}
	return float64(total) / float64(len(load))
}

func maxLoad(load map[int]int) int {
	m := 0
	for _, n := range load {
		if n > m {
			m = n
		}
	}
	return m
}
