package pools

import (
	"sync"
	"testing"
)

func TestGetPicksSmallestFittingTier(t *testing.T) {
	bp := NewBytePool()

	tests := []struct {
		size    int
		wantCap int
	}{
		{1, 512},
		{512, 512},
		{513, 2048},
		{2048, 2048},
		{8192, 8192},
		{32768, 32768},
	}
	for _, tt := range tests {
		buf := bp.Get(tt.size)
		if len(buf) != tt.size {
			t.Errorf("Get(%d) len = %d", tt.size, len(buf))
		}
		if cap(buf) != tt.wantCap {
			t.Errorf("Get(%d) cap = %d, want %d", tt.size, cap(buf), tt.wantCap)
		}
		bp.Put(buf)
	}
}

func TestGetOversizedAllocatesDirectly(t *testing.T) {
	bp := NewBytePool()
	buf := bp.Get(64 << 10)
	if len(buf) != 64<<10 {
		t.Fatalf("len = %d", len(buf))
	}
	if _, misses := bp.Stats(); misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}

	// No tier holds 64 KiB, so Put must not recycle it.
	bp.Put(buf)
	tiers, _ := bp.Stats()
	for _, tier := range tiers {
		if tier.Puts != 0 {
			t.Errorf("tier %d recorded %d puts for an unpooled buffer", tier.Size, tier.Puts)
		}
	}
}

func TestShortGetStillRecycles(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{8, 16})

	// A short slice keeps its tier capacity, so Put can route it home.
	buf := bp.Get(4)
	if len(buf) != 4 || cap(buf) != 8 {
		t.Fatalf("len,cap = %d,%d", len(buf), cap(buf))
	}
	bp.Put(buf)

	tiers, _ := bp.Stats()
	if tiers[0].Gets != 1 || tiers[0].Puts != 1 {
		t.Errorf("tier 8 traffic = %d gets, %d puts", tiers[0].Gets, tiers[0].Puts)
	}
}

func TestPutIgnoresForeignBuffers(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{8, 16})
	bp.Put(make([]byte, 10))

	tiers, _ := bp.Stats()
	for _, tier := range tiers {
		if tier.Puts != 0 {
			t.Errorf("tier %d accepted a foreign buffer", tier.Size)
		}
	}
}

func TestStatsSnapshot(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{8, 16})
	for i := 0; i < 3; i++ {
		bp.Get(8)
	}
	for i := 0; i < 2; i++ {
		bp.Get(12)
	}
	bp.Get(100)

	tiers, misses := bp.Stats()
	if tiers[0].Size != 8 || tiers[0].Gets != 3 {
		t.Errorf("tier 0 = %+v", tiers[0])
	}
	if tiers[1].Size != 16 || tiers[1].Gets != 2 {
		t.Errorf("tier 1 = %+v", tiers[1])
	}
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
}

func TestConcurrentTraffic(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{64, 256})
	const workers, rounds = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sizes := []int{10, 100, 1000}
			for i := 0; i < rounds; i++ {
				buf := bp.Get(sizes[i%len(sizes)])
				buf[0] = byte(i)
				bp.Put(buf)
			}
		}()
	}
	wg.Wait()

	tiers, misses := bp.Stats()
	var gets uint64
	for _, tier := range tiers {
		gets += tier.Gets
	}
	if total := gets + misses; total != workers*rounds {
		t.Errorf("accounted for %d requests, want %d", total, workers*rounds)
	}
}

func TestGlobalPool(t *testing.T) {
	buf := GetBytes(100)
	if len(buf) != 100 {
		t.Fatalf("len = %d", len(buf))
	}
	PutBytes(buf)

	tiers, _ := GlobalStats()
	if len(tiers) != 4 {
		t.Fatalf("global pool has %d tiers", len(tiers))
	}
	if tiers[0].Gets == 0 {
		t.Error("global tier 512 saw no traffic")
	}
}
