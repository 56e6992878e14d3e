// Package pools provides the tiered byte-slice pool shared by the
// connection read path and the response encoder.
package pools

import (
	"sync"
	"sync/atomic"
)

// Size classes covering typical request and response buffers. Requests
// larger than the top tier are allocated directly and never pooled.
var defaultSizes = []int{512, 2048, 8192, 32768}

// TierStats is the traffic of one size class.
type TierStats struct {
	Size int
	Gets uint64
	Puts uint64
}

// BytePool hands out byte slices from per-size-class sync.Pools.
type BytePool struct {
	pools []*sync.Pool
	sizes []int
	gets  []atomic.Uint64
	puts  []atomic.Uint64
	// misses counts requests larger than every tier.
	misses atomic.Uint64
}

// NewBytePool creates a pool with the standard size tiers.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a pool with custom ascending size tiers.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
		gets:  make([]atomic.Uint64, len(sizes)),
		puts:  make([]atomic.Uint64, len(sizes)),
	}
	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}
	return bp
}

// Get returns a slice with length size, drawn from the smallest tier
// that fits.
func (bp *BytePool) Get(size int) []byte {
	for i, tier := range bp.sizes {
		if size <= tier {
			bp.gets[i].Add(1)
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns buf to its tier. Slices whose capacity matches no tier
// (grown by append, or oversized allocations) are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	c := cap(buf)
	for i, tier := range bp.sizes {
		if c == tier {
			buf = buf[:c]
			bp.puts[i].Add(1)
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// Stats returns a snapshot of per-tier traffic plus the count of
// requests too large for any tier.
func (bp *BytePool) Stats() (tiers []TierStats, misses uint64) {
	tiers = make([]TierStats, len(bp.sizes))
	for i, size := range bp.sizes {
		tiers[i] = TierStats{
			Size: size,
			Gets: bp.gets[i].Load(),
			Puts: bp.puts[i].Load(),
		}
	}
	return tiers, bp.misses.Load()
}

var globalBytePool = NewBytePool()

// GetBytes draws from the process-wide pool.
func GetBytes(size int) []byte {
	return globalBytePool.Get(size)
}

// PutBytes returns a slice to the process-wide pool.
func PutBytes(buf []byte) {
	globalBytePool.Put(buf)
}

// GlobalStats reports the process-wide pool's counters.
func GlobalStats() (tiers []TierStats, misses uint64) {
	return globalBytePool.Stats()
}
