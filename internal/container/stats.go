package container

import (
	"sync/atomic"

	"github.com/jiangwu1911/memtest/internal/gpu"
)

// LocationStats tracks allocator activity for one location
type LocationStats struct {
	Allocations int64 // Blocks obtained from the system or device allocator
	Frees       int64 // Blocks returned to the system or device allocator
	PoolHits    int64 // Acquires served from the free list
	PoolMisses  int64 // Acquires that needed a fresh allocation
	Evictions   int64 // Blocks freed under memory pressure
	Collected   int64 // Blocks freed after sitting idle

	PooledBytes      int64 // Bytes idle in the free list
	PooledBlocks     int64 // Blocks idle in the free list
	OutstandingBytes int64 // Bytes held by containers
}

// Stats is a snapshot of allocator statistics
type Stats struct {
	Locations [gpu.NumLocations]LocationStats
}

// At returns the statistics for loc
func (s Stats) At(loc gpu.Location) LocationStats {
	if !loc.Valid() {
		return LocationStats{}
	}
	return s.Locations[loc]
}

// Total sums the statistics of every location
func (s Stats) Total() LocationStats {
	var t LocationStats
	for _, l := range s.Locations {
		t.Allocations += l.Allocations
		t.Frees += l.Frees
		t.PoolHits += l.PoolHits
		t.PoolMisses += l.PoolMisses
		t.Evictions += l.Evictions
		t.Collected += l.Collected
		t.PooledBytes += l.PooledBytes
		t.PooledBlocks += l.PooledBlocks
		t.OutstandingBytes += l.OutstandingBytes
	}
	return t
}

// counters is the live, lock-free form of LocationStats
type counters struct {
	allocations atomic.Int64
	frees       atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	collected   atomic.Int64
	outstanding atomic.Int64
}

func (c *counters) snapshot(f *freeList) LocationStats {
	return LocationStats{
		Allocations:      c.allocations.Load(),
		Frees:            c.frees.Load(),
		PoolHits:         c.hits.Load(),
		PoolMisses:       c.misses.Load(),
		Evictions:        c.evictions.Load(),
		Collected:        c.collected.Load(),
		PooledBytes:      f.bytes.Load(),
		PooledBlocks:     f.blocks.Load(),
		OutstandingBytes: c.outstanding.Load(),
	}
}
