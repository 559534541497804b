package container

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/jiangwu1911/memtest/internal/gpu"
)

// pooledBlock is an idle block and the time it was returned
type pooledBlock struct {
	block    gpu.Block
	returned time.Time
}

// bucket holds idle blocks of one exact size in return order
type bucket struct {
	size int64

	mu sync.Mutex
	q  *queue.Queue
}

// freeList indexes the idle blocks of one location by exact byte size.
// Every bucket has its own lock, so acquire and release on different sizes
// never contend, and the collector only holds one bucket at a time.
type freeList struct {
	buckets sync.Map // int64 -> *bucket

	bytes  atomic.Int64
	blocks atomic.Int64
}

func (f *freeList) bucket(size int64) *bucket {
	if b, ok := f.buckets.Load(size); ok {
		return b.(*bucket)
	}
	b, _ := f.buckets.LoadOrStore(size, &bucket{size: size, q: queue.New()})
	return b.(*bucket)
}

// push appends blk to its bucket, stamped with now() taken under the bucket
// lock so stamps never decrease along a bucket.
func (f *freeList) push(blk gpu.Block, now func() time.Time) {
	b := f.bucket(blk.Size())

	b.mu.Lock()
	b.q.Add(pooledBlock{block: blk, returned: now()})
	f.bytes.Add(blk.Size())
	f.blocks.Add(1)
	b.mu.Unlock()
}

// pop removes the oldest idle block of exactly size bytes
func (f *freeList) pop(size int64) (gpu.Block, bool) {
	v, ok := f.buckets.Load(size)
	if !ok {
		return gpu.Block{}, false
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Length() == 0 {
		return gpu.Block{}, false
	}
	e := b.q.Remove().(pooledBlock)
	f.bytes.Add(-size)
	f.blocks.Add(-1)
	return e.block, true
}

// expire removes every block returned before cutoff
func (f *freeList) expire(cutoff time.Time) []gpu.Block {
	var victims []gpu.Block
	f.buckets.Range(func(_, v any) bool {
		b := v.(*bucket)

		b.mu.Lock()
		for b.q.Length() > 0 && b.q.Peek().(pooledBlock).returned.Before(cutoff) {
			e := b.q.Remove().(pooledBlock)
			victims = append(victims, e.block)
			f.bytes.Add(-b.size)
			f.blocks.Add(-1)
		}
		b.mu.Unlock()
		return true
	})
	return victims
}

// evict removes blocks, largest sizes first, until at least minBytes are
// collected or the list is empty. A single block of at least minBytes is
// always taken alone when one is pooled; smaller sizes are only reached
// when no such block exists.
func (f *freeList) evict(minBytes int64) []gpu.Block {
	var all []*bucket
	f.buckets.Range(func(_, v any) bool {
		all = append(all, v.(*bucket))
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].size > all[j].size })

	var victims []gpu.Block
	var reclaimed int64
	for _, b := range all {
		if reclaimed >= minBytes {
			break
		}
		b.mu.Lock()
		for b.q.Length() > 0 && reclaimed < minBytes {
			e := b.q.Remove().(pooledBlock)
			victims = append(victims, e.block)
			reclaimed += b.size
			f.bytes.Add(-b.size)
			f.blocks.Add(-1)
		}
		b.mu.Unlock()
	}
	return victims
}

// drain removes every idle block
func (f *freeList) drain() []gpu.Block {
	var victims []gpu.Block
	f.buckets.Range(func(_, v any) bool {
		b := v.(*bucket)

		b.mu.Lock()
		for b.q.Length() > 0 {
			e := b.q.Remove().(pooledBlock)
			victims = append(victims, e.block)
			f.bytes.Add(-b.size)
			f.blocks.Add(-1)
		}
		b.mu.Unlock()
		return true
	})
	return victims
}
