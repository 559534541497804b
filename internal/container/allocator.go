package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jiangwu1911/memtest/internal/gpu"
	"github.com/jiangwu1911/memtest/internal/logging"
)

const (
	// DefaultIdleTimeout is how long a pooled block may sit unused before
	// the collector returns it to the device
	DefaultIdleTimeout = 5 * time.Second

	// DefaultSweepInterval is the collector period
	DefaultSweepInterval = time.Second

	// DefaultStreams is the size of the round-robin stream pool
	DefaultStreams = 16
)

// AllocatorConfig configures an Allocator. Zero fields take defaults.
type AllocatorConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Streams       int

	// Clock is the time source for idle stamps and the collector ticker
	Clock clockwork.Clock

	// OnFailure receives runtime failures. Defaults to LogFailure.
	OnFailure FailureHandler
}

func (c *AllocatorConfig) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Streams <= 0 {
		c.Streams = DefaultStreams
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.OnFailure == nil {
		c.OnFailure = LogFailure
	}
}

// memorySource is everything a Container may ask of its allocator. The
// methods are unexported so only this package can acquire or return raw
// blocks.
type memorySource interface {
	acquire(size int64, loc gpu.Location) (gpu.Block, error)
	release(b gpu.Block)
	evictAtLeast(minBytes int64, loc gpu.Location) int64
	accelerated() bool
	report(f Failure)
}

var _ memorySource = (*Allocator)(nil)

// Allocator pools device blocks per location and exact byte size, reclaims
// idle blocks in the background and hands out streams round robin.
type Allocator struct {
	dev   gpu.Device
	cfg   AllocatorConfig
	accel bool

	free  [gpu.NumLocations]freeList
	stats [gpu.NumLocations]counters

	streamMu   sync.Mutex
	streams    []gpu.Stream
	nextStream int

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// closeMu orders release against Close: nothing is pushed to a free
	// list once Close has started draining
	closeMu sync.RWMutex
	closed  atomic.Bool
	late    sync.WaitGroup
}

// NewAllocator creates an allocator over dev and its stream pool. The
// collector does not run until Start is called.
func NewAllocator(dev gpu.Device, cfg AllocatorConfig) (*Allocator, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}
	cfg.setDefaults()

	a := &Allocator{
		dev:   dev,
		cfg:   cfg,
		accel: gpu.Accelerated(dev),
	}

	a.streams = make([]gpu.Stream, 0, cfg.Streams)
	for i := 0; i < cfg.Streams; i++ {
		s, err := dev.NewStream()
		if err != nil {
			return nil, fmt.Errorf("failed to create stream %d: %w", i, err)
		}
		a.streams = append(a.streams, s)
	}

	logging.Debugf("Allocator on %s: %d streams, idle timeout %v", dev.Name(), cfg.Streams, cfg.IdleTimeout)
	return a, nil
}

// Device returns the device the allocator draws from
func (a *Allocator) Device() gpu.Device { return a.dev }

// Streams returns the stream pool
func (a *Allocator) Streams() []gpu.Stream {
	out := make([]gpu.Stream, len(a.streams))
	copy(out, a.streams)
	return out
}

// NextStream returns the next stream of the pool in round-robin order
func (a *Allocator) NextStream() gpu.Stream {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()

	s := a.streams[a.nextStream]
	a.nextStream = (a.nextStream + 1) % len(a.streams)
	return s
}

// Start launches the idle collector. It stops when ctx is cancelled or the
// allocator is closed. Calling Start twice is a no-op.
func (a *Allocator) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	if a.closed.Load() {
		return ErrClosed
	}
	if a.done != nil {
		return nil
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.collect(ctx, a.done)
	return nil
}

func (a *Allocator) collect(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := a.cfg.Clock.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := a.collectIdle(); n > 0 {
				logging.Debugf("Collected %d idle blocks", n)
			}
		}
	}
}

// Close waits for the stream pool to go idle, stops the collector and
// frees every pooled block. Blocks released after Close go straight back to
// the device.
func (a *Allocator) Close() error {
	a.lifeMu.Lock()
	if a.closed.Load() {
		a.lifeMu.Unlock()
		return nil
	}

	// Deferred releases still queued on the streams land in the pool and
	// are freed by the drain below
	var errs []error
	for _, s := range a.streams {
		if err := s.Synchronize(); err != nil && !errors.Is(err, gpu.ErrUnloading) {
			errs = append(errs, fmt.Errorf("synchronize stream %d: %w", s.ID(), err))
		}
	}

	a.closeMu.Lock()
	a.closed.Store(true)
	a.closeMu.Unlock()

	cancel, done := a.cancel, a.done
	a.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	for loc := range a.free {
		for _, b := range a.free[loc].drain() {
			if err := a.freeBlock(b); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the allocator counters
func (a *Allocator) Stats() Stats {
	var s Stats
	for loc := range s.Locations {
		s.Locations[loc] = a.stats[loc].snapshot(&a.free[loc])
	}
	return s
}

func (a *Allocator) accelerated() bool { return a.accel }

func (a *Allocator) report(f Failure) {
	a.cfg.OnFailure(f)
}

// acquire returns a block of exactly size bytes at loc, reusing a pooled
// block when one is available.
func (a *Allocator) acquire(size int64, loc gpu.Location) (gpu.Block, error) {
	if size <= 0 {
		return gpu.Block{}, fmt.Errorf("%w: buffer size %d", ErrInvalidArgument, size)
	}
	if !loc.Valid() {
		return gpu.Block{}, fmt.Errorf("%w: location %v", ErrInvalidArgument, loc)
	}
	if a.closed.Load() {
		return gpu.Block{}, ErrClosed
	}
	if !a.accel {
		loc = gpu.LocationHost
	}

	st := &a.stats[loc]
	if b, ok := a.free[loc].pop(size); ok {
		st.hits.Add(1)
		st.outstanding.Add(size)
		return b, nil
	}
	st.misses.Add(1)

	b, err := a.dev.Allocate(size, loc)
	if err != nil {
		reclaimed := a.evictAtLeast(size, loc)
		logging.Warnf("Allocation of %d bytes at %s failed (%v), evicted %d pooled bytes and retrying", size, loc, err, reclaimed)

		b, err = a.dev.Allocate(size, loc)
		if err != nil {
			if errors.Is(err, ErrOutOfMemory) {
				return gpu.Block{}, fmt.Errorf("acquire %d bytes at %s: %w", size, loc, err)
			}
			return gpu.Block{}, fmt.Errorf("acquire %d bytes at %s: %w: %v", size, loc, ErrOutOfMemory, err)
		}
	}

	st.allocations.Add(1)
	st.outstanding.Add(size)
	return b, nil
}

// release pools b. It never frees to the device unless the allocator is
// closed; then the free is handed to a goroutine.
func (a *Allocator) release(b gpu.Block) {
	if b.IsZero() {
		return
	}
	loc := b.Location()
	a.stats[loc].outstanding.Add(-b.Size())

	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed.Load() {
		// release may run inside a stream callback, where the runtime
		// must not be called
		a.late.Add(1)
		go func() {
			defer a.late.Done()
			if err := a.freeBlock(b); err != nil {
				logging.Warnf("Release after close: %v", err)
			}
		}()
		return
	}
	a.free[loc].push(b, a.cfg.Clock.Now)
}

// evictAtLeast frees pooled blocks at loc, largest first, until minBytes
// have been reclaimed or nothing is left. It returns the bytes reclaimed.
func (a *Allocator) evictAtLeast(minBytes int64, loc gpu.Location) int64 {
	var reclaimed int64
	for _, b := range a.free[loc].evict(minBytes) {
		if err := a.freeBlock(b); err != nil {
			a.report(Failure{Op: "Release", Location: loc, Err: err}.at(0))
		}
		a.stats[loc].evictions.Add(1)
		reclaimed += b.Size()
	}
	return reclaimed
}

// collectIdle frees every pooled block idle for longer than the idle
// timeout and returns how many were freed.
func (a *Allocator) collectIdle() int {
	cutoff := a.cfg.Clock.Now().Add(-a.cfg.IdleTimeout)

	n := 0
	for loc := range a.free {
		for _, b := range a.free[loc].expire(cutoff) {
			if err := a.freeBlock(b); err != nil {
				a.report(Failure{Op: "Release", Location: gpu.Location(loc), Err: err}.at(0))
			}
			a.stats[loc].collected.Add(1)
			n++
		}
	}
	return n
}

func (a *Allocator) freeBlock(b gpu.Block) error {
	a.stats[b.Location()].frees.Add(1)
	if err := a.dev.Release(b); err != nil {
		return fmt.Errorf("release %d bytes at %s: %w", b.Size(), b.Location(), err)
	}
	return nil
}
