package container

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"unsafe"

	"github.com/jiangwu1911/memtest/internal/dtype"
	"github.com/jiangwu1911/memtest/internal/gpu"
)

// Container is a typed buffer of Len elements that exclusively owns one
// allocator block. It is bound to one stream; every asynchronous transfer
// it issues runs there.
//
// A Container must be released with Free. Free never blocks: if the stream
// still has work in flight the block goes back to the pool from a stream
// callback once that work completes.
type Container[T dtype.Element] struct {
	mem    memorySource
	n      int
	loc    gpu.Location
	stream gpu.Stream
	name   string

	mu    sync.Mutex
	block gpu.Block
	event gpu.Event
	err   error
	freed bool
}

func elemSize[T dtype.Element]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

// New creates a container of n uninitialized elements at loc. A nil stream
// takes the next stream of the allocator's pool.
func New[T dtype.Element](a *Allocator, loc gpu.Location, stream gpu.Stream, n int, opts ...Option) (*Container[T], error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil allocator", ErrInvalidArgument)
	}
	if stream == nil {
		stream = a.NextStream()
	}
	return alloc[T](a, loc, stream, n, buildOptions(opts))
}

// FromSlice creates a container at loc holding a copy of data. Copies to an
// accelerator location are issued on the container's stream and waited for
// unless WithoutWait is given.
func FromSlice[T dtype.Element](a *Allocator, loc gpu.Location, stream gpu.Stream, data []T, opts ...Option) (*Container[T], error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil allocator", ErrInvalidArgument)
	}
	if stream == nil {
		stream = a.NextStream()
	}
	o := buildOptions(opts)

	c, err := alloc[T](a, loc, stream, len(data), o)
	if err != nil {
		return nil, err
	}

	if c.onHost() {
		copy(c.Slice(), data)
		return c, nil
	}
	src := gpu.HostBlock(unsafe.Pointer(&data[0]), c.Bytes())
	c.transfer(c.stream, c.block, src, o.wait)
	return c, nil
}

// FromSeq creates a container at loc from the values of seq
func FromSeq[T dtype.Element](a *Allocator, loc gpu.Location, stream gpu.Stream, seq iter.Seq[T], opts ...Option) (*Container[T], error) {
	data := slices.Collect(seq)
	// The collected slice is private, so the copy may safely stay pending
	return FromSlice(a, loc, stream, data, opts...)
}

// FromContainer creates a container at loc with a copy of src. It shares
// src's stream; any transfer touching accelerator memory is issued there.
func FromContainer[T dtype.Element](loc gpu.Location, src *Container[T], opts ...Option) (*Container[T], error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source container", ErrInvalidArgument)
	}
	src.mu.Lock()
	freed := src.freed
	src.mu.Unlock()
	if freed {
		return nil, fmt.Errorf("%w: source container already freed", ErrInvalidArgument)
	}

	o := buildOptions(opts)
	c, err := alloc[T](src.mem, loc, src.stream, src.n, o)
	if err != nil {
		return nil, err
	}

	if c.onHost() && src.onHost() {
		copy(c.Slice(), src.Slice())
		return c, nil
	}
	c.transfer(src.stream, c.block, src.block, o.wait)
	return c, nil
}

func alloc[T dtype.Element](mem memorySource, loc gpu.Location, stream gpu.Stream, n int, o options) (*Container[T], error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: element count %d", ErrInvalidArgument, n)
	}
	if !loc.Valid() {
		return nil, fmt.Errorf("%w: location %v", ErrInvalidArgument, loc)
	}
	if !mem.accelerated() {
		loc = gpu.LocationHost
	}

	blk, err := mem.acquire(int64(n)*elemSize[T](), loc)
	if err != nil {
		return nil, err
	}
	return &Container[T]{
		mem:    mem,
		n:      n,
		loc:    loc,
		stream: stream,
		name:   o.name,
		block:  blk,
	}, nil
}

// onHost reports whether the contents can be copied directly without going
// through the stream
func (c *Container[T]) onHost() bool {
	return c.loc == gpu.LocationHost || !c.mem.accelerated()
}

func (c *Container[T]) transfer(s gpu.Stream, dst, src gpu.Block, wait bool) {
	if err := s.MemcpyAsync(dst, src, c.Bytes()); err != nil {
		c.failed("MemcpyAsync", s, err)
		return
	}
	ev, err := s.RecordEvent()
	if err != nil {
		c.failed("EventRecord", s, err)
		return
	}

	c.mu.Lock()
	c.event = ev
	c.mu.Unlock()

	if wait {
		c.Wait()
	}
}

// Wait blocks until the pending initializing transfer, if any, has
// completed. The completion marker is consumed.
func (c *Container[T]) Wait() {
	c.mu.Lock()
	ev := c.event
	c.event = nil
	c.mu.Unlock()

	if ev == nil {
		return
	}
	if err := ev.Synchronize(); err != nil {
		c.failed("EventSynchronize", c.stream, err)
	}
	if err := ev.Destroy(); err != nil {
		c.failed("EventDestroy", c.stream, err)
	}
}

// Ptr returns the address of the first element, or nil after Free
func (c *Container[T]) Ptr() unsafe.Pointer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block.Ptr()
}

// Slice returns a view of the elements. It is nil when the memory is not
// host addressable or the container has been freed. The view must not be
// used after Free.
func (c *Container[T]) Slice() []T {
	c.mu.Lock()
	blk := c.block
	c.mu.Unlock()

	if blk.IsZero() || !blk.Location().HostAddressable() {
		return nil
	}
	return unsafe.Slice((*T)(blk.Ptr()), c.n)
}

func (c *Container[T]) Len() int               { return c.n }
func (c *Container[T]) Bytes() int64           { return int64(c.n) * elemSize[T]() }
func (c *Container[T]) Location() gpu.Location { return c.loc }
func (c *Container[T]) IsHost() bool           { return c.loc == gpu.LocationHost }
func (c *Container[T]) IsDevice() bool         { return c.loc == gpu.LocationDevice }
func (c *Container[T]) IsBoth() bool           { return c.loc == gpu.LocationBoth }
func (c *Container[T]) Stream() gpu.Stream     { return c.stream }
func (c *Container[T]) Name() string           { return c.name }
func (c *Container[T]) Type() dtype.DataType   { return dtype.Of[T]() }

// Err returns the first runtime failure recorded against the container.
// Failures are also reported to the allocator's FailureHandler.
func (c *Container[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// HostCopy returns the contents in a new host slice, waiting for any
// transfer off the accelerator to finish
func (c *Container[T]) HostCopy() []T {
	out := make([]T, c.n)
	c.copyOut(out)
	return out
}

// CopyTo copies the contents into dst, which must hold at least Len
// elements
func (c *Container[T]) CopyTo(dst []T) error {
	if len(dst) < c.n {
		return fmt.Errorf("%w: need %d elements, have %d", ErrInsufficientCapacity, c.n, len(dst))
	}
	c.copyOut(dst[:c.n])
	return nil
}

func (c *Container[T]) copyOut(dst []T) {
	c.mu.Lock()
	blk := c.block
	c.mu.Unlock()
	if blk.IsZero() {
		return
	}

	if c.onHost() {
		copy(dst, unsafe.Slice((*T)(blk.Ptr()), c.n))
		return
	}

	out := gpu.HostBlock(unsafe.Pointer(&dst[0]), c.Bytes())
	if err := c.stream.MemcpyAsync(out, blk, c.Bytes()); err != nil {
		c.failed("MemcpyAsync", c.stream, err)
		return
	}
	if err := c.stream.Synchronize(); err != nil {
		c.failed("StreamSynchronize", c.stream, err)
	}
}

// Free returns the block to the allocator. If the stream is still busy the
// return is deferred to a stream callback and Free returns immediately.
// During runtime shutdown nothing is released. Free is idempotent.
func (c *Container[T]) Free() {
	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		return
	}
	c.freed = true
	blk, ev := c.block, c.event
	c.block, c.event = gpu.Block{}, nil
	c.mu.Unlock()

	mem := c.mem
	if !mem.accelerated() {
		mem.release(blk)
		return
	}

	if ev != nil {
		if err := ev.Destroy(); err != nil {
			c.failed("EventDestroy", c.stream, err)
		}
	}

	err := c.stream.Query()
	switch {
	case err == nil:
		mem.release(blk)
	case errors.Is(err, gpu.ErrUnloading):
		// process teardown reclaims the memory
	case errors.Is(err, gpu.ErrNotReady):
		c.deferRelease(blk)
	default:
		c.failed("StreamQuery", c.stream, err)
		mem.release(blk)
	}
}

func (c *Container[T]) deferRelease(blk gpu.Block) {
	mem, name, loc, stream := c.mem, c.name, c.loc, c.stream

	err := stream.AddCallback(func(status error) {
		if status != nil && !errors.Is(status, gpu.ErrUnloading) {
			mem.report(Failure{Op: "StreamCallback", Container: name, Location: loc, Stream: stream.ID(), Err: status}.at(0))
		}
		mem.release(blk)
	})
	if err == nil || errors.Is(err, gpu.ErrUnloading) {
		return
	}

	c.failed("StreamAddCallback", stream, err)
	if err := stream.Synchronize(); err != nil {
		c.failed("StreamSynchronize", stream, err)
	}
	mem.release(blk)
}

// failed records err against the container and reports it with the
// caller's position. Unloading is not a failure.
func (c *Container[T]) failed(op string, s gpu.Stream, err error) {
	if errors.Is(err, gpu.ErrUnloading) {
		return
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("%s: %w", op, err)
	}
	c.mu.Unlock()

	f := Failure{Op: op, Container: c.name, Location: c.loc, Err: err}.at(1)
	if s != nil {
		f.Stream = s.ID()
	}
	c.mem.report(f)
}
