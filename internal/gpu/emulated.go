package gpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/eapache/queue"
)

var errEventDestroyed = errors.New("event already destroyed")

// EmulatedDevice is a software accelerator. Device memory is a separate
// allocation in the process address space and every stream is a goroutine
// draining an ordered task queue, so asynchronous semantics (deferred
// completion, callbacks, events) behave like a real runtime without
// hardware.
type EmulatedDevice struct {
	name      string
	latency   time.Duration
	budgets   [NumLocations]budget
	nextID    atomic.Int32
	unloading atomic.Bool

	mu      sync.Mutex
	streams []*workerStream
}

// NewEmulatedDevice creates an emulated accelerator
func NewEmulatedDevice(opts Options) *EmulatedDevice {
	d := &EmulatedDevice{
		name:    "Emulated GPU",
		latency: opts.Latency,
	}
	d.budgets[LocationHost].limit = opts.HostLimit
	d.budgets[LocationDevice].limit = opts.DeviceLimit
	d.budgets[LocationBoth].limit = opts.DeviceLimit
	return d
}

func (d *EmulatedDevice) Type() DeviceType { return DeviceTypeGPU }
func (d *EmulatedDevice) Name() string     { return d.name }

func (d *EmulatedDevice) Allocate(size int64, loc Location) (Block, error) {
	if d.unloading.Load() {
		return Block{}, ErrDeviceClosed
	}
	if size <= 0 {
		return Block{}, fmt.Errorf("invalid buffer size: %d", size)
	}
	if !loc.Valid() {
		return Block{}, fmt.Errorf("invalid location: %v", loc)
	}
	if !d.budgets[loc].reserve(size) {
		used, limit := d.MemoryUsage(loc)
		return Block{}, fmt.Errorf("%w: %d bytes at %s (used %d of %d)", ErrOutOfMemory, size, loc, used, limit)
	}

	if loc == LocationDevice {
		data := make([]byte, size)
		return Block{ptr: unsafe.Pointer(&data[0]), size: size, loc: loc}, nil
	}

	ptr, err := hostAlloc(size)
	if err != nil {
		d.budgets[loc].give(size)
		return Block{}, err
	}
	return Block{ptr: ptr, size: size, loc: loc}, nil
}

func (d *EmulatedDevice) Release(b Block) error {
	if b.IsZero() || b.external || !b.loc.Valid() {
		return nil
	}
	d.budgets[b.loc].give(b.size)
	if b.loc == LocationDevice {
		return nil
	}
	return hostFree(b.ptr, b.size)
}

func (d *EmulatedDevice) NewStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unloading.Load() {
		return nil, ErrDeviceClosed
	}
	s := newWorkerStream(int(d.nextID.Add(1))-1, d)
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *EmulatedDevice) MemoryUsage(loc Location) (int64, int64) {
	if !loc.Valid() {
		return 0, 0
	}
	return d.budgets[loc].used.Load(), d.budgets[loc].limit
}

// Free marks the runtime as unloading and stops every stream once its
// queued work has drained.
func (d *EmulatedDevice) Free() error {
	d.unloading.Store(true)

	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	return nil
}

// workerStream executes tasks in issue order on a dedicated goroutine
type workerStream struct {
	id  int
	dev *EmulatedDevice

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool
	err    error

	pending atomic.Int64
	done    chan struct{}
}

func newWorkerStream(id int, dev *EmulatedDevice) *workerStream {
	s := &workerStream{
		id:    id,
		dev:   dev,
		tasks: queue.New(),
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *workerStream) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for s.tasks.Length() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.tasks.Length() == 0 {
			s.mu.Unlock()
			return
		}
		task := s.tasks.Remove().(func() error)
		s.mu.Unlock()

		if err := task(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
		s.pending.Add(-1)
	}
}

// enqueue never blocks on queued work
func (s *workerStream) enqueue(task func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnloading
	}
	s.pending.Add(1)
	s.tasks.Add(task)
	s.mu.Unlock()
	s.cond.Signal()
	return nil
}

func (s *workerStream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	<-s.done
}

func (s *workerStream) ID() int { return s.id }

func (s *workerStream) Query() error {
	if s.dev.unloading.Load() {
		return ErrUnloading
	}
	if s.pending.Load() > 0 {
		return ErrNotReady
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *workerStream) MemcpyAsync(dst, src Block, n int64) error {
	if n > dst.size || n > src.size {
		return &CopyError{N: n, Dst: dst.size, Src: src.size}
	}
	latency := s.dev.latency
	return s.enqueue(func() error {
		if latency > 0 {
			time.Sleep(latency)
		}
		return copyBlocks(dst, src, n)
	})
}

func (s *workerStream) RecordEvent() (Event, error) {
	ev := &emulatedEvent{done: make(chan struct{})}
	if err := s.enqueue(func() error {
		close(ev.done)
		return nil
	}); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *workerStream) AddCallback(fn func(status error)) error {
	return s.enqueue(func() error {
		s.mu.Lock()
		status := s.err
		s.mu.Unlock()
		fn(status)
		return nil
	})
}

func (s *workerStream) Synchronize() error {
	ev, err := s.RecordEvent()
	if err != nil {
		return err
	}
	return ev.Synchronize()
}

// emulatedEvent completes when its marker task runs
type emulatedEvent struct {
	done      chan struct{}
	destroyed atomic.Bool
}

func (e *emulatedEvent) Synchronize() error {
	if e.destroyed.Load() {
		return errEventDestroyed
	}
	<-e.done
	return nil
}

func (e *emulatedEvent) Destroy() error {
	if !e.destroyed.CompareAndSwap(false, true) {
		return errEventDestroyed
	}
	return nil
}
