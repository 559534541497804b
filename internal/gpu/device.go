package gpu

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// Device represents a compute device (CPU or accelerator) together with its
// memory allocator and execution streams
type Device interface {
	// Type returns the device type
	Type() DeviceType

	// Name returns a human-readable device name
	Name() string

	// Allocate allocates a block of exactly size bytes at loc. A device
	// without an accelerator places every block on the host.
	Allocate(size int64, loc Location) (Block, error)

	// Release returns a block to the underlying system or device allocator
	Release(b Block) error

	// NewStream creates an execution stream
	NewStream() (Stream, error)

	// MemoryUsage returns bytes currently allocated at loc and the budget
	// for loc (0 = unlimited)
	MemoryUsage(loc Location) (used, limit int64)

	// Free shuts the runtime down. Streams report ErrUnloading afterwards.
	Free() error
}

// DeviceType represents the type of compute device
type DeviceType int

const (
	DeviceTypeCPU DeviceType = iota
	DeviceTypeGPU
)

func (dt DeviceType) String() string {
	switch dt {
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeGPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Accelerated reports whether d runs work asynchronously on an accelerator
func Accelerated(d Device) bool {
	return d.Type() == DeviceTypeGPU
}

// Options configures device construction
type Options struct {
	// HostLimit caps bytes allocated on the host (0 = unlimited)
	HostLimit int64

	// DeviceLimit caps bytes allocated in accelerator memory (0 = unlimited)
	DeviceLimit int64

	// Latency is added to every transfer on emulated streams
	Latency time.Duration
}

// GetDefaultDevice returns the default device for the current system:
// CUDA when compiled in and available, otherwise the CPU
func GetDefaultDevice(opts Options) (Device, error) {
	if runtime.GOOS == "linux" {
		dev, err := NewCUDADevice(opts)
		if err == nil {
			return dev, nil
		}
		// Fall back to CPU if CUDA is unavailable
	}

	return NewCPUDevice(opts), nil
}

// GetDevice returns a device by kind: "auto", "cpu", "emulated" or "cuda"
func GetDevice(kind string, opts Options) (Device, error) {
	switch strings.ToLower(kind) {
	case "", "auto":
		return GetDefaultDevice(opts)
	case "cpu", "host":
		return NewCPUDevice(opts), nil
	case "emulated", "emu":
		return NewEmulatedDevice(opts), nil
	case "cuda", "gpu":
		dev, err := NewCUDADevice(opts)
		if err != nil {
			return nil, err
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("unknown device kind: %q", kind)
	}
}

// CPUDevice is a device without an asynchronous runtime. Every location
// degrades to host memory and every stream is synchronous.
type CPUDevice struct {
	name   string
	host   budget
	nextID atomic.Int32
	closed atomic.Bool
}

// NewCPUDevice creates a new CPU device
func NewCPUDevice(opts Options) *CPUDevice {
	d := &CPUDevice{
		name: fmt.Sprintf("CPU (%s)", runtime.GOARCH),
	}
	d.host.limit = opts.HostLimit
	return d
}

func (d *CPUDevice) Type() DeviceType { return DeviceTypeCPU }
func (d *CPUDevice) Name() string     { return d.name }

func (d *CPUDevice) Allocate(size int64, loc Location) (Block, error) {
	if d.closed.Load() {
		return Block{}, ErrDeviceClosed
	}
	if size <= 0 {
		return Block{}, fmt.Errorf("invalid buffer size: %d", size)
	}
	if !d.host.reserve(size) {
		return Block{}, fmt.Errorf("%w: host budget exhausted allocating %d bytes", ErrOutOfMemory, size)
	}
	ptr, err := hostAlloc(size)
	if err != nil {
		d.host.give(size)
		return Block{}, err
	}
	return Block{ptr: ptr, size: size, loc: LocationHost}, nil
}

func (d *CPUDevice) Release(b Block) error {
	if b.IsZero() || b.external {
		return nil
	}
	d.host.give(b.size)
	return hostFree(b.ptr, b.size)
}

func (d *CPUDevice) NewStream() (Stream, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	return &syncStream{id: int(d.nextID.Add(1)) - 1}, nil
}

func (d *CPUDevice) MemoryUsage(loc Location) (int64, int64) {
	return d.host.used.Load(), d.host.limit
}

func (d *CPUDevice) Free() error {
	d.closed.Store(true)
	return nil
}

// budget tracks bytes allocated against an optional limit
type budget struct {
	limit int64
	used  atomic.Int64
}

func (b *budget) reserve(n int64) bool {
	for {
		used := b.used.Load()
		if b.limit > 0 && used+n > b.limit {
			return false
		}
		if b.used.CompareAndSwap(used, used+n) {
			return true
		}
	}
}

func (b *budget) give(n int64) {
	b.used.Add(-n)
}
