//go:build linux && cgo && cuda

package gpu

/*
#cgo CFLAGS: -I/opt/cuda/include -I/usr/local/cuda/include
#cgo LDFLAGS: -L/opt/cuda/lib64 -L/usr/local/cuda/lib64 -lcudart

#include <stdint.h>
#include <cuda_runtime.h>

cudaError_t addStreamCallback(cudaStream_t stream, uintptr_t handle);
*/
import "C"
import (
	"fmt"
	"runtime"
	"runtime/cgo"
	"sync"
	"sync/atomic"
	"unsafe"
)

// CUDADevice represents a CUDA GPU device
type CUDADevice struct {
	deviceID  int
	name      string
	budgets   [NumLocations]budget
	nextID    atomic.Int32
	unloading atomic.Bool

	mu      sync.Mutex
	streams []*cudaStream
}

// Singleton CUDA device. Multiple CUDA contexts waste GPU memory
var (
	cudaDeviceSingleton *CUDADevice
	cudaDeviceOnce      sync.Once
	cudaDeviceErr       error
)

// NewCUDADevice returns the singleton CUDA device (created on first call)
func NewCUDADevice(opts Options) (*CUDADevice, error) {
	cudaDeviceOnce.Do(func() {
		cudaDeviceSingleton, cudaDeviceErr = initCUDADevice(opts)
	})
	return cudaDeviceSingleton, cudaDeviceErr
}

func cudaError(op string, err C.cudaError_t) error {
	switch err {
	case C.cudaSuccess:
		return nil
	case C.cudaErrorNotReady:
		return ErrNotReady
	case C.cudaErrorCudartUnloading:
		return ErrUnloading
	case C.cudaErrorMemoryAllocation:
		return fmt.Errorf("%w: %s: %s", ErrOutOfMemory, op, C.GoString(C.cudaGetErrorString(err)))
	default:
		return fmt.Errorf("%s: %s (%d)", op, C.GoString(C.cudaGetErrorString(err)), int(err))
	}
}

// initCUDADevice creates and initializes the CUDA device
func initCUDADevice(opts Options) (*CUDADevice, error) {
	var deviceCount C.int
	if err := cudaError("cudaGetDeviceCount", C.cudaGetDeviceCount(&deviceCount)); err != nil {
		return nil, fmt.Errorf("CUDA not available: %w", err)
	}
	if deviceCount == 0 {
		return nil, fmt.Errorf("no CUDA devices found")
	}

	deviceID := 0
	if err := cudaError("cudaSetDevice", C.cudaSetDevice(C.int(deviceID))); err != nil {
		return nil, fmt.Errorf("failed to set CUDA device %d: %w", deviceID, err)
	}

	var props C.struct_cudaDeviceProp
	if err := cudaError("cudaGetDeviceProperties", C.cudaGetDeviceProperties(&props, C.int(deviceID))); err != nil {
		return nil, err
	}

	dev := &CUDADevice{
		deviceID: deviceID,
		name:     C.GoString(&props.name[0]),
	}
	dev.budgets[LocationHost].limit = opts.HostLimit
	dev.budgets[LocationDevice].limit = opts.DeviceLimit
	dev.budgets[LocationBoth].limit = opts.DeviceLimit
	return dev, nil
}

func (d *CUDADevice) Type() DeviceType { return DeviceTypeGPU }
func (d *CUDADevice) Name() string     { return d.name }

// Allocate uses pinned host memory for LocationHost, device memory for
// LocationDevice and managed memory for LocationBoth.
func (d *CUDADevice) Allocate(size int64, loc Location) (Block, error) {
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
		return Block{}, fmt.Errorf("%w: budget exhausted allocating %d bytes at %s", ErrOutOfMemory, size, loc)
	}

	var ptr unsafe.Pointer
	var err error
	switch loc {
	case LocationHost:
		err = cudaError("cudaMallocHost", C.cudaMallocHost(&ptr, C.size_t(size)))
	case LocationDevice:
		err = cudaError("cudaMalloc", C.cudaMalloc(&ptr, C.size_t(size)))
	case LocationBoth:
		err = cudaError("cudaMallocManaged", C.cudaMallocManaged(&ptr, C.size_t(size), C.cudaMemAttachGlobal))
	}
	if err != nil {
		d.budgets[loc].give(size)
		return Block{}, err
	}
	return Block{ptr: ptr, size: size, loc: loc}, nil
}

func (d *CUDADevice) Release(b Block) error {
	if b.IsZero() || b.external || !b.loc.Valid() {
		return nil
	}
	d.budgets[b.loc].give(b.size)
	if b.loc == LocationHost {
		return cudaError("cudaFreeHost", C.cudaFreeHost(b.ptr))
	}
	return cudaError("cudaFree", C.cudaFree(b.ptr))
}

func (d *CUDADevice) NewStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unloading.Load() {
		return nil, ErrDeviceClosed
	}
	var s C.cudaStream_t
	if err := cudaError("cudaStreamCreate", C.cudaStreamCreate(&s)); err != nil {
		return nil, err
	}
	stream := &cudaStream{id: int(d.nextID.Add(1)) - 1, dev: d, handle: s}
	d.streams = append(d.streams, stream)
	return stream, nil
}

func (d *CUDADevice) MemoryUsage(loc Location) (int64, int64) {
	if loc == LocationDevice {
		var free, total C.size_t
		if C.cudaMemGetInfo(&free, &total) == C.cudaSuccess {
			return int64(total) - int64(free), int64(total)
		}
	}
	if !loc.Valid() {
		return 0, 0
	}
	return d.budgets[loc].used.Load(), d.budgets[loc].limit
}

func (d *CUDADevice) Free() error {
	d.unloading.Store(true)

	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	for _, s := range streams {
		C.cudaStreamSynchronize(s.handle)
		C.cudaStreamDestroy(s.handle)
	}

	if err := cudaError("cudaDeviceReset", C.cudaDeviceReset()); err != nil {
		return fmt.Errorf("failed to reset CUDA device: %w", err)
	}
	return nil
}

// cudaStream wraps a cudaStream_t
type cudaStream struct {
	id     int
	dev    *CUDADevice
	handle C.cudaStream_t
}

func (s *cudaStream) ID() int { return s.id }

func (s *cudaStream) Query() error {
	if s.dev.unloading.Load() {
		return ErrUnloading
	}
	return cudaError("cudaStreamQuery", C.cudaStreamQuery(s.handle))
}

// MemcpyAsync pins caller-owned Go memory until the copy has run
func (s *cudaStream) MemcpyAsync(dst, src Block, n int64) error {
	if n > dst.size || n > src.size {
		return &CopyError{N: n, Dst: dst.size, Src: src.size}
	}

	var pinner runtime.Pinner
	if dst.external {
		pinner.Pin(dst.ptr)
	}
	if src.external {
		pinner.Pin(src.ptr)
	}

	err := cudaError("cudaMemcpyAsync",
		C.cudaMemcpyAsync(dst.ptr, src.ptr, C.size_t(n), C.cudaMemcpyDefault, s.handle))
	if err != nil {
		pinner.Unpin()
		return err
	}
	if dst.external || src.external {
		if err := s.AddCallback(func(error) { pinner.Unpin() }); err != nil {
			C.cudaStreamSynchronize(s.handle)
			pinner.Unpin()
			return err
		}
	}
	return nil
}

func (s *cudaStream) RecordEvent() (Event, error) {
	var ev C.cudaEvent_t
	if err := cudaError("cudaEventCreateWithFlags", C.cudaEventCreateWithFlags(&ev, C.cudaEventDisableTiming)); err != nil {
		return nil, err
	}
	if err := cudaError("cudaEventRecord", C.cudaEventRecord(ev, s.handle)); err != nil {
		C.cudaEventDestroy(ev)
		return nil, err
	}
	return &cudaEvent{handle: ev}, nil
}

func (s *cudaStream) AddCallback(fn func(status error)) error {
	h := cgo.NewHandle(fn)
	if err := cudaError("cudaStreamAddCallback", C.addStreamCallback(s.handle, C.uintptr_t(h))); err != nil {
		h.Delete()
		return err
	}
	return nil
}

func (s *cudaStream) Synchronize() error {
	return cudaError("cudaStreamSynchronize", C.cudaStreamSynchronize(s.handle))
}

//export goStreamCallback
func goStreamCallback(handle C.uintptr_t, status C.int) {
	h := cgo.Handle(handle)
	fn := h.Value().(func(error))
	h.Delete()
	fn(cudaError("stream callback", C.cudaError_t(status)))
}

// cudaEvent wraps a cudaEvent_t
type cudaEvent struct {
	handle C.cudaEvent_t
}

func (e *cudaEvent) Synchronize() error {
	return cudaError("cudaEventSynchronize", C.cudaEventSynchronize(e.handle))
}

func (e *cudaEvent) Destroy() error {
	return cudaError("cudaEventDestroy", C.cudaEventDestroy(e.handle))
}
