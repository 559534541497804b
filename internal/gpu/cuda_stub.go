//go:build !linux || !cgo || !cuda

package gpu

import "fmt"

// CUDADevice stub for builds without the cuda tag
type CUDADevice struct{}

// NewCUDADevice returns an error on builds without CUDA support
func NewCUDADevice(opts Options) (*CUDADevice, error) {
	return nil, fmt.Errorf("CUDA support requires Linux with CGO enabled (build with: go build -tags cuda)")
}

func (d *CUDADevice) Type() DeviceType { return DeviceTypeGPU }
func (d *CUDADevice) Name() string     { return "CUDA (unavailable)" }
func (d *CUDADevice) Allocate(size int64, loc Location) (Block, error) {
	return Block{}, fmt.Errorf("CUDA not available")
}
func (d *CUDADevice) Release(b Block) error                  { return fmt.Errorf("CUDA not available") }
func (d *CUDADevice) NewStream() (Stream, error)             { return nil, fmt.Errorf("CUDA not available") }
func (d *CUDADevice) MemoryUsage(loc Location) (int64, int64) { return 0, 0 }
func (d *CUDADevice) Free() error                            { return fmt.Errorf("CUDA not available") }
