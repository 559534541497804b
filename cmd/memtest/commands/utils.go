package commands

import (
	"errors"
	"fmt"

	"github.com/jiangwu1911/memtest/internal/config"
	"github.com/jiangwu1911/memtest/internal/container"
	"github.com/jiangwu1911/memtest/internal/gpu"
)

// openDevice returns the device selected by the configuration
func openDevice(c *config.Config) (gpu.Device, error) {
	dev, err := gpu.GetDevice(c.Device.Kind, c.DeviceOptions())
	if err != nil {
		if c.Device.Kind == "cuda" {
			return nil, fmt.Errorf("CUDA not available: %w\nBuild with -tags cuda and make sure the NVIDIA driver is loaded, or use --device emulated", err)
		}
		return nil, err
	}
	return dev, nil
}

// openAllocator opens the configured device and an allocator on top of it.
// The returned close function shuts both down.
func openAllocator(c *config.Config) (*container.Allocator, func() error, error) {
	dev, err := openDevice(c)
	if err != nil {
		return nil, nil, err
	}

	a, err := container.NewAllocator(dev, allocatorConfig(c))
	if err != nil {
		dev.Free()
		return nil, nil, err
	}

	closeFn := func() error {
		return errors.Join(a.Close(), dev.Free())
	}
	return a, closeFn, nil
}

func allocatorConfig(c *config.Config) container.AllocatorConfig {
	return container.AllocatorConfig{
		IdleTimeout:   c.Allocator.IdleTimeout,
		SweepInterval: c.Allocator.SweepInterval,
		Streams:       c.Allocator.Streams,
	}
}

// deviceLabel returns a human-readable device name with its kind
func deviceLabel(dev gpu.Device) string {
	switch d := dev.(type) {
	case *gpu.CPUDevice:
		return fmt.Sprintf("%s (CPU mode)", d.Name())
	case *gpu.EmulatedDevice:
		return fmt.Sprintf("%s (software accelerator)", d.Name())
	default:
		if gpu.Accelerated(dev) {
			return fmt.Sprintf("%s (CUDA GPU)", dev.Name())
		}
		return dev.Name()
	}
}
