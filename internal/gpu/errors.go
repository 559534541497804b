package gpu

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned when a device cannot satisfy an allocation
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNotReady is returned by Stream.Query while work is still queued
	ErrNotReady = errors.New("stream not ready")

	// ErrUnloading is returned once the runtime is shutting down. Callers
	// must not try to free memory through the runtime after seeing it.
	ErrUnloading = errors.New("runtime unloading")

	// ErrDeviceClosed is returned by operations on a device after Free
	ErrDeviceClosed = errors.New("device closed")
)

// CopyError reports a transfer whose length exceeds one of its blocks
type CopyError struct {
	N   int64
	Dst int64
	Src int64
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy size %d exceeds buffer size (dst: %d, src: %d)", e.N, e.Dst, e.Src)
}
