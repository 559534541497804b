//go:build linux

package gpu

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// hostAlloc maps size bytes of anonymous memory. The mapping lives outside
// the Go heap, so the collector never scans or moves it.
func hostAlloc(size int64) (unsafe.Pointer, error) {
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, size, err)
		}
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return unsafe.Pointer(&data[0]), nil
}

// hostFree unmaps memory returned by hostAlloc.
func hostFree(ptr unsafe.Pointer, size int64) error {
	if err := unix.Munmap(unsafe.Slice((*byte)(ptr), size)); err != nil {
		return fmt.Errorf("munmap %d bytes: %w", size, err)
	}
	return nil
}
