//go:build !linux

package gpu

import "unsafe"

// hostAlloc falls back to the Go heap where anonymous mappings are not
// wired up. The Block's pointer keeps the allocation alive.
func hostAlloc(size int64) (unsafe.Pointer, error) {
	data := make([]byte, size)
	return unsafe.Pointer(&data[0]), nil
}

func hostFree(ptr unsafe.Pointer, size int64) error {
	return nil
}
