package gpu

import "unsafe"

// Block is a raw allocation handed out by a Device. A Block is a value: it
// carries no ownership of its own, the pool and the container on top of it
// decide who may touch the bytes.
type Block struct {
	ptr  unsafe.Pointer
	size int64
	loc  Location

	// external is set for host memory the runtime did not allocate
	// (caller slices wrapped by HostBlock).
	external bool
}

// HostBlock wraps host memory owned by the caller so it can be used as the
// source or destination of a stream copy.
func HostBlock(ptr unsafe.Pointer, size int64) Block {
	return Block{ptr: ptr, size: size, loc: LocationHost, external: true}
}

// Ptr returns the raw address of the block. For LocationDevice blocks on a
// real accelerator this is a device address and must not be dereferenced.
func (b Block) Ptr() unsafe.Pointer { return b.ptr }

// Size returns the size of the block in bytes
func (b Block) Size() int64 { return b.size }

// Location returns where the block lives
func (b Block) Location() Location { return b.loc }

// IsZero reports whether b is the zero Block.
func (b Block) IsZero() bool { return b.ptr == nil }

// Bytes returns a host view of the block, or nil when the block is not host
// addressable.
func (b Block) Bytes() []byte {
	if b.ptr == nil || !b.loc.HostAddressable() {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// raw returns a byte view regardless of location. Only devices whose device
// memory lives in the process address space may use it.
func (b Block) raw() []byte {
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// copyBlocks copies n bytes between two blocks that both live in the process
// address space.
func copyBlocks(dst, src Block, n int64) error {
	if n > dst.size || n > src.size {
		return &CopyError{N: n, Dst: dst.size, Src: src.size}
	}
	copy(dst.raw()[:n], src.raw()[:n])
	return nil
}
