package container

import (
	"errors"

	"github.com/jiangwu1911/memtest/internal/gpu"
)

var (
	// ErrInvalidArgument is returned for zero-element containers, invalid
	// locations and non-positive byte sizes
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfMemory is returned when an allocation fails even after
	// reclaiming pooled memory
	ErrOutOfMemory = gpu.ErrOutOfMemory

	// ErrInsufficientCapacity is returned by CopyTo when the destination is
	// shorter than the container
	ErrInsufficientCapacity = errors.New("insufficient destination capacity")

	// ErrClosed is returned by an allocator after Close
	ErrClosed = errors.New("allocator closed")
)
