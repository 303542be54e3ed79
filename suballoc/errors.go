package suballoc

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

var (
	// ErrHeapExhausted is returned when every candidate memory type was tried and none of them
	// had enough remaining capacity. The caller may retry with relaxed constraints.
	ErrHeapExhausted = errors.New("all compatible heaps are exhausted")
	// ErrNoFreeBlock is returned from allocations made with AllocationCreateNeverAllocate when no
	// existing block had room. It is a signal not to grow the pool rather than a hard failure.
	ErrNoFreeBlock = errors.New("no existing block has room for the allocation")
	// ErrNoCompatibleMemoryType is returned when no memory type satisfies both the resource's
	// memory type bits and the allocation's required flags
	ErrNoCompatibleMemoryType = errors.New("no memory type is compatible with the allocation")
	// ErrAllocationFreed is returned when an allocation is freed more than once
	ErrAllocationFreed = errors.New("allocation has already been freed")

	// errDeviceAllocation marks errors returned by the device while creating raw memory
	errDeviceAllocation = errors.New("device memory allocation failed")
)

// ErrorKind identifies the stage of a buffer or image allocation that failed
type ErrorKind int

const (
	// ErrorKindCreation is a failure to create the buffer or image on the device
	ErrorKindCreation ErrorKind = iota
	// ErrorKindAlloc is a failure of the device while providing memory for the resource: the memory
	// requirements query or the raw memory allocation
	ErrorKindAlloc
	// ErrorKindBind is a failure to bind the allocated memory to the resource
	ErrorKindBind
	// ErrorKindAllocator is a failure of the allocator to place the resource without any device
	// error, such as ErrHeapExhausted or invalid memory requirements
	ErrorKindAllocator
)

var errorKindMapping = map[ErrorKind]string{
	ErrorKindCreation:  "creation",
	ErrorKindAlloc:     "allocation",
	ErrorKindBind:      "bind",
	ErrorKindAllocator: "allocator",
}

func (k ErrorKind) String() string {
	str, ok := errorKindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

func allocationErrorKind(err error) ErrorKind {
	if errors.Is(err, errDeviceAllocation) {
		return ErrorKindAlloc
	}
	return ErrorKindAllocator
}

// BufferError is returned from Allocator.AllocateBuffer. Device errors are carried unchanged in Err,
// along with the VkResult the device returned, so errors.Is and errors.As see through it.
type BufferError struct {
	Kind   ErrorKind
	Result common.VkResult
	Err    error
}

func (e *BufferError) Error() string {
	return fmt.Sprintf("buffer %s failed (%s): %v", e.Kind, e.Result, e.Err)
}

func (e *BufferError) Unwrap() error {
	return e.Err
}

// ImageError is returned from Allocator.AllocateImage. Device errors are carried unchanged in Err,
// along with the VkResult the device returned, so errors.Is and errors.As see through it.
type ImageError struct {
	Kind   ErrorKind
	Result common.VkResult
	Err    error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image %s failed (%s): %v", e.Kind, e.Result, e.Err)
}

func (e *ImageError) Unwrap() error {
	return e.Err
}
