package suballoc

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/suballoc/internal/vulkan"
)

// Allocation is a byte range within a single raw memory object. It keeps the memory object alive
// until it is freed.
type Allocation struct {
	memory          *vulkan.SharedMemory
	pool            *heapPool
	offset          int
	size            int
	end             int
	heapIndex       int
	memoryTypeIndex int
	dedicated       bool

	freed atomic.Bool
}

// Memory is the raw memory object the allocation lives in
func (a *Allocation) Memory() core1_0.DeviceMemory { return a.memory.VulkanDeviceMemory() }

// Offset is the first byte of the allocation within Memory
func (a *Allocation) Offset() int { return a.offset }

// Size is the number of bytes that were requested for the allocation. The range reserved within
// Memory may be larger because of alignment padding.
func (a *Allocation) Size() int { return a.size }

// End is the first byte past the range reserved for the allocation. [Offset(), End()) is never
// shared with another allocation and is at least Size() bytes long.
func (a *Allocation) End() int { return a.end }


func (a *Allocation) HeapIndex() int       { return a.heapIndex }
func (a *Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }
func (a *Allocation) IsDedicated() bool    { return a.dedicated }

// Free returns the allocation to the allocator that created it. Freeing an allocation twice
// returns ErrAllocationFreed.
func (a *Allocation) Free() error {
	err := a.claim()
	if err != nil {
		return err
	}

	a.release()
	return nil
}

// claim marks the allocation as freed, failing if it was already freed
func (a *Allocation) claim() error {
	if a == nil {
		return errors.New("attempted to free a nil allocation")
	}
	if a.pool == nil {
		return errors.New("attempted to free an allocation that was not created by an allocator")
	}
	if !a.freed.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrAllocationFreed, "offset %d in heap %d", a.offset, a.heapIndex)
	}

	return nil
}

func (a *Allocation) release() {
	a.pool.Free(a.memory, a.offset, a.size)
}

// boundAllocation exposes the placement of an allocation that backs a buffer or image. It does not
// expose Free: bound memory is only released together with its resource, through Allocator.FreeBuffer
// or Allocator.FreeImage.
type boundAllocation struct {
	allocation *Allocation
}

func (b boundAllocation) Memory() core1_0.DeviceMemory { return b.allocation.Memory() }
func (b boundAllocation) Offset() int                  { return b.allocation.Offset() }
func (b boundAllocation) Size() int                    { return b.allocation.Size() }
func (b boundAllocation) End() int                     { return b.allocation.End() }
func (b boundAllocation) HeapIndex() int               { return b.allocation.HeapIndex() }
func (b boundAllocation) MemoryTypeIndex() int         { return b.allocation.MemoryTypeIndex() }
func (b boundAllocation) IsDedicated() bool            { return b.allocation.IsDedicated() }

// BufferAllocation is a buffer bound to the memory it was created with
type BufferAllocation struct {
	boundAllocation
	buffer core1_0.Buffer
}

func (b *BufferAllocation) Buffer() core1_0.Buffer { return b.buffer }

// ImageAllocation is an image bound to the memory it was created with
type ImageAllocation struct {
	boundAllocation
	image core1_0.Image
}

func (i *ImageAllocation) Image() core1_0.Image { return i.image }
