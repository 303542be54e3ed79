package suballoc

import (
	"context"
	"math/bits"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/suballoc/internal/vulkan"
	"golang.org/x/exp/slog"
)

// Budget reports the current usage of one memory heap
type Budget = vulkan.Budget

// AllocatorStatistics summarizes every block the allocator owns, per heap and in total
type AllocatorStatistics struct {
	MemoryHeaps []memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// Allocator packs buffers, images, and raw memory requests into a small number of large device
// memory blocks. Each memory heap has its own pool and lock, so allocations in different heaps
// proceed in parallel.
type Allocator struct {
	logger      *slog.Logger
	device      Device
	createFlags CreateFlags
	dedicated   bool

	globalMemoryTypeBits uint32
	deviceMemory         *vulkan.DeviceMemoryProperties
	pools                []*heapPool
}

// FindMemoryTypeIndex returns the memory type that would be chosen first for an allocation with
// the provided memory type bits and options
func (a *Allocator) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	o AllocationCreateInfo,
) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, &o)
}

func (a *Allocator) findMemoryTypeIndex(
	memoryTypeBits uint32,
	o *AllocationCreateInfo,
) (int, error) {
	memoryTypeBits &= a.globalMemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	requiredFlags, preferredFlags := o.memoryPreferences()

	bestMemoryTypeIndex := -1
	bestScore := -1

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1) << memTypeIndex

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		// Strictly greater, so the lowest index wins a tie
		score := bits.OnesCount32(uint32(preferredFlags & flags))
		if score > bestScore {
			bestMemoryTypeIndex = memTypeIndex
			bestScore = score
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(ErrNoCompatibleMemoryType, "memory type bits %#x with required flags %s", memoryTypeBits, requiredFlags)
	}

	return bestMemoryTypeIndex, nil
}

func (a *Allocator) calcAllocationParams(
	o *AllocationCreateInfo,
	requiresDedicatedAllocation bool,
) error {
	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.New("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot be specified together")
	}

	if a.dedicated || requiresDedicatedAllocation {
		o.Flags |= AllocationCreateDedicatedMemory
		o.Flags &^= AllocationCreateNeverAllocate
	}

	return nil
}

func (a *Allocator) allocateMemory(
	memoryRequirements MemoryRequirements,
	o *AllocationCreateInfo,
) (*Allocation, common.VkResult, error) {
	err := memutils.CheckPow2(memoryRequirements.Alignment, "MemoryRequirements.Alignment")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	if memoryRequirements.Size < 1 {
		return nil, core1_0.VKErrorUnknown, errors.New("provided memory requirement size was not a positive integer")
	}

	err = a.calcAllocationParams(o, memoryRequirements.RequiresDedicated)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	var lastErr error
	lastRes := core1_0.VKErrorOutOfDeviceMemory

	memoryBits := memoryRequirements.MemoryTypeBits
	for memoryBits != 0 {
		memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, o)
		if err != nil {
			break
		}

		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
		alloc, res, err := a.pools[heapIndex].Allocate(
			memoryTypeIndex,
			memoryRequirements.Size,
			uint(memoryRequirements.Alignment),
			o.Flags,
		)
		if err == nil {
			return alloc, res, nil
		}

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocation from memory type failed",
			slog.Int("MemoryTypeIndex", memoryTypeIndex),
			slog.Any("error", err),
		)

		lastErr, lastRes = err, res

		// Remove memory type index from possibilities
		memoryBits &^= uint32(1) << memoryTypeIndex
	}

	a.logger.Debug("  AllocateMemory FAILED")

	if lastErr != nil {
		return nil, lastRes, lastErr
	}

	return nil, core1_0.VKErrorOutOfDeviceMemory, errors.Mark(
		errors.Wrapf(ErrNoCompatibleMemoryType, "memory type bits %#x", memoryRequirements.MemoryTypeBits),
		ErrHeapExhausted,
	)
}

func (a *Allocator) owns(alloc *Allocation) bool {
	return alloc.pool != nil && alloc.heapIndex < len(a.pools) && a.pools[alloc.heapIndex] == alloc.pool
}

// AllocateMemory allocates memory that satisfies the provided requirements, for callers that create
// and bind their own resources
func (a *Allocator) AllocateMemory(memoryRequirements MemoryRequirements, o AllocationCreateInfo) (*Allocation, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateMemory")

	return a.allocateMemory(memoryRequirements, &o)
}

// FreeMemory frees an allocation created with AllocateMemory
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	a.logger.Debug("Allocator::FreeMemory")

	if alloc == nil {
		return errors.New("attempted to free a nil allocation")
	} else if !a.owns(alloc) {
		return errors.New("attempted to free an allocation that belongs to a different allocator")
	}

	return alloc.Free()
}

// AllocateBuffer creates a buffer of the provided size and usage, allocates memory for it, and binds
// the two together. On failure, nothing created along the way is left behind.
func (a *Allocator) AllocateBuffer(usage core1_0.BufferUsageFlags, size int, o AllocationCreateInfo) (*BufferAllocation, error) {
	a.logger.Debug("Allocator::AllocateBuffer")

	buffer, res, err := a.device.CreateBuffer(core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, &BufferError{Kind: ErrorKindCreation, Result: res, Err: err}
	}

	memReqs, err := a.device.BufferMemoryRequirements(buffer)
	if err != nil {
		a.device.DestroyBuffer(buffer)
		return nil, &BufferError{Kind: ErrorKindAlloc, Result: core1_0.VKErrorUnknown, Err: err}
	}

	alloc, res, err := a.allocateMemory(memReqs, &o)
	if err != nil {
		a.device.DestroyBuffer(buffer)
		return nil, &BufferError{Kind: allocationErrorKind(err), Result: res, Err: err}
	}

	res, err = a.device.BindBufferMemory(buffer, alloc.Memory(), alloc.Offset())
	if err != nil {
		a.device.DestroyBuffer(buffer)
		freeErr := alloc.Free()
		if freeErr != nil {
			a.logger.Error("error attempting to free allocation after bind failure", slog.Any("error", freeErr))
		}
		return nil, &BufferError{Kind: ErrorKindBind, Result: res, Err: err}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Bound buffer",
		slog.Int("HeapIndex", alloc.HeapIndex()),
		slog.Int("Offset", alloc.Offset()),
		slog.Int("Size", alloc.Size()),
	)

	return &BufferAllocation{boundAllocation: boundAllocation{allocation: alloc}, buffer: buffer}, nil
}

// FreeBuffer destroys a buffer created with AllocateBuffer and frees its memory
func (a *Allocator) FreeBuffer(buffer *BufferAllocation) error {
	a.logger.Debug("Allocator::FreeBuffer")

	if buffer == nil || buffer.allocation == nil {
		return errors.New("attempted to free a nil buffer allocation")
	} else if !a.owns(buffer.allocation) {
		return errors.New("attempted to free a buffer allocation that belongs to a different allocator")
	}

	err := buffer.allocation.claim()
	if err != nil {
		return err
	}

	a.device.DestroyBuffer(buffer.buffer)
	buffer.allocation.release()
	return nil
}

// AllocateImage creates an image, allocates memory for it, and binds the two together. The create
// info describes the image's kind and extent, mip levels, format, tiling, usage, and view
// capabilities. On failure, nothing created along the way is left behind.
func (a *Allocator) AllocateImage(imageInfo core1_0.ImageCreateInfo, o AllocationCreateInfo) (*ImageAllocation, error) {
	a.logger.Debug("Allocator::AllocateImage")

	image, res, err := a.device.CreateImage(imageInfo)
	if err != nil {
		return nil, &ImageError{Kind: ErrorKindCreation, Result: res, Err: err}
	}

	memReqs, err := a.device.ImageMemoryRequirements(image)
	if err != nil {
		a.device.DestroyImage(image)
		return nil, &ImageError{Kind: ErrorKindAlloc, Result: core1_0.VKErrorUnknown, Err: err}
	}

	alloc, res, err := a.allocateMemory(memReqs, &o)
	if err != nil {
		a.device.DestroyImage(image)
		return nil, &ImageError{Kind: allocationErrorKind(err), Result: res, Err: err}
	}

	res, err = a.device.BindImageMemory(image, alloc.Memory(), alloc.Offset())
	if err != nil {
		a.device.DestroyImage(image)
		freeErr := alloc.Free()
		if freeErr != nil {
			a.logger.Error("error attempting to free allocation after bind failure", slog.Any("error", freeErr))
		}
		return nil, &ImageError{Kind: ErrorKindBind, Result: res, Err: err}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Bound image",
		slog.Int("HeapIndex", alloc.HeapIndex()),
		slog.Int("Offset", alloc.Offset()),
		slog.Int("Size", alloc.Size()),
	)

	return &ImageAllocation{boundAllocation: boundAllocation{allocation: alloc}, image: image}, nil
}

// FreeImage destroys an image created with AllocateImage and frees its memory
func (a *Allocator) FreeImage(image *ImageAllocation) error {
	a.logger.Debug("Allocator::FreeImage")

	if image == nil || image.allocation == nil {
		return errors.New("attempted to free a nil image allocation")
	} else if !a.owns(image.allocation) {
		return errors.New("attempted to free an image allocation that belongs to a different allocator")
	}

	err := image.allocation.claim()
	if err != nil {
		return err
	}

	a.device.DestroyImage(image.image)
	image.allocation.release()
	return nil
}

// HeapBudgets reports the current usage and limit of every memory heap
func (a *Allocator) HeapBudgets() []Budget {
	a.logger.Debug("Allocator::HeapBudgets")

	budgets := make([]Budget, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.HeapBudgets(0, budgets)
	return budgets
}

// CalculateStatistics walks every block the allocator owns. It is slower than HeapBudgets and
// takes every heap's lock in turn.
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	stats.Total.Clear()
	stats.MemoryHeaps = make([]memutils.DetailedStatistics, len(a.pools))

	for heapIndex, pool := range a.pools {
		stats.MemoryHeaps[heapIndex].Clear()
		pool.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// BuildStatsString returns a JSON document describing every heap. When detailed is true, each
// block's chunk map is included.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)
	budgets := a.HeapBudgets()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	totalObj := rootObj.Name("Total").Object()
	stats.Total.WriteJson(&totalObj)
	totalObj.End()

	heapsObj := rootObj.Name("MemoryHeaps").Object()
	for heapIndex, pool := range a.pools {
		heap := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapObj := heapsObj.Name(strconv.Itoa(heapIndex)).Object()
		heapObj.Name("Size").Int(heap.Size)
		heapObj.Name("Flags").String(heap.Flags.String())
		heapObj.Name("MaxBytes").Int(pool.MaxBytes())
		heapObj.Name("BlockSize").Int(pool.BlockSize())

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BlockBytes").Int(budgets[heapIndex].Statistics.BlockBytes)
		budgetObj.Name("AllocationBytes").Int(budgets[heapIndex].Statistics.AllocationBytes)
		budgetObj.Name("Usage").Int(budgets[heapIndex].Usage)
		budgetObj.Name("Budget").Int(budgets[heapIndex].Budget)
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		stats.MemoryHeaps[heapIndex].WriteJson(&statsObj)
		statsObj.End()

		typesObj := heapObj.Name("MemoryTypes").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := typesObj.Name(strconv.Itoa(typeIndex)).Object()
			typeObj.Name("PropertyFlags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())
			typeObj.End()
		}
		typesObj.End()

		if detailed {
			pool.PrintDetailedMap(&heapObj)
		}

		heapObj.End()
	}
	heapsObj.End()

	rootObj.End()
	return string(writer.Bytes())
}

// Validate checks the internal consistency of every heap. It should never return an error.
func (a *Allocator) Validate() error {
	for _, pool := range a.pools {
		err := pool.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

// Destroy frees every block the allocator owns. It fails, logging each leaked allocation, if any
// allocations are still live.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	var err error
	for _, pool := range a.pools {
		err = errors.CombineErrors(err, pool.Destroy())
	}

	return err
}
