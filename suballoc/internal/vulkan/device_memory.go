package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/memutils"
)

// MemoryDevice is the slice of the device that raw memory objects are created and destroyed through
type MemoryDevice interface {
	AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error)
	FreeMemory(memory core1_0.DeviceMemory)
}

type MemoryCallbacks interface {
	Allocate(memoryType int, memory core1_0.DeviceMemory, size int)
	Free(memoryType int, memory core1_0.DeviceMemory, size int)
}

type Budget struct {
	Statistics memutils.Statistics
	// Usage is the number of bytes of raw memory currently allocated from the heap
	Usage int
	// Budget is the number of bytes the allocator is permitted to allocate from the heap
	Budget int
}

// DeviceMemoryProperties is an immutable snapshot of the device's memory types and heaps, taken once
// when the allocator is created, together with atomic per-heap accounting of everything allocated
// through it. It is safe to use from multiple goroutines without any additional locking.
type DeviceMemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount [common.MaxMemoryHeaps]int32
	// Number of user allocations that have actually been doled out for use- this includes the number
	// of dedicated allocations + the number of block suballocations
	allocationCount [common.MaxMemoryHeaps]int32
	// Size of real allocations that have been made from device memory
	blockBytes [common.MaxMemoryHeaps]int64
	// Size of user allocations that have actually been doled out for use
	allocationBytes [common.MaxMemoryHeaps]int64
	memoryCount     uint32

	memoryCallbacks MemoryCallbacks
	device          MemoryDevice
	memoryTypes     []core1_0.MemoryType
	memoryHeaps     []core1_0.MemoryHeap
	heapLimits      []int
}

func NewDeviceMemoryProperties(
	device MemoryDevice,
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	memoryCallbacks MemoryCallbacks,
) (*DeviceMemoryProperties, error) {
	if memoryProperties == nil {
		return nil, errors.New("the device did not report any memory properties")
	}

	if len(memoryProperties.MemoryTypes) == 0 || len(memoryProperties.MemoryTypes) > common.MaxMemoryTypes {
		return nil, errors.Newf("the device reported %d memory types, but between 1 and %d are supported", len(memoryProperties.MemoryTypes), common.MaxMemoryTypes)
	}

	if len(memoryProperties.MemoryHeaps) == 0 || len(memoryProperties.MemoryHeaps) > common.MaxMemoryHeaps {
		return nil, errors.Newf("the device reported %d memory heaps, but between 1 and %d are supported", len(memoryProperties.MemoryHeaps), common.MaxMemoryHeaps)
	}

	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(memoryProperties.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, which does not exist", typeIndex, memoryType.HeapIndex)
		}
	}

	deviceMemory := &DeviceMemoryProperties{
		memoryCallbacks: memoryCallbacks,
		device:          device,
		memoryTypes:     append([]core1_0.MemoryType(nil), memoryProperties.MemoryTypes...),
		memoryHeaps:     append([]core1_0.MemoryHeap(nil), memoryProperties.MemoryHeaps...),
		heapLimits:      make([]int, len(memoryProperties.MemoryHeaps)),
	}

	for heapIndex, heap := range deviceMemory.memoryHeaps {
		deviceMemory.heapLimits[heapIndex] = heap.Size
	}

	return deviceMemory, nil
}

// SetHeapLimit records the number of bytes the allocator is permitted to take from a heap, for
// reporting through HeapBudgets. It must be called before the allocator is shared between goroutines.
func (m *DeviceMemoryProperties) SetHeapLimit(heapIndex int, limit int) {
	m.heapLimits[heapIndex] = limit
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryHeaps[heapIndex]
}

// CalculateGlobalMemoryTypeBits returns a mask with one bit set for every memory type the device reported
func (m *DeviceMemoryProperties) CalculateGlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	for memoryTypeIndex := 0; memoryTypeIndex < len(m.memoryTypes); memoryTypeIndex++ {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	atomic.AddUint32(&m.memoryCount, 1)
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}

	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

// AllocateDeviceMemory creates a new raw memory object on the device. The returned SharedMemory
// starts with a single reference, which belongs to the caller.
func (m *DeviceMemoryProperties) AllocateDeviceMemory(memoryTypeIndex int, size int) (*SharedMemory, common.VkResult, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(m.memoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to allocate from unknown memory type index %d", memoryTypeIndex)
	}

	vulkanMem, res, err := m.device.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, res, err
	}

	m.addBlockAllocation(m.MemoryTypeIndexToHeapIndex(memoryTypeIndex), size)

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, vulkanMem, size)
	}

	return newSharedMemory(m, vulkanMem, memoryTypeIndex, size), res, nil
}

func (m *DeviceMemoryProperties) freeDeviceMemory(memory *SharedMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memory.memoryTypeIndex, memory.memory, memory.size)
	}

	m.device.FreeMemory(memory.memory)
	m.removeBlockAllocation(m.MemoryTypeIndexToHeapIndex(memory.memoryTypeIndex), memory.size)
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

// HeapBudgets fills budgets with the current usage of consecutive heaps, starting at firstHeap
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes
		budgets[i].Budget = m.heapLimits[heapIndex]
	}
}

// AllocationCount is the number of raw memory objects currently alive on the device
func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}
