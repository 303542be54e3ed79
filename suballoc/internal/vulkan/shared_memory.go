package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// SharedMemory is a reference-counted raw memory object. The block that owns the memory holds one
// reference and every live suballocation in the block holds another. The memory is returned to the
// device when the last reference is released, and never before.
type SharedMemory struct {
	properties      *DeviceMemoryProperties
	memory          core1_0.DeviceMemory
	memoryTypeIndex int
	size            int

	references int32
}

func newSharedMemory(properties *DeviceMemoryProperties, memory core1_0.DeviceMemory, memoryTypeIndex int, size int) *SharedMemory {
	return &SharedMemory{
		properties:      properties,
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
		references:      1,
	}
}

func (m *SharedMemory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *SharedMemory) MemoryTypeIndex() int { return m.memoryTypeIndex }
func (m *SharedMemory) Size() int            { return m.size }

func (m *SharedMemory) References() int {
	return int(atomic.LoadInt32(&m.references))
}

// Acquire adds a reference to memory that is still alive
func (m *SharedMemory) Acquire() {
	newVal := atomic.AddInt32(&m.references, 1)
	if newVal <= 1 {
		panic(fmt.Sprintf("acquired a reference to device memory of type %d that was already released", m.memoryTypeIndex))
	}
}

// Release drops a reference and frees the underlying device memory if it was the last one. It
// returns true if the memory was freed.
func (m *SharedMemory) Release() bool {
	newVal := atomic.AddInt32(&m.references, -1)
	if newVal < 0 {
		panic(fmt.Sprintf("device memory of type %d was released more times than it was acquired", m.memoryTypeIndex))
	}

	if newVal > 0 {
		return false
	}

	m.properties.freeDeviceMemory(m)
	return true
}
