package suballoc

import "github.com/vkngwrapper/core/v2/core1_0"

// MemoryEvent describes a single raw memory object that the allocator created or destroyed
type MemoryEvent struct {
	MemoryTypeIndex int
	HeapIndex       int
	Memory          core1_0.DeviceMemory
	Size            int
}

// MemoryEventCallback receives a MemoryEvent along with the UserData from MemoryCallbackOptions
type MemoryEventCallback func(allocator *Allocator, event MemoryEvent, userData interface{})

// MemoryCallbackOptions is a set of callbacks that are executed whenever the allocator creates or
// destroys a raw memory object. Sub-allocations do not trigger them.
type MemoryCallbackOptions struct {
	Allocate MemoryEventCallback
	Free     MemoryEventCallback
	UserData interface{}
}

// memoryCallbacks adapts MemoryCallbackOptions to the raw memory layer, which only knows memory
// type indices
type memoryCallbacks struct {
	options   *MemoryCallbackOptions
	allocator *Allocator
}

func (c *memoryCallbacks) event(memoryType int, memory core1_0.DeviceMemory, size int) MemoryEvent {
	return MemoryEvent{
		MemoryTypeIndex: memoryType,
		HeapIndex:       c.allocator.deviceMemory.MemoryTypeIndexToHeapIndex(memoryType),
		Memory:          memory,
		Size:            size,
	}
}

func (c *memoryCallbacks) Allocate(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.options == nil || c.options.Allocate == nil {
		return
	}

	c.options.Allocate(c.allocator, c.event(memoryType, memory, size), c.options.UserData)
}

func (c *memoryCallbacks) Free(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.options == nil || c.options.Free == nil {
		return
	}

	c.options.Free(c.allocator, c.event(memoryType, memory, size), c.options.UserData)
}
