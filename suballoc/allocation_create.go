package suballoc

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryUsage is an enum passed to the Usage field of AllocationCreateInfo to
// indicate how memory types are to be selected for the allocation in question.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown indicates no intended memory usage was specified. When choosing a memory type,
	// the Allocator uses only the RequiredFlags and PreferredFlags specified in AllocationCreateInfo.
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly is memory that the device reads and writes and the host never touches.
	// DeviceLocal memory is preferred.
	MemoryUsageGPUOnly
	// MemoryUsageCPUOnly is memory that lives on the host and is used as a staging area. HostVisible
	// and HostCoherent memory is required.
	MemoryUsageCPUOnly
	// MemoryUsageCPUToGPU is memory the host writes frequently and the device reads, such as uniform
	// buffers updated every frame. HostVisible memory is required and DeviceLocal memory is preferred.
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU is memory the device writes and the host reads back. HostVisible memory is
	// required and HostCoherent, HostCached memory is preferred.
	MemoryUsageGPUToCPU
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:  "MemoryUsageUnknown",
	MemoryUsageGPUOnly:  "MemoryUsageGPUOnly",
	MemoryUsageCPUOnly:  "MemoryUsageCPUOnly",
	MemoryUsageCPUToGPU: "MemoryUsageCPUToGPU",
	MemoryUsageGPUToCPU: "MemoryUsageGPUToCPU",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// AllocationCreateInfo is an options struct that is used to define the specifics of a new allocation created
// by Allocator.AllocateMemory, Allocator.AllocateBuffer, and Allocator.AllocateImage
type AllocationCreateInfo struct {
	// Flags describes whether the allocation should be pooled, pooled without growing the pool,
	// or dedicated
	Flags AllocationCreateFlags
	// Usage indicates how the new allocation will be used, allowing the allocator to decide what memory
	// type to use
	Usage MemoryUsage

	// RequiredFlags indicates what flags must be on the memory type. If no type with these flags can be found with
	// enough free memory, the allocation will fail
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags indicates a set of flags that should be on the memory type. Each specified flag is considered
	// equally important: the memory type with the most preferred flags wins, and ties go to the lowest
	// memory type index.
	PreferredFlags core1_0.MemoryPropertyFlags

	// MemoryTypeBits is a bitmask of memory types that may be chosen for the requested allocation. If this is left
	// 0, all memory types are permitted.
	MemoryTypeBits uint32
}

// memoryPreferences expands Usage into the required and preferred flags it implies
func (o *AllocationCreateInfo) memoryPreferences() (requiredFlags, preferredFlags core1_0.MemoryPropertyFlags) {
	requiredFlags = o.RequiredFlags
	preferredFlags = o.PreferredFlags

	switch o.Usage {
	case MemoryUsageGPUOnly:
		preferredFlags |= core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageCPUOnly:
		requiredFlags |= core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case MemoryUsageCPUToGPU:
		preferredFlags |= core1_0.MemoryPropertyDeviceLocal
		requiredFlags |= core1_0.MemoryPropertyHostVisible
	case MemoryUsageGPUToCPU:
		preferredFlags |= core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached
		requiredFlags |= core1_0.MemoryPropertyHostVisible
	}

	return requiredFlags, preferredFlags
}
