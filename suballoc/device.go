package suballoc

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mocks

// MemoryRequirements describes the memory that must be bound to a buffer or image
type MemoryRequirements struct {
	// Size is the minimum number of bytes the resource needs
	Size int
	// Alignment is the required alignment of the resource's offset within its memory. It must be
	// a power of two.
	Alignment int
	// MemoryTypeBits has one bit set for each memory type the resource may be bound to
	MemoryTypeBits uint32

	// RequiresDedicated is true when the driver demands that the resource be given its own memory
	// object. The allocator will always honor it.
	RequiresDedicated bool
	// PrefersDedicated is true when the driver reports that the resource would perform better in its
	// own memory object. The allocator records it but does not act on it.
	PrefersDedicated bool
}

// Device is the set of device operations the Allocator depends upon. There is one implementation
// per process: github.com/vkngwrapper/devmem/suballoc/vulkan adapts a real core1_0.Device, and
// github.com/vkngwrapper/devmem/suballoc/simdevice provides an in-memory device for tests and tooling.
type Device interface {
	// MemoryProperties returns the memory types and heaps the device exposes. It is called exactly
	// once, when the Allocator is created.
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties

	AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error)
	FreeMemory(memory core1_0.DeviceMemory)

	CreateBuffer(info core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error)
	DestroyBuffer(buffer core1_0.Buffer)
	BufferMemoryRequirements(buffer core1_0.Buffer) (MemoryRequirements, error)
	BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)

	CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error)
	DestroyImage(image core1_0.Image)
	ImageMemoryRequirements(image core1_0.Image) (MemoryRequirements, error)
	BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)
}
