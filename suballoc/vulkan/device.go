package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/devmem/suballoc"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
)

// Device is a suballoc.Device backed by a real Vulkan device. When khr_dedicated_allocation is
// available, through core 1.1 or the extension, resource memory requirements report whether the
// driver requires or prefers a dedicated allocation.
type Device struct {
	device              core1_0.Device
	memoryProperties    *core1_0.PhysicalDeviceMemoryProperties
	allocationCallbacks *driver.AllocationCallbacks
	extensionData       *extensionData
}

var _ suballoc.Device = &Device{}

// NewDevice wraps device for use with suballoc.New
//
// physicalDevice - The PhysicalDevice that owns the provided Device. Its memory properties are read once, here.
//
// device - The Device that memory, buffers, and images are created from
//
// allocationCallbacks - Host allocation callbacks passed to every Vulkan call. It may be nil.
func NewDevice(physicalDevice core1_0.PhysicalDevice, device core1_0.Device, allocationCallbacks *driver.AllocationCallbacks) (*Device, error) {
	if physicalDevice == nil {
		return nil, errors.New("attempted to create a device with a nil physical device")
	} else if device == nil {
		return nil, errors.New("attempted to create a device with a nil device")
	}

	return &Device{
		device:              device,
		memoryProperties:    physicalDevice.MemoryProperties(),
		allocationCallbacks: allocationCallbacks,
		extensionData:       newExtensionData(device),
	}, nil
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return d.memoryProperties
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error) {
	return d.device.AllocateMemory(d.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
}

func (d *Device) FreeMemory(memory core1_0.DeviceMemory) {
	memory.Free(d.allocationCallbacks)
}

func (d *Device) CreateBuffer(info core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
	return d.device.CreateBuffer(d.allocationCallbacks, info)
}

func (d *Device) DestroyBuffer(buffer core1_0.Buffer) {
	buffer.Destroy(d.allocationCallbacks)
}

func (d *Device) BufferMemoryRequirements(buffer core1_0.Buffer) (suballoc.MemoryRequirements, error) {
	if d.extensionData.DedicatedAllocations && d.extensionData.GetMemoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs := core1_1.MemoryRequirements2{
			NextOutData: common.NextOutData{
				Next: &dedicatedReqs,
			},
		}

		err := d.extensionData.GetMemoryRequirements.BufferMemoryRequirements2(
			core1_1.BufferMemoryRequirementsInfo2{
				Buffer: buffer,
			},
			&memReqs)
		if err != nil {
			return suballoc.MemoryRequirements{}, err
		}

		return memoryRequirements(&memReqs.MemoryRequirements, &dedicatedReqs), nil
	}

	return memoryRequirements(buffer.MemoryRequirements(), nil), nil
}

func (d *Device) BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return buffer.BindBufferMemory(memory, offset)
}

func (d *Device) CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
	return d.device.CreateImage(d.allocationCallbacks, info)
}

func (d *Device) DestroyImage(image core1_0.Image) {
	image.Destroy(d.allocationCallbacks)
}

func (d *Device) ImageMemoryRequirements(image core1_0.Image) (suballoc.MemoryRequirements, error) {
	if d.extensionData.DedicatedAllocations && d.extensionData.GetMemoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs := core1_1.MemoryRequirements2{
			NextOutData: common.NextOutData{
				Next: &dedicatedReqs,
			},
		}

		err := d.extensionData.GetMemoryRequirements.ImageMemoryRequirements2(
			core1_1.ImageMemoryRequirementsInfo2{
				Image: image,
			},
			&memReqs)
		if err != nil {
			return suballoc.MemoryRequirements{}, err
		}

		return memoryRequirements(&memReqs.MemoryRequirements, &dedicatedReqs), nil
	}

	return memoryRequirements(image.MemoryRequirements(), nil), nil
}

func (d *Device) BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return image.BindImageMemory(memory, offset)
}

func memoryRequirements(reqs *core1_0.MemoryRequirements, dedicatedReqs *khr_dedicated_allocation.MemoryDedicatedRequirements) suballoc.MemoryRequirements {
	out := suballoc.MemoryRequirements{
		Size:           reqs.Size,
		Alignment:      reqs.Alignment,
		MemoryTypeBits: reqs.MemoryTypeBits,
	}

	if dedicatedReqs != nil {
		out.RequiresDedicated = dedicatedReqs.RequiresDedicatedAllocation
		out.PrefersDedicated = dedicatedReqs.PrefersDedicatedAllocation
	}

	return out
}
