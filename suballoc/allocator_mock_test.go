package suballoc_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/suballoc"
	"github.com/vkngwrapper/devmem/suballoc/mocks"
	"go.uber.org/mock/gomock"
)

type dummyMemory struct {
	core1_0.DeviceMemory
	id int
}

type dummyBuffer struct {
	core1_0.Buffer
	id int
}

type dummyImage struct {
	core1_0.Image
	id int
}

func mockAllocator(t *testing.T, options suballoc.CreateOptions) (*mocks.MockDevice, *suballoc.Allocator) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)

	device.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 512 * mb, Flags: core1_0.MemoryHeapDeviceLocal},
		},
	})

	allocator, err := suballoc.New(testLogger(), device, options)
	require.NoError(t, err)

	return device, allocator
}

func TestBufferBindFailureReleasesEverything(t *testing.T) {
	device, allocator := mockAllocator(t, suballoc.CreateOptions{})

	buffer := &dummyBuffer{id: 1}
	memory := &dummyMemory{id: 2}
	bindErr := core1_0.VKErrorOutOfDeviceMemory.ToError()

	gomock.InOrder(
		device.EXPECT().CreateBuffer(core1_0.BufferCreateInfo{
			Size:        1000,
			Usage:       core1_0.BufferUsageTransferSrc,
			SharingMode: core1_0.SharingModeExclusive,
		}).Return(buffer, core1_0.VKSuccess, nil),
		device.EXPECT().BufferMemoryRequirements(buffer).Return(suballoc.MemoryRequirements{
			Size:           1024,
			Alignment:      256,
			MemoryTypeBits: 1,
		}, nil),
		device.EXPECT().AllocateMemory(0, 64*mb).Return(memory, core1_0.VKSuccess, nil),
		device.EXPECT().BindBufferMemory(buffer, memory, 0).Return(core1_0.VKErrorOutOfDeviceMemory, bindErr),
		device.EXPECT().DestroyBuffer(buffer),
		device.EXPECT().FreeMemory(memory),
	)

	_, err := allocator.AllocateBuffer(core1_0.BufferUsageTransferSrc, 1000, suballoc.AllocationCreateInfo{})
	require.Error(t, err)

	var bufferErr *suballoc.BufferError
	require.True(t, errors.As(err, &bufferErr))
	require.Equal(t, suballoc.ErrorKindBind, bufferErr.Kind)
	require.Equal(t, bindErr, bufferErr.Err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, bufferErr.Result)

	require.Zero(t, allocator.HeapBudgets()[0].Usage)
	require.NoError(t, allocator.Destroy())
}

func TestBufferRequirementsFailure(t *testing.T) {
	device, allocator := mockAllocator(t, suballoc.CreateOptions{})

	buffer := &dummyBuffer{id: 1}
	gomock.InOrder(
		device.EXPECT().CreateBuffer(gomock.Any()).Return(buffer, core1_0.VKSuccess, nil),
		device.EXPECT().BufferMemoryRequirements(buffer).Return(suballoc.MemoryRequirements{}, errors.New("no requirements")),
		device.EXPECT().DestroyBuffer(buffer),
	)

	_, err := allocator.AllocateBuffer(core1_0.BufferUsageTransferSrc, 1000, suballoc.AllocationCreateInfo{})
	var bufferErr *suballoc.BufferError
	require.True(t, errors.As(err, &bufferErr))
	require.Equal(t, suballoc.ErrorKindAlloc, bufferErr.Kind)
	require.EqualError(t, bufferErr.Err, "no requirements")
}

func TestRequiredDedicatedBufferLifecycle(t *testing.T) {
	device, allocator := mockAllocator(t, suballoc.CreateOptions{})

	buffer := &dummyBuffer{id: 1}
	memory := &dummyMemory{id: 2}

	gomock.InOrder(
		device.EXPECT().CreateBuffer(gomock.Any()).Return(buffer, core1_0.VKSuccess, nil),
		device.EXPECT().BufferMemoryRequirements(buffer).Return(suballoc.MemoryRequirements{
			Size:              3000,
			Alignment:         64,
			MemoryTypeBits:    1,
			RequiresDedicated: true,
		}, nil),
		device.EXPECT().AllocateMemory(0, 3000).Return(memory, core1_0.VKSuccess, nil),
		device.EXPECT().BindBufferMemory(buffer, memory, 0).Return(core1_0.VKSuccess, nil),
	)

	allocation, err := allocator.AllocateBuffer(core1_0.BufferUsageUniformBuffer, 3000, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.True(t, allocation.IsDedicated())
	require.Same(t, buffer, allocation.Buffer())
	require.Same(t, memory, allocation.Memory())

	gomock.InOrder(
		device.EXPECT().DestroyBuffer(buffer),
		device.EXPECT().FreeMemory(memory),
	)
	require.NoError(t, allocator.FreeBuffer(allocation))
}

func TestImageLifecycle(t *testing.T) {
	device, allocator := mockAllocator(t, suballoc.CreateOptions{})

	firstImage := &dummyImage{id: 1}
	secondImage := &dummyImage{id: 2}
	memory := &dummyMemory{id: 3}
	imageInfo := testImageInfo(100, 100, 1)
	reqs := suballoc.MemoryRequirements{
		Size:           40000,
		Alignment:      1024,
		MemoryTypeBits: 1,
	}

	gomock.InOrder(
		device.EXPECT().CreateImage(imageInfo).Return(firstImage, core1_0.VKSuccess, nil),
		device.EXPECT().ImageMemoryRequirements(firstImage).Return(reqs, nil),
		device.EXPECT().AllocateMemory(0, 64*mb).Return(memory, core1_0.VKSuccess, nil),
		device.EXPECT().BindImageMemory(firstImage, memory, 0).Return(core1_0.VKSuccess, nil),
		device.EXPECT().CreateImage(imageInfo).Return(secondImage, core1_0.VKSuccess, nil),
		device.EXPECT().ImageMemoryRequirements(secondImage).Return(reqs, nil),
		device.EXPECT().BindImageMemory(secondImage, memory, 40960).Return(core1_0.VKSuccess, nil),
	)

	first, err := allocator.AllocateImage(imageInfo, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	second, err := allocator.AllocateImage(imageInfo, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.Same(t, secondImage, second.Image())

	device.EXPECT().DestroyImage(firstImage)
	require.NoError(t, allocator.FreeImage(first))

	gomock.InOrder(
		device.EXPECT().DestroyImage(secondImage),
		device.EXPECT().FreeMemory(memory),
	)
	require.NoError(t, allocator.FreeImage(second))
}
