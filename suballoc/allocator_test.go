package suballoc_test

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/suballoc"
	"github.com/vkngwrapper/devmem/suballoc/simdevice"
	"golang.org/x/exp/slog"
)

const (
	kb = 1024
	mb = 1024 * kb
	gb = 1024 * mb
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func singleHeapConfig() simdevice.Config {
	return simdevice.Config{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 512 * mb, Flags: core1_0.MemoryHeapDeviceLocal},
		},
	}
}

func discreteConfig() simdevice.Config {
	return simdevice.Config{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 2 * gb, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 512 * mb},
		},
	}
}

func readyAllocator(t *testing.T, config simdevice.Config, options suballoc.CreateOptions) (*simdevice.Device, *suballoc.Allocator) {
	device, err := simdevice.New(config)
	require.NoError(t, err)

	allocator, err := suballoc.New(testLogger(), device, options)
	require.NoError(t, err)

	return device, allocator
}

func testImageInfo(width, height, mipLevels int) core1_0.ImageCreateInfo {
	return core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Usage:     core1_0.ImageUsageSampled | core1_0.ImageUsageTransferDst,
		Format:    core1_0.FormatA8B8G8R8UnsignedIntPacked,
		Extent: core1_0.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:   mipLevels,
		ArrayLayers: 1,
		SharingMode: core1_0.SharingModeExclusive,
	}
}

func TestNewInvalidOptions(t *testing.T) {
	testCases := map[string]struct {
		Options suballoc.CreateOptions
	}{
		"Too Many Heap Options": {
			Options: suballoc.CreateOptions{
				HeapOptions: []suballoc.HeapOptions{{}, {}},
			},
		},
		"Negative Heap Limit": {
			Options: suballoc.CreateOptions{
				HeapOptions: []suballoc.HeapOptions{{Usage: suballoc.HeapUsageUpTo(-1)}},
			},
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			device, err := simdevice.New(singleHeapConfig())
			require.NoError(t, err)

			_, err = suballoc.New(testLogger(), device, testCase.Options)
			require.Error(t, err)
		})
	}

	_, err := suballoc.New(testLogger(), nil, suballoc.CreateOptions{})
	require.Error(t, err)
}

func TestHeapSizing(t *testing.T) {
	_, allocator := readyAllocator(t, discreteConfig(), suballoc.CreateOptions{
		HeapOptions: []suballoc.HeapOptions{
			{},
			{Usage: suballoc.HeapUsageUpTo(100 * mb), BlockSize: 16 * mb},
		},
	})

	budgets := allocator.HeapBudgets()
	require.Len(t, budgets, 2)
	require.Equal(t, 2*gb, budgets[0].Budget)
	require.Equal(t, 100*mb, budgets[1].Budget)
	require.Zero(t, budgets[0].Usage)

	// The first block in each heap shows the block size that was chosen
	alloc, _, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
		Size:           100,
		Alignment:      1,
		MemoryTypeBits: 0b001,
	}, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 256*mb, allocator.HeapBudgets()[0].Usage)
	require.NoError(t, allocator.FreeMemory(alloc))

	alloc, _, err = allocator.AllocateMemory(suballoc.MemoryRequirements{
		Size:           100,
		Alignment:      1,
		MemoryTypeBits: 0b010,
	}, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 16*mb, allocator.HeapBudgets()[1].Usage)
	require.NoError(t, allocator.FreeMemory(alloc))

	require.NoError(t, allocator.Destroy())
}

func TestBufferReuseScenario(t *testing.T) {
	device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})

	bufferA, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 1000, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 0, bufferA.Offset())
	require.Equal(t, 1024, bufferA.Size())
	require.Equal(t, 1024, bufferA.End())
	require.False(t, bufferA.IsDedicated())
	require.Equal(t, 0, bufferA.HeapIndex())
	require.Equal(t, 0, bufferA.MemoryTypeIndex())

	bufferB, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 4000, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 1024, bufferB.Offset())
	require.Equal(t, bufferA.Memory(), bufferB.Memory())

	// A 512 MiB heap gets 64 MiB blocks
	require.Equal(t, 1, device.LiveMemoryCount())
	require.Equal(t, 64*mb, device.HeapUsage(0))

	require.NoError(t, allocator.FreeBuffer(bufferA))

	bufferC, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 900, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 0, bufferC.Offset())
	require.Equal(t, bufferB.Memory(), bufferC.Memory())
	require.NoError(t, allocator.Validate())

	simBuffer := bufferC.Buffer().(*simdevice.Buffer)
	require.Equal(t, bufferC.Memory(), simBuffer.BoundMemory())
	require.Equal(t, 0, simBuffer.BoundOffset())

	require.NoError(t, allocator.FreeBuffer(bufferB))
	require.Equal(t, 1, device.LiveMemoryCount())
	require.NoError(t, allocator.FreeBuffer(bufferC))

	require.Equal(t, 0, device.LiveMemoryCount())
	require.Equal(t, 0, device.LiveBufferCount())
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestDedicatedAllocations(t *testing.T) {
	testCases := map[string]struct {
		Options   suballoc.CreateOptions
		AllocInfo suballoc.AllocationCreateInfo
	}{
		"Allocator Dedicated": {
			Options: suballoc.CreateOptions{Dedicated: true},
		},
		"Allocator Dedicated Overrides Never Allocate": {
			Options:   suballoc.CreateOptions{Dedicated: true},
			AllocInfo: suballoc.AllocationCreateInfo{Flags: suballoc.AllocationCreateNeverAllocate},
		},
		"Allocation Dedicated": {
			AllocInfo: suballoc.AllocationCreateInfo{Flags: suballoc.AllocationCreateDedicatedMemory},
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			device, allocator := readyAllocator(t, singleHeapConfig(), testCase.Options)

			first, err := allocator.AllocateBuffer(core1_0.BufferUsageUniformBuffer, 1000, testCase.AllocInfo)
			require.NoError(t, err)
			require.True(t, first.IsDedicated())
			require.Equal(t, 0, first.Offset())
			require.Equal(t, 1024, device.HeapUsage(0))

			second, err := allocator.AllocateBuffer(core1_0.BufferUsageUniformBuffer, 1000, testCase.AllocInfo)
			require.NoError(t, err)
			require.True(t, second.IsDedicated())
			require.NotEqual(t, first.Memory(), second.Memory())
			require.Equal(t, 2, device.LiveMemoryCount())

			require.NoError(t, allocator.FreeBuffer(first))
			require.Equal(t, 1, device.LiveMemoryCount())
			require.NoError(t, allocator.Validate())

			// Pooled allocations never land in a dedicated block
			if !testCase.Options.Dedicated {
				pooled, err := allocator.AllocateBuffer(core1_0.BufferUsageUniformBuffer, 10, suballoc.AllocationCreateInfo{})
				require.NoError(t, err)
				require.False(t, pooled.IsDedicated())
				require.NotEqual(t, second.Memory(), pooled.Memory())
				require.NoError(t, allocator.FreeBuffer(pooled))
			}

			require.NoError(t, allocator.FreeBuffer(second))
			require.Equal(t, 0, device.LiveMemoryCount())
			require.NoError(t, allocator.Destroy())
		})
	}
}

func TestDedicatedAndNeverAllocateConflict(t *testing.T) {
	_, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})

	_, _, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
		Size:           100,
		Alignment:      1,
		MemoryTypeBits: 1,
	}, suballoc.AllocationCreateInfo{
		Flags: suballoc.AllocationCreateDedicatedMemory | suballoc.AllocationCreateNeverAllocate,
	})
	require.Error(t, err)
}

func TestRequiredDedicatedImage(t *testing.T) {
	config := singleHeapConfig()
	config.DedicatedImages = true
	device, allocator := readyAllocator(t, config, suballoc.CreateOptions{})

	imageInfo := testImageInfo(64, 64, 1)

	// Never allocate is dropped, because the image cannot share a block
	image, err := allocator.AllocateImage(imageInfo, suballoc.AllocationCreateInfo{
		Flags: suballoc.AllocationCreateNeverAllocate,
		Usage: suballoc.MemoryUsageGPUOnly,
	})
	require.NoError(t, err)
	require.True(t, image.IsDedicated())
	require.Equal(t, 64*64*4, image.Size())
	require.Equal(t, 64*64*4, device.HeapUsage(0))
	require.Equal(t, 1, device.LiveImageCount())

	require.NoError(t, allocator.FreeImage(image))
	require.Equal(t, 0, device.LiveImageCount())
	require.Equal(t, 0, device.LiveMemoryCount())
}

func TestImageSharesBlock(t *testing.T) {
	device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})

	imageInfo := testImageInfo(16, 16, 5)

	buffer, err := allocator.AllocateBuffer(core1_0.BufferUsageUniformBuffer, 100, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)

	image, err := allocator.AllocateImage(imageInfo, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.False(t, image.IsDedicated())
	require.Equal(t, buffer.Memory(), image.Memory())
	require.Equal(t, 256, image.Offset())
	// 16x16 + 8x8 + 4x4 + 2x2 + 1x1 texels, rounded up to the image alignment
	require.Equal(t, 1536, image.Size())
	require.Equal(t, 1, device.LiveMemoryCount())

	require.NoError(t, allocator.FreeImage(image))
	require.NoError(t, allocator.FreeBuffer(buffer))
	require.Equal(t, 0, device.LiveMemoryCount())
}

func TestNeverAllocate(t *testing.T) {
	device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})

	reqs := suballoc.MemoryRequirements{
		Size:           1000,
		Alignment:      16,
		MemoryTypeBits: 1,
	}
	neverAllocate := suballoc.AllocationCreateInfo{Flags: suballoc.AllocationCreateNeverAllocate}

	_, _, err := allocator.AllocateMemory(reqs, neverAllocate)
	require.True(t, errors.Is(err, suballoc.ErrNoFreeBlock))
	require.Equal(t, 0, device.AllocateCount())

	_, err = allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 1000, neverAllocate)
	require.True(t, errors.Is(err, suballoc.ErrNoFreeBlock))
	require.Equal(t, 0, device.LiveBufferCount())

	first, _, err := allocator.AllocateMemory(reqs, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)

	second, _, err := allocator.AllocateMemory(reqs, neverAllocate)
	require.NoError(t, err)
	require.Equal(t, first.Memory(), second.Memory())
	require.Equal(t, 1008, second.Offset())
	require.Equal(t, 1, device.AllocateCount())

	require.NoError(t, allocator.FreeMemory(first))
	require.NoError(t, allocator.FreeMemory(second))
	require.Equal(t, 0, device.LiveMemoryCount())
}

func TestHeapExhausted(t *testing.T) {
	device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{
		HeapOptions: []suballoc.HeapOptions{{Usage: suballoc.HeapUsageUpTo(mb)}},
	})

	reqs := suballoc.MemoryRequirements{
		Size:           600 * kb,
		Alignment:      256,
		MemoryTypeBits: 1,
	}

	first, _, err := allocator.AllocateMemory(reqs, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, mb, device.HeapUsage(0))

	_, res, err := allocator.AllocateMemory(reqs, suballoc.AllocationCreateInfo{})
	require.True(t, errors.Is(err, suballoc.ErrHeapExhausted))
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, 1, device.AllocateCount())

	_, err = allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 600*kb, suballoc.AllocationCreateInfo{})
	require.True(t, errors.Is(err, suballoc.ErrHeapExhausted))
	var bufferErr *suballoc.BufferError
	require.True(t, errors.As(err, &bufferErr))
	require.Equal(t, suballoc.ErrorKindAllocator, bufferErr.Kind)
	require.Equal(t, 0, device.LiveBufferCount())

	budgets := allocator.HeapBudgets()
	require.LessOrEqual(t, budgets[0].Usage, budgets[0].Budget)

	require.NoError(t, allocator.FreeMemory(first))

	// The space is available again
	second, _, err := allocator.AllocateMemory(reqs, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.NoError(t, allocator.FreeMemory(second))
}

func TestForbiddenHeap(t *testing.T) {
	_, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{
		HeapOptions: []suballoc.HeapOptions{{Usage: suballoc.HeapUsageForbid}},
	})

	_, _, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
		Size:           1,
		Alignment:      1,
		MemoryTypeBits: 1,
	}, suballoc.AllocationCreateInfo{})
	require.True(t, errors.Is(err, suballoc.ErrHeapExhausted))
	require.Zero(t, allocator.HeapBudgets()[0].Budget)
}

func TestAllocationFallsBackAcrossMemoryTypes(t *testing.T) {
	testCases := map[string]struct {
		Options      suballoc.CreateOptions
		FailType     int
		ExpectedType int
		ExpectedHeap int
	}{
		"Device Failure": {
			FailType:     0,
			ExpectedType: 1,
			ExpectedHeap: 1,
		},
		"Forbidden Heap": {
			Options: suballoc.CreateOptions{
				HeapOptions: []suballoc.HeapOptions{{Usage: suballoc.HeapUsageForbid}},
			},
			FailType:     -1,
			ExpectedType: 1,
			ExpectedHeap: 1,
		},
		"No Failure": {
			FailType:     -1,
			ExpectedType: 0,
			ExpectedHeap: 0,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			device, allocator := readyAllocator(t, discreteConfig(), testCase.Options)
			if testCase.FailType >= 0 {
				device.FailMemoryType(testCase.FailType, core1_0.VKErrorOutOfDeviceMemory)
			}

			buffer, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 1000, suballoc.AllocationCreateInfo{
				Usage: suballoc.MemoryUsageGPUOnly,
			})
			require.NoError(t, err)
			require.Equal(t, testCase.ExpectedType, buffer.MemoryTypeIndex())
			require.Equal(t, testCase.ExpectedHeap, buffer.HeapIndex())

			require.NoError(t, allocator.FreeBuffer(buffer))
			require.NoError(t, allocator.Destroy())
		})
	}
}

func TestAllocationReturnsLastDeviceError(t *testing.T) {
	device, allocator := readyAllocator(t, discreteConfig(), suballoc.CreateOptions{})
	device.FailMemoryType(0, core1_0.VKErrorOutOfDeviceMemory)
	device.FailMemoryType(1, core1_0.VKErrorUnknown)
	device.FailMemoryType(2, core1_0.VKErrorTooManyObjects)

	_, res, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
		Size:           100,
		Alignment:      1,
		MemoryTypeBits: 0b111,
	}, suballoc.AllocationCreateInfo{})
	require.Error(t, err)
	// With no preferences, types are tried in index order
	require.Equal(t, core1_0.VKErrorTooManyObjects, res)
	require.False(t, errors.Is(err, suballoc.ErrHeapExhausted))

	device.ClearFailures()
	alloc, _, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
		Size:           100,
		Alignment:      1,
		MemoryTypeBits: 0b111,
	}, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	require.Equal(t, 0, alloc.MemoryTypeIndex())
	require.NoError(t, allocator.FreeMemory(alloc))
}

func TestNoCompatibleMemoryType(t *testing.T) {
	_, allocator := readyAllocator(t, discreteConfig(), suballoc.CreateOptions{})

	_, _, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
		Size:           100,
		Alignment:      1,
		MemoryTypeBits: 0b001,
	}, suballoc.AllocationCreateInfo{
		Usage: suballoc.MemoryUsageCPUOnly,
	})
	require.True(t, errors.Is(err, suballoc.ErrHeapExhausted))
	require.True(t, errors.Is(err, suballoc.ErrNoCompatibleMemoryType))

	_, err = allocator.FindMemoryTypeIndex(0b001, suballoc.AllocationCreateInfo{
		Usage: suballoc.MemoryUsageCPUOnly,
	})
	require.True(t, errors.Is(err, suballoc.ErrNoCompatibleMemoryType))
}

func TestInvalidRequirements(t *testing.T) {
	testCases := map[string]struct {
		Requirements suballoc.MemoryRequirements
	}{
		"Zero Size": {
			Requirements: suballoc.MemoryRequirements{Size: 0, Alignment: 1, MemoryTypeBits: 1},
		},
		"Alignment Not Power Of Two": {
			Requirements: suballoc.MemoryRequirements{Size: 100, Alignment: 96, MemoryTypeBits: 1},
		},
		"Zero Alignment": {
			Requirements: suballoc.MemoryRequirements{Size: 100, Alignment: 0, MemoryTypeBits: 1},
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})

			_, _, err := allocator.AllocateMemory(testCase.Requirements, suballoc.AllocationCreateInfo{})
			require.Error(t, err)
			require.Equal(t, 0, device.AllocateCount())
		})
	}
}

func TestDoubleFree(t *testing.T) {
	device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})

	buffer, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 1000, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	keepAlive, _, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
		Size:           64,
		Alignment:      64,
		MemoryTypeBits: 1,
	}, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)

	require.NoError(t, allocator.FreeBuffer(buffer))
	require.True(t, errors.Is(allocator.FreeBuffer(buffer), suballoc.ErrAllocationFreed))

	require.NoError(t, keepAlive.Free())
	require.True(t, errors.Is(allocator.FreeMemory(keepAlive), suballoc.ErrAllocationFreed))
	require.Equal(t, 0, device.LiveMemoryCount())
	require.NoError(t, allocator.Validate())

	require.Error(t, allocator.FreeMemory(nil))
	require.Error(t, allocator.FreeBuffer(nil))
	require.Error(t, allocator.FreeImage(nil))
	require.Error(t, (&suballoc.Allocation{}).Free())
}

func TestBoundMemoryIsFreedWithItsResource(t *testing.T) {
	device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})

	buffer, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 1000, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	image, err := allocator.AllocateImage(testImageInfo(16, 16, 1), suballoc.AllocationCreateInfo{
		Flags: suballoc.AllocationCreateDedicatedMemory,
	})
	require.NoError(t, err)

	// Bound memory can only be released through FreeBuffer and FreeImage
	_, bufferFrees := interface{}(buffer).(interface{ Free() error })
	require.False(t, bufferFrees)
	_, imageFrees := interface{}(image).(interface{ Free() error })
	require.False(t, imageFrees)

	require.Equal(t, 2, device.LiveMemoryCount())

	// simdevice panics if memory is freed while a resource is still bound to it
	require.NoError(t, allocator.FreeImage(image))
	require.Equal(t, 0, device.LiveImageCount())
	require.Equal(t, 1, device.LiveMemoryCount())

	require.NoError(t, allocator.FreeBuffer(buffer))
	require.Equal(t, 0, device.LiveBufferCount())
	require.Equal(t, 0, device.LiveMemoryCount())

	require.True(t, errors.Is(allocator.FreeBuffer(buffer), suballoc.ErrAllocationFreed))
	require.True(t, errors.Is(allocator.FreeImage(image), suballoc.ErrAllocationFreed))
	require.Equal(t, 0, device.LiveBufferCount())
	require.NoError(t, allocator.Validate())
}

func TestAllocatorErrorKind(t *testing.T) {
	testCases := map[string]struct {
		Options      suballoc.AllocationCreateInfo
		Prepare      func(device *simdevice.Device)
		ExpectedKind suballoc.ErrorKind
	}{
		"Device Failure": {
			Prepare: func(device *simdevice.Device) {
				device.FailMemoryType(0, core1_0.VKErrorOutOfDeviceMemory)
			},
			ExpectedKind: suballoc.ErrorKindAlloc,
		},
		"No Compatible Type": {
			Options:      suballoc.AllocationCreateInfo{Usage: suballoc.MemoryUsageCPUOnly},
			ExpectedKind: suballoc.ErrorKindAllocator,
		},
		"Never Allocate": {
			Options:      suballoc.AllocationCreateInfo{Flags: suballoc.AllocationCreateNeverAllocate},
			ExpectedKind: suballoc.ErrorKindAllocator,
		},
		"Conflicting Flags": {
			Options: suballoc.AllocationCreateInfo{
				Flags: suballoc.AllocationCreateNeverAllocate | suballoc.AllocationCreateDedicatedMemory,
			},
			ExpectedKind: suballoc.ErrorKindAllocator,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})
			if testCase.Prepare != nil {
				testCase.Prepare(device)
			}

			_, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 1000, testCase.Options)
			var bufferErr *suballoc.BufferError
			require.True(t, errors.As(err, &bufferErr))
			require.Equal(t, testCase.ExpectedKind, bufferErr.Kind)

			_, err = allocator.AllocateImage(testImageInfo(16, 16, 1), testCase.Options)
			var imageErr *suballoc.ImageError
			require.True(t, errors.As(err, &imageErr))
			require.Equal(t, testCase.ExpectedKind, imageErr.Kind)

			require.Equal(t, 0, device.LiveBufferCount())
			require.Equal(t, 0, device.LiveImageCount())
			require.NoError(t, allocator.Destroy())
		})
	}
}

func TestFreeForeignAllocation(t *testing.T) {
	_, first := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})
	_, second := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})

	alloc, _, err := first.AllocateMemory(suballoc.MemoryRequirements{
		Size:           64,
		Alignment:      64,
		MemoryTypeBits: 1,
	}, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)

	require.Error(t, second.FreeMemory(alloc))
	require.NoError(t, first.FreeMemory(alloc))
}

func TestResourceFailuresUnwind(t *testing.T) {
	testCases := map[string]struct {
		Prepare      func(device *simdevice.Device)
		ExpectedKind suballoc.ErrorKind
		ExpectedRes  common.VkResult
	}{
		"Creation Failure": {
			Prepare: func(device *simdevice.Device) {
				device.FailNextCreate(core1_0.VKErrorTooManyObjects)
			},
			ExpectedKind: suballoc.ErrorKindCreation,
			ExpectedRes:  core1_0.VKErrorTooManyObjects,
		},
		"Allocation Failure": {
			Prepare: func(device *simdevice.Device) {
				device.FailMemoryType(0, core1_0.VKErrorOutOfDeviceMemory)
			},
			ExpectedKind: suballoc.ErrorKindAlloc,
			ExpectedRes:  core1_0.VKErrorOutOfDeviceMemory,
		},
		"Bind Failure": {
			Prepare: func(device *simdevice.Device) {
				device.FailNextBind(core1_0.VKErrorOutOfDeviceMemory)
			},
			ExpectedKind: suballoc.ErrorKindBind,
			ExpectedRes:  core1_0.VKErrorOutOfDeviceMemory,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName+" Buffer", func(t *testing.T) {
			device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})
			testCase.Prepare(device)

			_, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 1000, suballoc.AllocationCreateInfo{})
			require.Error(t, err)

			var bufferErr *suballoc.BufferError
			require.True(t, errors.As(err, &bufferErr))
			require.Equal(t, testCase.ExpectedKind, bufferErr.Kind)
			require.Equal(t, testCase.ExpectedRes, bufferErr.Result)

			require.Equal(t, 0, device.LiveBufferCount())
			require.Equal(t, 0, device.LiveMemoryCount())
			require.Zero(t, allocator.HeapBudgets()[0].Statistics.AllocationCount)
			require.NoError(t, allocator.Validate())
			require.NoError(t, allocator.Destroy())
		})

		t.Run(testName+" Image", func(t *testing.T) {
			device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})
			testCase.Prepare(device)

			_, err := allocator.AllocateImage(testImageInfo(32, 32, 1), suballoc.AllocationCreateInfo{})
			require.Error(t, err)

			var imageErr *suballoc.ImageError
			require.True(t, errors.As(err, &imageErr))
			require.Equal(t, testCase.ExpectedKind, imageErr.Kind)
			require.Equal(t, testCase.ExpectedRes, imageErr.Result)

			require.Equal(t, 0, device.LiveImageCount())
			require.Equal(t, 0, device.LiveMemoryCount())
			require.NoError(t, allocator.Destroy())
		})
	}
}

func TestDestroyWithLiveAllocations(t *testing.T) {
	device, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{})

	alloc, _, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
		Size:           100,
		Alignment:      1,
		MemoryTypeBits: 1,
	}, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)

	require.Error(t, allocator.Destroy())
	require.Equal(t, 1, device.LiveMemoryCount())

	require.NoError(t, allocator.FreeMemory(alloc))
	require.Equal(t, 0, device.LiveMemoryCount())
	require.NoError(t, allocator.Destroy())
}

func TestMemoryCallbacks(t *testing.T) {
	var allocated, freed []int
	var callbackAllocator *suballoc.Allocator

	_, allocator := readyAllocator(t, singleHeapConfig(), suballoc.CreateOptions{
		MemoryCallbackOptions: &suballoc.MemoryCallbackOptions{
			Allocate: func(allocator *suballoc.Allocator, event suballoc.MemoryEvent, userData interface{}) {
				callbackAllocator = allocator
				allocated = append(allocated, event.Size)
				require.Equal(t, 0, event.MemoryTypeIndex)
				require.Equal(t, 0, event.HeapIndex)
				require.NotNil(t, event.Memory)
				require.Equal(t, "user data", userData)
			},
			Free: func(allocator *suballoc.Allocator, event suballoc.MemoryEvent, userData interface{}) {
				freed = append(freed, event.Size)
			},
			UserData: "user data",
		},
	})

	first, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 100, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)
	second, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, 100, suballoc.AllocationCreateInfo{})
	require.NoError(t, err)

	require.Same(t, allocator, callbackAllocator)
	require.Equal(t, []int{64 * mb}, allocated)
	require.Empty(t, freed)

	require.NoError(t, allocator.FreeBuffer(first))
	require.Empty(t, freed)
	require.NoError(t, allocator.FreeBuffer(second))
	require.Equal(t, []int{64 * mb}, freed)
}

func TestStatistics(t *testing.T) {
	_, allocator := readyAllocator(t, discreteConfig(), suballoc.CreateOptions{})

	var allocs []*suballoc.Allocation
	for _, size := range []int{100, 2000, 30000} {
		alloc, _, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
			Size:           size,
			Alignment:      256,
			MemoryTypeBits: 0b001,
		}, suballoc.AllocationCreateInfo{})
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	var stats suballoc.AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Len(t, stats.MemoryHeaps, 2)
	require.Equal(t, 1, stats.Total.BlockCount)
	require.Equal(t, 256*mb, stats.Total.BlockBytes)
	require.Equal(t, 3, stats.Total.AllocationCount)
	require.Equal(t, 256+2048+30208, stats.Total.AllocationBytes)
	require.Equal(t, 256, stats.Total.AllocationSizeMin)
	require.Equal(t, 30208, stats.Total.AllocationSizeMax)
	require.Equal(t, 1, stats.Total.UnusedRangeCount)
	require.Equal(t, 0, stats.MemoryHeaps[1].BlockCount)

	budgets := allocator.HeapBudgets()
	require.Equal(t, 1, budgets[0].Statistics.BlockCount)
	require.Equal(t, 3, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 100+2000+30000, budgets[0].Statistics.AllocationBytes)
	require.Equal(t, 256*mb, budgets[0].Usage)

	statsString := allocator.BuildStatsString(true)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(statsString), &parsed))

	heaps := parsed["MemoryHeaps"].(map[string]interface{})
	heap0 := heaps["0"].(map[string]interface{})
	require.Equal(t, float64(256*mb), heap0["BlockSize"])

	total := parsed["Total"].(map[string]interface{})
	require.Equal(t, float64(256*mb-(256+2048+30208)), total["UnusedBytes"])
	require.Equal(t, 256*mb-(256+2048+30208), stats.Total.UnusedBytes())
	require.Equal(t, float64(256*mb), heap0["UsedBytes"])

	blocks := heap0["Blocks"].(map[string]interface{})
	block := blocks["0"].(map[string]interface{})
	require.Equal(t, float64(3), block["Allocations"])
	require.Equal(t, float64(4), block["References"])
	require.Len(t, block["Suballocations"], 4)

	summary := allocator.BuildStatsString(false)
	parsed = nil
	require.NoError(t, json.Unmarshal([]byte(summary), &parsed))
	heap0 = parsed["MemoryHeaps"].(map[string]interface{})["0"].(map[string]interface{})
	require.NotContains(t, heap0, "Blocks")

	for _, alloc := range allocs {
		require.NoError(t, allocator.FreeMemory(alloc))
	}
	require.NoError(t, allocator.Destroy())
}
