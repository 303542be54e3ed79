package suballoc_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/suballoc"
	"github.com/vkngwrapper/devmem/suballoc/simdevice"
)

var memoryTypeTestTypes = []core1_0.MemoryType{
	{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 0},
	{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
	{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCoherent, HeapIndex: 0},
	{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 1},
	{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 0},
}

var memoryTypeTestCases = map[string]struct {
	MemoryTypeBits uint32
	Alloc          suballoc.AllocationCreateInfo
	ExpectedIndex  int
	ExpectedError  error
}{
	"Most Preferred Flags": {
		MemoryTypeBits: 0b11111,
		Alloc: suballoc.AllocationCreateInfo{
			RequiredFlags:  core1_0.MemoryPropertyHostVisible,
			PreferredFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCoherent,
		},
		ExpectedIndex: 2,
	},
	"Tie Goes To Lowest Index": {
		MemoryTypeBits: 0b11111,
		Alloc: suballoc.AllocationCreateInfo{
			PreferredFlags: core1_0.MemoryPropertyDeviceLocal,
		},
		ExpectedIndex: 1,
	},
	"No Preferences": {
		MemoryTypeBits: 0b11110,
		ExpectedIndex:  1,
	},
	"Resource Bits Exclude Best": {
		MemoryTypeBits: 0b00011,
		Alloc: suballoc.AllocationCreateInfo{
			RequiredFlags:  core1_0.MemoryPropertyHostVisible,
			PreferredFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCoherent,
		},
		ExpectedIndex: 1,
	},
	"Allocation Bits Exclude Best": {
		MemoryTypeBits: 0b11111,
		Alloc: suballoc.AllocationCreateInfo{
			RequiredFlags:  core1_0.MemoryPropertyHostVisible,
			PreferredFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCoherent,
			MemoryTypeBits: 0b10001,
		},
		ExpectedIndex: 4,
	},
	"GPU Only": {
		MemoryTypeBits: 0b11001,
		Alloc: suballoc.AllocationCreateInfo{
			Usage: suballoc.MemoryUsageGPUOnly,
		},
		ExpectedIndex: 3,
	},
	"CPU Only": {
		MemoryTypeBits: 0b11111,
		Alloc: suballoc.AllocationCreateInfo{
			Usage: suballoc.MemoryUsageCPUOnly,
		},
		ExpectedIndex: 2,
	},
	"CPU To GPU": {
		MemoryTypeBits: 0b11101,
		Alloc: suballoc.AllocationCreateInfo{
			Usage: suballoc.MemoryUsageCPUToGPU,
		},
		ExpectedIndex: 2,
	},
	"GPU To CPU": {
		MemoryTypeBits: 0b11111,
		Alloc: suballoc.AllocationCreateInfo{
			Usage: suballoc.MemoryUsageGPUToCPU,
		},
		ExpectedIndex: 4,
	},
	"Usage Adds To Explicit Flags": {
		MemoryTypeBits: 0b11111,
		Alloc: suballoc.AllocationCreateInfo{
			Usage:         suballoc.MemoryUsageGPUOnly,
			RequiredFlags: core1_0.MemoryPropertyHostCoherent,
		},
		ExpectedIndex: 2,
	},
	"Missing Required Flags": {
		MemoryTypeBits: 0b01000,
		Alloc: suballoc.AllocationCreateInfo{
			Usage: suballoc.MemoryUsageCPUOnly,
		},
		ExpectedIndex: -1,
		ExpectedError: suballoc.ErrNoCompatibleMemoryType,
	},
	"Unknown Memory Types": {
		MemoryTypeBits: 0b1100000,
		ExpectedIndex:  -1,
		ExpectedError:  suballoc.ErrNoCompatibleMemoryType,
	},
}

func TestFindMemoryTypeIndex(t *testing.T) {
	for testName, testCase := range memoryTypeTestCases {
		t.Run(testName, func(t *testing.T) {
			_, allocator := readyAllocator(t, simdevice.Config{
				MemoryTypes: memoryTypeTestTypes,
				MemoryHeaps: []core1_0.MemoryHeap{
					{Size: 256 * mb},
					{Size: 2 * gb, Flags: core1_0.MemoryHeapDeviceLocal},
				},
			}, suballoc.CreateOptions{})

			memoryTypeIndex, err := allocator.FindMemoryTypeIndex(testCase.MemoryTypeBits, testCase.Alloc)
			require.Equal(t, testCase.ExpectedIndex, memoryTypeIndex)
			if testCase.ExpectedError != nil {
				require.True(t, errors.Is(err, testCase.ExpectedError))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMemoryUsageString(t *testing.T) {
	require.Equal(t, "MemoryUsageCPUToGPU", suballoc.MemoryUsageCPUToGPU.String())
	require.Equal(t, "unknown", suballoc.MemoryUsage(100).String())
	require.Equal(t, "bind", suballoc.ErrorKindBind.String())
	require.Equal(t, "allocator", suballoc.ErrorKindAllocator.String())
	require.Equal(t, "UpTo(1024)", suballoc.HeapUsageUpTo(1024).String())
	require.Equal(t, "Forbid", suballoc.HeapUsageForbid.String())
	require.Equal(t, "Whole", suballoc.HeapUsage{}.String())
}
