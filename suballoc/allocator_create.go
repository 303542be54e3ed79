package suballoc

import (
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devmem/suballoc/internal/vulkan"
	"golang.org/x/exp/slog"
)

type heapUsageKind int

const (
	heapUsageWhole heapUsageKind = iota
	heapUsageForbid
	heapUsageUpTo
)

// HeapUsage limits how many bytes the allocator may take from a single memory heap. The zero value
// is HeapUsageWhole.
type HeapUsage struct {
	kind  heapUsageKind
	limit int
}

var (
	// HeapUsageWhole permits the allocator to use the entire heap
	HeapUsageWhole = HeapUsage{kind: heapUsageWhole}
	// HeapUsageForbid prevents the allocator from allocating anything from the heap. Memory types
	// that belong to the heap are skipped during allocation.
	HeapUsageForbid = HeapUsage{kind: heapUsageForbid}
)

// HeapUsageUpTo permits the allocator to use at most limit bytes of the heap
func HeapUsageUpTo(limit int) HeapUsage {
	return HeapUsage{kind: heapUsageUpTo, limit: limit}
}

func (u HeapUsage) String() string {
	switch u.kind {
	case heapUsageWhole:
		return "Whole"
	case heapUsageForbid:
		return "Forbid"
	default:
		return "UpTo(" + strconv.Itoa(u.limit) + ")"
	}
}

func (u HeapUsage) requestedMax() (int, error) {
	switch u.kind {
	case heapUsageWhole:
		return math.MaxInt, nil
	case heapUsageForbid:
		return 0, nil
	case heapUsageUpTo:
		if u.limit < 0 {
			return 0, errors.Newf("heap usage limit %d is negative", u.limit)
		}
		return u.limit, nil
	default:
		return 0, errors.Newf("unknown heap usage kind %d", u.kind)
	}
}

// HeapOptions configures the allocator's use of a single memory heap
type HeapOptions struct {
	// Usage limits how much of the heap may be allocated
	Usage HeapUsage
	// BlockSize is the size of pooled blocks created in the heap. It is rounded down to a power of two.
	// If it is left 0, or is larger than the heap's limit, a default is derived from the heap size:
	// 256Mb for heaps of at least 1Gb, and an eighth of the heap otherwise.
	BlockSize int
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// Dedicated forces every allocation made by the allocator into its own memory block, regardless
	// of the AllocationCreateFlags passed to each call
	Dedicated bool

	// HeapOptions can be left empty. If it is provided, each entry configures the heap with the
	// same index; heaps without an entry use the zero HeapOptions. It may not have more entries than
	// the device has heaps.
	HeapOptions []HeapOptions

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when device memory
	// is allocated or freed by this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator
//
// logger - Receives debug output for every allocator call and error output for leaked allocations
//
// device - The Device that memory will be allocated from. Its memory properties are read once, here.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("attempted to create an allocator with a nil logger")
	} else if device == nil {
		return nil, errors.New("attempted to create an allocator with a nil device")
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger:      logger,
		device:      device,
		createFlags: options.Flags,
		dedicated:   options.Dedicated,
	}

	var err error
	allocator.deviceMemory, err = vulkan.NewDeviceMemoryProperties(
		device,
		device.MemoryProperties(),
		&memoryCallbacks{
			options:   options.MemoryCallbackOptions,
			allocator: allocator,
		},
	)
	if err != nil {
		return nil, err
	}

	heapCount := allocator.deviceMemory.MemoryHeapCount()
	if len(options.HeapOptions) > heapCount {
		return nil, errors.Newf("CreateOptions.HeapOptions has %d entries, but the device only has %d memory heaps", len(options.HeapOptions), heapCount)
	}

	allocator.globalMemoryTypeBits = allocator.deviceMemory.CalculateGlobalMemoryTypeBits()

	allocator.pools = make([]*heapPool, heapCount)
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		var heapOptions HeapOptions
		if heapIndex < len(options.HeapOptions) {
			heapOptions = options.HeapOptions[heapIndex]
		}

		heapSize := allocator.deviceMemory.MemoryHeapProperties(heapIndex).Size
		maxBytes, blockSize, err := HeapSizing(heapSize, heapOptions)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid options for heap %d", heapIndex)
		}
		allocator.deviceMemory.SetHeapLimit(heapIndex, maxBytes)

		logger.Debug("Allocator::New heap",
			slog.Int("HeapIndex", heapIndex),
			slog.Int("HeapSize", heapSize),
			slog.String("Usage", heapOptions.Usage.String()),
			slog.Int("MaxBytes", maxBytes),
			slog.Int("BlockSize", blockSize),
		)

		allocator.pools[heapIndex] = &heapPool{}
		allocator.pools[heapIndex].Init(useMutex, logger, allocator.deviceMemory, heapIndex, maxBytes, blockSize)
	}

	return allocator, nil
}
