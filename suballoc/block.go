package suballoc

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/devmem/memutils/metadata"
	"github.com/vkngwrapper/devmem/suballoc/internal/vulkan"
	"golang.org/x/exp/slog"
)

// deviceMemoryBlock is a single raw memory object, carved into chunks by its metadata. Every method
// must be called with the owning pool's lock held.
type deviceMemoryBlock struct {
	id              int
	memory          *vulkan.SharedMemory
	memoryTypeIndex int
	dedicated       bool
	logger          *slog.Logger

	metadata metadata.BlockMetadata
}

func (b *deviceMemoryBlock) Init(
	logger *slog.Logger,
	newMemoryTypeIndex int,
	newMemory *vulkan.SharedMemory,
	newSize int,
	id int,
	dedicated bool,
) {
	if b.memory != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.memoryTypeIndex = newMemoryTypeIndex
	b.id = id
	b.memory = newMemory
	b.dedicated = dedicated
	b.logger = logger

	b.metadata = metadata.NewFirstFitBlockMetadata()
	b.metadata.Init(newSize)
}

// Destroy releases the block's own reference to its memory. It fails without releasing anything if
// suballocations are still live.
func (b *deviceMemoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		err := b.metadata.VisitAllRegions(func(offset int, size int, free bool) error {
			if free {
				return nil
			}

			b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Int("block.id", b.id),
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("block %d still had %d allocations when it was destroyed", b.id, b.metadata.AllocationCount())
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing vulkan memory handle")
	}

	if !b.memory.Release() {
		panic(fmt.Sprintf("block %d was destroyed but its memory still had %d references", b.id, b.memory.References()))
	}

	b.memory = nil
	b.metadata = nil
	return nil
}

// Allocate places a suballocation in the block and takes a memory reference for it
func (b *deviceMemoryBlock) Allocate(size int, alignment uint) (int, bool) {
	offset, ok := b.metadata.Allocate(size, alignment)
	if !ok {
		return 0, false
	}

	b.memory.Acquire()
	return offset, true
}

// Free releases the suballocation at offset along with its memory reference and reports whether the
// block is now empty. An offset with no live suballocation means the bookkeeping is corrupt, so it panics.
func (b *deviceMemoryBlock) Free(offset int) bool {
	empty, err := b.metadata.Free(offset)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing offset %d from block %d: %+v", offset, b.id, err))
	}

	if b.memory.Release() {
		panic(fmt.Sprintf("block %d lost its memory while it was still part of a pool", b.id))
	}

	return empty
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}
	if b.memory.Size() != b.metadata.Size() {
		return errors.Newf("block %d has %d bytes of memory but its metadata covers %d bytes", b.id, b.memory.Size(), b.metadata.Size())
	}
	if b.memory.References() != b.metadata.AllocationCount()+1 {
		return errors.Newf("block %d has %d memory references but %d allocations", b.id, b.memory.References(), b.metadata.AllocationCount())
	}
	if b.dedicated && b.metadata.AllocationCount() > 1 {
		return errors.Newf("dedicated block %d holds %d allocations", b.id, b.metadata.AllocationCount())
	}

	return b.metadata.Validate()
}

func (b *deviceMemoryBlock) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("MemoryTypeIndex").Int(b.memoryTypeIndex)
	json.Name("Dedicated").Bool(b.dedicated)
	json.Name("References").Int(b.memory.References())
	b.metadata.BlockJsonData(json)

	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = b.metadata.VisitAllRegions(func(offset int, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("OCCUPIED")
		}

		return nil
	})
}
