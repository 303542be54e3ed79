package suballoc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/suballoc/internal/utils"
	"github.com/vkngwrapper/devmem/suballoc/internal/vulkan"
	"golang.org/x/exp/slog"
)

// heapPool owns every block allocated from a single memory heap
type heapPool struct {
	logger       *slog.Logger
	deviceMemory *vulkan.DeviceMemoryProperties
	heapIndex    int

	maxBytes  int
	blockSize int

	mutex          utils.OptionalMutex
	usedBytes      int
	blocks         []*deviceMemoryBlock
	blocksByMemory *swiss.Map[*vulkan.SharedMemory, *deviceMemoryBlock]
	nextBlockId    int
}

func (p *heapPool) Init(
	useMutex bool,
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryProperties,
	heapIndex int,
	maxBytes, blockSize int,
) {
	p.logger = logger
	p.deviceMemory = deviceMemory
	p.heapIndex = heapIndex
	p.maxBytes = maxBytes
	p.blockSize = blockSize
	p.mutex = utils.OptionalMutex{UseMutex: useMutex}
	p.blocksByMemory = swiss.NewMap[*vulkan.SharedMemory, *deviceMemoryBlock](8)
}

func (p *heapPool) HeapIndex() int { return p.heapIndex }
func (p *heapPool) MaxBytes() int  { return p.maxBytes }
func (p *heapPool) BlockSize() int { return p.blockSize }

func (p *heapPool) UsedBytes() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.usedBytes
}

func (p *heapPool) BlockCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.blocks)
}

// Allocate places a new allocation of the provided memory type in this heap, either in an existing
// block or in a new one depending on flags
func (p *heapPool) Allocate(memoryTypeIndex int, size int, alignment uint, flags AllocationCreateFlags) (*Allocation, common.VkResult, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if flags&AllocationCreateDedicatedMemory != 0 {
		return p.allocateFromNewBlock(memoryTypeIndex, size, alignment, true)
	}

	for _, block := range p.blocks {
		if block.dedicated || block.memoryTypeIndex != memoryTypeIndex {
			continue
		}

		if !block.metadata.MayHaveFreeBlock(size) {
			continue
		}

		offset, ok := block.Allocate(size, alignment)
		if ok {
			p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated from existing block",
				slog.Int("block.id", block.id),
				slog.Int("Offset", offset),
				slog.Int("Size", size),
			)
			return p.commit(block, offset, size, alignment), core1_0.VKSuccess, nil
		}
	}

	if flags&AllocationCreateNeverAllocate != 0 {
		return nil, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrNoFreeBlock,
			"heap %d has no block of memory type %d with room for %d bytes", p.heapIndex, memoryTypeIndex, size)
	}

	return p.allocateFromNewBlock(memoryTypeIndex, size, alignment, false)
}

func (p *heapPool) allocateFromNewBlock(memoryTypeIndex int, size int, alignment uint, dedicated bool) (*Allocation, common.VkResult, error) {
	// Dedicated blocks hold exactly one allocation at offset 0, pooled blocks are large enough that
	// alignment padding can never cause placement to fail
	blockSize := size
	if dedicated {
		alignment = 1
	} else {
		blockSize = memutils.AlignUp(size, alignment)
		if blockSize < p.blockSize {
			blockSize = p.blockSize
		}
	}

	block, res, err := p.createBlock(memoryTypeIndex, blockSize, dedicated)
	if err != nil {
		return nil, res, err
	}

	offset, ok := block.Allocate(size, alignment)
	if !ok {
		panic(fmt.Sprintf("a new block of %d bytes could not fit an allocation of %d bytes", blockSize, size))
	}

	return p.commit(block, offset, size, alignment), core1_0.VKSuccess, nil
}

func (p *heapPool) createBlock(memoryTypeIndex int, blockSize int, dedicated bool) (*deviceMemoryBlock, common.VkResult, error) {
	if p.usedBytes+blockSize > p.maxBytes {
		return nil, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrHeapExhausted,
			"heap %d has %d of %d bytes in use and cannot fit a new block of %d bytes",
			p.heapIndex, p.usedBytes, p.maxBytes, blockSize)
	}

	memory, res, err := p.deviceMemory.AllocateDeviceMemory(memoryTypeIndex, blockSize)
	if err != nil {
		return nil, res, errors.Mark(err, errDeviceAllocation)
	}

	block := &deviceMemoryBlock{}
	block.Init(p.logger, memoryTypeIndex, memory, blockSize, p.nextBlockId, dedicated)
	p.nextBlockId++

	p.blocks = append(p.blocks, block)
	p.blocksByMemory.Put(memory, block)
	p.usedBytes += blockSize

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", blockSize),
		slog.Bool("Dedicated", dedicated),
	)

	return block, res, nil
}

func (p *heapPool) commit(block *deviceMemoryBlock, offset int, size int, alignment uint) *Allocation {
	memutils.DebugValidate(block)
	p.deviceMemory.AddAllocation(p.heapIndex, size)

	return &Allocation{
		memory:          block.memory,
		pool:            p,
		offset:          offset,
		size:            size,
		end:             memutils.AlignUp(offset+size, alignment),
		heapIndex:       p.heapIndex,
		memoryTypeIndex: block.memoryTypeIndex,
		dedicated:       block.dedicated,
	}
}

// Free returns the range that begins at offset to the block that owns memory. If that empties the
// block, the block is destroyed and its memory is returned to the device.
func (p *heapPool) Free(memory *vulkan.SharedMemory, offset int, size int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, ok := p.blocksByMemory.Get(memory)
	if !ok {
		panic(fmt.Sprintf("attempted to free offset %d from memory that does not belong to heap %d", offset, p.heapIndex))
	}

	empty := block.Free(offset)
	p.deviceMemory.RemoveAllocation(p.heapIndex, size)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block",
		slog.Int("block.id", block.id),
		slog.Int("Offset", offset),
	)

	if !empty {
		memutils.DebugValidate(block)
		return
	}

	p.removeBlock(block)
}

func (p *heapPool) removeBlock(block *deviceMemoryBlock) {
	for blockIndex := 0; blockIndex < len(p.blocks); blockIndex++ {
		if p.blocks[blockIndex] == block {
			p.blocks = append(p.blocks[:blockIndex], p.blocks[blockIndex+1:]...)
			break
		}
	}
	p.blocksByMemory.Delete(block.memory)

	blockSize := block.metadata.Size()
	id := block.id
	err := block.Destroy()
	if err != nil {
		panic(fmt.Sprintf("unexpected failure when destroying an empty memory block: %+v", err))
	}

	p.usedBytes -= blockSize
	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", id))
}

// Destroy destroys every block in the pool. It fails if any allocations are still live, but every
// empty block is destroyed regardless.
func (p *heapPool) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var err error
	remaining := p.blocks[:0]
	for _, block := range p.blocks {
		blockSize := block.metadata.Size()
		memory := block.memory

		destroyErr := block.Destroy()
		if destroyErr != nil {
			err = errors.CombineErrors(err, destroyErr)
			remaining = append(remaining, block)
			continue
		}

		p.blocksByMemory.Delete(memory)
		p.usedBytes -= blockSize
	}
	p.blocks = remaining

	if err != nil {
		return errors.Wrapf(err, "heap %d could not be destroyed", p.heapIndex)
	}
	return nil
}

func (p *heapPool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	blockBytes := 0
	for _, block := range p.blocks {
		err := block.Validate()
		if err != nil {
			return err
		}

		indexed, ok := p.blocksByMemory.Get(block.memory)
		if !ok || indexed != block {
			return errors.Newf("block %d is missing from heap %d's memory index", block.id, p.heapIndex)
		}
		blockBytes += block.metadata.Size()
	}

	if p.blocksByMemory.Count() != len(p.blocks) {
		return errors.Newf("heap %d has %d blocks but %d indexed memory objects", p.heapIndex, len(p.blocks), p.blocksByMemory.Count())
	}
	if blockBytes != p.usedBytes {
		return errors.Newf("heap %d has %d bytes in blocks but records %d used bytes", p.heapIndex, blockBytes, p.usedBytes)
	}
	if p.usedBytes > p.maxBytes {
		return errors.Newf("heap %d uses %d bytes, more than its limit of %d", p.heapIndex, p.usedBytes, p.maxBytes)
	}

	return nil
}

func (p *heapPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, block := range p.blocks {
		block.metadata.AddStatistics(stats)
	}
}

func (p *heapPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, block := range p.blocks {
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (p *heapPool) PrintDetailedMap(json *jwriter.ObjectState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	json.Name("UsedBytes").Int(p.usedBytes)

	blocksObj := json.Name("Blocks").Object()
	defer blocksObj.End()

	for _, block := range p.blocks {
		blockObj := blocksObj.Name(strconv.Itoa(block.id)).Object()
		block.PrintDetailedMap(&blockObj)
		blockObj.End()
	}
}
