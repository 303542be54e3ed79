package metadata

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/devmem/memutils"
	"golang.org/x/exp/slices"
)

// Chunk is a contiguous range [Offset, Offset+Size) of a block that is either handed out to a
// single suballocation or free
type Chunk struct {
	Offset   int
	Size     int
	Occupied bool
}

// End is the first byte past the end of the chunk
func (c Chunk) End() int {
	return c.Offset + c.Size
}

// FirstFitBlockMetadata is a BlockMetadata that keeps the block as an ordered list of chunks
// and places each allocation in the lowest-offset free chunk that can hold it. Placement is
// deterministic: freeing an allocation and requesting the same size and alignment again returns
// the same offset as long as nothing else changed in between.
//
// The chunk list always partitions [0, Size()) exactly, and two free chunks are never adjacent.
type FirstFitBlockMetadata struct {
	BlockMetadataBase

	chunks          []Chunk
	allocationCount int
	freeCount       int
	sumFreeSize     int
}

var _ BlockMetadata = &FirstFitBlockMetadata{}

func NewFirstFitBlockMetadata() *FirstFitBlockMetadata {
	return &FirstFitBlockMetadata{}
}

func (m *FirstFitBlockMetadata) Init(size int) {
	if size < 1 {
		panic(fmt.Sprintf("attempted to initialize block metadata with invalid size %d", size))
	}

	m.BlockMetadataBase.Init(size)
	m.chunks = append(m.chunks[:0], Chunk{Offset: 0, Size: size})
	m.allocationCount = 0
	m.freeCount = 1
	m.sumFreeSize = size
}

func (m *FirstFitBlockMetadata) AllocationCount() int { return m.allocationCount }
func (m *FirstFitBlockMetadata) FreeRegionsCount() int { return m.freeCount }
func (m *FirstFitBlockMetadata) SumFreeSize() int      { return m.sumFreeSize }
func (m *FirstFitBlockMetadata) IsEmpty() bool         { return m.allocationCount == 0 }

func (m *FirstFitBlockMetadata) MayHaveFreeBlock(size int) bool {
	return m.sumFreeSize >= size
}

func (m *FirstFitBlockMetadata) Allocate(size int, alignment uint) (int, bool) {
	memutils.DebugCheckPow2(alignment, "alignment")

	if size < 1 || size > m.sumFreeSize {
		return 0, false
	}

	for chunkIndex := 0; chunkIndex < len(m.chunks); chunkIndex++ {
		chunk := m.chunks[chunkIndex]
		if chunk.Occupied {
			continue
		}

		start := memutils.AlignUp(chunk.Offset, alignment)
		end := memutils.AlignUp(start+size, alignment)
		if end > chunk.End() {
			continue
		}

		m.split(chunkIndex, start, end)
		memutils.DebugValidate(m)
		return start, true
	}

	return 0, false
}

// split replaces the free chunk at chunkIndex with an occupied chunk [start, end), keeping
// whatever is left on either side as free chunks
func (m *FirstFitBlockMetadata) split(chunkIndex int, start, end int) {
	chunk := m.chunks[chunkIndex]

	pieces := make([]Chunk, 0, 3)
	if start > chunk.Offset {
		pieces = append(pieces, Chunk{Offset: chunk.Offset, Size: start - chunk.Offset})
	}
	pieces = append(pieces, Chunk{Offset: start, Size: end - start, Occupied: true})
	if end < chunk.End() {
		pieces = append(pieces, Chunk{Offset: end, Size: chunk.End() - end})
	}

	m.chunks = slices.Delete(m.chunks, chunkIndex, chunkIndex+1)
	m.chunks = slices.Insert(m.chunks, chunkIndex, pieces...)

	m.allocationCount++
	m.freeCount += len(pieces) - 2
	m.sumFreeSize -= end - start
}

func (m *FirstFitBlockMetadata) findChunk(offset int) int {
	return sort.Search(len(m.chunks), func(i int) bool {
		return m.chunks[i].Offset >= offset
	})
}

func (m *FirstFitBlockMetadata) Free(offset int) (bool, error) {
	chunkIndex := m.findChunk(offset)
	if chunkIndex >= len(m.chunks) || m.chunks[chunkIndex].Offset != offset {
		return false, errors.Newf("no chunk begins at offset %d", offset)
	}
	if !m.chunks[chunkIndex].Occupied {
		return false, errors.Newf("chunk at offset %d is already free", offset)
	}

	m.chunks[chunkIndex].Occupied = false
	m.allocationCount--
	m.freeCount++
	m.sumFreeSize += m.chunks[chunkIndex].Size

	// Merge left
	if chunkIndex > 0 && !m.chunks[chunkIndex-1].Occupied {
		m.chunks[chunkIndex-1].Size += m.chunks[chunkIndex].Size
		m.chunks = slices.Delete(m.chunks, chunkIndex, chunkIndex+1)
		m.freeCount--
		chunkIndex--
	}

	// Merge right
	if chunkIndex+1 < len(m.chunks) && !m.chunks[chunkIndex+1].Occupied {
		m.chunks[chunkIndex].Size += m.chunks[chunkIndex+1].Size
		m.chunks = slices.Delete(m.chunks, chunkIndex+1, chunkIndex+2)
		m.freeCount--
	}

	memutils.DebugValidate(m)

	return m.IsEmpty(), nil
}

func (m *FirstFitBlockMetadata) Validate() error {
	if len(m.chunks) == 0 {
		return errors.New("block metadata has no chunks")
	}

	nextOffset := 0
	var allocCount, freeCount, freeSize int
	for chunkIndex, chunk := range m.chunks {
		if chunk.Offset != nextOffset {
			return errors.Newf("chunk %d begins at offset %d but the previous chunk ended at %d", chunkIndex, chunk.Offset, nextOffset)
		}
		if chunk.Size < 1 {
			return errors.Newf("chunk %d at offset %d has invalid size %d", chunkIndex, chunk.Offset, chunk.Size)
		}

		if chunk.Occupied {
			allocCount++
		} else {
			if chunkIndex > 0 && !m.chunks[chunkIndex-1].Occupied {
				return errors.Newf("free chunk at offset %d follows another free chunk", chunk.Offset)
			}
			freeCount++
			freeSize += chunk.Size
		}

		nextOffset = chunk.End()
	}

	if nextOffset != m.Size() {
		return errors.Newf("chunks end at offset %d but the block size is %d", nextOffset, m.Size())
	}
	if allocCount != m.allocationCount {
		return errors.Newf("counted %d allocations but the metadata lists %d", allocCount, m.allocationCount)
	}
	if freeCount != m.freeCount {
		return errors.Newf("counted %d free chunks but the metadata lists %d", freeCount, m.freeCount)
	}
	if freeSize != m.sumFreeSize {
		return errors.Newf("counted %d free bytes but the metadata lists %d", freeSize, m.sumFreeSize)
	}

	return nil
}

func (m *FirstFitBlockMetadata) VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error {
	for _, chunk := range m.chunks {
		err := handleRegion(chunk.Offset, chunk.Size, !chunk.Occupied)
		if err != nil {
			return err
		}
	}

	return nil
}

// Chunks returns a copy of the current chunk list in offset order
func (m *FirstFitBlockMetadata) Chunks() []Chunk {
	return slices.Clone(m.chunks)
}

func (m *FirstFitBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.AddBlock(m.Size())
	stats.AllocationCount += m.allocationCount
	stats.AllocationBytes += m.Size() - m.sumFreeSize
}

func (m *FirstFitBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddBlock(m.Size())

	for _, chunk := range m.chunks {
		if chunk.Occupied {
			stats.AddAllocation(chunk.Size)
		} else {
			stats.AddUnusedRange(chunk.Size)
		}
	}
}

func (m *FirstFitBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.writeJsonHeader(json, m.sumFreeSize, m.allocationCount, m.freeCount)
}
