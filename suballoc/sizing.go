package suballoc

import (
	"github.com/vkngwrapper/devmem/memutils"
)

const (
	// smallHeapMaxSize is the heap size below which the default block size is a fraction of the heap
	smallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GB
	// defaultLargeHeapBlockSize is the default block size for heaps of at least smallHeapMaxSize.
	// It is equal to 256Mb.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024
	// smallHeapBlockDivisor is the fraction of a small heap used for each of its blocks by default
	smallHeapBlockDivisor int = 8
)

// heapBlockSize returns the final byte budget and block size for a heap. requestedMax is the number of
// bytes the caller wants to permit from the heap, and requestedBlockSize is the block size they asked
// for, or 0 for the default. The returned block size is always a power of two no larger than
// maxBytes, unless maxBytes is 0, in which case the heap may not be used and both values are 0.
func heapBlockSize(heapSize int, requestedMax int, requestedBlockSize int) (maxBytes int, blockSize int) {
	maxBytes = requestedMax
	if heapSize < maxBytes {
		maxBytes = heapSize
	}

	if maxBytes <= 0 {
		return 0, 0
	}

	blockSize = requestedBlockSize
	if blockSize <= 0 || blockSize > maxBytes {
		if heapSize >= smallHeapMaxSize {
			blockSize = defaultLargeHeapBlockSize
		} else {
			blockSize = heapSize / smallHeapBlockDivisor
		}
	}

	blockSize = memutils.PrevPow2(blockSize)
	for blockSize > maxBytes {
		blockSize /= 2
	}

	return maxBytes, blockSize
}

// HeapSizing returns the byte budget and pooled block size an allocator would use for a heap of
// heapSize bytes configured with options
func HeapSizing(heapSize int, options HeapOptions) (maxBytes int, blockSize int, err error) {
	requestedMax, err := options.Usage.requestedMax()
	if err != nil {
		return 0, 0, err
	}

	maxBytes, blockSize = heapBlockSize(heapSize, requestedMax, options.BlockSize)
	return maxBytes, blockSize, nil
}
