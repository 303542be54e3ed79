package main

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/suballoc"
	"github.com/vkngwrapper/devmem/suballoc/simdevice"
)

type opKind string

const (
	opBuffer opKind = "buffer"
	opImage  opKind = "image"
	opMemory opKind = "memory"
	opFree   opKind = "free"
)

// traceOp is a single step of a trace. Which fields are meaningful depends on Kind.
type traceOp struct {
	Kind opKind
	ID   string

	Size           int
	Alignment      int
	MemoryTypeBits uint32

	Width       int
	Height      int
	MipLevels   int
	ArrayLayers int

	Alloc suballoc.AllocationCreateInfo
}

// trace is a simulated device, allocator options, and the operations to replay against them
type trace struct {
	Device  simdevice.Config
	Options suballoc.CreateOptions
	Ops     []traceOp
}

var memoryPropertyNames = map[string]core1_0.MemoryPropertyFlags{
	"DeviceLocal":     core1_0.MemoryPropertyDeviceLocal,
	"HostVisible":     core1_0.MemoryPropertyHostVisible,
	"HostCoherent":    core1_0.MemoryPropertyHostCoherent,
	"HostCached":      core1_0.MemoryPropertyHostCached,
	"LazilyAllocated": core1_0.MemoryPropertyLazilyAllocated,
}

var memoryUsageNames = map[string]suballoc.MemoryUsage{
	"unknown":  suballoc.MemoryUsageUnknown,
	"gpuOnly":  suballoc.MemoryUsageGPUOnly,
	"cpuOnly":  suballoc.MemoryUsageCPUOnly,
	"cpuToGpu": suballoc.MemoryUsageCPUToGPU,
	"gpuToCpu": suballoc.MemoryUsageGPUToCPU,
}

func parseTrace(data []byte) (*trace, error) {
	var t trace
	var parseErr error

	r := jreader.NewReader(data)
	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "memoryTypes":
			for arr := r.Array(); arr.Next(); {
				t.Device.MemoryTypes = append(t.Device.MemoryTypes, readMemoryType(&r, &parseErr))
			}
		case "memoryHeaps":
			for arr := r.Array(); arr.Next(); {
				t.Device.MemoryHeaps = append(t.Device.MemoryHeaps, readMemoryHeap(&r))
			}
		case "bufferAlignment":
			t.Device.BufferAlignment = r.Int()
		case "imageAlignment":
			t.Device.ImageAlignment = r.Int()
		case "dedicatedImages":
			t.Device.DedicatedImages = r.Bool()
		case "maxMemoryAllocationCount":
			t.Device.MaxMemoryAllocationCount = r.Int()
		case "dedicated":
			t.Options.Dedicated = r.Bool()
		case "heapOptions":
			for arr := r.Array(); arr.Next(); {
				t.Options.HeapOptions = append(t.Options.HeapOptions, readHeapOptions(&r))
			}
		case "ops":
			for arr := r.Array(); arr.Next(); {
				t.Ops = append(t.Ops, readOp(&r, &parseErr))
			}
		default:
			_ = r.SkipValue()
		}
	}

	if err := r.Error(); err != nil {
		return nil, fmt.Errorf("failed to parse trace: %w", err)
	}
	if parseErr != nil {
		return nil, parseErr
	}

	return &t, nil
}

func readMemoryType(r *jreader.Reader, parseErr *error) core1_0.MemoryType {
	var memoryType core1_0.MemoryType

	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "heap":
			memoryType.HeapIndex = r.Int()
		case "flags":
			for arr := r.Array(); arr.Next(); {
				name := r.String()
				flag, ok := memoryPropertyNames[name]
				if !ok && *parseErr == nil {
					*parseErr = fmt.Errorf("unknown memory property %q", name)
				}
				memoryType.PropertyFlags |= flag
			}
		default:
			_ = r.SkipValue()
		}
	}

	return memoryType
}

func readMemoryHeap(r *jreader.Reader) core1_0.MemoryHeap {
	var heap core1_0.MemoryHeap

	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "size":
			heap.Size = r.Int()
		case "deviceLocal":
			if r.Bool() {
				heap.Flags |= core1_0.MemoryHeapDeviceLocal
			}
		default:
			_ = r.SkipValue()
		}
	}

	return heap
}

func readHeapOptions(r *jreader.Reader) suballoc.HeapOptions {
	var options suballoc.HeapOptions

	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "limit":
			options.Usage = suballoc.HeapUsageUpTo(r.Int())
		case "forbid":
			if r.Bool() {
				options.Usage = suballoc.HeapUsageForbid
			}
		case "blockSize":
			options.BlockSize = r.Int()
		default:
			_ = r.SkipValue()
		}
	}

	return options
}

func readOp(r *jreader.Reader, parseErr *error) traceOp {
	op := traceOp{
		Alignment:   1,
		MipLevels:   1,
		ArrayLayers: 1,
	}

	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "op":
			op.Kind = opKind(r.String())
		case "id":
			op.ID = r.String()
		case "size":
			op.Size = r.Int()
		case "alignment":
			op.Alignment = r.Int()
		case "memoryTypeBits":
			op.MemoryTypeBits = uint32(r.Int())
		case "width":
			op.Width = r.Int()
		case "height":
			op.Height = r.Int()
		case "mipLevels":
			op.MipLevels = r.Int()
		case "arrayLayers":
			op.ArrayLayers = r.Int()
		case "usage":
			name := r.String()
			usage, ok := memoryUsageNames[name]
			if !ok && *parseErr == nil {
				*parseErr = fmt.Errorf("unknown memory usage %q", name)
			}
			op.Alloc.Usage = usage
		case "dedicated":
			if r.Bool() {
				op.Alloc.Flags |= suballoc.AllocationCreateDedicatedMemory
			}
		case "neverAllocate":
			if r.Bool() {
				op.Alloc.Flags |= suballoc.AllocationCreateNeverAllocate
			}
		default:
			_ = r.SkipValue()
		}
	}

	switch op.Kind {
	case opBuffer, opImage, opMemory, opFree:
	default:
		if *parseErr == nil {
			*parseErr = fmt.Errorf("unknown op %q", op.Kind)
		}
	}
	if op.ID == "" && *parseErr == nil {
		*parseErr = fmt.Errorf("%s op is missing an id", op.Kind)
	}

	return op
}
