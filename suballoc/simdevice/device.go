package simdevice

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/suballoc"
)

const defaultAlignment = 256

// Config describes the simulated device
type Config struct {
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap

	// BufferAlignment and ImageAlignment are reported in resource memory requirements. They default
	// to 256 bytes.
	BufferAlignment int
	ImageAlignment  int

	// BufferMemoryTypeBits and ImageMemoryTypeBits are reported in resource memory requirements. If
	// they are left 0, every memory type is permitted.
	BufferMemoryTypeBits uint32
	ImageMemoryTypeBits  uint32

	// DedicatedImages causes every image to report that it requires a dedicated allocation
	DedicatedImages bool

	// MaxMemoryAllocationCount caps the number of live raw memory objects, as real drivers do. If it
	// is left 0, there is no cap.
	MaxMemoryAllocationCount int
}

// Device is a suballoc.Device that allocates nothing. It tracks every memory object, buffer, and
// image it hands out, enforces heap capacity, and rejects binds that overlap or fall outside
// their memory. It is safe for concurrent use.
type Device struct {
	config Config

	lock       sync.Mutex
	nextHandle int
	memories   *swiss.Map[*Memory, struct{}]
	buffers    *swiss.Map[*Buffer, struct{}]
	images     *swiss.Map[*Image, struct{}]
	heapUsage  []int

	allocateCount int
	typeFailures  map[int]common.VkResult
	bindFailure   common.VkResult
	createFailure common.VkResult
}

var _ suballoc.Device = &Device{}

// New creates a simulated device. It fails if any memory type refers to a heap that does not exist.
func New(config Config) (*Device, error) {
	for typeIndex, memoryType := range config.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(config.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, which does not exist", typeIndex, memoryType.HeapIndex)
		}
	}

	if config.BufferAlignment == 0 {
		config.BufferAlignment = defaultAlignment
	}
	if config.ImageAlignment == 0 {
		config.ImageAlignment = defaultAlignment
	}

	err := memutils.CheckPow2(config.BufferAlignment, "Config.BufferAlignment")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(config.ImageAlignment, "Config.ImageAlignment")
	if err != nil {
		return nil, err
	}

	allTypes := uint32(1)<<len(config.MemoryTypes) - 1
	if config.BufferMemoryTypeBits == 0 {
		config.BufferMemoryTypeBits = allTypes
	}
	if config.ImageMemoryTypeBits == 0 {
		config.ImageMemoryTypeBits = allTypes
	}

	return &Device{
		config:       config,
		memories:     swiss.NewMap[*Memory, struct{}](16),
		buffers:      swiss.NewMap[*Buffer, struct{}](16),
		images:       swiss.NewMap[*Image, struct{}](16),
		heapUsage:    make([]int, len(config.MemoryHeaps)),
		typeFailures: make(map[int]common.VkResult),
	}, nil
}

// FailMemoryType causes every raw memory allocation from the memory type to fail with result until
// ClearFailures is called
func (d *Device) FailMemoryType(memoryTypeIndex int, result common.VkResult) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.typeFailures[memoryTypeIndex] = result
}

// FailNextBind causes the next buffer or image bind to fail with result
func (d *Device) FailNextBind(result common.VkResult) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.bindFailure = result
}

// FailNextCreate causes the next buffer or image creation to fail with result
func (d *Device) FailNextCreate(result common.VkResult) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.createFailure = result
}

func (d *Device) ClearFailures() {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.typeFailures = make(map[int]common.VkResult)
	d.bindFailure = core1_0.VKSuccess
	d.createFailure = core1_0.VKSuccess
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: append([]core1_0.MemoryType(nil), d.config.MemoryTypes...),
		MemoryHeaps: append([]core1_0.MemoryHeap(nil), d.config.MemoryHeaps...),
	}
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.config.MemoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("memory type %d does not exist", memoryTypeIndex)
	}

	if size < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to allocate %d bytes of memory", size)
	}

	failure, failing := d.typeFailures[memoryTypeIndex]
	if failing {
		return nil, failure, failure.ToError()
	}

	if d.config.MaxMemoryAllocationCount > 0 && d.memories.Count() >= d.config.MaxMemoryAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	heapIndex := d.config.MemoryTypes[memoryTypeIndex].HeapIndex
	if d.heapUsage[heapIndex]+size > d.config.MemoryHeaps[heapIndex].Size {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	d.nextHandle++
	d.allocateCount++
	d.heapUsage[heapIndex] += size

	memory := &Memory{
		id:              d.nextHandle,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
		bindings:        swiss.NewMap[*resource, struct{}](4),
	}
	d.memories.Put(memory, struct{}{})

	return memory, core1_0.VKSuccess, nil
}

func (d *Device) FreeMemory(deviceMemory core1_0.DeviceMemory) {
	d.lock.Lock()
	defer d.lock.Unlock()

	memory := d.liveMemory(deviceMemory)
	if memory.bindings.Count() > 0 {
		panic(fmt.Sprintf("memory %d was freed while %d resources were still bound to it", memory.id, memory.bindings.Count()))
	}

	d.memories.Delete(memory)
	d.heapUsage[d.config.MemoryTypes[memory.memoryTypeIndex].HeapIndex] -= memory.size
}

func (d *Device) liveMemory(deviceMemory core1_0.DeviceMemory) *Memory {
	memory, ok := deviceMemory.(*Memory)
	if !ok {
		panic(fmt.Sprintf("memory %+v was not created by this device", deviceMemory))
	}

	if !d.memories.Has(memory) {
		panic(fmt.Sprintf("memory %d is not alive", memory.id))
	}

	return memory
}

func (d *Device) takeCreateFailure() common.VkResult {
	failure := d.createFailure
	d.createFailure = core1_0.VKSuccess
	return failure
}

func (d *Device) takeBindFailure() common.VkResult {
	failure := d.bindFailure
	d.bindFailure = core1_0.VKSuccess
	return failure
}

func (d *Device) CreateBuffer(info core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if failure := d.takeCreateFailure(); failure != core1_0.VKSuccess {
		return nil, failure, failure.ToError()
	}

	if info.Size < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to create a buffer of %d bytes", info.Size)
	}

	d.nextHandle++
	buffer := &Buffer{
		resource: resource{id: d.nextHandle},
		info:     info,
	}
	d.buffers.Put(buffer, struct{}{})

	return buffer, core1_0.VKSuccess, nil
}

func (d *Device) DestroyBuffer(buffer core1_0.Buffer) {
	d.lock.Lock()
	defer d.lock.Unlock()

	simBuffer, ok := buffer.(*Buffer)
	if !ok || !d.buffers.Has(simBuffer) {
		panic(fmt.Sprintf("buffer %+v is not alive", buffer))
	}

	simBuffer.unbind()
	d.buffers.Delete(simBuffer)
}

func (d *Device) BufferMemoryRequirements(buffer core1_0.Buffer) (suballoc.MemoryRequirements, error) {
	simBuffer, ok := buffer.(*Buffer)
	if !ok {
		return suballoc.MemoryRequirements{}, errors.Newf("buffer %+v was not created by this device", buffer)
	}

	return suballoc.MemoryRequirements{
		Size:           memutils.AlignUp(simBuffer.info.Size, uint(d.config.BufferAlignment)),
		Alignment:      d.config.BufferAlignment,
		MemoryTypeBits: d.config.BufferMemoryTypeBits,
	}, nil
}

func (d *Device) BindBufferMemory(buffer core1_0.Buffer, deviceMemory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if failure := d.takeBindFailure(); failure != core1_0.VKSuccess {
		return failure, failure.ToError()
	}

	simBuffer, ok := buffer.(*Buffer)
	if !ok || !d.buffers.Has(simBuffer) {
		return core1_0.VKErrorUnknown, errors.Newf("buffer %+v is not alive", buffer)
	}

	reqs, err := d.BufferMemoryRequirements(buffer)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return d.bind(&simBuffer.resource, deviceMemory, offset, reqs)
}

func (d *Device) CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if failure := d.takeCreateFailure(); failure != core1_0.VKSuccess {
		return nil, failure, failure.ToError()
	}

	if imageSize(info) < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to create an image with extent %+v", info.Extent)
	}

	d.nextHandle++
	image := &Image{
		resource: resource{id: d.nextHandle},
		info:     info,
	}
	d.images.Put(image, struct{}{})

	return image, core1_0.VKSuccess, nil
}

func (d *Device) DestroyImage(image core1_0.Image) {
	d.lock.Lock()
	defer d.lock.Unlock()

	simImage, ok := image.(*Image)
	if !ok || !d.images.Has(simImage) {
		panic(fmt.Sprintf("image %+v is not alive", image))
	}

	simImage.unbind()
	d.images.Delete(simImage)
}

func (d *Device) ImageMemoryRequirements(image core1_0.Image) (suballoc.MemoryRequirements, error) {
	simImage, ok := image.(*Image)
	if !ok {
		return suballoc.MemoryRequirements{}, errors.Newf("image %+v was not created by this device", image)
	}

	return suballoc.MemoryRequirements{
		Size:              memutils.AlignUp(imageSize(simImage.info), uint(d.config.ImageAlignment)),
		Alignment:         d.config.ImageAlignment,
		MemoryTypeBits:    d.config.ImageMemoryTypeBits,
		RequiresDedicated: d.config.DedicatedImages,
		PrefersDedicated:  d.config.DedicatedImages,
	}, nil
}

func (d *Device) BindImageMemory(image core1_0.Image, deviceMemory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if failure := d.takeBindFailure(); failure != core1_0.VKSuccess {
		return failure, failure.ToError()
	}

	simImage, ok := image.(*Image)
	if !ok || !d.images.Has(simImage) {
		return core1_0.VKErrorUnknown, errors.Newf("image %+v is not alive", image)
	}

	reqs, err := d.ImageMemoryRequirements(image)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return d.bind(&simImage.resource, deviceMemory, offset, reqs)
}

func (d *Device) bind(res *resource, deviceMemory core1_0.DeviceMemory, offset int, reqs suballoc.MemoryRequirements) (common.VkResult, error) {
	memory, ok := deviceMemory.(*Memory)
	if !ok || !d.memories.Has(memory) {
		return core1_0.VKErrorUnknown, errors.Newf("memory %+v is not alive", deviceMemory)
	}

	if res.memory != nil {
		return core1_0.VKErrorUnknown, errors.Newf("resource %d is already bound to memory %d", res.id, res.memory.id)
	}

	if reqs.MemoryTypeBits&(1<<memory.memoryTypeIndex) == 0 {
		return core1_0.VKErrorUnknown, errors.Newf("resource %d may not be bound to memory type %d", res.id, memory.memoryTypeIndex)
	}

	if offset < 0 || offset%reqs.Alignment != 0 {
		return core1_0.VKErrorUnknown, errors.Newf("offset %d does not satisfy alignment %d", offset, reqs.Alignment)
	}

	if offset+reqs.Size > memory.size {
		return core1_0.VKErrorUnknown, errors.Newf("range [%d, %d) is outside memory %d of %d bytes", offset, offset+reqs.Size, memory.id, memory.size)
	}

	var overlapErr error
	memory.bindings.Iter(func(other *resource, _ struct{}) bool {
		if offset < other.offset+other.size && other.offset < offset+reqs.Size {
			overlapErr = errors.Newf("range [%d, %d) of resource %d overlaps resource %d at [%d, %d) in memory %d",
				offset, offset+reqs.Size, res.id, other.id, other.offset, other.offset+other.size, memory.id)
			return true
		}
		return false
	})
	if overlapErr != nil {
		return core1_0.VKErrorUnknown, overlapErr
	}

	res.memory = memory
	res.offset = offset
	res.size = reqs.Size
	memory.bindings.Put(res, struct{}{})

	return core1_0.VKSuccess, nil
}

// LiveMemoryCount is the number of raw memory objects that have been allocated and not freed
func (d *Device) LiveMemoryCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.memories.Count()
}

// AllocateCount is the number of raw memory objects that have ever been allocated
func (d *Device) AllocateCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.allocateCount
}

func (d *Device) LiveBufferCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.buffers.Count()
}

func (d *Device) LiveImageCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.images.Count()
}

// HeapUsage is the number of bytes of raw memory currently allocated from a heap
func (d *Device) HeapUsage(heapIndex int) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.heapUsage[heapIndex]
}

// bytes per texel for every format
const texelSize = 4

func imageSize(info core1_0.ImageCreateInfo) int {
	width, height, depth := info.Extent.Width, info.Extent.Height, info.Extent.Depth
	if width < 1 || height < 1 {
		return 0
	}
	if depth < 1 {
		depth = 1
	}

	mipLevels := info.MipLevels
	if mipLevels < 1 {
		mipLevels = 1
	}
	layers := info.ArrayLayers
	if layers < 1 {
		layers = 1
	}

	size := 0
	for level := 0; level < mipLevels; level++ {
		size += width * height * depth * texelSize

		width = halveExtent(width)
		height = halveExtent(height)
		depth = halveExtent(depth)
	}

	return size * layers
}

func halveExtent(extent int) int {
	if extent <= 1 {
		return 1
	}
	return extent / 2
}
