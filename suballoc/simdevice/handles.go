package simdevice

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Memory is a simulated raw memory object. Only the methods defined here may be called; the
// embedded core1_0.DeviceMemory is nil.
type Memory struct {
	core1_0.DeviceMemory

	id              int
	memoryTypeIndex int
	size            int
	bindings        *swiss.Map[*resource, struct{}]
}

func (m *Memory) ID() int              { return m.id }
func (m *Memory) MemoryTypeIndex() int { return m.memoryTypeIndex }
func (m *Memory) Size() int            { return m.size }

type resource struct {
	id     int
	memory *Memory
	offset int
	size   int
}

func (r *resource) unbind() {
	if r.memory == nil {
		return
	}

	r.memory.bindings.Delete(r)
	r.memory = nil
}

// BoundMemory returns the memory the resource is bound to, or nil
func (r *resource) BoundMemory() *Memory { return r.memory }

// BoundOffset returns the offset within BoundMemory the resource was bound at
func (r *resource) BoundOffset() int { return r.offset }

// Buffer is a simulated buffer. The embedded core1_0.Buffer is nil.
type Buffer struct {
	core1_0.Buffer
	resource

	info core1_0.BufferCreateInfo
}

func (b *Buffer) ID() int                         { return b.id }
func (b *Buffer) Info() core1_0.BufferCreateInfo { return b.info }

// Image is a simulated image. The embedded core1_0.Image is nil.
type Image struct {
	core1_0.Image
	resource

	info core1_0.ImageCreateInfo
}

func (i *Image) ID() int                        { return i.id }
func (i *Image) Info() core1_0.ImageCreateInfo { return i.info }
