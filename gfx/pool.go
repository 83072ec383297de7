package gfx

import (
	"fmt"

	"github.com/bbredesen/go-vk"
)

// RecordingPool owns the command pool recordings are allocated from for one
// queue family. A pool must only be used by its owner: the queue it belongs
// to, or the OS thread it was created for.
type RecordingPool struct {
	drv    Driver
	handle vk.CommandPool
	family uint32
}

// NewRecordingPool creates a pool on the given queue family.
func NewRecordingPool(drv Driver, family uint32, flags vk.CommandPoolCreateFlags) (*RecordingPool, error) {
	poolCreateInfo := vk.CommandPoolCreateInfo{
		Flags:            flags,
		QueueFamilyIndex: family,
	}
	r, commandPool := drv.CreateCommandPool(&poolCreateInfo)
	if err := resultErr("create command pool", r); err != nil {
		return nil, err
	}
	return &RecordingPool{
		drv:    drv,
		handle: commandPool,
		family: family,
	}, nil
}

// Family returns the queue family index the pool was created for.
func (p *RecordingPool) Family() uint32 { return p.family }

// Handle returns the underlying vk.CommandPool.
func (p *RecordingPool) Handle() vk.CommandPool { return p.handle }

// Allocate returns count recordings of the given level. Allocation failures
// are returned as-is; the pool never retries.
func (p *RecordingPool) Allocate(count int, level vk.CommandBufferLevel) ([]vk.CommandBuffer, error) {
	if p.drv == nil {
		return nil, ErrDestroyed
	}
	if count <= 0 {
		return nil, nil
	}
	allocInfo := vk.CommandBufferAllocateInfo{
		CommandPool:        p.handle,
		Level:              level,
		CommandBufferCount: uint32(count),
	}
	r, bufs := p.drv.AllocateCommandBuffers(&allocInfo)
	if err := resultErr("allocate command buffers", r); err != nil {
		return nil, err
	}
	if len(bufs) != count {
		return nil, fmt.Errorf("allocate command buffers: got %d of %d: %w", len(bufs), count, ErrAllocation)
	}
	return bufs, nil
}

// Free hands recordings back to the pool. The GPU must be done with them.
func (p *RecordingPool) Free(bufs ...vk.CommandBuffer) {
	if p.drv == nil || len(bufs) == 0 {
		return
	}
	p.drv.FreeCommandBuffers(p.handle, bufs)
}

// Destroy releases the pool and, with it, every recording allocated from it.
func (p *RecordingPool) Destroy() {
	if p.drv == nil {
		return
	}
	p.drv.DestroyCommandPool(p.handle)
	p.drv = nil
}
