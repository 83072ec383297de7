package simgpu

import (
	"github.com/bbredesen/go-vk"
)

func (d *Device) GetDeviceQueue(queueFamilyIndex, queueIndex uint32) vk.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := [2]uint32{queueFamilyIndex, queueIndex}
	if h, ok := d.queueIDs[key]; ok {
		return h
	}
	h := vk.Queue(d.handle())
	d.queueIDs[key] = h
	d.queues[h] = &queue{family: queueFamilyIndex}
	return h
}

func (d *Device) CreateCommandPool(createInfo *vk.CommandPoolCreateInfo) (vk.Result, vk.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return vk.ERROR_DEVICE_LOST, vk.CommandPool(vk.NULL_HANDLE)
	}
	if r, ok := d.injected("CreateCommandPool"); ok {
		return r, vk.CommandPool(vk.NULL_HANDLE)
	}
	h := vk.CommandPool(d.handle())
	d.pools[h] = &cmdPool{
		family: createInfo.QueueFamilyIndex,
		live:   make(map[vk.CommandBuffer]struct{}),
	}
	return vk.SUCCESS, h
}

func (d *Device) DestroyCommandPool(commandPool vk.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pools[commandPool]
	if !ok {
		return
	}
	for h := range p.live {
		if d.cmds[h].state == cmdPending && !d.lost {
			d.violate("command pool %v destroyed with pending command buffer %v", commandPool, h)
		}
		delete(d.cmds, h)
	}
	delete(d.pools, commandPool)
}

func (d *Device) AllocateCommandBuffers(allocInfo *vk.CommandBufferAllocateInfo) (vk.Result, []vk.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return vk.ERROR_DEVICE_LOST, nil
	}
	if r, ok := d.injected("AllocateCommandBuffers"); ok {
		return r, nil
	}
	p, ok := d.pools[allocInfo.CommandPool]
	if !ok {
		d.violate("allocate from unknown command pool %v", allocInfo.CommandPool)
		return vk.ERROR_INITIALIZATION_FAILED, nil
	}
	count := int(allocInfo.CommandBufferCount)
	if d.cfg.PoolCapacity > 0 && len(p.live)+count > d.cfg.PoolCapacity {
		return vk.ERROR_OUT_OF_POOL_MEMORY, nil
	}

	bufs := make([]vk.CommandBuffer, count)
	for i := range bufs {
		var h vk.CommandBuffer
		if n := len(p.free); n > 0 {
			h = p.free[n-1]
			p.free = p.free[:n-1]
		} else {
			h = vk.CommandBuffer(d.handle())
		}
		p.live[h] = struct{}{}
		d.cmds[h] = &cmdBuffer{
			pool:  allocInfo.CommandPool,
			level: allocInfo.Level,
		}
		bufs[i] = h
	}
	return vk.SUCCESS, bufs
}

func (d *Device) FreeCommandBuffers(commandPool vk.CommandPool, commandBuffers []vk.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pools[commandPool]
	if !ok {
		d.violate("free to unknown command pool %v", commandPool)
		return
	}
	for _, h := range commandBuffers {
		cb, ok := d.cmds[h]
		if !ok || cb.pool != commandPool {
			d.violate("free of command buffer %v not owned by pool %v", h, commandPool)
			continue
		}
		if cb.state == cmdPending && !d.lost {
			d.violate("command buffer %v freed while pending", h)
		}
		delete(d.cmds, h)
		delete(p.live, h)
		p.free = append(p.free, h)
	}
}

func (d *Device) BeginCommandBuffer(commandBuffer vk.CommandBuffer, beginInfo *vk.CommandBufferBeginInfo) vk.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return vk.ERROR_DEVICE_LOST
	}
	if r, ok := d.injected("BeginCommandBuffer"); ok {
		return r
	}
	cb, ok := d.cmds[commandBuffer]
	if !ok {
		d.violate("begin of unknown command buffer %v", commandBuffer)
		return vk.ERROR_INITIALIZATION_FAILED
	}
	if cb.state == cmdPending || cb.state == cmdRecording {
		d.violate("begin of command buffer %v in state %d", commandBuffer, cb.state)
	}
	cb.state = cmdRecording
	cb.oneTime = beginInfo.Flags&vk.COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT != 0
	cb.ops = nil
	return vk.SUCCESS
}

func (d *Device) EndCommandBuffer(commandBuffer vk.CommandBuffer) vk.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return vk.ERROR_DEVICE_LOST
	}
	if r, ok := d.injected("EndCommandBuffer"); ok {
		return r
	}
	cb, ok := d.cmds[commandBuffer]
	if !ok || cb.state != cmdRecording {
		d.violate("end of command buffer %v that is not recording", commandBuffer)
		return vk.ERROR_INITIALIZATION_FAILED
	}
	cb.state = cmdExecutable
	return vk.SUCCESS
}

// record appends op to a recording command buffer.
func (d *Device) record(commandBuffer vk.CommandBuffer, name string, op func(d *Device)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.cmds[commandBuffer]
	if !ok || cb.state != cmdRecording {
		d.violate("%s recorded into command buffer %v that is not recording", name, commandBuffer)
		return
	}
	cb.ops = append(cb.ops, op)
}

func (d *Device) CreateFence(createInfo *vk.FenceCreateInfo) (vk.Result, vk.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return vk.ERROR_DEVICE_LOST, vk.Fence(vk.NULL_HANDLE)
	}
	if r, ok := d.injected("CreateFence"); ok {
		return r, vk.Fence(vk.NULL_HANDLE)
	}
	h := vk.Fence(d.handle())
	d.fences[h] = &fence{signaled: createInfo.Flags&vk.FENCE_CREATE_SIGNALED_BIT != 0}
	return vk.SUCCESS, h
}

func (d *Device) DestroyFence(f vk.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fc, ok := d.fences[f]
	if !ok {
		return
	}
	if fc.pending && !d.lost {
		d.violate("fence %v destroyed while pending", f)
	}
	delete(d.fences, f)
}

func (d *Device) GetFenceStatus(f vk.Fence) vk.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return vk.ERROR_DEVICE_LOST
	}
	if r, ok := d.injected("GetFenceStatus"); ok {
		return r
	}
	fc, ok := d.fences[f]
	if !ok {
		d.violate("status of unknown fence %v", f)
		return vk.ERROR_INITIALIZATION_FAILED
	}
	if fc.signaled {
		return vk.SUCCESS
	}
	return vk.NOT_READY
}

// WaitForFences runs the queues until the fences are signaled. The simulated
// GPU has no clock, so once nothing can make progress the wait times out
// whatever the timeout value.
func (d *Device) WaitForFences(fences []vk.Fence, waitAll bool, timeout uint64) vk.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if d.lost {
			return vk.ERROR_DEVICE_LOST
		}
		if d.fencesDone(fences, waitAll) {
			return vk.SUCCESS
		}
		if timeout == 0 || d.step() == 0 {
			return vk.TIMEOUT
		}
	}
}

func (d *Device) fencesDone(fences []vk.Fence, waitAll bool) bool {
	done := 0
	for _, f := range fences {
		if fc, ok := d.fences[f]; ok && fc.signaled {
			done++
		}
	}
	if waitAll {
		return done == len(fences)
	}
	return done > 0
}

func (d *Device) ResetFences(fences []vk.Fence) vk.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return vk.ERROR_DEVICE_LOST
	}
	for _, f := range fences {
		fc, ok := d.fences[f]
		if !ok {
			d.violate("reset of unknown fence %v", f)
			continue
		}
		if fc.pending {
			d.violate("fence %v reset while pending", f)
		}
		fc.signaled = false
	}
	return vk.SUCCESS
}

func (d *Device) CreateSemaphore(createInfo *vk.SemaphoreCreateInfo) (vk.Result, vk.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return vk.ERROR_DEVICE_LOST, vk.Semaphore(vk.NULL_HANDLE)
	}
	if r, ok := d.injected("CreateSemaphore"); ok {
		return r, vk.Semaphore(vk.NULL_HANDLE)
	}
	h := vk.Semaphore(d.handle())
	d.sems[h] = &semaphore{}
	return vk.SUCCESS, h
}

func (d *Device) DestroySemaphore(s vk.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sem, ok := d.sems[s]
	if !ok {
		return
	}
	if (sem.pendingSignal || sem.pendingWaits > 0) && !d.lost {
		d.violate("semaphore %v destroyed while in use", s)
	}
	delete(d.sems, s)
}

func (d *Device) QueueSubmit(q vk.Queue, submits []vk.SubmitInfo, f vk.Fence) vk.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return vk.ERROR_DEVICE_LOST
	}
	if r, ok := d.injected("QueueSubmit"); ok {
		return r
	}
	qu, ok := d.queues[q]
	if !ok {
		d.violate("submit to unknown queue %v", q)
		return vk.ERROR_INITIALIZATION_FAILED
	}

	var subs []*submission
	for _, si := range submits {
		if len(si.PWaitDstStageMask) != len(si.PWaitSemaphores) {
			d.violate("submit with %d wait semaphores and %d stage masks", len(si.PWaitSemaphores), len(si.PWaitDstStageMask))
		}
		for _, h := range si.PCommandBuffers {
			cb, ok := d.cmds[h]
			if !ok {
				d.violate("submit of unknown command buffer %v", h)
				return vk.ERROR_INITIALIZATION_FAILED
			}
			if cb.state != cmdExecutable {
				d.violate("submit of command buffer %v in state %d", h, cb.state)
			}
			if p := d.pools[cb.pool]; p != nil && p.family != qu.family {
				d.violate("command buffer %v from family %d submitted to family %d", h, p.family, qu.family)
			}
		}
		for _, s := range si.PWaitSemaphores {
			if _, ok := d.sems[s]; !ok {
				d.violate("wait on unknown semaphore %v", s)
				return vk.ERROR_INITIALIZATION_FAILED
			}
		}
		for _, s := range si.PSignalSemaphores {
			sem, ok := d.sems[s]
			if !ok {
				d.violate("signal of unknown semaphore %v", s)
				return vk.ERROR_INITIALIZATION_FAILED
			}
			if sem.signaled || sem.pendingSignal {
				d.violate("semaphore %v signaled twice", s)
			}
		}
		subs = append(subs, &submission{
			waits:   append([]vk.Semaphore(nil), si.PWaitSemaphores...),
			cmds:    append([]vk.CommandBuffer(nil), si.PCommandBuffers...),
			signals: append([]vk.Semaphore(nil), si.PSignalSemaphores...),
		})
	}

	if f != vk.Fence(vk.NULL_HANDLE) {
		fc, ok := d.fences[f]
		if !ok {
			d.violate("submit with unknown fence %v", f)
			return vk.ERROR_INITIALIZATION_FAILED
		}
		if fc.signaled || fc.pending {
			d.violate("submit with fence %v that is not unsignaled", f)
		}
		fc.pending = true
		if len(subs) == 0 {
			subs = append(subs, &submission{})
		}
		subs[len(subs)-1].fence = f
	}

	for _, sub := range subs {
		for _, h := range sub.cmds {
			d.cmds[h].state = cmdPending
		}
		for _, s := range sub.waits {
			d.sems[s].pendingWaits++
		}
		for _, s := range sub.signals {
			d.sems[s].pendingSignal = true
		}
	}
	qu.pending = append(qu.pending, subs...)
	return vk.SUCCESS
}
