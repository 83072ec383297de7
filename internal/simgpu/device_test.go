package simgpu

import (
	"testing"

	"github.com/bbredesen/go-vk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	d    *Device
	pool vk.CommandPool
	q    vk.Queue
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	d := New(cfg)
	r, pool := d.CreateCommandPool(&vk.CommandPoolCreateInfo{QueueFamilyIndex: 0})
	require.Equal(t, vk.SUCCESS, r)
	return &fixture{d: d, pool: pool, q: d.GetDeviceQueue(0, 0)}
}

func (f *fixture) alloc(t *testing.T, n int) []vk.CommandBuffer {
	t.Helper()
	r, bufs := f.d.AllocateCommandBuffers(&vk.CommandBufferAllocateInfo{
		CommandPool:        f.pool,
		Level:              vk.COMMAND_BUFFER_LEVEL_PRIMARY,
		CommandBufferCount: uint32(n),
	})
	require.Equal(t, vk.SUCCESS, r)
	return bufs
}

func (f *fixture) recordCopy(t *testing.T, cb vk.CommandBuffer, src, dst vk.Buffer, size vk.DeviceSize) {
	t.Helper()
	require.Equal(t, vk.SUCCESS, f.d.BeginCommandBuffer(cb, &vk.CommandBufferBeginInfo{Flags: vk.COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT}))
	f.d.CmdCopyBuffer(cb, src, dst, []vk.BufferCopy{{Size: size}})
	require.Equal(t, vk.SUCCESS, f.d.EndCommandBuffer(cb))
}

func TestGetDeviceQueueIsStable(t *testing.T) {
	d := New(Config{})
	assert.Equal(t, d.GetDeviceQueue(1, 0), d.GetDeviceQueue(1, 0))
	assert.NotEqual(t, d.GetDeviceQueue(0, 0), d.GetDeviceQueue(1, 0))
}

func TestWorkRunsOnlyWhenStepped(t *testing.T) {
	f := newFixture(t, Config{})
	src, dst := f.d.NewBuffer(4), f.d.NewBuffer(4)
	f.d.WriteBuffer(src, 0, []byte{1, 2, 3, 4})

	cb := f.alloc(t, 1)[0]
	f.recordCopy(t, cb, src, dst, 4)

	r, fence := f.d.CreateFence(&vk.FenceCreateInfo{})
	require.Equal(t, vk.SUCCESS, r)
	require.Equal(t, vk.SUCCESS, f.d.QueueSubmit(f.q, []vk.SubmitInfo{{PCommandBuffers: []vk.CommandBuffer{cb}}}, fence))

	assert.True(t, f.d.CommandBufferPending(cb))
	assert.Equal(t, vk.NOT_READY, f.d.GetFenceStatus(fence))
	assert.Equal(t, []byte{0, 0, 0, 0}, f.d.ReadBuffer(dst))

	assert.Equal(t, 1, f.d.Step())
	assert.Equal(t, vk.SUCCESS, f.d.GetFenceStatus(fence))
	assert.Equal(t, []byte{1, 2, 3, 4}, f.d.ReadBuffer(dst))
	assert.False(t, f.d.CommandBufferPending(cb))
	assert.Zero(t, f.d.Step())
	assert.Empty(t, f.d.Violations())
}

func TestSemaphoreOrdersQueues(t *testing.T) {
	d := New(Config{})
	consumer, producer := d.GetDeviceQueue(0, 0), d.GetDeviceQueue(1, 0)
	_, sem := d.CreateSemaphore(&vk.SemaphoreCreateInfo{})

	require.Equal(t, vk.SUCCESS, d.QueueSubmit(consumer, []vk.SubmitInfo{{
		PWaitSemaphores:   []vk.Semaphore{sem},
		PWaitDstStageMask: []vk.PipelineStageFlags{vk.PIPELINE_STAGE_TOP_OF_PIPE_BIT},
	}}, vk.Fence(vk.NULL_HANDLE)))
	assert.Zero(t, d.Run(), "blocked on an unsignaled semaphore")

	require.Equal(t, vk.SUCCESS, d.QueueSubmit(producer, []vk.SubmitInfo{{
		PSignalSemaphores: []vk.Semaphore{sem},
	}}, vk.Fence(vk.NULL_HANDLE)))
	assert.Equal(t, 2, d.Run())
	assert.Zero(t, d.Counts().Pending)

	d.DestroySemaphore(sem)
	assert.Empty(t, d.Violations())
}

func TestPoolCapacityAndHandleReuse(t *testing.T) {
	f := newFixture(t, Config{PoolCapacity: 2})
	bufs := f.alloc(t, 2)

	r, _ := f.d.AllocateCommandBuffers(&vk.CommandBufferAllocateInfo{CommandPool: f.pool, CommandBufferCount: 1})
	assert.Equal(t, vk.ERROR_OUT_OF_POOL_MEMORY, r)

	f.d.FreeCommandBuffers(f.pool, bufs[1:])
	assert.Equal(t, bufs[1], f.alloc(t, 1)[0])
	assert.Equal(t, 2, f.d.Counts().CommandBuffers)

	f.d.DestroyCommandPool(f.pool)
	assert.Zero(t, f.d.Counts().CommandBuffers)
	assert.Zero(t, f.d.Counts().Pools)
}

func TestFailNextIsOneShot(t *testing.T) {
	d := New(Config{})
	d.FailNext("CreateFence", vk.ERROR_OUT_OF_HOST_MEMORY)

	r, _ := d.CreateFence(&vk.FenceCreateInfo{})
	assert.Equal(t, vk.ERROR_OUT_OF_HOST_MEMORY, r)
	r, _ = d.CreateFence(&vk.FenceCreateInfo{})
	assert.Equal(t, vk.SUCCESS, r)
}

func TestWaitForFences(t *testing.T) {
	f := newFixture(t, Config{})
	_, fence := f.d.CreateFence(&vk.FenceCreateInfo{})
	require.Equal(t, vk.SUCCESS, f.d.QueueSubmit(f.q, nil, fence))

	assert.Equal(t, vk.TIMEOUT, f.d.WaitForFences([]vk.Fence{fence}, true, 0))

	f.d.Pause()
	assert.Equal(t, vk.TIMEOUT, f.d.WaitForFences([]vk.Fence{fence}, true, ^uint64(0)))
	f.d.Resume()
	assert.Equal(t, vk.SUCCESS, f.d.WaitForFences([]vk.Fence{fence}, true, ^uint64(0)))

	f.d.Lose()
	assert.Equal(t, vk.ERROR_DEVICE_LOST, f.d.WaitForFences([]vk.Fence{fence}, true, 0))
	assert.Equal(t, vk.ERROR_DEVICE_LOST, f.d.GetFenceStatus(fence))
}

func TestViolations(t *testing.T) {
	f := newFixture(t, Config{})
	src, dst := f.d.NewBuffer(4), f.d.NewBuffer(4)

	cb := f.alloc(t, 1)[0]
	f.recordCopy(t, cb, src, dst, 4)
	_, fence := f.d.CreateFence(&vk.FenceCreateInfo{Flags: vk.FENCE_CREATE_SIGNALED_BIT})

	require.Equal(t, vk.SUCCESS, f.d.QueueSubmit(f.q, []vk.SubmitInfo{{PCommandBuffers: []vk.CommandBuffer{cb}}}, fence))
	f.d.FreeCommandBuffers(f.pool, []vk.CommandBuffer{cb})
	f.d.DestroyFence(fence)

	v := f.d.Violations()
	require.Len(t, v, 3)
	assert.Contains(t, v[0], "not unsignaled")
	assert.Contains(t, v[1], "freed while pending")
	assert.Contains(t, v[2], "destroyed while pending")

	f.d.Run()
	assert.Contains(t, f.d.Violations()[3], "freed before execution")
}

func TestFamilyMismatchIsViolation(t *testing.T) {
	f := newFixture(t, Config{})
	cb := f.alloc(t, 1)[0]
	require.Equal(t, vk.SUCCESS, f.d.BeginCommandBuffer(cb, &vk.CommandBufferBeginInfo{}))
	require.Equal(t, vk.SUCCESS, f.d.EndCommandBuffer(cb))

	other := f.d.GetDeviceQueue(1, 0)
	require.Equal(t, vk.SUCCESS, f.d.QueueSubmit(other, []vk.SubmitInfo{{PCommandBuffers: []vk.CommandBuffer{cb}}}, vk.Fence(vk.NULL_HANDLE)))
	require.Len(t, f.d.Violations(), 1)
	assert.Contains(t, f.d.Violations()[0], "submitted to family 1")
}

func TestImageLayouts(t *testing.T) {
	f := newFixture(t, Config{})
	img := f.d.NewImage(2, 1, 2)
	staging := f.d.NewBuffer(4)
	f.d.WriteBuffer(staging, 0, []byte{1, 2, 3, 4})
	region := vk.BufferImageCopy{ImageExtent: vk.Extent3D{Width: 2, Height: 1, Depth: 1}}

	// Copy without a layout transition first.
	bad := f.alloc(t, 1)[0]
	require.Equal(t, vk.SUCCESS, f.d.BeginCommandBuffer(bad, &vk.CommandBufferBeginInfo{}))
	f.d.CmdCopyBufferToImage(bad, staging, img, vk.IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL, []vk.BufferImageCopy{region})
	require.Equal(t, vk.SUCCESS, f.d.EndCommandBuffer(bad))
	require.Equal(t, vk.SUCCESS, f.d.QueueSubmit(f.q, []vk.SubmitInfo{{PCommandBuffers: []vk.CommandBuffer{bad}}}, vk.Fence(vk.NULL_HANDLE)))
	f.d.Run()
	require.Len(t, f.d.Violations(), 1)
	assert.Contains(t, f.d.Violations()[0], "copy declared")

	good := f.alloc(t, 1)[0]
	require.Equal(t, vk.SUCCESS, f.d.BeginCommandBuffer(good, &vk.CommandBufferBeginInfo{}))
	f.d.CmdPipelineBarrier(good, vk.PIPELINE_STAGE_TOP_OF_PIPE_BIT, vk.PIPELINE_STAGE_TRANSFER_BIT, nil, []vk.ImageMemoryBarrier{{
		OldLayout: vk.IMAGE_LAYOUT_UNDEFINED,
		NewLayout: vk.IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL,
		Image:     img,
	}})
	f.d.CmdCopyBufferToImage(good, staging, img, vk.IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL, []vk.BufferImageCopy{region})
	require.Equal(t, vk.SUCCESS, f.d.EndCommandBuffer(good))
	require.Equal(t, vk.SUCCESS, f.d.QueueSubmit(f.q, []vk.SubmitInfo{{PCommandBuffers: []vk.CommandBuffer{good}}}, vk.Fence(vk.NULL_HANDLE)))
	f.d.Run()

	assert.Len(t, f.d.Violations(), 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.d.ReadImage(img))
	assert.Equal(t, vk.IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL, f.d.ImageLayout(img))
}

func TestQueueFamilyOwnership(t *testing.T) {
	d := New(Config{})
	_, xferPool := d.CreateCommandPool(&vk.CommandPoolCreateInfo{QueueFamilyIndex: 1})
	_, gfxPool := d.CreateCommandPool(&vk.CommandPoolCreateInfo{QueueFamilyIndex: 0})
	xferQ, gfxQ := d.GetDeviceQueue(1, 0), d.GetDeviceQueue(0, 0)

	src, dst, out := d.NewBuffer(4), d.NewBuffer(4), d.NewBuffer(4)
	d.WriteBuffer(src, 0, []byte{5, 6, 7, 8})

	run := func(pool vk.CommandPool, q vk.Queue, rec func(cb vk.CommandBuffer)) {
		t.Helper()
		_, cbs := d.AllocateCommandBuffers(&vk.CommandBufferAllocateInfo{CommandPool: pool, CommandBufferCount: 1})
		require.Equal(t, vk.SUCCESS, d.BeginCommandBuffer(cbs[0], &vk.CommandBufferBeginInfo{}))
		rec(cbs[0])
		require.Equal(t, vk.SUCCESS, d.EndCommandBuffer(cbs[0]))
		require.Equal(t, vk.SUCCESS, d.QueueSubmit(q, []vk.SubmitInfo{{PCommandBuffers: cbs}}, vk.Fence(vk.NULL_HANDLE)))
		d.Run()
	}
	handoff := vk.BufferMemoryBarrier{SrcQueueFamilyIndex: 1, DstQueueFamilyIndex: 0, Buffer: dst, Size: 4}

	run(xferPool, xferQ, func(cb vk.CommandBuffer) {
		d.CmdCopyBuffer(cb, src, dst, []vk.BufferCopy{{Size: 4}})
	})
	family, ok := d.OwnerFamily(uint64(dst))
	require.True(t, ok)
	assert.Equal(t, uint32(1), family)

	// Acquire before the release.
	run(gfxPool, gfxQ, func(cb vk.CommandBuffer) {
		d.CmdPipelineBarrier(cb, vk.PIPELINE_STAGE_TOP_OF_PIPE_BIT, vk.PIPELINE_STAGE_TRANSFER_BIT, []vk.BufferMemoryBarrier{handoff}, nil)
	})
	require.Len(t, d.Violations(), 1)
	assert.Contains(t, d.Violations()[0], "without a matching release")

	// Use on the graphics family without any transfer.
	d2 := d.NewBuffer(4)
	run(xferPool, xferQ, func(cb vk.CommandBuffer) {
		d.CmdCopyBuffer(cb, src, d2, []vk.BufferCopy{{Size: 4}})
	})
	run(gfxPool, gfxQ, func(cb vk.CommandBuffer) {
		d.CmdCopyBuffer(cb, d2, out, []vk.BufferCopy{{Size: 4}})
	})
	require.Len(t, d.Violations(), 2)
	assert.Contains(t, d.Violations()[1], "used on family 0 while owned by family 1")

	// A release and acquire pair hands it over cleanly.
	handoff.Buffer = d2
	run(xferPool, xferQ, func(cb vk.CommandBuffer) {
		d.CmdPipelineBarrier(cb, vk.PIPELINE_STAGE_TRANSFER_BIT, vk.PIPELINE_STAGE_BOTTOM_OF_PIPE_BIT, []vk.BufferMemoryBarrier{handoff}, nil)
	})
	run(gfxPool, gfxQ, func(cb vk.CommandBuffer) {
		d.CmdPipelineBarrier(cb, vk.PIPELINE_STAGE_TOP_OF_PIPE_BIT, vk.PIPELINE_STAGE_TRANSFER_BIT, []vk.BufferMemoryBarrier{handoff}, nil)
		d.CmdCopyBuffer(cb, d2, out, []vk.BufferCopy{{Size: 4}})
	})
	assert.Len(t, d.Violations(), 2)
	family, _ = d.OwnerFamily(uint64(d2))
	assert.Equal(t, uint32(0), family)
	assert.Equal(t, []byte{5, 6, 7, 8}, d.ReadBuffer(out))
}
