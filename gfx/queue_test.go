package gfx

import (
	"testing"

	"github.com/bbredesen/go-vk"
	"github.com/bbredesen/vkxfer/internal/simgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExhaustion(t *testing.T) {
	const n = 4
	tc := newTestCore(t, simgpu.Config{PoolCapacity: n}, dedicatedFamilies)
	q := tc.queues.Queue(RoleTransfer)

	bufs, err := q.AllocateRecordings(n, vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	require.NoError(t, err)
	require.Len(t, bufs, n)
	for _, b := range bufs {
		assert.NotEqual(t, vk.CommandBuffer(vk.NULL_HANDLE), b)
	}

	extra, err := q.AllocateRecording(vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, vk.CommandBuffer(vk.NULL_HANDLE), extra)

	q.FreeRecordings(bufs[0])
	again, err := q.AllocateRecording(vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	require.NoError(t, err)
	assert.Equal(t, bufs[0], again, "freed handles are handed out again")
	tc.requireNoViolations(t)
}

func TestPoolErrorKinds(t *testing.T) {
	dev := simgpu.New(simgpu.Config{})
	pool, err := NewRecordingPool(dev, 0, 0)
	require.NoError(t, err)
	defer pool.Destroy()

	dev.FailNext("AllocateCommandBuffers", vk.ERROR_OUT_OF_DEVICE_MEMORY)
	_, err = pool.Allocate(1, vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	assert.ErrorIs(t, err, ErrAllocation)

	dev.FailNext("AllocateCommandBuffers", vk.ERROR_OUT_OF_POOL_MEMORY)
	_, err = pool.Allocate(1, vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	bufs, err := pool.Allocate(0, vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	assert.NoError(t, err)
	assert.Empty(t, bufs)

	dev.Lose()
	_, err = pool.Allocate(1, vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	assert.ErrorIs(t, err, ErrDeviceLost)
}

func TestPoolDestroyed(t *testing.T) {
	dev := simgpu.New(simgpu.Config{})
	pool, err := NewRecordingPool(dev, 0, 0)
	require.NoError(t, err)
	pool.Destroy()
	pool.Destroy()

	_, err = pool.Allocate(1, vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Zero(t, dev.Counts().Pools)
}

func TestQueueSubmitRequiresSubmittedFence(t *testing.T) {
	tc := newTestCore(t, simgpu.Config{}, dedicatedFamilies)
	q := tc.queues.Graphics()

	f, err := NewFence(tc.dev)
	require.NoError(t, err)
	defer f.Destroy()

	assert.ErrorIs(t, q.Submit(nil, nil, nil, f), ErrFenceNotSubmitted)
	assert.Zero(t, tc.dev.Counts().Pending)
}

func TestQueueSubmitWaitsAcrossQueues(t *testing.T) {
	tc := newTestCore(t, simgpu.Config{}, dedicatedFamilies)
	gq, xq := tc.queues.Graphics(), tc.queues.Queue(RoleTransfer)
	require.NotSame(t, gq, xq)

	r, sem := tc.dev.CreateSemaphore(&vk.SemaphoreCreateInfo{})
	require.Equal(t, vk.SUCCESS, r)

	gf, err := newResetFence(tc.dev)
	require.NoError(t, err)
	defer gf.Destroy()
	xf, err := newResetFence(tc.dev)
	require.NoError(t, err)
	defer xf.Destroy()

	// The consumer is submitted first and must not run before the signal.
	gf.SetSubmitted()
	require.NoError(t, gq.Submit(nil, []SemaphoreWait{{Semaphore: sem, Stage: vk.PIPELINE_STAGE_TOP_OF_PIPE_BIT}}, nil, gf))

	xf.SetSubmitted()
	require.NoError(t, xq.Submit(nil, nil, []vk.Semaphore{sem}, xf))

	tc.dev.Step()
	assert.Equal(t, FenceComplete, xf.Status())
	assert.Equal(t, FenceSubmitted, gf.Status())

	tc.dev.Step()
	assert.Equal(t, FenceComplete, gf.Status())

	tc.dev.DestroySemaphore(sem)
	tc.requireNoViolations(t)
}

func TestQueueSubmitFailure(t *testing.T) {
	tc := newTestCore(t, simgpu.Config{}, dedicatedFamilies)
	tc.dev.FailNext("QueueSubmit", vk.ERROR_OUT_OF_HOST_MEMORY)
	assert.ErrorIs(t, tc.queues.Graphics().Submit(nil, nil, nil, nil), ErrAllocation)
}

func TestQueueSetTransferFallback(t *testing.T) {
	tc := newTestCore(t, simgpu.Config{}, sharedFamilies)

	assert.Same(t, tc.queues.Graphics(), tc.queues.Queue(RoleTransfer))
	assert.Same(t, tc.queues.Graphics(), tc.queues.Queue(RolePresent))
	assert.Nil(t, tc.queues.Queue(Role(42)))
	assert.Equal(t, 1, tc.dev.Counts().Pools, "aliased roles share one pool")
}

func TestQueueSetDedicatedTransfer(t *testing.T) {
	tc := newTestCore(t, simgpu.Config{}, dedicatedFamilies)

	xq := tc.queues.Queue(RoleTransfer)
	assert.NotSame(t, tc.queues.Graphics(), xq)
	assert.Equal(t, uint32(1), xq.Family())
	assert.Equal(t, uint32(1), xq.Pool().Family())
	assert.Equal(t, 2, tc.dev.Counts().Pools)
}

func TestQueueSetCreationFailure(t *testing.T) {
	dev := simgpu.New(simgpu.Config{})
	dev.FailNext("CreateCommandPool", vk.ERROR_OUT_OF_HOST_MEMORY)
	_, err := NewQueueSet(dev, dedicatedFamilies)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Zero(t, dev.Counts().Pools)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "graphics", RoleGraphics.String())
	assert.Equal(t, "present", RolePresent.String())
	assert.Equal(t, "transfer", RoleTransfer.String())
	assert.Equal(t, "Role(9)", Role(9).String())
}
