package gfx

import (
	"errors"
	"testing"

	"github.com/bbredesen/go-vk"
	"github.com/bbredesen/vkxfer/internal/simgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFenceStartsComplete(t *testing.T) {
	dev := simgpu.New(simgpu.Config{})
	f, err := NewFence(dev)
	require.NoError(t, err)
	defer f.Destroy()

	assert.Equal(t, FenceComplete, f.Status())
}

func TestFenceLifecycle(t *testing.T) {
	tc := newTestCore(t, simgpu.Config{}, dedicatedFamilies)
	q := tc.queues.Graphics()

	f, err := NewFence(tc.dev)
	require.NoError(t, err)
	defer f.Destroy()

	require.NoError(t, f.Reset())
	assert.Equal(t, FenceReset, f.Status())

	f.SetSubmitted()
	require.NoError(t, q.Submit(nil, nil, nil, f))
	assert.Equal(t, FenceSubmitted, f.Status())

	assert.ErrorIs(t, f.Reset(), ErrFenceInFlight, "reset of in-flight work must fail")
	assert.Equal(t, FenceSubmitted, f.Status())

	tc.dev.Run()
	assert.Equal(t, FenceComplete, f.Status())

	require.NoError(t, f.Reset())
	assert.Equal(t, FenceReset, f.Status())
	tc.requireNoViolations(t)
}

func TestFenceResetDoesNotQueryDriver(t *testing.T) {
	dev := simgpu.New(simgpu.Config{})
	f, err := NewFence(dev)
	require.NoError(t, err)
	defer f.Destroy()
	require.NoError(t, f.Reset())

	// A stale or failing driver answer must not leak into a Reset fence.
	dev.FailNext("GetFenceStatus", vk.SUCCESS)
	assert.Equal(t, FenceReset, f.Status())
	dev.FailNext("GetFenceStatus", vk.ERROR_OUT_OF_HOST_MEMORY)
	assert.Equal(t, FenceReset, f.Status())
}

func TestFenceNeverSubmittedBeforeSetSubmitted(t *testing.T) {
	dev := simgpu.New(simgpu.Config{})
	f, err := NewFence(dev)
	require.NoError(t, err)
	defer f.Destroy()

	for i := 0; i < 3; i++ {
		assert.NotEqual(t, FenceSubmitted, f.Status())
		require.NoError(t, f.Reset())
		assert.NotEqual(t, FenceSubmitted, f.Status())
	}
}

func TestFenceUnexpectedStatusIsReset(t *testing.T) {
	dev := simgpu.New(simgpu.Config{})
	f, err := NewFence(dev)
	require.NoError(t, err)
	defer f.Destroy()

	dev.FailNext("GetFenceStatus", vk.ERROR_OUT_OF_HOST_MEMORY)
	assert.Equal(t, FenceReset, f.Status())
	assert.Equal(t, FenceComplete, f.Status())
}

func TestFenceWait(t *testing.T) {
	tc := newTestCore(t, simgpu.Config{}, dedicatedFamilies)
	q := tc.queues.Graphics()

	f, err := newResetFence(tc.dev)
	require.NoError(t, err)
	defer f.Destroy()

	require.NoError(t, f.Wait(0), "a reset fence has nothing to wait for")

	f.SetSubmitted()
	require.NoError(t, q.Submit(nil, nil, nil, f))

	tc.dev.Pause()
	err = f.Wait(0)
	assert.ErrorIs(t, err, ErrTimeout)
	var re *ResultError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, vk.TIMEOUT, re.Result)
	assert.Equal(t, FenceSubmitted, f.Status(), "wait does not change state")

	tc.dev.Resume()
	require.NoError(t, f.Wait(-1))
	assert.Equal(t, FenceComplete, f.Status())
}

func TestFenceWaitDeviceLost(t *testing.T) {
	tc := newTestCore(t, simgpu.Config{}, dedicatedFamilies)
	f, err := newResetFence(tc.dev)
	require.NoError(t, err)
	defer f.Destroy()

	f.SetSubmitted()
	require.NoError(t, tc.queues.Graphics().Submit(nil, nil, nil, f))
	tc.dev.Lose()

	assert.ErrorIs(t, f.Wait(-1), ErrDeviceLost)
	assert.ErrorIs(t, f.Reset(), ErrDeviceLost)
}

func TestFenceStatusString(t *testing.T) {
	assert.Equal(t, "Reset", FenceReset.String())
	assert.Equal(t, "Submitted", FenceSubmitted.String())
	assert.Equal(t, "Complete", FenceComplete.String())
	assert.Equal(t, "FenceStatus(7)", FenceStatus(7).String())
}
