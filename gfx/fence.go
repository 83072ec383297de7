package gfx

import (
	"fmt"
	"math"
	"time"

	"github.com/bbredesen/go-vk"
)

// FenceStatus is the host-side view of a Fence.
type FenceStatus int

const (
	// FenceReset means the fence is ready to be attached to new work.
	FenceReset FenceStatus = iota
	// FenceSubmitted means the fence is attached to work the GPU has not finished.
	FenceSubmitted
	// FenceComplete means the GPU has signaled the fence.
	FenceComplete
)

func (s FenceStatus) String() string {
	switch s {
	case FenceReset:
		return "Reset"
	case FenceSubmitted:
		return "Submitted"
	case FenceComplete:
		return "Complete"
	}
	return fmt.Sprintf("FenceStatus(%d)", int(s))
}

// Fence tracks completion of one submission. It is owned by whoever submits
// it and is not safe for concurrent use.
type Fence struct {
	drv    Driver
	handle vk.Fence
	status FenceStatus
}

// NewFence creates a fence in the signaled state, so a fresh fence reports
// FenceComplete until it is reset.
func NewFence(drv Driver) (*Fence, error) {
	fenceCreateInfo := vk.FenceCreateInfo{
		Flags: vk.FENCE_CREATE_SIGNALED_BIT,
	}
	r, handle := drv.CreateFence(&fenceCreateInfo)
	if err := resultErr("create fence", r); err != nil {
		return nil, err
	}
	return &Fence{
		drv:    drv,
		handle: handle,
		status: FenceComplete,
	}, nil
}

// newResetFence creates an unsignaled fence, ready for submission.
func newResetFence(drv Driver) (*Fence, error) {
	r, handle := drv.CreateFence(&vk.FenceCreateInfo{})
	if err := resultErr("create fence", r); err != nil {
		return nil, err
	}
	return &Fence{
		drv:    drv,
		handle: handle,
		status: FenceReset,
	}, nil
}

// Handle returns the underlying vk.Fence.
func (f *Fence) Handle() vk.Fence { return f.handle }

// Status reports the fence state. A Reset fence is never queried on the GPU:
// the driver-side signal may still belong to the previous cycle.
func (f *Fence) Status() FenceStatus {
	s, _ := f.poll()
	return s
}

// poll is Status plus the raw driver result, so callers can tell a lost device
// apart from work that is merely not done yet.
func (f *Fence) poll() (FenceStatus, vk.Result) {
	if f.status == FenceReset {
		return FenceReset, vk.SUCCESS
	}

	r := f.drv.GetFenceStatus(f.handle)
	switch r {
	case vk.SUCCESS:
		return FenceComplete, r
	case vk.NOT_READY:
		return FenceSubmitted, r
	default:
		return FenceReset, r
	}
}

// Wait blocks until the GPU signals the fence or timeout elapses. It does not
// change the fence state. A negative timeout waits forever.
func (f *Fence) Wait(timeout time.Duration) error {
	if f.status == FenceReset {
		// Nothing attached; the driver signal is stale or cleared.
		return nil
	}
	r := f.drv.WaitForFences([]vk.Fence{f.handle}, true, timeoutNanos(timeout))
	return resultErr("wait for fence", r)
}

// Reset returns a completed fence to FenceReset. A fence whose work has not
// completed fails with ErrFenceInFlight.
func (f *Fence) Reset() error {
	switch s, r := f.poll(); {
	case s == FenceReset && r == vk.SUCCESS:
		return nil
	case r == vk.ERROR_DEVICE_LOST:
		return resultErr("reset fence", r)
	case s != FenceComplete:
		return fmt.Errorf("reset fence in state %s: %w", s, ErrFenceInFlight)
	}

	if err := resultErr("reset fence", f.drv.ResetFences([]vk.Fence{f.handle})); err != nil {
		return err
	}
	f.status = FenceReset
	return nil
}

// SetSubmitted marks the fence as attached to in-flight work. Call it
// immediately before passing the fence to Queue.Submit.
func (f *Fence) SetSubmitted() {
	f.status = FenceSubmitted
}

// Destroy releases the fence. The fence must not be Submitted.
func (f *Fence) Destroy() {
	if f.drv == nil {
		return
	}
	f.drv.DestroyFence(f.handle)
	f.drv = nil
	f.handle = vk.Fence(vk.NULL_HANDLE)
}

func timeoutNanos(d time.Duration) uint64 {
	if d < 0 {
		return math.MaxUint64
	}
	return uint64(d.Nanoseconds())
}
