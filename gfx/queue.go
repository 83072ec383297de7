package gfx

import (
	"fmt"
	"sync"

	"github.com/bbredesen/go-vk"
	"github.com/sirupsen/logrus"
)

// SemaphoreWait pairs a semaphore with the pipeline stage that waits on it.
// Work ahead of Stage may proceed before the semaphore is signaled.
type SemaphoreWait struct {
	Semaphore vk.Semaphore
	Stage     vk.PipelineStageFlags
}

// Queue is one hardware execution queue plus the pool its recordings come
// from.
type Queue struct {
	drv    Driver
	handle vk.Queue
	family uint32
	pool   *RecordingPool

	// vk.Queue requires external synchronization for submission.
	submitMu sync.Mutex
}

// NewQueue binds queue 0 of family and creates its recording pool.
func NewQueue(drv Driver, family uint32) (*Queue, error) {
	pool, err := NewRecordingPool(drv, family, vk.COMMAND_POOL_CREATE_RESET_COMMAND_BUFFER_BIT)
	if err != nil {
		return nil, fmt.Errorf("queue family %d: %w", family, err)
	}
	return &Queue{
		drv:    drv,
		handle: drv.GetDeviceQueue(family, 0),
		family: family,
		pool:   pool,
	}, nil
}

// Handle returns the underlying vk.Queue.
func (q *Queue) Handle() vk.Queue { return q.handle }

// Family returns the queue family index.
func (q *Queue) Family() uint32 { return q.family }

// Pool returns the queue's recording pool.
func (q *Queue) Pool() *RecordingPool { return q.pool }

// AllocateRecording returns one recording from the queue's pool.
func (q *Queue) AllocateRecording(level vk.CommandBufferLevel) (vk.CommandBuffer, error) {
	bufs, err := q.AllocateRecordings(1, level)
	if err != nil {
		return vk.CommandBuffer(vk.NULL_HANDLE), err
	}
	return bufs[0], nil
}

// AllocateRecordings returns count recordings from the queue's pool.
func (q *Queue) AllocateRecordings(count int, level vk.CommandBufferLevel) ([]vk.CommandBuffer, error) {
	return q.pool.Allocate(count, level)
}

// FreeRecordings returns recordings to the pool. It does not block: callers
// must already know, through a Fence, that the GPU is done with them.
func (q *Queue) FreeRecordings(bufs ...vk.CommandBuffer) {
	q.pool.Free(bufs...)
}

// Submit enqueues recordings for execution. If fence is non-nil it must
// already have been marked with SetSubmitted.
func (q *Queue) Submit(recordings []vk.CommandBuffer, waits []SemaphoreWait, signals []vk.Semaphore, fence *Fence) error {
	vkFence := vk.Fence(vk.NULL_HANDLE)
	if fence != nil {
		if fence.status != FenceSubmitted {
			return fmt.Errorf("submit with fence in state %s: %w", fence.status, ErrFenceNotSubmitted)
		}
		vkFence = fence.handle
	}

	submitInfo := vk.SubmitInfo{
		PCommandBuffers:   recordings,
		PSignalSemaphores: signals,
	}
	if len(waits) > 0 {
		submitInfo.PWaitSemaphores = make([]vk.Semaphore, len(waits))
		submitInfo.PWaitDstStageMask = make([]vk.PipelineStageFlags, len(waits))
		for i, w := range waits {
			submitInfo.PWaitSemaphores[i] = w.Semaphore
			submitInfo.PWaitDstStageMask[i] = w.Stage
		}
	}

	q.submitMu.Lock()
	r := q.drv.QueueSubmit(q.handle, []vk.SubmitInfo{submitInfo}, vkFence)
	q.submitMu.Unlock()

	if err := resultErr("queue submit", r); err != nil {
		Logger().WithFields(logrus.Fields{
			"family": q.family,
			"result": r.String(),
		}).Error("queue submission failed")
		return err
	}
	return nil
}

// Destroy frees the queue's pool and every recording allocated from it.
func (q *Queue) Destroy() {
	q.pool.Destroy()
}

// Role names a logical queue.
type Role int

const (
	RoleGraphics Role = iota
	RolePresent
	RoleTransfer

	roleCount
)

func (r Role) String() string {
	switch r {
	case RoleGraphics:
		return "graphics"
	case RolePresent:
		return "present"
	case RoleTransfer:
		return "transfer"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// QueueFamilies is what device provisioning found. When HasTransfer is false
// the transfer role falls back to the graphics family.
type QueueFamilies struct {
	Graphics, Present, Transfer uint32
	HasTransfer                 bool
}

// QueueSet is the role table, built once at startup. Roles that resolve to the
// same family share a single *Queue.
type QueueSet struct {
	byRole [roleCount]*Queue
	owned  []*Queue
}

// NewQueueSet creates one Queue per distinct family among the roles.
func NewQueueSet(drv Driver, fam QueueFamilies) (*QueueSet, error) {
	transfer := fam.Transfer
	if !fam.HasTransfer {
		transfer = fam.Graphics
	}
	families := [roleCount]uint32{
		RoleGraphics: fam.Graphics,
		RolePresent:  fam.Present,
		RoleTransfer: transfer,
	}

	qs := &QueueSet{}
	byFamily := make(map[uint32]*Queue)
	for role, family := range families {
		q, ok := byFamily[family]
		if !ok {
			var err error
			if q, err = NewQueue(drv, family); err != nil {
				qs.Destroy()
				return nil, fmt.Errorf("%s queue: %w", Role(role), err)
			}
			byFamily[family] = q
			qs.owned = append(qs.owned, q)
		}
		qs.byRole[role] = q
	}

	Logger().WithFields(logrus.Fields{
		"graphics": families[RoleGraphics],
		"present":  families[RolePresent],
		"transfer": families[RoleTransfer],
	}).Info("queue set created")
	return qs, nil
}

// Queue returns the queue for role, or nil for an unknown role.
func (qs *QueueSet) Queue(role Role) *Queue {
	if role < 0 || role >= roleCount {
		return nil
	}
	return qs.byRole[role]
}

// Graphics is shorthand for Queue(RoleGraphics).
func (qs *QueueSet) Graphics() *Queue { return qs.byRole[RoleGraphics] }

// Destroy destroys each distinct queue once.
func (qs *QueueSet) Destroy() {
	for _, q := range qs.owned {
		q.Destroy()
	}
	qs.owned = nil
	qs.byRole = [roleCount]*Queue{}
}
