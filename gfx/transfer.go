package gfx

import (
	"errors"
	"fmt"
	"time"

	"github.com/bbredesen/go-vk"
	"github.com/sirupsen/logrus"
)

// DefaultBacklogWarn is the reclaim backlog length that triggers a warning.
const DefaultBacklogWarn = 64

// CoordinatorOptions tunes a TransferCoordinator.
type CoordinatorOptions struct {
	// BacklogWarn is the number of submissions awaiting reclamation above
	// which a warning is logged. Zero selects DefaultBacklogWarn.
	BacklogWarn int
}

// pendingSubmission is one submitted batch the coordinator still owns.
type pendingSubmission struct {
	dest    Destination
	queue   *Queue
	fence   *Fence
	signals []vk.Semaphore
	cmd     vk.CommandBuffer
	// acquires are recorded on the graphics queue behind signals.
	acquires []ownershipAcquire

	// deferredAt is the pump that moved the submission to the reclaim list.
	// It is only eligible for reclamation on a later pump.
	deferredAt uint64
}

// inFlightList holds submissions made since the last pump.
type inFlightList []*pendingSubmission

// reclaimList holds submissions waiting for their fence on a later pump.
type reclaimList []*pendingSubmission

// semaphoreState tracks both ends of a cross-queue semaphore. It is destroyed
// once its signaling submission and its consumer have both completed.
type semaphoreState struct {
	signaled bool
	waited   bool
}

// retireFence is an empty graphics submission that completes after every
// graphics submission that may wait on semaphores.
type retireFence struct {
	fence      *Fence
	semaphores []vk.Semaphore
	recordings []vk.CommandBuffer
}

// Stats is a snapshot of coordinator bookkeeping.
type Stats struct {
	Pumps           uint64
	Submitted       uint64
	Reclaimed       uint64
	StalledPolls    uint64
	InFlight        int
	AwaitingReclaim int
	Semaphores      int
	RetireFences    int
	PendingAcquires int
}

// TransferCoordinator issues TransferBatches, tracks their submissions and
// reclaims recordings and fences once the GPU has finished with them. It
// hands the cross-queue semaphores of each frame's submissions to the
// graphics submission through NextFrameSync.
//
// A coordinator is driven from the frame loop goroutine only.
type TransferCoordinator struct {
	drv    Driver
	queues *QueueSet
	dests  [2]*Queue
	opts   CoordinatorOptions

	inFlight   inFlightList
	reclaim    reclaimList
	retiring   []retireFence
	semaphores map[vk.Semaphore]*semaphoreState

	// unreturned holds semaphores of submissions WaitIdle reclaimed before
	// any NextFrameSync returned them.
	unreturned []vk.Semaphore
	acquires   []ownershipAcquire

	pump         uint64
	submitted    uint64
	reclaimed    uint64
	stalled      uint64
	backlogWarns bool
	lost         bool
}

// NewTransferCoordinator builds the destination table from qs.
func NewTransferCoordinator(drv Driver, qs *QueueSet, opts CoordinatorOptions) *TransferCoordinator {
	if opts.BacklogWarn <= 0 {
		opts.BacklogWarn = DefaultBacklogWarn
	}
	return &TransferCoordinator{
		drv:    drv,
		queues: qs,
		dests: [2]*Queue{
			DestGraphics: qs.Queue(RoleGraphics),
			DestTransfer: qs.Queue(RoleTransfer),
		},
		opts:       opts,
		semaphores: make(map[vk.Semaphore]*semaphoreState),
	}
}

func (c *TransferCoordinator) hwQueue(dest Destination) (*Queue, error) {
	if dest < 0 || int(dest) >= len(c.dests) || c.dests[dest] == nil {
		return nil, fmt.Errorf("%s: %w", dest, ErrUnknownDestination)
	}
	return c.dests[dest], nil
}

// check records a lost device so every later call fails fast.
func (c *TransferCoordinator) check(err error) error {
	if errors.Is(err, ErrDeviceLost) && !c.lost {
		c.lost = true
		Logger().WithError(err).Error("device lost; transfer coordinator disabled")
	}
	return err
}

// StartBatch allocates a recording on dest's queue and begins it for one-time
// submission.
func (c *TransferCoordinator) StartBatch(dest Destination) (*TransferBatch, error) {
	if c.lost {
		return nil, ErrDeviceLost
	}
	q, err := c.hwQueue(dest)
	if err != nil {
		return nil, err
	}

	cmd, err := q.AllocateRecording(vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	if err != nil {
		return nil, c.check(fmt.Errorf("start %s batch: %w", dest, err))
	}

	cbbInfo := vk.CommandBufferBeginInfo{
		Flags: vk.COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT,
	}
	if err := resultErr("begin command buffer", c.drv.BeginCommandBuffer(cmd, &cbbInfo)); err != nil {
		q.FreeRecordings(cmd)
		return nil, c.check(err)
	}

	return &TransferBatch{
		dest:           dest,
		queue:          q,
		cmd:            cmd,
		drv:            c.drv,
		graphicsFamily: c.queues.Graphics().Family(),
	}, nil
}

// EndBatch ends and submits batch, consuming it. When needsCrossQueueSync is
// set and the batch runs on a queue other than the graphics queue, a
// semaphore is signaled on completion and returned by the next NextFrameSync.
// A batch holding ownership releases always signals one. EndBatch never
// blocks.
func (c *TransferCoordinator) EndBatch(batch *TransferBatch, needsCrossQueueSync bool) error {
	if batch == nil || batch.ended {
		return ErrBatchEnded
	}
	batch.ended = true
	if c.lost {
		return ErrDeviceLost
	}

	q := batch.queue
	if err := resultErr("end command buffer", c.drv.EndCommandBuffer(batch.cmd)); err != nil {
		q.FreeRecordings(batch.cmd)
		return c.check(err)
	}

	fence, err := newResetFence(c.drv)
	if err != nil {
		q.FreeRecordings(batch.cmd)
		return c.check(err)
	}

	// Graphics work consumes same-queue results in submission order. The
	// check is on the resolved queue, since the transfer role may alias it.
	var signals []vk.Semaphore
	needsCrossQueueSync = needsCrossQueueSync || len(batch.acquires) > 0
	if needsCrossQueueSync && q != c.queues.Graphics() {
		r, sem := c.drv.CreateSemaphore(&vk.SemaphoreCreateInfo{})
		if err := resultErr("create semaphore", r); err != nil {
			fence.Destroy()
			q.FreeRecordings(batch.cmd)
			return c.check(err)
		}
		signals = append(signals, sem)
	}

	fence.SetSubmitted()
	if err := q.Submit([]vk.CommandBuffer{batch.cmd}, nil, signals, fence); err != nil {
		for _, sem := range signals {
			c.drv.DestroySemaphore(sem)
		}
		fence.Destroy()
		q.FreeRecordings(batch.cmd)
		return c.check(fmt.Errorf("end %s batch: %w", batch.dest, err))
	}

	for _, sem := range signals {
		c.semaphores[sem] = &semaphoreState{}
	}
	c.inFlight = append(c.inFlight, &pendingSubmission{
		dest:    batch.dest,
		queue:   q,
		fence:   fence,
		signals:  signals,
		cmd:      batch.cmd,
		acquires: batch.acquires,
	})
	c.submitted++

	Logger().WithFields(logrus.Fields{
		"dest":       batch.dest,
		"family":     q.Family(),
		"semaphores": len(signals),
	}).Debug("transfer batch submitted")
	return nil
}

// NextFrameSync is the per-frame pump. It first reclaims submissions deferred
// by an earlier call whose fences now report completion, leaving the rest for
// later. It then defers every submission made since the previous call and
// returns their semaphores, which the next graphics submission must wait on.
// Ownership acquires of those submissions become pending for RecordAcquires.
// It never blocks.
func (c *TransferCoordinator) NextFrameSync() ([]vk.Semaphore, error) {
	if c.lost {
		return nil, ErrDeviceLost
	}
	c.pump++

	if err := c.reclaimCompleted(); err != nil {
		return nil, c.check(err)
	}
	if err := c.retireCompleted(); err != nil {
		return nil, c.check(err)
	}

	semaphores := c.unreturned
	c.unreturned = nil
	for _, s := range c.inFlight {
		semaphores = append(semaphores, s.signals...)
		c.acquires = append(c.acquires, s.acquires...)
		s.deferredAt = c.pump
		c.reclaim = append(c.reclaim, s)
	}
	c.inFlight = nil

	c.warnBacklog()
	return semaphores, nil
}

func (c *TransferCoordinator) reclaimCompleted() error {
	kept := c.reclaim[:0]
	for i, s := range c.reclaim {
		if s.deferredAt >= c.pump {
			kept = append(kept, s)
			continue
		}

		status, r := s.fence.poll()
		if r == vk.ERROR_DEVICE_LOST {
			c.reclaim = append(kept, c.reclaim[i:]...)
			return resultErr("poll transfer fence", r)
		}
		if status != FenceComplete {
			if status != FenceSubmitted {
				c.stalled++
				Logger().WithFields(logrus.Fields{
					"dest":   s.dest,
					"result": r.String(),
				}).Debug("unexpected fence status; retrying next frame")
			}
			kept = append(kept, s)
			continue
		}

		s.fence.Destroy()
		s.queue.FreeRecordings(s.cmd)
		for _, sem := range s.signals {
			c.semaphoreDone(sem, true, false)
		}
		c.reclaimed++
	}
	for i := len(kept); i < len(c.reclaim); i++ {
		c.reclaim[i] = nil
	}
	c.reclaim = kept
	return nil
}

func (c *TransferCoordinator) retireCompleted() error {
	kept := c.retiring[:0]
	for i, rf := range c.retiring {
		status, r := rf.fence.poll()
		if r == vk.ERROR_DEVICE_LOST {
			c.retiring = append(kept, c.retiring[i:]...)
			return resultErr("poll retire fence", r)
		}
		if status != FenceComplete {
			kept = append(kept, rf)
			continue
		}
		rf.fence.Destroy()
		c.queues.Graphics().FreeRecordings(rf.recordings...)
		for _, sem := range rf.semaphores {
			c.semaphoreDone(sem, false, true)
		}
	}
	for i := len(kept); i < len(c.retiring); i++ {
		c.retiring[i] = retireFence{}
	}
	c.retiring = kept
	return nil
}

// semaphoreDone marks one end of sem finished and destroys it once both are.
func (c *TransferCoordinator) semaphoreDone(sem vk.Semaphore, signaled, waited bool) {
	st, ok := c.semaphores[sem]
	if !ok {
		return
	}
	st.signaled = st.signaled || signaled
	st.waited = st.waited || waited
	if st.signaled && st.waited {
		c.drv.DestroySemaphore(sem)
		delete(c.semaphores, sem)
	}
}

func (c *TransferCoordinator) warnBacklog() {
	n := len(c.reclaim)
	if n <= c.opts.BacklogWarn {
		c.backlogWarns = false
		return
	}
	if c.backlogWarns {
		return
	}
	c.backlogWarns = true
	Logger().WithFields(logrus.Fields{
		"awaiting": n,
		"limit":    c.opts.BacklogWarn,
		"stalled":  c.stalled,
	}).Warn("transfer reclaim backlog is growing")
}

// ReleaseFrameSync tells the coordinator that semaphores returned by
// NextFrameSync have been waited on by graphics work already submitted. An
// empty graphics submission is queued behind that work; the semaphores are
// destroyed once it, and their signaling submissions, complete.
func (c *TransferCoordinator) ReleaseFrameSync(semaphores []vk.Semaphore) error {
	return c.retire(semaphores, nil)
}

// retire queues a retire fence on the graphics queue for semaphores and for
// coordinator-owned graphics recordings submitted ahead of it.
func (c *TransferCoordinator) retire(semaphores []vk.Semaphore, recordings []vk.CommandBuffer) error {
	if len(semaphores) == 0 && len(recordings) == 0 {
		return nil
	}
	if c.lost {
		return ErrDeviceLost
	}

	fence, err := newResetFence(c.drv)
	if err != nil {
		return c.check(err)
	}
	fence.SetSubmitted()
	if err := c.queues.Graphics().Submit(nil, nil, nil, fence); err != nil {
		fence.Destroy()
		return c.check(fmt.Errorf("release frame sync: %w", err))
	}
	c.retiring = append(c.retiring, retireFence{
		fence:      fence,
		semaphores: semaphores,
		recordings: recordings,
	})
	return nil
}

// RecordAcquires records into rec the ownership acquires of every batch whose
// semaphores NextFrameSync has returned, and reports how many barriers it
// recorded. rec must be recording for the graphics queue family and be
// submitted waiting on those semaphores. SubmitFrame does this itself.
func (c *TransferCoordinator) RecordAcquires(rec vk.CommandBuffer) int {
	n := 0
	for _, a := range c.acquires {
		c.drv.CmdPipelineBarrier(rec, vk.PIPELINE_STAGE_TOP_OF_PIPE_BIT, a.dstStage, a.buffers, a.images)
		n += len(a.buffers) + len(a.images)
	}
	c.acquires = nil
	return n
}

// acquireRecording returns a graphics recording holding the pending acquires.
func (c *TransferCoordinator) acquireRecording() (vk.CommandBuffer, error) {
	g := c.queues.Graphics()
	rec, err := g.AllocateRecording(vk.COMMAND_BUFFER_LEVEL_PRIMARY)
	if err != nil {
		return rec, err
	}
	cbbInfo := vk.CommandBufferBeginInfo{
		Flags: vk.COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT,
	}
	if err := resultErr("begin acquire recording", c.drv.BeginCommandBuffer(rec, &cbbInfo)); err != nil {
		g.FreeRecordings(rec)
		return vk.CommandBuffer(vk.NULL_HANDLE), err
	}
	pending := c.acquires
	c.RecordAcquires(rec)
	if err := resultErr("end acquire recording", c.drv.EndCommandBuffer(rec)); err != nil {
		c.acquires = pending
		g.FreeRecordings(rec)
		return vk.CommandBuffer(vk.NULL_HANDLE), err
	}
	return rec, nil
}

// SubmitFrame pumps NextFrameSync and submits recordings to the graphics
// queue. The graphics work waits on acquire at the color attachment output
// stage and on every transfer semaphore at the top of the pipe, and signals
// renderDone. Pending ownership acquires run in a recording of their own
// ahead of recordings. Either semaphore may be a null handle. fence, if
// non-nil, must be Reset and is marked submitted here.
func (c *TransferCoordinator) SubmitFrame(recordings []vk.CommandBuffer, acquire, renderDone vk.Semaphore, fence *Fence) error {
	if fence != nil && fence.status != FenceReset {
		return fmt.Errorf("submit frame with fence in state %s: %w", fence.status, ErrFenceInFlight)
	}
	semaphores, err := c.NextFrameSync()
	if err != nil {
		return err
	}

	var owned []vk.CommandBuffer
	if len(c.acquires) > 0 {
		rec, err := c.acquireRecording()
		if err != nil {
			for _, sem := range semaphores {
				c.semaphoreDone(sem, false, true)
			}
			return c.check(fmt.Errorf("submit frame: %w", err))
		}
		owned = []vk.CommandBuffer{rec}
		recordings = append(owned, recordings...)
	}

	var waits []SemaphoreWait
	if acquire != vk.Semaphore(vk.NULL_HANDLE) {
		waits = append(waits, SemaphoreWait{Semaphore: acquire, Stage: vk.PIPELINE_STAGE_COLOR_ATTACHMENT_OUTPUT_BIT})
	}
	for _, sem := range semaphores {
		waits = append(waits, SemaphoreWait{Semaphore: sem, Stage: vk.PIPELINE_STAGE_TOP_OF_PIPE_BIT})
	}
	var signals []vk.Semaphore
	if renderDone != vk.Semaphore(vk.NULL_HANDLE) {
		signals = append(signals, renderDone)
	}

	if fence != nil {
		fence.SetSubmitted()
	}
	if err := c.queues.Graphics().Submit(recordings, waits, signals, fence); err != nil {
		if fence != nil {
			fence.status = FenceReset
		}
		c.queues.Graphics().FreeRecordings(owned...)
		// Nothing will wait on these now.
		for _, sem := range semaphores {
			c.semaphoreDone(sem, false, true)
		}
		return c.check(fmt.Errorf("submit frame: %w", err))
	}
	return c.retire(semaphores, owned)
}

// Stats returns a snapshot of the coordinator's bookkeeping.
func (c *TransferCoordinator) Stats() Stats {
	return Stats{
		Pumps:           c.pump,
		Submitted:       c.submitted,
		Reclaimed:       c.reclaimed,
		StalledPolls:    c.stalled,
		InFlight:        len(c.inFlight),
		AwaitingReclaim: len(c.reclaim),
		Semaphores:      len(c.semaphores),
		RetireFences:    len(c.retiring),
		PendingAcquires: len(c.acquires),
	}
}

// WaitIdle blocks until every tracked submission has completed, then
// reclaims all of them. Semaphores and ownership acquires of submissions no
// NextFrameSync has seen yet are still handed out by the next one. A
// negative timeout waits forever.
func (c *TransferCoordinator) WaitIdle(timeout time.Duration) error {
	if c.lost {
		return ErrDeviceLost
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	wait := func(f *Fence) error {
		d := time.Duration(-1)
		if !deadline.IsZero() {
			if d = time.Until(deadline); d < 0 {
				d = 0
			}
		}
		return c.check(f.Wait(d))
	}

	for _, list := range [][]*pendingSubmission{c.inFlight, c.reclaim} {
		for _, s := range list {
			if err := wait(s.fence); err != nil {
				return err
			}
		}
	}
	for _, rf := range c.retiring {
		if err := wait(rf.fence); err != nil {
			return err
		}
	}

	for _, s := range c.inFlight {
		c.unreturned = append(c.unreturned, s.signals...)
		c.acquires = append(c.acquires, s.acquires...)
	}
	for _, list := range [][]*pendingSubmission{c.inFlight, c.reclaim} {
		for _, s := range list {
			s.fence.Destroy()
			s.queue.FreeRecordings(s.cmd)
			for _, sem := range s.signals {
				c.semaphoreDone(sem, true, false)
			}
			c.reclaimed++
		}
	}
	for _, rf := range c.retiring {
		rf.fence.Destroy()
		c.queues.Graphics().FreeRecordings(rf.recordings...)
		for _, sem := range rf.semaphores {
			c.semaphoreDone(sem, false, true)
		}
	}
	c.inFlight, c.reclaim, c.retiring = nil, nil, nil
	return nil
}

// Destroy releases everything the coordinator still owns without waiting.
// The device must be idle, or lost.
func (c *TransferCoordinator) Destroy() {
	for _, list := range [][]*pendingSubmission{c.inFlight, c.reclaim} {
		for _, s := range list {
			s.fence.Destroy()
			s.queue.FreeRecordings(s.cmd)
		}
	}
	for _, rf := range c.retiring {
		rf.fence.Destroy()
		c.queues.Graphics().FreeRecordings(rf.recordings...)
	}
	for sem := range c.semaphores {
		c.drv.DestroySemaphore(sem)
	}
	c.inFlight, c.reclaim, c.retiring = nil, nil, nil
	c.unreturned, c.acquires = nil, nil
	c.semaphores = make(map[vk.Semaphore]*semaphoreState)
}
