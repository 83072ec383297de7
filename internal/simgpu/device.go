// Package simgpu is a deterministic software GPU. It implements the driver
// calls the submission core makes, keeps buffers and images in host memory,
// and only executes submitted work when its queues are stepped, so tests can
// observe the host and the GPU at any point in between.
//
// Misuse that a real driver would turn into undefined behaviour (freeing a
// pending recording, destroying a pending fence, copying into an image in the
// wrong layout, ...) is recorded as a violation instead.
//
// Buffers and images behave as exclusively shared resources: the first queue
// family to use one owns it, and another family may only use it after a
// release and acquire barrier pair.
package simgpu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bbredesen/go-vk"
	"github.com/sirupsen/logrus"
)

// Config sizes a simulated device.
type Config struct {
	// PoolCapacity caps the live recordings of each command pool. Zero means
	// no limit.
	PoolCapacity int
	// Logger receives violations as they happen. Nil discards them.
	Logger logrus.FieldLogger
}

type cmdState int

const (
	cmdInitial cmdState = iota
	cmdRecording
	cmdExecutable
	cmdPending
	cmdInvalid
)

type cmdBuffer struct {
	pool    vk.CommandPool
	level   vk.CommandBufferLevel
	state   cmdState
	oneTime bool
	ops     []func(d *Device)
}

type cmdPool struct {
	family uint32
	live   map[vk.CommandBuffer]struct{}
	free   []vk.CommandBuffer
}

type fence struct {
	signaled bool
	pending  bool
}

type semaphore struct {
	signaled      bool
	pendingSignal bool
	pendingWaits  int
}

type submission struct {
	waits   []vk.Semaphore
	cmds    []vk.CommandBuffer
	signals []vk.Semaphore
	fence   vk.Fence
}

type queue struct {
	family  uint32
	pending []*submission
}

// owner tracks the queue family ownership of one buffer or image.
type owner struct {
	family     uint32
	claimed    bool
	releasedTo uint32
	released   bool
}

type image struct {
	width, height uint32
	texel         int
	layout        vk.ImageLayout
	data          []byte
}

// Device is a simulated logical device. All methods are safe for concurrent
// use.
type Device struct {
	mu  sync.Mutex
	cfg Config
	log logrus.FieldLogger

	next uint64

	queueIDs map[[2]uint32]vk.Queue
	queues   map[vk.Queue]*queue
	pools    map[vk.CommandPool]*cmdPool
	cmds     map[vk.CommandBuffer]*cmdBuffer
	fences   map[vk.Fence]*fence
	sems     map[vk.Semaphore]*semaphore
	buffers  map[vk.Buffer][]byte
	images   map[vk.Image]*image
	owners   map[uint64]*owner

	// execFamily is the family of the queue whose work is executing.
	execFamily uint32

	failNext   map[string]vk.Result
	paused     bool
	lost       bool
	executed   int
	violations []string
}

// New returns an idle simulated device.
func New(cfg Config) *Device {
	l := cfg.Logger
	if l == nil {
		discard := logrus.New()
		discard.Level = logrus.PanicLevel
		l = discard
	}
	return &Device{
		cfg:      cfg,
		log:      l,
		queueIDs: make(map[[2]uint32]vk.Queue),
		queues:   make(map[vk.Queue]*queue),
		pools:    make(map[vk.CommandPool]*cmdPool),
		cmds:     make(map[vk.CommandBuffer]*cmdBuffer),
		fences:   make(map[vk.Fence]*fence),
		sems:     make(map[vk.Semaphore]*semaphore),
		buffers:  make(map[vk.Buffer][]byte),
		images:   make(map[vk.Image]*image),
		owners:   make(map[uint64]*owner),
		failNext: make(map[string]vk.Result),
	}
}

func (d *Device) handle() uint64 {
	d.next++
	return d.next
}

func (d *Device) violate(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.violations = append(d.violations, msg)
	d.log.WithField("violation", msg).Warn("simgpu: protocol violation")
}

// injected returns a one-shot failure registered with FailNext for op.
func (d *Device) injected(op string) (vk.Result, bool) {
	r, ok := d.failNext[op]
	if ok {
		delete(d.failNext, op)
	}
	return r, ok
}

// FailNext makes the next call of the named driver method (for example
// "QueueSubmit" or "GetFenceStatus") return r.
func (d *Device) FailNext(op string, r vk.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext[op] = r
}

// Lose puts the device in the lost state.
func (d *Device) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
}

// Pause stops queue execution until Resume. Waits time out while paused.
func (d *Device) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
}

// Resume restarts queue execution.
func (d *Device) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
}

// Violations returns the protocol violations recorded so far.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// Counts reports live objects, for leak checks.
type Counts struct {
	CommandBuffers int
	Fences         int
	Semaphores     int
	Pools          int
	Pending        int
	Executed       int
}

// Counts returns the number of live objects and queued submissions.
func (d *Device) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := Counts{
		CommandBuffers: len(d.cmds),
		Fences:         len(d.fences),
		Semaphores:     len(d.sems),
		Pools:          len(d.pools),
		Executed:       d.executed,
	}
	for _, q := range d.queues {
		c.Pending += len(q.pending)
	}
	return c
}

// CommandBufferPending reports whether cb is queued on a queue that has not
// executed it yet.
func (d *Device) CommandBufferPending(cb vk.CommandBuffer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cmds[cb]
	return ok && c.state == cmdPending
}

// SemaphoreExists reports whether sem has not been destroyed.
func (d *Device) SemaphoreExists(sem vk.Semaphore) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sems[sem]
	return ok
}

// Step executes at most one ready submission per queue and returns how many
// ran. A submission is ready once every semaphore it waits on is signaled.
func (d *Device) Step() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.step()
}

// Run steps until no queue can make progress and returns the number of
// submissions executed.
func (d *Device) Run() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for {
		n := d.step()
		if n == 0 {
			return total
		}
		total += n
	}
}

func (d *Device) step() int {
	if d.paused || d.lost {
		return 0
	}

	handles := make([]vk.Queue, 0, len(d.queues))
	for h := range d.queues {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	n := 0
	for _, h := range handles {
		q := d.queues[h]
		if len(q.pending) == 0 {
			continue
		}
		sub := q.pending[0]
		if !d.ready(sub) {
			continue
		}
		q.pending = q.pending[1:]
		d.execFamily = q.family
		d.execute(sub)
		n++
	}
	return n
}

func (d *Device) ready(sub *submission) bool {
	for _, s := range sub.waits {
		if sem, ok := d.sems[s]; !ok || !sem.signaled {
			return false
		}
	}
	return true
}

func (d *Device) execute(sub *submission) {
	for _, s := range sub.waits {
		sem := d.sems[s]
		sem.signaled = false
		sem.pendingWaits--
	}

	for _, h := range sub.cmds {
		cb, ok := d.cmds[h]
		if !ok {
			d.violate("command buffer %v freed before execution", h)
			continue
		}
		for _, op := range cb.ops {
			op(d)
		}
		if cb.oneTime {
			cb.state = cmdInvalid
		} else {
			cb.state = cmdExecutable
		}
	}

	for _, s := range sub.signals {
		if sem, ok := d.sems[s]; ok {
			sem.signaled = true
			sem.pendingSignal = false
		} else {
			d.violate("semaphore %v destroyed before its signal", s)
		}
	}

	if sub.fence != vk.Fence(vk.NULL_HANDLE) {
		if f, ok := d.fences[sub.fence]; ok {
			f.signaled = true
			f.pending = false
		} else {
			d.violate("fence %v destroyed before its signal", sub.fence)
		}
	}
	d.executed++
}
