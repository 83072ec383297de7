package gfx

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bbredesen/go-vk"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var errNoThreadID = errors.New("gfx: OS thread ids are not available on this platform")

// ThreadPools hands each OS thread its own RecordingPool, created on first
// use and cached until Destroy. Goroutines that use it must hold
// runtime.LockOSThread for as long as they touch the returned pool; otherwise
// two goroutines may end up interleaving on one thread's pool.
type ThreadPools struct {
	drv    Driver
	family uint32

	mu    sync.Mutex
	pools map[uint64]*RecordingPool
}

// NewThreadPools returns an empty set of per-thread pools on family. This is
// the explicit alternative to the process-wide CreateThreadLocalPool.
func NewThreadPools(drv Driver, family uint32) *ThreadPools {
	return &ThreadPools{
		drv:    drv,
		family: family,
		pools:  make(map[uint64]*RecordingPool),
	}
}

// Current returns the calling thread's pool, creating it if needed.
func (t *ThreadPools) Current() (*RecordingPool, error) {
	tid, ok := currentThreadID()
	if !ok {
		return nil, errNoThreadID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pools == nil {
		return nil, ErrDestroyed
	}
	if p, ok := t.pools[tid]; ok {
		return p, nil
	}

	p, err := NewRecordingPool(t.drv, t.family, vk.COMMAND_POOL_CREATE_RESET_COMMAND_BUFFER_BIT)
	if err != nil {
		return nil, fmt.Errorf("thread %d pool: %w", tid, err)
	}
	t.pools[tid] = p
	Logger().WithFields(logrus.Fields{
		"thread": tid,
		"family": t.family,
	}).Debug("created thread recording pool")
	return p, nil
}

// Len returns the number of threads that currently own a pool.
func (t *ThreadPools) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pools)
}

// Destroy releases every per-thread pool.
func (t *ThreadPools) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.Destroy()
	}
	t.pools = nil
}

var threadPools atomic.Pointer[ThreadPools]

// CreateThreadLocalPool establishes the process-wide device reference used by
// CurrentPool and creates the calling thread's pool. It may only be called
// once per process; later calls fail with ErrAlreadyInitialized.
func CreateThreadLocalPool(drv Driver, family uint32) (*RecordingPool, error) {
	tp := NewThreadPools(drv, family)
	if !threadPools.CompareAndSwap(nil, tp) {
		return nil, ErrAlreadyInitialized
	}
	return tp.Current()
}

// CurrentPool returns the calling thread's pool from the process-wide set,
// creating it lazily.
func CurrentPool() (*RecordingPool, error) {
	tp := threadPools.Load()
	if tp == nil {
		return nil, ErrNotInitialized
	}
	return tp.Current()
}

// RecordFunc records into rec, a secondary recording owned by worker.
type RecordFunc func(ctx context.Context, worker int, rec vk.CommandBuffer) error

// RecordParallel runs n workers, each on its own locked OS thread with its own
// pool, and has each record one recording of the given level. Recordings are
// returned in worker order. The caller must free each recording to the pool it
// came from; pools[i] is that pool.
func RecordParallel(ctx context.Context, tp *ThreadPools, n int, level vk.CommandBufferLevel, fn RecordFunc) (recs []vk.CommandBuffer, pools []*RecordingPool, err error) {
	recs = make([]vk.CommandBuffer, n)
	pools = make([]*RecordingPool, n)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			pool, err := tp.Current()
			if err != nil {
				return err
			}
			bufs, err := pool.Allocate(1, level)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			recs[i], pools[i] = bufs[0], pool

			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, i, bufs[0])
		})
	}

	if err = g.Wait(); err != nil {
		for i, rec := range recs {
			if pools[i] != nil {
				pools[i].Free(rec)
			}
		}
		return nil, nil, err
	}
	return recs, pools, nil
}
