package gfx

import (
	"errors"
	"fmt"

	"github.com/bbredesen/go-vk"
)

var (
	// ErrPoolExhausted is returned when a recording pool cannot satisfy an allocation.
	ErrPoolExhausted = errors.New("gfx: recording pool exhausted")
	// ErrAllocation is returned when the driver fails to create an object for lack of memory.
	ErrAllocation = errors.New("gfx: allocation failed")
	// ErrUnknownDestination is returned for a destination that has no hardware queue.
	ErrUnknownDestination = errors.New("gfx: unknown transfer destination")
	// ErrDeviceLost is fatal. Every outstanding fence and recording is invalid after it.
	ErrDeviceLost = errors.New("gfx: device lost")

	ErrBatchEnded         = errors.New("gfx: transfer batch already ended")
	ErrFenceInFlight      = errors.New("gfx: fence is still in flight")
	ErrFenceNotSubmitted  = errors.New("gfx: fence must be marked submitted before queue submission")
	ErrTimeout            = errors.New("gfx: wait timed out")
	ErrAlreadyInitialized = errors.New("gfx: thread-local pools already initialized")
	ErrNotInitialized     = errors.New("gfx: thread-local pools not initialized")
	ErrDestroyed          = errors.New("gfx: object already destroyed")
)

// ResultError carries the raw vk.Result behind a failed driver call.
type ResultError struct {
	Op     string
	Result vk.Result
	kind   error
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.kind.Error(), e.Result.String())
}

func (e *ResultError) Unwrap() error { return e.kind }

// resultErr maps a non-success vk.Result to one of the package error kinds.
// It returns nil for SUCCESS.
func resultErr(op string, r vk.Result) error {
	var kind error
	switch r {
	case vk.SUCCESS:
		return nil
	case vk.ERROR_OUT_OF_POOL_MEMORY:
		kind = ErrPoolExhausted
	case vk.ERROR_OUT_OF_HOST_MEMORY, vk.ERROR_OUT_OF_DEVICE_MEMORY:
		kind = ErrAllocation
	case vk.ERROR_DEVICE_LOST:
		kind = ErrDeviceLost
	case vk.TIMEOUT:
		kind = ErrTimeout
	default:
		kind = errors.New("gfx: driver call failed")
	}
	return &ResultError{Op: op, Result: r, kind: kind}
}
