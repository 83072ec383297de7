package gfx

import (
	"fmt"

	"github.com/bbredesen/go-vk"
)

// Destination selects the hardware queue a TransferBatch runs on.
type Destination int

const (
	DestGraphics Destination = iota
	DestTransfer
)

func (d Destination) String() string {
	switch d {
	case DestGraphics:
		return "graphics"
	case DestTransfer:
		return "transfer"
	}
	return fmt.Sprintf("Destination(%d)", int(d))
}

// TransferBatch accumulates copies and barriers for one queue. Commands are
// recorded in call order and never reordered. A batch is consumed by
// TransferCoordinator.EndBatch; every method fails with ErrBatchEnded after
// that.
type TransferBatch struct {
	dest  Destination
	queue *Queue
	cmd   vk.CommandBuffer
	drv   Driver
	ended bool

	graphicsFamily uint32
	acquires       []ownershipAcquire
}

// ownershipAcquire is the graphics half of a queue family ownership transfer.
// It is recorded on the graphics queue by work that waits for the releasing
// batch's semaphore.
type ownershipAcquire struct {
	dstStage vk.PipelineStageFlags
	buffers  []vk.BufferMemoryBarrier
	images   []vk.ImageMemoryBarrier
}

// Destination returns the queue role the batch was opened against.
func (b *TransferBatch) Destination() Destination { return b.dest }

// Recording returns the underlying recording handle.
func (b *TransferBatch) Recording() vk.CommandBuffer { return b.cmd }

// PipelineBarrier records an execution and memory dependency, optionally
// transitioning image layouts.
func (b *TransferBatch) PipelineBarrier(srcStage, dstStage vk.PipelineStageFlags, barriers ...vk.ImageMemoryBarrier) error {
	if b.ended {
		return ErrBatchEnded
	}
	b.drv.CmdPipelineBarrier(b.cmd, srcStage, dstStage, nil, barriers)
	return nil
}

// ReleaseToGraphics makes the resources named by the barriers available to
// graphics work. Callers fill in the access masks, layouts and resources; the
// queue family indices are set here.
//
// On the graphics family the barriers are recorded as one dependency from
// srcStage to dstStage. On any other family only the release half is recorded
// in the batch. The acquire half is recorded on the graphics queue ahead of
// the first frame that waits for the batch, so EndBatch always signals a
// semaphore for it.
func (b *TransferBatch) ReleaseToGraphics(srcStage, dstStage vk.PipelineStageFlags, buffers []vk.BufferMemoryBarrier, images []vk.ImageMemoryBarrier) error {
	if b.ended {
		return ErrBatchEnded
	}

	src, dst := b.queue.Family(), b.graphicsFamily
	if src == dst {
		src, dst = queueFamilyIgnored, queueFamilyIgnored
	}
	relBufs := make([]vk.BufferMemoryBarrier, len(buffers))
	for i, bb := range buffers {
		bb.SrcQueueFamilyIndex, bb.DstQueueFamilyIndex = src, dst
		relBufs[i] = bb
	}
	relImgs := make([]vk.ImageMemoryBarrier, len(images))
	for i, ib := range images {
		ib.SrcQueueFamilyIndex, ib.DstQueueFamilyIndex = src, dst
		relImgs[i] = ib
	}

	if src == queueFamilyIgnored {
		b.drv.CmdPipelineBarrier(b.cmd, srcStage, dstStage, relBufs, relImgs)
		return nil
	}

	acq := ownershipAcquire{
		dstStage: dstStage,
		buffers:  make([]vk.BufferMemoryBarrier, len(relBufs)),
		images:   make([]vk.ImageMemoryBarrier, len(relImgs)),
	}
	for i := range relBufs {
		acq.buffers[i] = relBufs[i]
		acq.buffers[i].SrcAccessMask = 0
		relBufs[i].DstAccessMask = 0
	}
	for i := range relImgs {
		acq.images[i] = relImgs[i]
		acq.images[i].SrcAccessMask = 0
		relImgs[i].DstAccessMask = 0
	}

	b.drv.CmdPipelineBarrier(b.cmd, srcStage, vk.PIPELINE_STAGE_BOTTOM_OF_PIPE_BIT, relBufs, relImgs)
	b.acquires = append(b.acquires, acq)
	return nil
}

// CopyBufferToBuffer records a buffer to buffer copy.
func (b *TransferBatch) CopyBufferToBuffer(src, dst vk.Buffer, regions ...vk.BufferCopy) error {
	if b.ended {
		return ErrBatchEnded
	}
	b.drv.CmdCopyBuffer(b.cmd, src, dst, regions)
	return nil
}

// CopyBufferToImage records a buffer to image copy. dst must be in dstLayout
// when the copy executes.
func (b *TransferBatch) CopyBufferToImage(src vk.Buffer, dst vk.Image, dstLayout vk.ImageLayout, regions ...vk.BufferImageCopy) error {
	if b.ended {
		return ErrBatchEnded
	}
	b.drv.CmdCopyBufferToImage(b.cmd, src, dst, dstLayout, regions)
	return nil
}

// CopyImageToBuffer records an image to buffer copy.
func (b *TransferBatch) CopyImageToBuffer(src vk.Image, srcLayout vk.ImageLayout, dst vk.Buffer, regions ...vk.BufferImageCopy) error {
	if b.ended {
		return ErrBatchEnded
	}
	b.drv.CmdCopyImageToBuffer(b.cmd, src, srcLayout, dst, regions)
	return nil
}

// CopyImageToImage records an image to image copy.
func (b *TransferBatch) CopyImageToImage(src vk.Image, srcLayout vk.ImageLayout, dst vk.Image, dstLayout vk.ImageLayout, regions ...vk.ImageCopy) error {
	if b.ended {
		return ErrBatchEnded
	}
	b.drv.CmdCopyImage(b.cmd, src, srcLayout, dst, dstLayout, regions)
	return nil
}
