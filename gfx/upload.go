package gfx

import (
	"github.com/bbredesen/go-vk"
)

const queueFamilyIgnored = ^uint32(0)

// Uploader moves data from host-visible staging resources into device-local
// ones through a TransferCoordinator. Each call records and submits one batch
// and returns without waiting; the staging resource must stay alive until the
// coordinator has reclaimed the batch.
//
// With Sync set the destination is handed to the graphics queue family: the
// next frame's graphics work waits for the upload and, when the upload ran on
// another family, acquires ownership first. Without it the destination stays
// with the family of Dest.
type Uploader struct {
	Coordinator *TransferCoordinator
	Dest        Destination
	Sync        bool
}

// Graphics consumers of an upload may read it at any stage.
const (
	consumerStage  = vk.PIPELINE_STAGE_ALL_COMMANDS_BIT
	consumerAccess = vk.ACCESS_MEMORY_READ_BIT
)

// UploadBuffer copies size bytes from the start of staging to the start of dst.
func (u *Uploader) UploadBuffer(staging, dst vk.Buffer, size vk.DeviceSize) error {
	batch, err := u.Coordinator.StartBatch(u.Dest)
	if err != nil {
		return err
	}
	region := vk.BufferCopy{
		SrcOffset: 0,
		DstOffset: 0,
		Size:      size,
	}
	if err := batch.CopyBufferToBuffer(staging, dst, region); err != nil {
		return err
	}
	if u.Sync {
		handoff := vk.BufferMemoryBarrier{
			SrcAccessMask: vk.ACCESS_TRANSFER_WRITE_BIT,
			DstAccessMask: consumerAccess,
			Buffer:        dst,
			Offset:        0,
			Size:          size,
		}
		if err := batch.ReleaseToGraphics(vk.PIPELINE_STAGE_TRANSFER_BIT, consumerStage, []vk.BufferMemoryBarrier{handoff}, nil); err != nil {
			return err
		}
	}
	return u.Coordinator.EndBatch(batch, u.Sync)
}

// UploadImage copies tightly packed texels from staging into mip 0, layer 0
// of a color image, moving it from an undefined layout to finalLayout.
func (u *Uploader) UploadImage(staging vk.Buffer, img vk.Image, extent vk.Extent3D, finalLayout vk.ImageLayout) error {
	batch, err := u.Coordinator.StartBatch(u.Dest)
	if err != nil {
		return err
	}

	subresourceRange := vk.ImageSubresourceRange{
		AspectMask:     vk.IMAGE_ASPECT_COLOR_BIT,
		BaseMipLevel:   0,
		LevelCount:     1,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}

	toTransfer := vk.ImageMemoryBarrier{
		SrcAccessMask:       0,
		DstAccessMask:       vk.ACCESS_TRANSFER_WRITE_BIT,
		OldLayout:           vk.IMAGE_LAYOUT_UNDEFINED,
		NewLayout:           vk.IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL,
		SrcQueueFamilyIndex: queueFamilyIgnored,
		DstQueueFamilyIndex: queueFamilyIgnored,
		Image:               img,
		SubresourceRange:    subresourceRange,
	}
	if err := batch.PipelineBarrier(vk.PIPELINE_STAGE_TOP_OF_PIPE_BIT, vk.PIPELINE_STAGE_TRANSFER_BIT, toTransfer); err != nil {
		return err
	}

	region := vk.BufferImageCopy{
		BufferOffset:      0,
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.IMAGE_ASPECT_COLOR_BIT,
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
		ImageOffset: vk.Offset3D{X: 0, Y: 0, Z: 0},
		ImageExtent: extent,
	}
	if err := batch.CopyBufferToImage(staging, img, vk.IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL, region); err != nil {
		return err
	}

	toFinal := toTransfer
	toFinal.SrcAccessMask = vk.ACCESS_TRANSFER_WRITE_BIT
	toFinal.DstAccessMask = consumerAccess
	toFinal.OldLayout = vk.IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL
	toFinal.NewLayout = finalLayout
	if u.Sync {
		err = batch.ReleaseToGraphics(vk.PIPELINE_STAGE_TRANSFER_BIT, consumerStage, nil, []vk.ImageMemoryBarrier{toFinal})
	} else {
		// Transfer queues have no shader stages, so the transition ends at
		// the bottom of the pipe.
		toFinal.DstAccessMask = 0
		err = batch.PipelineBarrier(vk.PIPELINE_STAGE_TRANSFER_BIT, vk.PIPELINE_STAGE_BOTTOM_OF_PIPE_BIT, toFinal)
	}
	if err != nil {
		return err
	}

	return u.Coordinator.EndBatch(batch, u.Sync)
}
