package gfx

import (
	"github.com/bbredesen/go-vk"
)

// Driver is the subset of the Vulkan device API used by the submission core.
// Signatures follow go-vk: results come first, counts are implied by slices,
// and the device handle is bound by the implementation.
type Driver interface {
	GetDeviceQueue(queueFamilyIndex, queueIndex uint32) vk.Queue

	CreateCommandPool(createInfo *vk.CommandPoolCreateInfo) (vk.Result, vk.CommandPool)
	DestroyCommandPool(commandPool vk.CommandPool)
	AllocateCommandBuffers(allocInfo *vk.CommandBufferAllocateInfo) (vk.Result, []vk.CommandBuffer)
	FreeCommandBuffers(commandPool vk.CommandPool, commandBuffers []vk.CommandBuffer)

	BeginCommandBuffer(commandBuffer vk.CommandBuffer, beginInfo *vk.CommandBufferBeginInfo) vk.Result
	EndCommandBuffer(commandBuffer vk.CommandBuffer) vk.Result

	CmdPipelineBarrier(commandBuffer vk.CommandBuffer, srcStageMask, dstStageMask vk.PipelineStageFlags, bufferMemoryBarriers []vk.BufferMemoryBarrier, imageMemoryBarriers []vk.ImageMemoryBarrier)
	CmdCopyBuffer(commandBuffer vk.CommandBuffer, srcBuffer, dstBuffer vk.Buffer, regions []vk.BufferCopy)
	CmdCopyBufferToImage(commandBuffer vk.CommandBuffer, srcBuffer vk.Buffer, dstImage vk.Image, dstImageLayout vk.ImageLayout, regions []vk.BufferImageCopy)
	CmdCopyImageToBuffer(commandBuffer vk.CommandBuffer, srcImage vk.Image, srcImageLayout vk.ImageLayout, dstBuffer vk.Buffer, regions []vk.BufferImageCopy)
	CmdCopyImage(commandBuffer vk.CommandBuffer, srcImage vk.Image, srcImageLayout vk.ImageLayout, dstImage vk.Image, dstImageLayout vk.ImageLayout, regions []vk.ImageCopy)

	CreateFence(createInfo *vk.FenceCreateInfo) (vk.Result, vk.Fence)
	DestroyFence(fence vk.Fence)
	GetFenceStatus(fence vk.Fence) vk.Result
	WaitForFences(fences []vk.Fence, waitAll bool, timeout uint64) vk.Result
	ResetFences(fences []vk.Fence) vk.Result

	CreateSemaphore(createInfo *vk.SemaphoreCreateInfo) (vk.Result, vk.Semaphore)
	DestroySemaphore(semaphore vk.Semaphore)

	QueueSubmit(queue vk.Queue, submits []vk.SubmitInfo, fence vk.Fence) vk.Result
}
