package vkctx

import (
	"github.com/bbredesen/go-vk"
)

// Driver implements gfx.Driver on a live Vulkan device through go-vk.
type Driver struct {
	Device vk.Device
}

func (drv *Driver) GetDeviceQueue(queueFamilyIndex, queueIndex uint32) vk.Queue {
	return vk.GetDeviceQueue(drv.Device, queueFamilyIndex, queueIndex)
}

func (drv *Driver) CreateCommandPool(createInfo *vk.CommandPoolCreateInfo) (vk.Result, vk.CommandPool) {
	return vk.CreateCommandPool(drv.Device, createInfo, nil)
}

func (drv *Driver) DestroyCommandPool(commandPool vk.CommandPool) {
	vk.DestroyCommandPool(drv.Device, commandPool, nil)
}

func (drv *Driver) AllocateCommandBuffers(allocInfo *vk.CommandBufferAllocateInfo) (vk.Result, []vk.CommandBuffer) {
	return vk.AllocateCommandBuffers(drv.Device, allocInfo)
}

func (drv *Driver) FreeCommandBuffers(commandPool vk.CommandPool, commandBuffers []vk.CommandBuffer) {
	vk.FreeCommandBuffers(drv.Device, commandPool, commandBuffers)
}

func (drv *Driver) BeginCommandBuffer(commandBuffer vk.CommandBuffer, beginInfo *vk.CommandBufferBeginInfo) vk.Result {
	return vk.BeginCommandBuffer(commandBuffer, beginInfo)
}

func (drv *Driver) EndCommandBuffer(commandBuffer vk.CommandBuffer) vk.Result {
	return vk.EndCommandBuffer(commandBuffer)
}

func (drv *Driver) CmdPipelineBarrier(commandBuffer vk.CommandBuffer, srcStageMask, dstStageMask vk.PipelineStageFlags, bufferMemoryBarriers []vk.BufferMemoryBarrier, imageMemoryBarriers []vk.ImageMemoryBarrier) {
	vk.CmdPipelineBarrier(commandBuffer, srcStageMask, dstStageMask, 0, nil, bufferMemoryBarriers, imageMemoryBarriers)
}

func (drv *Driver) CmdCopyBuffer(commandBuffer vk.CommandBuffer, srcBuffer, dstBuffer vk.Buffer, regions []vk.BufferCopy) {
	vk.CmdCopyBuffer(commandBuffer, srcBuffer, dstBuffer, regions)
}

func (drv *Driver) CmdCopyBufferToImage(commandBuffer vk.CommandBuffer, srcBuffer vk.Buffer, dstImage vk.Image, dstImageLayout vk.ImageLayout, regions []vk.BufferImageCopy) {
	vk.CmdCopyBufferToImage(commandBuffer, srcBuffer, dstImage, dstImageLayout, regions)
}

func (drv *Driver) CmdCopyImageToBuffer(commandBuffer vk.CommandBuffer, srcImage vk.Image, srcImageLayout vk.ImageLayout, dstBuffer vk.Buffer, regions []vk.BufferImageCopy) {
	vk.CmdCopyImageToBuffer(commandBuffer, srcImage, srcImageLayout, dstBuffer, regions)
}

func (drv *Driver) CmdCopyImage(commandBuffer vk.CommandBuffer, srcImage vk.Image, srcImageLayout vk.ImageLayout, dstImage vk.Image, dstImageLayout vk.ImageLayout, regions []vk.ImageCopy) {
	vk.CmdCopyImage(commandBuffer, srcImage, srcImageLayout, dstImage, dstImageLayout, regions)
}

func (drv *Driver) CreateFence(createInfo *vk.FenceCreateInfo) (vk.Result, vk.Fence) {
	return vk.CreateFence(drv.Device, createInfo, nil)
}

func (drv *Driver) DestroyFence(fence vk.Fence) {
	vk.DestroyFence(drv.Device, fence, nil)
}

func (drv *Driver) GetFenceStatus(fence vk.Fence) vk.Result {
	return vk.GetFenceStatus(drv.Device, fence)
}

func (drv *Driver) WaitForFences(fences []vk.Fence, waitAll bool, timeout uint64) vk.Result {
	return vk.WaitForFences(drv.Device, fences, waitAll, timeout)
}

func (drv *Driver) ResetFences(fences []vk.Fence) vk.Result {
	return vk.ResetFences(drv.Device, fences)
}

func (drv *Driver) CreateSemaphore(createInfo *vk.SemaphoreCreateInfo) (vk.Result, vk.Semaphore) {
	return vk.CreateSemaphore(drv.Device, createInfo, nil)
}

func (drv *Driver) DestroySemaphore(semaphore vk.Semaphore) {
	vk.DestroySemaphore(drv.Device, semaphore, nil)
}

func (drv *Driver) QueueSubmit(queue vk.Queue, submits []vk.SubmitInfo, fence vk.Fence) vk.Result {
	return vk.QueueSubmit(queue, submits, fence)
}
