package vkctx

import (
	"errors"
	"time"

	"github.com/bbredesen/go-vk"
	"github.com/bbredesen/vkxfer/gfx"
	"github.com/sirupsen/logrus"
)

// Context holds the handles device provisioning produced and the submission
// core built on them. Instance, surface and device creation happen elsewhere.
type Context struct {
	PhysicalDevice vk.PhysicalDevice
	Device         vk.Device

	Families gfx.QueueFamilies

	Driver   gfx.Driver
	Queues   *gfx.QueueSet
	Transfer *gfx.TransferCoordinator
}

var errNoGraphicsFamily = errors.New("vkctx: no graphics-capable queue family")

// SelectQueueFamilies picks the graphics, present and transfer families from
// the physical device's queue family properties. A family with transfer but
// no graphics or compute support is preferred for transfers; without one
// HasTransfer is false and transfers fall back to the graphics family.
func SelectQueueFamilies(props []vk.QueueFamilyProperties, canPresent func(family uint32) bool) (gfx.QueueFamilies, error) {
	var fam gfx.QueueFamilies
	foundGraphics, foundPresent := false, false

	for i, p := range props {
		idx := uint32(i)
		if p.QueueCount == 0 {
			continue
		}
		if !foundGraphics && p.QueueFlags&vk.QUEUE_GRAPHICS_BIT != 0 {
			fam.Graphics, foundGraphics = idx, true
		}
		if !foundPresent && canPresent != nil && canPresent(idx) {
			fam.Present, foundPresent = idx, true
		}
		if !fam.HasTransfer &&
			p.QueueFlags&vk.QUEUE_TRANSFER_BIT != 0 &&
			p.QueueFlags&(vk.QUEUE_GRAPHICS_BIT|vk.QUEUE_COMPUTE_BIT) == 0 {
			fam.Transfer, fam.HasTransfer = idx, true
		}
	}

	if !foundGraphics {
		return fam, errNoGraphicsFamily
	}
	if !foundPresent {
		fam.Present = fam.Graphics
	}
	if !fam.HasTransfer {
		fam.Transfer = fam.Graphics
	}
	return fam, nil
}

// Initialize creates the queue set and the transfer coordinator. A nil drv
// drives ctx.Device through go-vk.
func (ctx *Context) Initialize(drv gfx.Driver, opts gfx.CoordinatorOptions) error {
	if drv == nil {
		drv = &Driver{Device: ctx.Device}
	}
	ctx.Driver = drv

	qs, err := gfx.NewQueueSet(ctx.Driver, ctx.Families)
	if err != nil {
		return err
	}
	ctx.Queues = qs
	ctx.Transfer = gfx.NewTransferCoordinator(ctx.Driver, qs, opts)
	return nil
}

// Teardown waits for outstanding transfers, then releases the coordinator and
// the queues. The device itself belongs to the caller.
func (ctx *Context) Teardown(timeout time.Duration) {
	if ctx.Transfer != nil {
		if err := ctx.Transfer.WaitIdle(timeout); err != nil {
			gfx.Logger().WithFields(logrus.Fields{
				"error": err,
			}).Warn("transfers did not drain before teardown")
			if ctx.Device != vk.Device(vk.NULL_HANDLE) {
				vk.DeviceWaitIdle(ctx.Device)
			}
		}
		ctx.Transfer.Destroy()
		ctx.Transfer = nil
	}
	if ctx.Queues != nil {
		ctx.Queues.Destroy()
		ctx.Queues = nil
	}
}
