package simgpu

import (
	"github.com/bbredesen/go-vk"
)

// NewBuffer creates a zeroed buffer of size bytes. Every simulated buffer is
// host visible.
func (d *Device) NewBuffer(size int) vk.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := vk.Buffer(d.handle())
	d.buffers[h] = make([]byte, size)
	return h
}

// WriteBuffer copies data into buf at offset, as a host write to mapped
// memory would.
func (d *Device) WriteBuffer(buf vk.Buffer, offset int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok || offset < 0 || offset+len(data) > len(b) {
		d.violate("host write of %d bytes at %d out of range of buffer %v", len(data), offset, buf)
		return
	}
	copy(b[offset:], data)
}

// ReadBuffer returns a copy of buf's contents.
func (d *Device) ReadBuffer(buf vk.Buffer) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.buffers[buf]...)
}

// DestroyBuffer releases buf.
func (d *Device) DestroyBuffer(buf vk.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, buf)
	delete(d.owners, uint64(buf))
}

// NewImage creates a single-level 2D image with texelSize bytes per texel in
// the undefined layout.
func (d *Device) NewImage(width, height uint32, texelSize int) vk.Image {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := vk.Image(d.handle())
	d.images[h] = &image{
		width:  width,
		height: height,
		texel:  texelSize,
		layout: vk.IMAGE_LAYOUT_UNDEFINED,
		data:   make([]byte, int(width)*int(height)*texelSize),
	}
	return h
}

// ReadImage returns a copy of img's texels, row-major and tightly packed.
func (d *Device) ReadImage(img vk.Image) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if im, ok := d.images[img]; ok {
		return append([]byte(nil), im.data...)
	}
	return nil
}

// ImageLayout returns the layout img was left in by executed work.
func (d *Device) ImageLayout(img vk.Image) vk.ImageLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	if im, ok := d.images[img]; ok {
		return im.layout
	}
	return vk.IMAGE_LAYOUT_UNDEFINED
}

// DestroyImage releases img.
func (d *Device) DestroyImage(img vk.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.images, img)
	delete(d.owners, uint64(img))
}

// OwnerFamily reports the queue family that owns a buffer or image handle.
func (d *Device) OwnerFamily(h uint64) (family uint32, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, found := d.owners[h]; found && o.claimed {
		return o.family, true
	}
	return 0, false
}

const familyIgnored = ^uint32(0)

func (d *Device) owner(h uint64) *owner {
	o, ok := d.owners[h]
	if !ok {
		o = &owner{}
		d.owners[h] = o
	}
	return o
}

// use checks that the executing family owns h, claiming it if nobody does.
func (d *Device) use(h uint64, kind string) {
	o := d.owner(h)
	switch {
	case !o.claimed:
		o.claimed, o.family = true, d.execFamily
	case o.family != d.execFamily:
		d.violate("%s %v used on family %d while owned by family %d", kind, h, d.execFamily, o.family)
	}
}

// transferOwnership applies the ownership half of a barrier on h and reports
// whether it was an acquire. Barriers that name no family pair only use h.
func (d *Device) transferOwnership(h uint64, kind string, src, dst uint32) bool {
	if src == dst || src == familyIgnored || dst == familyIgnored {
		d.use(h, kind)
		return false
	}
	o := d.owner(h)
	switch d.execFamily {
	case src:
		if o.claimed && o.family != src {
			d.violate("%s %v released by family %d while owned by family %d", kind, h, src, o.family)
		}
		o.claimed, o.family = true, src
		o.released, o.releasedTo = true, dst
		return false
	case dst:
		if !o.released || o.releasedTo != dst {
			d.violate("%s %v acquired by family %d without a matching release", kind, h, dst)
		}
		o.claimed, o.family, o.released = true, dst, false
		return true
	}
	d.violate("%s %v ownership barrier %d -> %d executed on family %d", kind, h, src, dst, d.execFamily)
	return false
}

func (d *Device) CmdPipelineBarrier(commandBuffer vk.CommandBuffer, srcStageMask, dstStageMask vk.PipelineStageFlags, bufferMemoryBarriers []vk.BufferMemoryBarrier, imageMemoryBarriers []vk.ImageMemoryBarrier) {
	bufBarriers := append([]vk.BufferMemoryBarrier(nil), bufferMemoryBarriers...)
	imgBarriers := append([]vk.ImageMemoryBarrier(nil), imageMemoryBarriers...)
	d.record(commandBuffer, "pipeline barrier", func(d *Device) {
		for _, b := range bufBarriers {
			if _, ok := d.buffers[b.Buffer]; !ok {
				d.violate("barrier on unknown buffer %v", b.Buffer)
				continue
			}
			d.transferOwnership(uint64(b.Buffer), "buffer", b.SrcQueueFamilyIndex, b.DstQueueFamilyIndex)
		}
		for _, b := range imgBarriers {
			im, ok := d.images[b.Image]
			if !ok {
				d.violate("barrier on unknown image %v", b.Image)
				continue
			}
			// Discarding the contents needs no ownership transfer.
			if b.OldLayout == vk.IMAGE_LAYOUT_UNDEFINED && b.SrcQueueFamilyIndex == b.DstQueueFamilyIndex {
				o := d.owner(uint64(b.Image))
				o.claimed, o.family, o.released = true, d.execFamily, false
			}
			if d.transferOwnership(uint64(b.Image), "image", b.SrcQueueFamilyIndex, b.DstQueueFamilyIndex) {
				// The release performed the layout transition.
				if im.layout != b.NewLayout {
					d.violate("acquire of image %v expects layout %v, image is in %v", b.Image, b.NewLayout, im.layout)
				}
				continue
			}
			if b.OldLayout != vk.IMAGE_LAYOUT_UNDEFINED && b.OldLayout != im.layout {
				d.violate("barrier on image %v expects layout %v, image is in %v", b.Image, b.OldLayout, im.layout)
			}
			im.layout = b.NewLayout
		}
	})
}

func (d *Device) CmdCopyBuffer(commandBuffer vk.CommandBuffer, srcBuffer, dstBuffer vk.Buffer, regions []vk.BufferCopy) {
	regions = append([]vk.BufferCopy(nil), regions...)
	d.record(commandBuffer, "copy buffer", func(d *Device) {
		src, sok := d.buffers[srcBuffer]
		dst, dok := d.buffers[dstBuffer]
		if !sok || !dok {
			d.violate("copy between unknown buffers %v -> %v", srcBuffer, dstBuffer)
			return
		}
		d.use(uint64(srcBuffer), "buffer")
		d.use(uint64(dstBuffer), "buffer")
		for _, r := range regions {
			so, do, n := int(r.SrcOffset), int(r.DstOffset), int(r.Size)
			if so+n > len(src) || do+n > len(dst) {
				d.violate("buffer copy region out of range: %+v", r)
				continue
			}
			copy(dst[do:do+n], src[so:so+n])
		}
	})
}

func (d *Device) CmdCopyBufferToImage(commandBuffer vk.CommandBuffer, srcBuffer vk.Buffer, dstImage vk.Image, dstImageLayout vk.ImageLayout, regions []vk.BufferImageCopy) {
	regions = append([]vk.BufferImageCopy(nil), regions...)
	d.record(commandBuffer, "copy buffer to image", func(d *Device) {
		buf, bok := d.buffers[srcBuffer]
		im, iok := d.images[dstImage]
		if !bok || !iok {
			d.violate("copy from buffer %v to image %v: unknown resource", srcBuffer, dstImage)
			return
		}
		d.use(uint64(srcBuffer), "buffer")
		d.use(uint64(dstImage), "image")
		d.checkLayout(dstImage, im, dstImageLayout, vk.IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL)
		for _, r := range regions {
			d.copyRows(buf, im, r, true)
		}
	})
}

func (d *Device) CmdCopyImageToBuffer(commandBuffer vk.CommandBuffer, srcImage vk.Image, srcImageLayout vk.ImageLayout, dstBuffer vk.Buffer, regions []vk.BufferImageCopy) {
	regions = append([]vk.BufferImageCopy(nil), regions...)
	d.record(commandBuffer, "copy image to buffer", func(d *Device) {
		buf, bok := d.buffers[dstBuffer]
		im, iok := d.images[srcImage]
		if !bok || !iok {
			d.violate("copy from image %v to buffer %v: unknown resource", srcImage, dstBuffer)
			return
		}
		d.use(uint64(srcImage), "image")
		d.use(uint64(dstBuffer), "buffer")
		d.checkLayout(srcImage, im, srcImageLayout, vk.IMAGE_LAYOUT_TRANSFER_SRC_OPTIMAL)
		for _, r := range regions {
			d.copyRows(buf, im, r, false)
		}
	})
}

func (d *Device) CmdCopyImage(commandBuffer vk.CommandBuffer, srcImage vk.Image, srcImageLayout vk.ImageLayout, dstImage vk.Image, dstImageLayout vk.ImageLayout, regions []vk.ImageCopy) {
	regions = append([]vk.ImageCopy(nil), regions...)
	d.record(commandBuffer, "copy image", func(d *Device) {
		src, sok := d.images[srcImage]
		dst, dok := d.images[dstImage]
		if !sok || !dok {
			d.violate("copy between unknown images %v -> %v", srcImage, dstImage)
			return
		}
		d.use(uint64(srcImage), "image")
		d.use(uint64(dstImage), "image")
		if src.texel != dst.texel {
			d.violate("copy between images of texel size %d and %d", src.texel, dst.texel)
			return
		}
		d.checkLayout(srcImage, src, srcImageLayout, vk.IMAGE_LAYOUT_TRANSFER_SRC_OPTIMAL)
		d.checkLayout(dstImage, dst, dstImageLayout, vk.IMAGE_LAYOUT_TRANSFER_DST_OPTIMAL)
		for _, r := range regions {
			w, h := int(r.Extent.Width), int(r.Extent.Height)
			sx, sy := int(r.SrcOffset.X), int(r.SrcOffset.Y)
			dx, dy := int(r.DstOffset.X), int(r.DstOffset.Y)
			if sx+w > int(src.width) || sy+h > int(src.height) || dx+w > int(dst.width) || dy+h > int(dst.height) {
				d.violate("image copy region out of range: %+v", r)
				continue
			}
			rowBytes := w * src.texel
			for y := 0; y < h; y++ {
				so := ((sy+y)*int(src.width) + sx) * src.texel
				do := ((dy+y)*int(dst.width) + dx) * dst.texel
				copy(dst.data[do:do+rowBytes], src.data[so:so+rowBytes])
			}
		}
	})
}

// checkLayout verifies that the declared layout matches the image and is one
// a transfer may use.
func (d *Device) checkLayout(h vk.Image, im *image, declared, transfer vk.ImageLayout) {
	if declared != transfer && declared != vk.IMAGE_LAYOUT_GENERAL {
		d.violate("image %v used for transfer in layout %v", h, declared)
	}
	if im.layout != declared {
		d.violate("image %v is in layout %v, copy declared %v", h, im.layout, declared)
	}
}

// copyRows moves one region between a buffer and an image. toImage selects
// the direction.
func (d *Device) copyRows(buf []byte, im *image, r vk.BufferImageCopy, toImage bool) {
	w, h := int(r.ImageExtent.Width), int(r.ImageExtent.Height)
	x0, y0 := int(r.ImageOffset.X), int(r.ImageOffset.Y)
	if x0+w > int(im.width) || y0+h > int(im.height) {
		d.violate("buffer-image copy region out of image range: %+v", r)
		return
	}
	rowLen := int(r.BufferRowLength)
	if rowLen == 0 {
		rowLen = w
	}
	rowBytes := w * im.texel
	for y := 0; y < h; y++ {
		bo := int(r.BufferOffset) + y*rowLen*im.texel
		io := ((y0+y)*int(im.width) + x0) * im.texel
		if bo+rowBytes > len(buf) {
			d.violate("buffer-image copy region out of buffer range: %+v", r)
			return
		}
		if toImage {
			copy(im.data[io:io+rowBytes], buf[bo:bo+rowBytes])
		} else {
			copy(buf[bo:bo+rowBytes], im.data[io:io+rowBytes])
		}
	}
}
