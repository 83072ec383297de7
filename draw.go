package main

import (
	"fmt"
	"image"
	"math"
	"unsafe"

	"github.com/bbredesen/go-vk"
	"github.com/bbredesen/vkm"
	"github.com/bbredesen/vkxfer/gfx"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

const (
	ppem     = 640
	maskPPEM = 48
)

// glyph is the outline of one rune, at ppem.
type glyph struct {
	segments sfnt.Segments
	bounds   fixed.Rectangle26_6
}

func loadGlyph(f *sfnt.Font, r rune, size int) (glyph, error) {
	var b sfnt.Buffer
	idx, err := f.GlyphIndex(&b, r)
	if err != nil {
		return glyph{}, err
	}
	if idx == 0 {
		return glyph{}, fmt.Errorf("font has no glyph for %q", r)
	}

	segments, err := f.LoadGlyph(&b, idx, fixed.I(size), nil)
	if err != nil {
		return glyph{}, err
	}
	bounds, _, err := f.GlyphBounds(&b, idx, fixed.I(size), font.HintingFull)
	if err != nil {
		return glyph{}, err
	}
	// LoadGlyph reuses b, so the segments must be copied before the next call.
	return glyph{segments: append(sfnt.Segments(nil), segments...), bounds: bounds}, nil
}

func parseGoRegular() (*sfnt.Font, error) {
	return sfnt.Parse(goregular.TTF)
}

func int26_6_to_float32(x fixed.Int26_6) float32 {
	return float32(x) / 64
}

type vertexFormat struct {
	position   vkm.Pt2
	baryCoords vkm.Pt3
}

func convertSegmentsToVerts(segments sfnt.Segments, bounds fixed.Rectangle26_6) (verts []vertexFormat, inds []uint16, quadVerts []vertexFormat, quadInds []uint16) {
	barySign := 0

	getBaryCoord := func() vkm.Pt3 {
		switch barySign {
		case -1:
			barySign *= -1
			return vkm.Pt3{0, 0, 1}
		case 0:
			barySign = 1
			return vkm.Pt3{0, 1, 0}
		case 1:
			barySign *= -1
			return vkm.Pt3{1, 0, 0}
		}
		panic("unexpected barySign ")
	}

	pt2FromFixed := func(fp fixed.Point26_6) vkm.Pt2 {
		return vkm.Pt2{int26_6_to_float32(fp.X), int26_6_to_float32(fp.Y)}
	}
	pushRestart := func() {
		inds = append(inds, 0xFFFF)
		barySign = 0
	}

	pushVertex := func(fp fixed.Point26_6) {
		nextIdx := uint16(len(verts))

		pt := pt2FromFixed(fp)
		verts = append(verts, vertexFormat{pt, getBaryCoord()})
		inds = append(inds, nextIdx)
	}

	// MoveTo restarts the primitive at arg[0]. QuadTo curves to arg[1] with
	// arg[0] as the control point. Cubic curves do not occur in TrueType
	// outlines and are ignored.
	for _, segment := range segments {
		switch segment.Op {
		case sfnt.SegmentOpMoveTo:
			pushRestart()
			pushVertex(segment.Args[0])

		case sfnt.SegmentOpLineTo:
			pushVertex(segment.Args[0])

		case sfnt.SegmentOpQuadTo:
			pushVertex(segment.Args[1])

			vlen := len(verts)
			v0, v1 := verts[vlen-2], verts[vlen-1]
			v0.baryCoords = vkm.Pt3{1, 0, 0}
			v1.baryCoords = vkm.Pt3{0, 0, 1}

			qvIdxStart := uint16(len(quadVerts))

			quadVerts = append(quadVerts, v0,
				vertexFormat{
					position:   pt2FromFixed(segment.Args[0]),
					baryCoords: vkm.Pt3{0, 1, 0},
				},
				v1,
			)
			quadInds = append(quadInds, qvIdxStart, qvIdxStart+1, qvIdxStart+2)
		}
	}

	sidx := uint16(len(quadVerts))

	minX, maxX := int26_6_to_float32(bounds.Min.X), int26_6_to_float32(bounds.Max.X)
	minY, maxY := int26_6_to_float32(bounds.Min.Y), int26_6_to_float32(bounds.Max.Y)

	logrus.WithFields(logrus.Fields{
		"minX": minX,
		"minY": minY,
		"maxX": maxX,
		"maxY": maxY,
	}).Debug("glyph bounds")

	// Bounding quad for the color pass.
	quadVerts = append(quadVerts,
		vertexFormat{vkm.Pt2{minX, minY}, vkm.Origin3()},
		vertexFormat{vkm.Pt2{minX, maxY}, vkm.Origin3()},
		vertexFormat{vkm.Pt2{maxX, maxY}, vkm.Origin3()},
		vertexFormat{vkm.Pt2{maxX, minY}, vkm.Origin3()},
	)
	quadInds = append(quadInds, sidx, sidx+1, sidx+2, sidx+3)

	return
}

// rasterizeGlyph renders g into an alpha coverage mask sized to its bounds.
func rasterizeGlyph(g glyph) *image.Alpha {
	minX, minY := int26_6_to_float32(g.bounds.Min.X), int26_6_to_float32(g.bounds.Min.Y)
	w := int(math.Ceil(float64(int26_6_to_float32(g.bounds.Max.X) - minX)))
	h := int(math.Ceil(float64(int26_6_to_float32(g.bounds.Max.Y) - minY)))
	if w <= 0 || h <= 0 {
		return image.NewAlpha(image.Rect(0, 0, 1, 1))
	}

	pt := func(p fixed.Point26_6) (float32, float32) {
		return int26_6_to_float32(p.X) - minX, int26_6_to_float32(p.Y) - minY
	}

	r := vector.NewRasterizer(w, h)
	for _, s := range g.segments {
		switch s.Op {
		case sfnt.SegmentOpMoveTo:
			r.ClosePath()
			r.MoveTo(pt(s.Args[0]))
		case sfnt.SegmentOpLineTo:
			r.LineTo(pt(s.Args[0]))
		case sfnt.SegmentOpQuadTo:
			cx, cy := pt(s.Args[0])
			x, y := pt(s.Args[1])
			r.QuadTo(cx, cy, x, y)
		case sfnt.SegmentOpCubeTo:
			c0x, c0y := pt(s.Args[0])
			c1x, c1y := pt(s.Args[1])
			x, y := pt(s.Args[2])
			r.CubeTo(c0x, c0y, c1x, c1y, x, y)
		}
	}
	r.ClosePath()

	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	r.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}

func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// loadBuffers stages the glyph geometry and coverage mask and uploads them
// through the transfer queue. The uploads complete asynchronously; the first
// frame's graphics submission waits for them.
func (app *App) loadBuffers(g glyph, mask *image.Alpha) error {
	verts, inds, quadVerts, quadInds := convertSegmentsToVerts(g.segments, g.bounds)
	verts = append(verts, quadVerts...)
	inds = append(inds, quadInds...)

	app.indexCount = len(inds)
	app.vertexBytes = append([]byte(nil), sliceBytes(verts)...)
	app.indexBytes = append([]byte(nil), sliceBytes(inds)...)
	app.maskBytes = append([]byte(nil), mask.Pix...)

	app.indexStaging = app.createBuffer(app.indexBytes)
	app.vertexStaging = app.createBuffer(app.vertexBytes)
	app.maskStaging = app.createBuffer(app.maskBytes)

	app.indexBuffer = app.dev.NewBuffer(len(app.indexBytes))
	app.vertexBuffer = app.dev.NewBuffer(len(app.vertexBytes))
	size := mask.Bounds().Size()
	app.maskExtent = vk.Extent3D{Width: uint32(size.X), Height: uint32(size.Y), Depth: 1}
	app.maskImage = app.dev.NewImage(app.maskExtent.Width, app.maskExtent.Height, 1)

	up := app.uploader()
	if err := up.UploadBuffer(app.indexStaging, app.indexBuffer, vk.DeviceSize(len(app.indexBytes))); err != nil {
		return fmt.Errorf("upload indices: %w", err)
	}
	if err := up.UploadBuffer(app.vertexStaging, app.vertexBuffer, vk.DeviceSize(len(app.vertexBytes))); err != nil {
		return fmt.Errorf("upload vertices: %w", err)
	}
	if err := up.UploadImage(app.maskStaging, app.maskImage, app.maskExtent, vk.IMAGE_LAYOUT_SHADER_READ_ONLY_OPTIMAL); err != nil {
		return fmt.Errorf("upload glyph mask: %w", err)
	}

	app.log.WithFields(logrus.Fields{
		"vertices": len(verts),
		"indices":  app.indexCount,
		"mask":     fmt.Sprintf("%dx%d", size.X, size.Y),
	}).Info("glyph upload submitted")
	return nil
}

func (app *App) uploader() *gfx.Uploader {
	return &gfx.Uploader{
		Coordinator: app.Transfer,
		Dest:        gfx.DestTransfer,
		Sync:        true,
	}
}

// createBuffer returns a host-visible staging buffer holding data.
func (app *App) createBuffer(data []byte) vk.Buffer {
	buf := app.dev.NewBuffer(len(data))
	app.dev.WriteBuffer(buf, 0, data)
	return buf
}

func (app *App) destroyBuffers() {
	for _, b := range []vk.Buffer{
		app.indexStaging, app.vertexStaging, app.maskStaging,
		app.indexBuffer, app.vertexBuffer, app.readbackBuffer,
	} {
		app.dev.DestroyBuffer(b)
	}
	app.dev.DestroyImage(app.maskImage)
}
