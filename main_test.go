package main

import (
	"runtime"
	"testing"

	"github.com/bbredesen/vkm"
	"github.com/bbredesen/vkxfer/config"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
)

func pt(x, y int) fixed.Point26_6 {
	return fixed.P(x, y)
}

func TestConvertSegmentsToVerts(t *testing.T) {
	segments := sfnt.Segments{
		{Op: sfnt.SegmentOpMoveTo, Args: [3]fixed.Point26_6{pt(0, 0)}},
		{Op: sfnt.SegmentOpLineTo, Args: [3]fixed.Point26_6{pt(2, 0)}},
		{Op: sfnt.SegmentOpQuadTo, Args: [3]fixed.Point26_6{pt(4, 2), pt(2, 4)}},
	}
	bounds := fixed.Rectangle26_6{Min: pt(0, 0), Max: pt(4, 4)}

	verts, inds, quadVerts, quadInds := convertSegmentsToVerts(segments, bounds)

	require.Len(t, verts, 3)
	assert.Equal(t, []uint16{0xFFFF, 0, 1, 2}, inds)
	assert.Equal(t, vkm.Pt2{2, 4}, verts[2].position)

	require.Len(t, quadVerts, 7, "one curve triangle plus the bounding quad")
	assert.Equal(t, []uint16{0, 1, 2, 3, 4, 5, 6}, quadInds)
	assert.Equal(t, vkm.Pt3{1, 0, 0}, quadVerts[0].baryCoords)
	assert.Equal(t, vkm.Pt2{4, 2}, quadVerts[1].position)
	assert.Equal(t, vkm.Pt3{0, 1, 0}, quadVerts[1].baryCoords)
	assert.Equal(t, vkm.Pt3{0, 0, 1}, quadVerts[2].baryCoords)
	assert.Equal(t, vkm.Pt2{4, 4}, quadVerts[5].position)
}

func TestInt26_6ToFloat32(t *testing.T) {
	assert.Equal(t, float32(3), int26_6_to_float32(fixed.I(3)))
	assert.Equal(t, float32(1.5), int26_6_to_float32(fixed.I(3)/2))
	assert.Equal(t, float32(-0.25), int26_6_to_float32(-16))
}

func TestRasterizeGlyph(t *testing.T) {
	f, err := parseGoRegular()
	require.NoError(t, err)
	g, err := loadGlyph(f, 'R', maskPPEM)
	require.NoError(t, err)
	require.NotEmpty(t, g.segments)

	mask := rasterizeGlyph(g)
	size := mask.Bounds().Size()
	assert.Greater(t, size.X, 0)
	assert.Greater(t, size.Y, 0)

	covered := 0
	for _, a := range mask.Pix {
		if a > 0 {
			covered++
		}
	}
	assert.Greater(t, covered, 0)
	assert.Less(t, covered, len(mask.Pix), "a glyph does not fill its whole box")
}

func TestLoadGlyphMissingRune(t *testing.T) {
	f, err := parseGoRegular()
	require.NoError(t, err)
	_, err = loadGlyph(f, '\U0001F600', ppem)
	assert.Error(t, err)
}

func TestDemo(t *testing.T) {
	tests := []struct {
		name     string
		families int
		workers  int
		frames   int
	}{
		{"dedicated transfer queue", 2, 0, 4},
		{"shared queue family", 1, 0, 4},
		{"parallel recording", 2, 3, 5},
		{"no frames", 2, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.workers > 0 && runtime.GOOS != "linux" && runtime.GOOS != "windows" {
				t.Skip("parallel recording needs OS thread ids")
			}
			cfg := config.Default()
			cfg.Sim.Families = tt.families
			cfg.Demo.Workers = tt.workers
			cfg.Demo.Frames = tt.frames

			logger, _ := test.NewNullLogger()
			app, err := NewApp(cfg, logger)
			require.NoError(t, err)

			require.NoError(t, app.Initialize())
			require.NoError(t, app.Run())

			st := app.Transfer.Stats()
			assert.Equal(t, uint64(3), st.Submitted)
			assert.Equal(t, uint64(3), st.Reclaimed)
			assert.Equal(t, tt.families == 2, app.Families.HasTransfer)

			app.Teardown()
			c := app.dev.Counts()
			assert.Zero(t, c.CommandBuffers)
			assert.Zero(t, c.Fences)
			assert.Zero(t, c.Semaphores)
			assert.Zero(t, c.Pools)
			assert.Empty(t, app.dev.Violations())
		})
	}
}
