package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/bbredesen/go-vk"
	"github.com/bbredesen/vkxfer/config"
	"github.com/bbredesen/vkxfer/gfx"
	"github.com/bbredesen/vkxfer/internal/simgpu"
	"github.com/bbredesen/vkxfer/vkctx"
	"github.com/sirupsen/logrus"
)

var (
	configPath, renderString string
	frameCount               int
)

func init() {
	flag.StringVar(&configPath, "config", "", "TOML configuration file")
	flag.StringVar(&renderString, "char", "", "single character to render, overrides demo.char")
	flag.IntVar(&frameCount, "frames", -1, "frames to submit, overrides demo.frames")
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"filename": configPath,
			"error":    err,
		}).Error("Failed to load configuration")
		os.Exit(1)
	}
	if renderString != "" {
		cfg.Demo.Char = renderString
	}
	if frameCount >= 0 {
		cfg.Demo.Frames = frameCount
	}

	logger, err := cfg.Log.Logrus()
	if err != nil {
		logrus.WithError(err).Error("Invalid log configuration")
		os.Exit(1)
	}
	logrus.SetLevel(logger.Level)
	logrus.SetFormatter(logger.Formatter)
	gfx.SetLogger(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create device")
		os.Exit(1)
	}

	err = app.Initialize()
	if err == nil {
		err = app.Run()
	}
	app.Teardown()
	if err != nil {
		logger.WithError(err).Error("Demo failed")
		os.Exit(1)
	}
}

// frameRecordings are the recordings of the frame in flight and the pools
// they must be returned to.
type frameRecordings struct {
	recs  []vk.CommandBuffer
	pools []*gfx.RecordingPool
}

type App struct {
	cfg config.Config
	log logrus.FieldLogger
	dev *simgpu.Device

	vkctx.Context

	threads    *gfx.ThreadPools
	frameFence *gfx.Fence
	inFlight   frameRecordings

	indexStaging, vertexStaging, maskStaging  vk.Buffer
	vertexBuffer, indexBuffer, readbackBuffer vk.Buffer
	maskImage                                 vk.Image
	maskExtent                                vk.Extent3D

	vertexBytes, indexBytes, maskBytes []byte

	indexCount int
}

// simulatedFamilies describes the queue families of the simulated device: a
// universal family, and with two families a transfer-only one.
func simulatedFamilies(n int) []vk.QueueFamilyProperties {
	props := []vk.QueueFamilyProperties{{
		QueueFlags: vk.QUEUE_GRAPHICS_BIT | vk.QUEUE_COMPUTE_BIT | vk.QUEUE_TRANSFER_BIT,
		QueueCount: 1,
	}}
	if n > 1 {
		props = append(props, vk.QueueFamilyProperties{
			QueueFlags: vk.QUEUE_TRANSFER_BIT,
			QueueCount: 1,
		})
	}
	return props
}

func NewApp(cfg config.Config, log logrus.FieldLogger) (*App, error) {
	app := &App{
		cfg: cfg,
		log: log,
		dev: simgpu.New(simgpu.Config{
			PoolCapacity: cfg.Sim.PoolCapacity,
			Logger:       log,
		}),
	}

	props := simulatedFamilies(cfg.Sim.Families)
	fam, err := vkctx.SelectQueueFamilies(props, func(f uint32) bool {
		return props[f].QueueFlags&vk.QUEUE_GRAPHICS_BIT != 0
	})
	if err != nil {
		return nil, err
	}
	if !cfg.Transfer.UseDedicatedQueue {
		fam.Transfer, fam.HasTransfer = fam.Graphics, false
	}
	app.Families = fam

	if err := app.Context.Initialize(app.dev, gfx.CoordinatorOptions{BacklogWarn: cfg.Transfer.BacklogWarn}); err != nil {
		return nil, err
	}
	app.threads = gfx.NewThreadPools(app.dev, fam.Graphics)

	if app.frameFence, err = gfx.NewFence(app.dev); err != nil {
		app.Context.Teardown(0)
		return nil, err
	}
	return app, nil
}

// Initialize loads the glyph and submits its uploads.
func (app *App) Initialize() error {
	r, _ := utf8.DecodeRuneInString(app.cfg.Demo.Char)

	fontData, err := parseGoRegular()
	if err != nil {
		return fmt.Errorf("parse font: %w", err)
	}
	outline, err := loadGlyph(fontData, r, ppem)
	if err != nil {
		return err
	}
	small, err := loadGlyph(fontData, r, maskPPEM)
	if err != nil {
		return err
	}
	app.log.Infof("glyph loaded; %d segments for rune %q", len(outline.segments), r)

	if err := app.loadBuffers(outline, rasterizeGlyph(small)); err != nil {
		return err
	}
	app.readbackBuffer = app.dev.NewBuffer(len(app.vertexBytes))
	return nil
}

// Run submits the configured number of frames, then checks what the GPU
// produced.
func (app *App) Run() error {
	start := time.Now()
	for frame := 0; frame < app.cfg.Demo.Frames; frame++ {
		if err := app.drawFrame(); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
	}
	if err := app.frameFence.Wait(-1); err != nil {
		return err
	}
	if err := app.Transfer.WaitIdle(time.Duration(app.cfg.Transfer.DrainTimeout)); err != nil {
		return fmt.Errorf("drain transfers: %w", err)
	}

	st := app.Transfer.Stats()
	app.log.WithFields(logrus.Fields{
		"frames":     app.cfg.Demo.Frames,
		"elapsed":    time.Since(start),
		"submitted":  st.Submitted,
		"reclaimed":  st.Reclaimed,
		"stalled":    st.StalledPolls,
		"semaphores": st.Semaphores,
	}).Info("frames complete")

	return app.verify()
}

func (app *App) drawFrame() error {
	if err := app.frameFence.Wait(-1); err != nil {
		return err
	}
	app.releaseFrameRecordings()
	if err := app.frameFence.Reset(); err != nil {
		return err
	}

	fr, err := app.recordFrame()
	if err != nil {
		return err
	}
	app.inFlight = fr

	// No swapchain: acquire and present semaphores are left out.
	return app.Transfer.SubmitFrame(fr.recs, vk.Semaphore(vk.NULL_HANDLE), vk.Semaphore(vk.NULL_HANDLE), app.frameFence)
}

// recordFrame records the frame's graphics work. Each worker copies its share
// of the vertex buffer into the readback buffer, standing in for the draws.
func (app *App) recordFrame() (frameRecordings, error) {
	workers := app.cfg.Demo.Workers
	record := func(ctx context.Context, worker int, rec vk.CommandBuffer) error {
		cbBeginInfo := vk.CommandBufferBeginInfo{
			Flags: vk.COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT,
		}
		if r := app.Driver.BeginCommandBuffer(rec, &cbBeginInfo); r != vk.SUCCESS {
			return fmt.Errorf("begin frame recording: %s", r)
		}
		n := len(app.vertexBytes)
		parts := workers
		if parts < 1 {
			parts = 1
		}
		chunk := (n + parts - 1) / parts
		if off := worker * chunk; off < n {
			size := chunk
			if off+size > n {
				size = n - off
			}
			region := vk.BufferCopy{
				SrcOffset: vk.DeviceSize(off),
				DstOffset: vk.DeviceSize(off),
				Size:      vk.DeviceSize(size),
			}
			app.Driver.CmdCopyBuffer(rec, app.vertexBuffer, app.readbackBuffer, []vk.BufferCopy{region})
		}
		if r := app.Driver.EndCommandBuffer(rec); r != vk.SUCCESS {
			return fmt.Errorf("end frame recording: %s", r)
		}
		return nil
	}

	if workers == 0 {
		q := app.Queues.Graphics()
		rec, err := q.AllocateRecording(vk.COMMAND_BUFFER_LEVEL_PRIMARY)
		if err != nil {
			return frameRecordings{}, err
		}
		if err := record(context.Background(), 0, rec); err != nil {
			q.FreeRecordings(rec)
			return frameRecordings{}, err
		}
		return frameRecordings{recs: []vk.CommandBuffer{rec}, pools: []*gfx.RecordingPool{q.Pool()}}, nil
	}

	recs, pools, err := gfx.RecordParallel(context.Background(), app.threads, workers, vk.COMMAND_BUFFER_LEVEL_PRIMARY, record)
	if err != nil {
		return frameRecordings{}, err
	}
	return frameRecordings{recs: recs, pools: pools}, nil
}

// releaseFrameRecordings frees the previous frame's recordings. The frame
// fence must have completed.
func (app *App) releaseFrameRecordings() {
	for i, rec := range app.inFlight.recs {
		app.inFlight.pools[i].Free(rec)
	}
	app.inFlight = frameRecordings{}
}

var errMismatch = errors.New("device contents do not match the upload")

func (app *App) verify() error {
	checks := []struct {
		name      string
		got, want []byte
	}{
		{"index buffer", app.dev.ReadBuffer(app.indexBuffer), app.indexBytes},
		{"vertex buffer", app.dev.ReadBuffer(app.vertexBuffer), app.vertexBytes},
		{"glyph mask", app.dev.ReadImage(app.maskImage), app.maskBytes},
	}
	if app.cfg.Demo.Frames > 0 {
		checks = append(checks, struct {
			name      string
			got, want []byte
		}{"readback", app.dev.ReadBuffer(app.readbackBuffer), app.vertexBytes})
	}
	for _, c := range checks {
		if !bytes.Equal(c.got, c.want) {
			return fmt.Errorf("%s: %w", c.name, errMismatch)
		}
	}
	if l := app.dev.ImageLayout(app.maskImage); l != vk.IMAGE_LAYOUT_SHADER_READ_ONLY_OPTIMAL {
		return fmt.Errorf("glyph mask left in layout %v", l)
	}
	if v := app.dev.Violations(); len(v) > 0 {
		return fmt.Errorf("%d GPU protocol violations, first: %s", len(v), v[0])
	}
	return nil
}

func (app *App) Teardown() {
	if err := app.frameFence.Wait(time.Duration(app.cfg.Transfer.DrainTimeout)); err != nil {
		app.log.WithError(err).Warn("frame did not complete before teardown")
	}
	app.releaseFrameRecordings()
	app.frameFence.Destroy()
	app.threads.Destroy()

	app.Context.Teardown(time.Duration(app.cfg.Transfer.DrainTimeout))
	app.destroyBuffers()
}
