package main

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fxnlabs/frame-upscaler/internal/backend"
	"github.com/fxnlabs/frame-upscaler/internal/config"
	"github.com/fxnlabs/frame-upscaler/internal/gpu"
	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"github.com/fxnlabs/frame-upscaler/internal/inference"
	"github.com/fxnlabs/frame-upscaler/internal/logger"
	"github.com/gogpu/gputypes"
	"github.com/urfave/cli/v2"
)

// Inference engines selectable with --engine.
const (
	engineORT       = "onnxruntime"
	engineReference = "reference"
)

var (
	modelFlag = &cli.StringFlag{
		Name:    "model",
		Aliases: []string{"m"},
		Usage:   "Model catalog name or ONNX file (default: model.path)",
	}
	engineFlag = &cli.StringFlag{
		Name:  "engine",
		Value: engineORT,
		Usage: "Inference engine: onnxruntime or reference",
	}
	inputFlag = &cli.StringFlag{
		Name:  "in",
		Usage: "Input frame (png, jpeg, bmp or webp)",
	}
)

func (e *env) computeRuntime() (gpu.ComputeRuntime, error) {
	major, minor, err := e.cfg.ComputeCapability()
	if err != nil {
		return nil, err
	}
	opts := []gpu.HostOption{gpu.WithCapability(major, minor)}
	if e.cfg.Device.PCIBusID != "" {
		opts = append(opts, gpu.WithPCIBusID(e.cfg.Device.PCIBusID))
	}
	m, err := gpu.NewManager(e.log, e.cfg.Runtime.Mode, opts...)
	if err != nil {
		return nil, err
	}
	return m.Runtime(), nil
}

// adapterBusID is the configured PCI bus id, or the bus id of compute
// device 0 when none is configured.
func (e *env) adapterBusID(rt gpu.ComputeRuntime) string {
	if e.cfg.Device.PCIBusID != "" {
		return e.cfg.Device.PCIBusID
	}
	if info, err := rt.DeviceInfo(0); err == nil {
		return info.PCIBusID
	}
	return ""
}

func (e *env) inferenceRuntime(engine string) (inference.Runtime, error) {
	switch engine {
	case engineORT:
		return inference.NewORTRuntime(e.log, e.cfg.Runtime.SharedLibraryPath), nil
	case engineReference:
		elem := inference.Float32
		if e.cfg.Runtime.FP16 {
			elem = inference.Float16
		}
		return inference.NewReferenceRuntime(elem), nil
	default:
		return nil, fmt.Errorf("unknown inference engine %q", engine)
	}
}

func (e *env) backendOptions() backend.Options {
	return backend.Options{
		EngineCacheDir:           e.cfg.Model.CacheDir,
		DisableFP16:              !e.cfg.Runtime.FP16,
		BuilderOptimizationLevel: e.cfg.Runtime.BuilderOptimizationLevel,
		MaxWidth:                 e.cfg.Runtime.MaxWidth,
		MaxHeight:                e.cfg.Runtime.MaxHeight,
		InputName:                e.cfg.Model.InputName,
		OutputName:               e.cfg.Model.OutputName,
		IntraOpThreads:           1,
		LogSink:                  logger.ZapSink(e.log.Named("runtime")),
	}
}

// graphicsDevice opens the device selected by device.graphics. Release the
// device with releaseDevice after the resources.
func (e *env) graphicsDevice(busID string) (*graphics.Resources, graphics.ImageDevice, error) {
	switch e.cfg.Device.Graphics {
	case config.GraphicsWGPU:
		if !graphics.WGPUAvailable {
			return nil, nil, fmt.Errorf("graphics device %q: binary built without the wgpu tag: %w",
				config.GraphicsWGPU, graphics.ErrNoAdapter)
		}
		res, dev, err := graphics.NewWGPUResources(busID)
		if err != nil {
			return nil, nil, fmt.Errorf("graphics device %q: %w", config.GraphicsWGPU, err)
		}
		return res, dev, nil
	default:
		res, dev := graphics.NewSoftResources("soft", busID)
		return res, dev, nil
	}
}

func releaseDevice(dev graphics.ImageDevice) {
	if r, ok := dev.(interface{ Release() }); ok {
		r.Release()
	}
}

// pipeline is a backend initialized on the configured graphics device for
// one input frame.
type pipeline struct {
	res     *graphics.Resources
	dev     graphics.ImageDevice
	store   *graphics.DescriptorCache
	input   graphics.Texture
	output  graphics.Texture
	backend *backend.Backend
}

type pipelineParams struct {
	Engine string
	Model  string
	Frame  image.Image
}

func (e *env) newPipeline(p pipelineParams) (*pipeline, error) {
	compute, err := e.computeRuntime()
	if err != nil {
		return nil, err
	}
	runtime, err := e.inferenceRuntime(p.Engine)
	if err != nil {
		return nil, err
	}
	modelPath, err := e.cfg.ResolveModel(p.Model)
	if err != nil {
		return nil, err
	}

	res, dev, err := e.graphicsDevice(e.adapterBusID(compute))
	if err != nil {
		return nil, err
	}
	pl := &pipeline{res: res, dev: dev, store: graphics.NewDescriptorCache(dev)}
	pl.input, err = dev.CreateTextureFromImage("frame", p.Frame, gputypes.TextureUsageTextureBinding)
	if err != nil {
		pl.release()
		return nil, fmt.Errorf("upload frame: %w", err)
	}

	pl.backend = backend.New(e.log, compute, runtime, e.backendOptions())
	pl.output, err = pl.backend.Initialize(modelPath, res, pl.store, pl.input)
	if err != nil {
		pl.release()
		return nil, err
	}
	return pl, nil
}

func (p *pipeline) release() {
	if p.output != nil {
		p.output.Release()
	}
	p.store.Release()
	if p.input != nil {
		p.input.Release()
	}
	p.res.Release()
	releaseDevice(p.dev)
}

// Close tears the backend down before the textures it reads and writes.
func (p *pipeline) Close() error {
	var err error
	if p.backend != nil {
		err = p.backend.Close()
		p.backend = nil
	}
	p.release()
	return err
}

// testPattern is the frame used when no input is given.
func testPattern(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(255 * x / width),
				G: uint8(255 * y / height),
				B: uint8((x ^ y) & 0xff),
				A: 255,
			})
		}
	}
	return img
}
