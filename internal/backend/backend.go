// Package backend runs neural super-resolution on live frames. A Backend
// binds one compute device and one inference session at Initialize, shares
// an input and an output buffer between the graphics pipeline and the
// inference runtime, and upscales the input texture into a 2x output texture
// on every Evaluate.
//
// A Backend is not reentrant. Initialize, Evaluate and Close must be called
// from the goroutine that owns the graphics context.
package backend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/frame-upscaler/internal/convert"
	"github.com/fxnlabs/frame-upscaler/internal/gpu"
	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"github.com/fxnlabs/frame-upscaler/internal/inference"
	"github.com/fxnlabs/frame-upscaler/internal/interop"
	"github.com/fxnlabs/frame-upscaler/internal/logger"
	"github.com/fxnlabs/frame-upscaler/internal/metrics"
	"github.com/gogpu/gputypes"
	"go.uber.org/zap"
)

// Size is a frame size in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Options configure the inference session built by Initialize.
type Options struct {
	// EngineCacheDir holds built TensorRT engines. The cache is always on;
	// empty means inference.DefaultEngineCacheDir.
	EngineCacheDir           string
	// DisableFP16 builds the engine in full precision.
	DisableFP16              bool
	BuilderOptimizationLevel int
	// MaxWidth and MaxHeight bound the engine profile; larger frames are
	// rejected by Initialize.
	MaxWidth       int
	MaxHeight      int
	InputName      string
	OutputName     string
	IntraOpThreads int
	LogSink        logger.Sink
}

// DefaultOptions returns the options for 1080p input with half precision.
func DefaultOptions() Options {
	return Options{
		EngineCacheDir:           inference.DefaultEngineCacheDir,
		BuilderOptimizationLevel: inference.DefaultBuilderOptimizationLevel,
		MaxWidth:                 inference.DefaultMaxWidth,
		MaxHeight:                inference.DefaultMaxHeight,
		InputName:                inference.DefaultInputName,
		OutputName:               inference.DefaultOutputName,
		IntraOpThreads:           1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.EngineCacheDir == "" {
		o.EngineCacheDir = d.EngineCacheDir
	}
	if o.BuilderOptimizationLevel == 0 {
		o.BuilderOptimizationLevel = d.BuilderOptimizationLevel
	}
	if o.MaxWidth == 0 {
		o.MaxWidth = d.MaxWidth
	}
	if o.MaxHeight == 0 {
		o.MaxHeight = d.MaxHeight
	}
	if o.InputName == "" {
		o.InputName = d.InputName
	}
	if o.OutputName == "" {
		o.OutputName = d.OutputName
	}
	if o.IntraOpThreads == 0 {
		o.IntraOpThreads = d.IntraOpThreads
	}
	return o
}

// Backend is a frame upscaler bound to one device and one model.
type Backend struct {
	logger  *zap.Logger
	compute gpu.ComputeRuntime
	runtime inference.Runtime
	opts    Options

	mu          sync.Mutex
	initialized bool
	closed      bool
	releases    teardown

	device  gpu.DeviceInfo
	session inference.Session
	elem    inference.ElementType
	inSize  Size
	outSize Size

	ctx       graphics.Context
	inputSRV  graphics.ShaderResourceView
	sampler   graphics.Sampler
	output    graphics.Texture
	outputUAV graphics.UnorderedAccessView

	inBuf    graphics.Buffer
	outBuf   graphics.Buffer
	inUAV    graphics.UnorderedAccessView
	outSRV   graphics.ShaderResourceView
	inBytes  int
	outBytes int

	inShader  graphics.ComputeShader
	outShader graphics.ComputeShader
	inGrid    [2]uint32
	outGrid   [2]uint32

	shared *interop.SharedBuffers
}

// New returns an uninitialized backend that resolves its device through
// compute and creates its session with runtime.
func New(log *zap.Logger, compute gpu.ComputeRuntime, runtime inference.Runtime, opts Options) *Backend {
	return &Backend{
		logger:  log.Named("backend"),
		compute: compute,
		runtime: runtime,
		opts:    opts.withDefaults(),
	}
}

// Initialize builds the session and every GPU resource for frames the size
// of input, and returns the 2x output texture. The output texture belongs to
// the caller and outlives Close.
//
// On failure every resource created so far is released, interop
// registrations first, and the error wraps one of the session-fatal
// sentinels of this package.
func (b *Backend) Initialize(modelPath string, res graphics.DeviceResources, store graphics.DescriptorStore, input graphics.Texture) (graphics.Texture, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed:
		return nil, ErrClosed
	case b.initialized:
		return nil, ErrAlreadyInitialized
	}

	out, err := b.initialize(modelPath, res, store, input)
	if err != nil {
		if rerr := b.releases.run(); rerr != nil {
			b.logger.Error("failed to release partially initialized backend", zap.Error(rerr))
		}
		b.reset()
		metrics.InitFailures.WithLabelValues(initFailureKind(err)).Inc()
		return nil, err
	}
	b.initialized = true

	metrics.SharedBufferBytes.WithLabelValues("input").Set(float64(b.inBytes))
	metrics.SharedBufferBytes.WithLabelValues("output").Set(float64(b.outBytes))
	b.logger.Info("backend initialized",
		zap.String("model", modelPath),
		zap.String("runtime", b.runtime.Name()),
		zap.String("elementType", b.elem.String()),
		zap.Stringer("input", b.inSize),
		zap.Stringer("output", b.outSize),
		zap.Int("inputBytes", b.inBytes),
		zap.Int("outputBytes", b.outBytes))
	return out, nil
}

func (b *Backend) initialize(modelPath string, res graphics.DeviceResources, store graphics.DescriptorStore, input graphics.Texture) (graphics.Texture, error) {
	info, err := gpu.CheckCapability(b.logger, b.compute, res.Adapter())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceIncapable, err)
	}
	if err := b.compute.SetDevice(info.ID); err != nil {
		return nil, fmt.Errorf("%w: bind device %d: %w", ErrDeviceIncapable, info.ID, err)
	}
	b.device = info
	metrics.ComputeCapability.Set(float64(info.Major) + float64(info.Minor)/10)

	desc := input.Desc()
	b.inSize = Size{Width: int(desc.Width), Height: int(desc.Height)}
	b.outSize = Size{Width: 2 * b.inSize.Width, Height: 2 * b.inSize.Height}
	profile := inference.DefaultProfile(b.opts.MaxWidth, b.opts.MaxHeight)
	if !profile.Contains(b.inSize.Height, b.inSize.Width) {
		return nil, fmt.Errorf("%w: %s exceeds %dx%d", ErrFrameSizeOutOfRange, b.inSize, b.opts.MaxWidth, b.opts.MaxHeight)
	}

	if err := b.createSession(modelPath, info.ID, profile); err != nil {
		return nil, err
	}
	viewFormat, err := b.elem.ViewFormat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedElementType, b.elem, err)
	}

	b.ctx = res.Context()
	dev := res.Device()
	if err := b.createOutput(dev); err != nil {
		return nil, err
	}
	if b.inputSRV, err = store.ShaderResourceView(input); err != nil {
		return nil, b.resourceError("input view", err)
	}
	if b.sampler, err = res.Sampler(gputypes.FilterModeNearest, gputypes.AddressModeClampToEdge); err != nil {
		return nil, b.resourceError("point sampler", err)
	}
	if err := b.createBuffers(dev, viewFormat); err != nil {
		return nil, err
	}
	if err := b.createKernels(dev); err != nil {
		return nil, err
	}

	shared, err := interop.Register(b.logger, b.compute, b.inBuf, b.outBuf)
	if err != nil {
		b.logger.Error("failed to register interop buffers", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrInteropRegister, err)
	}
	b.shared = shared
	b.releases.push("interop", shared.Close)

	return b.output, nil
}

func (b *Backend) createSession(modelPath string, device gpu.DeviceID, profile inference.ProfileShapes) error {
	cfg := inference.DefaultSessionConfig(modelPath, int(device))
	cfg.InputName = b.opts.InputName
	cfg.OutputName = b.opts.OutputName
	cfg.IntraOpThreads = b.opts.IntraOpThreads
	cfg.LogSink = b.opts.LogSink
	cfg.Providers.FP16 = !b.opts.DisableFP16
	cfg.Providers.EngineCacheDir = b.opts.EngineCacheDir
	cfg.Providers.BuilderOptimizationLevel = b.opts.BuilderOptimizationLevel
	cfg.Providers.InputName = b.opts.InputName
	cfg.Providers.Profile = profile

	session, err := b.runtime.NewSession(cfg)
	if err != nil {
		b.logger.Error("failed to create inference session",
			zap.String("model", modelPath),
			zap.String("runtime", b.runtime.Name()),
			zap.Error(err))
		if errors.Is(err, inference.ErrUnsupportedElementType) {
			return fmt.Errorf("%w: %w", ErrUnsupportedElementType, err)
		}
		return fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}
	b.session = session
	b.releases.push("session", session.Close)
	b.elem = session.InputType()
	return nil
}

func (b *Backend) createOutput(dev graphics.Device) error {
	tex, err := dev.CreateTexture2D(graphics.TextureDesc{
		Label:  "upscaler-output",
		Width:  uint32(b.outSize.Width),
		Height: uint32(b.outSize.Height),
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageStorageBinding,
	})
	if err != nil {
		return b.resourceError("output texture", err)
	}
	b.output = tex
	// Handed to the caller on success, so only a failed Initialize frees it.
	b.releases.push("output texture", func() error {
		if !b.initialized {
			tex.Release()
		}
		return nil
	})

	uav, err := dev.CreateTextureUAV(tex)
	if err != nil {
		return b.resourceError("output texture view", err)
	}
	b.outputUAV = uav
	b.releases.pushRelease("output texture view", uav)
	return nil
}

// tensorPixels is the pixel count the shared buffers are sized for. Half
// elements pack in pairs, so the count is rounded up to even.
func tensorPixels(size Size, elem inference.ElementType) int {
	pixels := size.Width * size.Height
	if elem == inference.Float16 && pixels%2 != 0 {
		pixels++
	}
	return pixels
}

func (b *Backend) createBuffers(dev graphics.Device, format gputypes.TextureFormat) error {
	pixels := tensorPixels(b.inSize, b.elem)
	b.inBytes = pixels * 3 * b.elem.Size()
	b.outBytes = 4 * b.inBytes

	var err error
	if b.inBuf, err = dev.CreateBuffer(graphics.BufferDesc{
		Label: "upscaler-input-tensor",
		Size:  uint64(b.inBytes),
		Usage: gputypes.BufferUsageStorage,
	}); err != nil {
		return b.resourceError("input buffer", err)
	}
	b.pushBuffer("input buffer", b.inBuf)

	if b.outBuf, err = dev.CreateBuffer(graphics.BufferDesc{
		Label: "upscaler-output-tensor",
		Size:  uint64(b.outBytes),
		Usage: gputypes.BufferUsageStorage,
	}); err != nil {
		return b.resourceError("output buffer", err)
	}
	b.pushBuffer("output buffer", b.outBuf)

	if b.inUAV, err = dev.CreateBufferUAV(b.inBuf, graphics.BufferViewDesc{
		Format:      format,
		NumElements: uint32(pixels * 3),
	}); err != nil {
		return b.resourceError("input buffer view", err)
	}
	b.releases.pushRelease("input buffer view", b.inUAV)

	if b.outSRV, err = dev.CreateBufferSRV(b.outBuf, graphics.BufferViewDesc{
		Format:      format,
		NumElements: uint32(pixels * 12),
	}); err != nil {
		return b.resourceError("output buffer view", err)
	}
	b.releases.pushRelease("output buffer view", b.outSRV)
	return nil
}

// pushBuffer defers the release of buf until the interop registrations are
// gone. Freeing a buffer the compute runtime still holds would leave it
// pinned or mapped.
func (b *Backend) pushBuffer(name string, buf graphics.Buffer) {
	b.releases.push(name, func() error {
		if b.shared != nil && b.shared.Registered() {
			return ErrStillRegistered
		}
		buf.Release()
		return nil
	})
}

func (b *Backend) createKernels(dev graphics.Device) error {
	in, err := convert.TextureToTensor(b.elem)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKernelCreate, err)
	}
	if b.inShader, err = dev.CreateComputeShader(in); err != nil {
		b.logger.Error("failed to create compute shader", zap.String("kernel", in.Label), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrKernelCreate, in.Label, err)
	}
	b.releases.pushRelease(in.Label, b.inShader)

	out, err := convert.TensorToTexture(b.elem)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKernelCreate, err)
	}
	if b.outShader, err = dev.CreateComputeShader(out); err != nil {
		b.logger.Error("failed to create compute shader", zap.String("kernel", out.Label), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrKernelCreate, out.Label, err)
	}
	b.releases.pushRelease(out.Label, b.outShader)

	b.inGrid[0], b.inGrid[1] = convert.DispatchSize(uint32(b.inSize.Width), uint32(b.inSize.Height), convert.InBlock)
	b.outGrid[0], b.outGrid[1] = convert.DispatchSize(uint32(b.outSize.Width), uint32(b.outSize.Height), convert.OutBlock)
	return nil
}

func (b *Backend) resourceError(what string, err error) error {
	b.logger.Error("failed to create GPU resource", zap.String("resource", what), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrResourceCreate, what, err)
}

// Evaluate upscales the current content of the input texture into the
// output texture. A *FrameError leaves the previous output in place and the
// backend usable for the next frame.
func (b *Backend) Evaluate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed:
		return ErrClosed
	case !b.initialized:
		return ErrNotInitialized
	}

	start := time.Now()
	if err := b.evaluate(); err != nil {
		var fe *FrameError
		if errors.As(err, &fe) {
			metrics.FrameFailures.WithLabelValues(string(fe.Stage)).Inc()
		}
		b.logger.Warn("frame abandoned", zap.Error(err))
		return err
	}
	metrics.FramesEvaluated.Inc()
	metrics.FrameDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	return nil
}

func (b *Backend) evaluate() error {
	if err := b.frame(); err != nil {
		if uerr := b.unbind(); uerr != nil {
			b.logger.Error("failed to unbind abandoned frame", zap.Error(uerr))
		}
		return err
	}
	if err := b.unbind(); err != nil {
		return &FrameError{Stage: StageUnbind, Err: err}
	}
	return nil
}

func (b *Backend) frame() error {
	// A failed Unmap on the previous frame leaves the buffers with the
	// compute runtime.
	if b.shared.State() == interop.StateCompute {
		if err := b.shared.Unmap(); err != nil {
			return &FrameError{Stage: StageUnmap, Err: err}
		}
	}

	if err := b.convertIn(); err != nil {
		return &FrameError{Stage: StageConvertIn, Err: err}
	}

	mapping, err := b.shared.Map()
	if err != nil {
		return &FrameError{Stage: StageMap, Err: err}
	}
	if err := b.run(mapping); err != nil {
		if uerr := b.shared.Unmap(); uerr != nil {
			b.logger.Error("failed to unmap after inference failure", zap.Error(uerr))
		}
		return &FrameError{Stage: StageRun, Err: err}
	}
	if err := b.shared.Unmap(); err != nil {
		return &FrameError{Stage: StageUnmap, Err: err}
	}

	if err := b.convertOut(); err != nil {
		return &FrameError{Stage: StageConvertOut, Err: err}
	}
	return nil
}

func (b *Backend) convertIn() error {
	if err := b.ctx.SetShaderResource(0, b.inputSRV); err != nil {
		return err
	}
	if err := b.ctx.SetSampler(0, b.sampler); err != nil {
		return err
	}
	if err := b.ctx.SetUnorderedAccess(0, b.inUAV); err != nil {
		return err
	}
	b.ctx.SetShader(b.inShader)
	return b.ctx.Dispatch(b.inGrid[0], b.inGrid[1], 1)
}

func (b *Backend) run(m interop.Mapping) error {
	in := inference.Tensor{
		Name:  b.opts.InputName,
		Shape: inference.NCHW(3, b.inSize.Height, b.inSize.Width),
		Type:  b.elem,
		Data:  m.Input.Bytes,
	}
	out := inference.Tensor{
		Name:  b.opts.OutputName,
		Shape: inference.NCHW(3, b.outSize.Height, b.outSize.Width),
		Type:  b.elem,
		Data:  m.Output.Bytes,
	}

	start := time.Now()
	err := b.session.Run([]inference.Tensor{in}, []inference.Tensor{out})
	if err == nil {
		// Outputs are only complete once the device has drained its queue.
		if err = b.compute.Synchronize(); err != nil {
			err = fmt.Errorf("synchronize: %w", err)
		}
	}
	metrics.InferenceDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		b.logger.Error("inference run failed", zap.Error(err))
	}
	return err
}

func (b *Backend) convertOut() error {
	if err := b.ctx.SetShaderResource(0, b.outSRV); err != nil {
		return err
	}
	if err := b.ctx.SetUnorderedAccess(0, b.outputUAV); err != nil {
		return err
	}
	b.ctx.SetShader(b.outShader)
	return b.ctx.Dispatch(b.outGrid[0], b.outGrid[1], 1)
}

func (b *Backend) unbind() error {
	return errors.Join(
		b.ctx.SetShaderResource(0, nil),
		b.ctx.SetUnorderedAccess(0, nil),
	)
}

// Close unregisters the interop buffers, releases every resource the backend
// created and closes the session. It does not release the output texture.
//
// If the compute runtime cannot give the buffers back, Close releases what it
// can, keeps the buffers and returns an error; a later Close retries. Once
// Close has returned nil it is a no-op.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed && len(b.releases) == 0 {
		return nil
	}
	b.closed = true
	if !b.initialized {
		return nil
	}
	if err := b.releases.run(); err != nil {
		b.logger.Error("backend teardown incomplete",
			zap.Int("pending", len(b.releases)),
			zap.Error(err))
		return err
	}
	b.logger.Info("backend closed")
	metrics.SharedBufferBytes.DeleteLabelValues("input")
	metrics.SharedBufferBytes.DeleteLabelValues("output")
	return nil
}

// reset drops the handles of a failed Initialize so it can be retried.
func (b *Backend) reset() {
	b.releases = nil
	b.device = gpu.DeviceInfo{}
	b.session = nil
	b.elem = inference.ElementUnknown
	b.inSize, b.outSize = Size{}, Size{}
	b.ctx, b.inputSRV, b.sampler = nil, nil, nil
	b.output, b.outputUAV = nil, nil
	b.inBuf, b.outBuf, b.inUAV, b.outSRV = nil, nil, nil, nil
	b.inBytes, b.outBytes = 0, 0
	b.inShader, b.outShader = nil, nil
	b.inGrid, b.outGrid = [2]uint32{}, [2]uint32{}
	b.shared = nil
}

func (b *Backend) InputSize() Size  { return b.inSize }
func (b *Backend) OutputSize() Size { return b.outSize }

// ElementType is the element format of the model input.
func (b *Backend) ElementType() inference.ElementType { return b.elem }

func (b *Backend) InputBufferBytes() int  { return b.inBytes }
func (b *Backend) OutputBufferBytes() int { return b.outBytes }

// Device is the compute device accepted at Initialize.
func (b *Backend) Device() gpu.DeviceInfo { return b.device }

// State reports the owner of the shared buffers.
func (b *Backend) State() interop.State {
	if b.shared == nil {
		return interop.StateClosed
	}
	return b.shared.State()
}
