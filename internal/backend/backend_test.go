package backend

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/frame-upscaler/internal/gpu"
	"github.com/fxnlabs/frame-upscaler/internal/gpu/gputest"
	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"github.com/fxnlabs/frame-upscaler/internal/inference"
	"github.com/fxnlabs/frame-upscaler/internal/interop"
	"github.com/fxnlabs/frame-upscaler/internal/logger"
	"github.com/fxnlabs/frame-upscaler/internal/metrics"
	"github.com/gogpu/gputypes"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const busID = "0000:01:00.0"

type fixture struct {
	res   *graphics.Resources
	dev   *graphics.SoftDevice
	store *graphics.DescriptorCache
	host  *gpu.HostRuntime
	rt    *gputest.Runtime
	model string
}

func newFixture(t *testing.T, opts ...gpu.HostOption) *fixture {
	t.Helper()
	res, dev := graphics.NewSoftResources("soft", busID)
	host := gpu.NewHostRuntime(zap.NewNop(), opts...)
	f := &fixture{
		res:   res,
		dev:   dev,
		store: graphics.NewDescriptorCache(dev),
		host:  host,
		rt:    gputest.New(host),
		model: filepath.Join(t.TempDir(), "model.onnx"),
	}
	require.NoError(t, os.WriteFile(f.model, []byte("onnx"), 0o644))
	t.Cleanup(func() {
		f.store.Release()
		f.res.Release()
	})
	return f
}

// frame uploads a width x height test pattern and warms the caches the
// backend borrows from, so Live counts only move for backend-owned objects.
func (f *fixture) frame(t *testing.T, width, height int) (graphics.Texture, *image.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 17), G: uint8(y * 29), B: uint8((x + y) * 7), A: 255})
		}
	}
	tex, err := f.dev.CreateTextureFromImage("frame", img, gputypes.TextureUsageTextureBinding)
	require.NoError(t, err)
	_, err = f.store.ShaderResourceView(tex)
	require.NoError(t, err)
	_, err = f.res.Sampler(gputypes.FilterModeNearest, gputypes.AddressModeClampToEdge)
	require.NoError(t, err)
	return tex, img
}

func (f *fixture) backend(rt inference.Runtime, opts Options) *Backend {
	return New(zap.NewNop(), f.rt, rt, opts)
}

func assertUpscaled(t *testing.T, out graphics.Texture, src *image.RGBA) {
	t.Helper()
	img, err := graphics.TextureImage(out)
	require.NoError(t, err)
	b := src.Bounds()
	require.Equal(t, image.Rect(0, 0, 2*b.Dx(), 2*b.Dy()), img.Bounds())
	for y := 0; y < 2*b.Dy(); y++ {
		for x := 0; x < 2*b.Dx(); x++ {
			want := src.RGBAAt(x/2, y/2)
			want.A = 255
			require.Equal(t, want, img.RGBAAt(x, y), "pixel (%d, %d)", x, y)
		}
	}
}

func TestInitialize_FullHD(t *testing.T) {
	f := newFixture(t)
	in, _ := f.frame(t, 1920, 1080)
	b := f.backend(inference.NewReferenceRuntime(inference.Float16), DefaultOptions())

	out, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)

	assert.Equal(t, Size{Width: 1920, Height: 1080}, b.InputSize())
	assert.Equal(t, Size{Width: 3840, Height: 2160}, b.OutputSize())
	assert.Equal(t, inference.Float16, b.ElementType())
	assert.Equal(t, 1920*1080*3*2, b.InputBufferBytes())
	assert.Equal(t, 4*1920*1080*3*2, b.OutputBufferBytes())

	desc := out.Desc()
	assert.Equal(t, uint32(3840), desc.Width)
	assert.Equal(t, uint32(2160), desc.Height)
	assert.Equal(t, gputypes.TextureFormatRGBA8Unorm, desc.Format)
	assert.NotZero(t, desc.Usage&gputypes.TextureUsageTextureBinding)
	assert.NotZero(t, desc.Usage&gputypes.TextureUsageStorageBinding)

	assert.Equal(t, 2, f.host.Registrations())
	assert.Equal(t, interop.StateGraphics, b.State())
	dev, bound := f.host.Device()
	assert.True(t, bound)
	assert.Equal(t, b.Device().ID, dev)
	assert.Equal(t, "8.6", b.Device().ComputeCapability())

	assert.Equal(t, float64(b.InputBufferBytes()), testutil.ToFloat64(metrics.SharedBufferBytes.WithLabelValues("input")))
	require.NoError(t, b.Close())
}

func TestEvaluate_Upscales(t *testing.T) {
	testCases := []struct {
		name   string
		elem   inference.ElementType
		width  int
		height int
	}{
		{name: "float16 odd pixel count", elem: inference.Float16, width: 5, height: 3},
		{name: "float16 multiple blocks", elem: inference.Float16, width: 37, height: 21},
		{name: "float32", elem: inference.Float32, width: 17, height: 9},
		{name: "single pixel", elem: inference.Float32, width: 1, height: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			in, src := f.frame(t, tc.width, tc.height)
			b := f.backend(inference.NewReferenceRuntime(tc.elem), DefaultOptions())
			out, err := b.Initialize(f.model, f.res, f.store, in)
			require.NoError(t, err)
			defer b.Close()

			before := testutil.ToFloat64(metrics.FramesEvaluated)
			require.NoError(t, b.Evaluate())
			assertUpscaled(t, out, src)

			assert.Equal(t, before+1, testutil.ToFloat64(metrics.FramesEvaluated))
			assert.Equal(t, 2, f.dev.ImmediateContext().Dispatches())
			assert.False(t, f.dev.ImmediateContext().Bound())
			assert.Equal(t, 0, f.host.Mapped())
		})
	}
}

func TestInitialize_CapabilityRejected(t *testing.T) {
	f := newFixture(t, gpu.WithCapability(5, 2))
	in, _ := f.frame(t, 16, 16)
	baseline := f.dev.Live()
	before := testutil.ToFloat64(metrics.InitFailures.WithLabelValues("device"))

	b := f.backend(inference.NewReferenceRuntime(inference.Float16), DefaultOptions())
	out, err := b.Initialize(f.model, f.res, f.store, in)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrDeviceIncapable)
	assert.ErrorIs(t, err, gpu.ErrInsufficientCapability)

	assert.Equal(t, baseline, f.dev.Live())
	assert.Equal(t, 0, f.host.Registrations())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.InitFailures.WithLabelValues("device")))
	assert.ErrorIs(t, b.Evaluate(), ErrNotInitialized)
	assert.NoError(t, b.Close())
}

func TestInitialize_FailureReleasesEverything(t *testing.T) {
	testCases := []struct {
		name    string
		host    []gpu.HostOption
		unknown bool
		opts    func(*Options)
		model   func(f *fixture) string
		inject  func(rt *gputest.Runtime)
		wantErr []error
	}{
		{
			name:    "adapter without compute device",
			host:    []gpu.HostOption{gpu.WithPCIBusID("0000:02:00.0")},
			wantErr: []error{ErrDeviceIncapable, gpu.ErrNoDevice},
		},
		{
			name:    "frame larger than the engine profile",
			opts:    func(o *Options) { o.MaxWidth, o.MaxHeight = 8, 8 },
			wantErr: []error{ErrFrameSizeOutOfRange},
		},
		{
			name:    "missing model",
			model:   func(f *fixture) string { return f.model + ".missing" },
			wantErr: []error{ErrSessionCreate, inference.ErrSessionCreate},
		},
		{
			name:    "unsupported element type",
			unknown: true,
			wantErr: []error{ErrUnsupportedElementType, inference.ErrUnsupportedElementType},
		},
		{
			name:    "input registration",
			inject:  func(rt *gputest.Runtime) { rt.FailNext(gputest.OpRegister, 1) },
			wantErr: []error{ErrInteropRegister, interop.ErrRegister, gputest.ErrInjected},
		},
		{
			name:    "output registration",
			inject:  func(rt *gputest.Runtime) { rt.FailAfter(gputest.OpRegister, 1, 1) },
			wantErr: []error{ErrInteropRegister, interop.ErrRegister},
		},
		{
			name:    "map flags",
			inject:  func(rt *gputest.Runtime) { rt.FailAfter(gputest.OpSetMapFlags, 1, 1) },
			wantErr: []error{ErrInteropRegister, interop.ErrRegister},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.host...)
			in, _ := f.frame(t, 16, 16)
			baseline := f.dev.Live()

			elem := inference.Float16
			if tc.unknown {
				elem = inference.ElementUnknown
			}
			opts := DefaultOptions()
			if tc.opts != nil {
				tc.opts(&opts)
			}
			model := f.model
			if tc.model != nil {
				model = tc.model(f)
			}
			if tc.inject != nil {
				tc.inject(f.rt)
			}

			b := f.backend(inference.NewReferenceRuntime(elem), opts)
			_, err := b.Initialize(model, f.res, f.store, in)
			require.Error(t, err)
			for _, want := range tc.wantErr {
				assert.ErrorIs(t, err, want)
			}
			assert.Equal(t, baseline, f.dev.Live())
			assert.Equal(t, 0, f.host.Registrations())
			assert.ErrorIs(t, b.Evaluate(), ErrNotInitialized)
		})
	}
}

func TestInitialize_InputWithoutShaderView(t *testing.T) {
	f := newFixture(t)
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	in, err := f.dev.CreateTextureFromImage("storage-only", img, gputypes.TextureUsageStorageBinding)
	require.NoError(t, err)
	baseline := f.dev.Live()

	b := f.backend(inference.NewReferenceRuntime(inference.Float32), DefaultOptions())
	_, err = b.Initialize(f.model, f.res, f.store, in)
	assert.ErrorIs(t, err, ErrResourceCreate)
	assert.ErrorIs(t, err, graphics.ErrUsageMismatch)
	assert.Equal(t, baseline, f.dev.Live())
}

func TestInitialize_RetryAfterFailure(t *testing.T) {
	f := newFixture(t)
	in, src := f.frame(t, 6, 4)
	f.rt.FailNext(gputest.OpRegister, 1)

	b := f.backend(inference.NewReferenceRuntime(inference.Float16), DefaultOptions())
	_, err := b.Initialize(f.model, f.res, f.store, in)
	require.ErrorIs(t, err, ErrInteropRegister)

	out, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Evaluate())
	assertUpscaled(t, out, src)

	_, err = b.Initialize(f.model, f.res, f.store, in)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitialize_ForwardsRuntimeLog(t *testing.T) {
	f := newFixture(t)
	in, _ := f.frame(t, 4, 4)

	var lines []string
	opts := DefaultOptions()
	opts.LogSink = func(sev logger.Severity, msg string) {
		lines = append(lines, fmt.Sprintf("[%s] %s", sev, msg))
	}
	b := f.backend(inference.NewReferenceRuntime(inference.Float16), opts)
	_, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)
	defer b.Close()

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "[info]")
	assert.Contains(t, lines[0], f.model)
}

func TestEvaluate_MapFailureAbandonsFrame(t *testing.T) {
	testCases := []struct {
		name   string
		inject func(rt *gputest.Runtime)
	}{
		{name: "map", inject: func(rt *gputest.Runtime) { rt.FailNext(gputest.OpMap, 1) }},
		{name: "input region", inject: func(rt *gputest.Runtime) { rt.FailNext(gputest.OpMappedRegion, 1) }},
		{name: "output region", inject: func(rt *gputest.Runtime) { rt.FailAfter(gputest.OpMappedRegion, 1, 1) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			in, src := f.frame(t, 12, 10)
			b := f.backend(inference.NewReferenceRuntime(inference.Float16), DefaultOptions())
			out, err := b.Initialize(f.model, f.res, f.store, in)
			require.NoError(t, err)
			defer b.Close()

			before := testutil.ToFloat64(metrics.FrameFailures.WithLabelValues(string(StageMap)))
			tc.inject(f.rt)
			err = b.Evaluate()
			var fe *FrameError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, StageMap, fe.Stage)
			assert.ErrorIs(t, err, interop.ErrMap)
			assert.ErrorIs(t, err, gputest.ErrInjected)

			assert.Equal(t, 0, f.host.Mapped())
			assert.Equal(t, interop.StateGraphics, b.State())
			assert.False(t, f.dev.ImmediateContext().Bound())
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.FrameFailures.WithLabelValues(string(StageMap))))

			require.NoError(t, b.Evaluate())
			assertUpscaled(t, out, src)
		})
	}
}

// flakyRuntime hands out sessions whose runs fail while failures is positive.
type flakyRuntime struct {
	inference.Runtime
	failures int
	runs     int
	configs  []inference.SessionConfig
	inputs   []inference.Tensor
	outputs  []inference.Tensor
}

func (r *flakyRuntime) NewSession(cfg inference.SessionConfig) (inference.Session, error) {
	r.configs = append(r.configs, cfg)
	s, err := r.Runtime.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return &flakySession{Session: s, rt: r}, nil
}

type flakySession struct {
	inference.Session
	rt *flakyRuntime
}

func (s *flakySession) Run(inputs, outputs []inference.Tensor) error {
	s.rt.runs++
	s.rt.inputs = append(s.rt.inputs, inputs...)
	s.rt.outputs = append(s.rt.outputs, outputs...)
	if s.rt.failures > 0 {
		s.rt.failures--
		return fmt.Errorf("%w: device lost", inference.ErrRun)
	}
	return s.Session.Run(inputs, outputs)
}

func TestEvaluate_RunBindings(t *testing.T) {
	f := newFixture(t)
	in, _ := f.frame(t, 10, 6)
	rt := &flakyRuntime{Runtime: inference.NewReferenceRuntime(inference.Float16)}
	b := f.backend(rt, DefaultOptions())
	_, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Evaluate())
	assert.Equal(t, 1, rt.runs)
	assert.Equal(t, 1, f.rt.Count(gputest.OpSynchronize))

	require.Len(t, rt.inputs, 1)
	assert.Equal(t, "input", rt.inputs[0].Name)
	assert.Equal(t, inference.Shape{1, 3, 6, 10}, rt.inputs[0].Shape)
	assert.Equal(t, inference.Float16, rt.inputs[0].Type)
	assert.Len(t, rt.inputs[0].Data, b.InputBufferBytes())

	require.Len(t, rt.outputs, 1)
	assert.Equal(t, "output", rt.outputs[0].Name)
	assert.Equal(t, inference.Shape{1, 3, 12, 20}, rt.outputs[0].Shape)
	assert.Len(t, rt.outputs[0].Data, b.OutputBufferBytes())
}

func TestInitialize_ZeroOptionsKeepHalfPrecisionAndEngineCache(t *testing.T) {
	f := newFixture(t)
	in, _ := f.frame(t, 8, 4)
	rt := &flakyRuntime{Runtime: inference.NewReferenceRuntime(inference.Float16)}
	b := f.backend(rt, Options{})
	_, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)
	defer b.Close()

	require.Len(t, rt.configs, 1)
	providers := rt.configs[0].Providers
	assert.True(t, providers.FP16)
	trt := providers.TensorRT()
	assert.Equal(t, "1", trt["trt_fp16_enable"])
	assert.Equal(t, "1", trt["trt_engine_cache_enable"])
	assert.Equal(t, inference.DefaultEngineCacheDir, trt["trt_engine_cache_path"])

	t.Run("fp16 disabled", func(t *testing.T) {
		f := newFixture(t)
		in, _ := f.frame(t, 8, 4)
		rt := &flakyRuntime{Runtime: inference.NewReferenceRuntime(inference.Float16)}
		b := f.backend(rt, Options{DisableFP16: true, EngineCacheDir: "/var/cache/trt"})
		_, err := b.Initialize(f.model, f.res, f.store, in)
		require.NoError(t, err)
		defer b.Close()

		require.Len(t, rt.configs, 1)
		trt := rt.configs[0].Providers.TensorRT()
		assert.Equal(t, "0", trt["trt_fp16_enable"])
		assert.Equal(t, "/var/cache/trt", trt["trt_engine_cache_path"])
	})
}

func TestEvaluate_RunFailureUnmaps(t *testing.T) {
	f := newFixture(t)
	in, src := f.frame(t, 10, 6)
	rt := &flakyRuntime{Runtime: inference.NewReferenceRuntime(inference.Float32), failures: 1}
	b := f.backend(rt, DefaultOptions())
	out, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)
	defer b.Close()

	err = b.Evaluate()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StageRun, fe.Stage)
	assert.ErrorIs(t, err, inference.ErrRun)
	assert.Equal(t, 0, f.host.Mapped())
	assert.Equal(t, interop.StateGraphics, b.State())

	require.NoError(t, b.Evaluate())
	assertUpscaled(t, out, src)
}

func TestEvaluate_SynchronizeFailureAbandonsFrame(t *testing.T) {
	f := newFixture(t)
	in, src := f.frame(t, 9, 4)
	b := f.backend(inference.NewReferenceRuntime(inference.Float16), DefaultOptions())
	out, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)
	defer b.Close()

	var order []gputest.Op
	f.rt.OnEvent(func(e gputest.Event) { order = append(order, e.Op) })
	f.rt.FailNext(gputest.OpSynchronize, 1)
	err = b.Evaluate()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StageRun, fe.Stage)
	assert.ErrorIs(t, err, gputest.ErrInjected)
	assert.ErrorContains(t, err, "synchronize")
	assert.Equal(t, interop.StateGraphics, b.State())
	assert.Equal(t, 0, f.host.Mapped())

	order = nil
	require.NoError(t, b.Evaluate())
	assert.Equal(t, []gputest.Op{
		gputest.OpMap, gputest.OpMappedRegion, gputest.OpMappedRegion,
		gputest.OpSynchronize, gputest.OpUnmap,
	}, order)
	assertUpscaled(t, out, src)
}

func TestEvaluate_UnmapFailureRecoversNextFrame(t *testing.T) {
	f := newFixture(t)
	in, src := f.frame(t, 7, 5)
	b := f.backend(inference.NewReferenceRuntime(inference.Float16), DefaultOptions())
	out, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)
	defer b.Close()

	f.rt.FailNext(gputest.OpUnmap, 1)
	err = b.Evaluate()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StageUnmap, fe.Stage)
	assert.ErrorIs(t, err, interop.ErrUnmap)
	assert.Equal(t, interop.StateCompute, b.State())
	assert.Equal(t, 2, f.host.Mapped())

	require.NoError(t, b.Evaluate())
	assert.Equal(t, interop.StateGraphics, b.State())
	assert.Equal(t, 0, f.host.Mapped())
	assertUpscaled(t, out, src)
}

func TestClose_UnregistersBeforeReleasingBuffers(t *testing.T) {
	f := newFixture(t)
	in, _ := f.frame(t, 16, 8)
	baseline := f.dev.Live()
	b := f.backend(inference.NewReferenceRuntime(inference.Float16), DefaultOptions())
	out, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)
	require.NoError(t, b.Evaluate())

	var liveBuffers []int
	f.rt.OnEvent(func(e gputest.Event) {
		if e.Op == gputest.OpUnregister {
			liveBuffers = append(liveBuffers, f.dev.Live().Buffers)
		}
	})
	require.NoError(t, b.Close())

	assert.Equal(t, []int{2, 2}, liveBuffers)
	assert.Equal(t, 0, f.host.Registrations())

	// The output texture stays with the caller.
	live := f.dev.Live()
	assert.Equal(t, baseline.Textures+1, live.Textures)
	assert.Equal(t, baseline.Buffers, live.Buffers)
	assert.Equal(t, baseline.Views, live.Views)
	assert.Equal(t, baseline.Shaders, live.Shaders)
	_, err = graphics.TextureImage(out)
	assert.NoError(t, err)
	out.Release()
	assert.Equal(t, baseline, f.dev.Live())

	t.Run("idempotent", func(t *testing.T) {
		assert.NoError(t, b.Close())
		assert.Equal(t, baseline, f.dev.Live())
	})
	t.Run("use after close", func(t *testing.T) {
		assert.ErrorIs(t, b.Evaluate(), ErrClosed)
		_, err := b.Initialize(f.model, f.res, f.store, in)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestClose_WhileMapped(t *testing.T) {
	f := newFixture(t)
	in, _ := f.frame(t, 4, 4)
	b := f.backend(inference.NewReferenceRuntime(inference.Float32), DefaultOptions())
	_, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)

	f.rt.FailNext(gputest.OpUnmap, 1)
	require.Error(t, b.Evaluate())
	require.Equal(t, 2, f.host.Mapped())

	require.NoError(t, b.Close())
	assert.Equal(t, 0, f.host.Mapped())
	assert.Equal(t, 0, f.host.Registrations())
}

func TestClose_UnmapFailureKeepsBuffers(t *testing.T) {
	f := newFixture(t)
	in, _ := f.frame(t, 8, 4)
	baseline := f.dev.Live()
	b := f.backend(inference.NewReferenceRuntime(inference.Float32), DefaultOptions())
	out, err := b.Initialize(f.model, f.res, f.store, in)
	require.NoError(t, err)

	f.rt.FailNext(gputest.OpUnmap, 2)
	var fe *FrameError
	require.ErrorAs(t, b.Evaluate(), &fe)
	require.Equal(t, StageUnmap, fe.Stage)

	err = b.Close()
	assert.ErrorIs(t, err, interop.ErrUnmap)
	assert.ErrorIs(t, err, ErrStillRegistered)
	assert.Equal(t, 2, f.host.Registrations())
	assert.Equal(t, 2, f.host.Mapped())
	live := f.dev.Live()
	assert.Equal(t, baseline.Buffers+2, live.Buffers)
	assert.Equal(t, baseline.Views, live.Views)
	assert.Equal(t, baseline.Shaders, live.Shaders)
	assert.ErrorIs(t, b.Evaluate(), ErrClosed)

	require.NoError(t, b.Close())
	assert.Equal(t, 0, f.host.Registrations())
	assert.Equal(t, 0, f.host.Mapped())
	assert.Equal(t, baseline.Buffers, f.dev.Live().Buffers)

	out.Release()
	assert.Equal(t, baseline, f.dev.Live())
	assert.NoError(t, b.Close())
}

func TestCloseBeforeInitialize(t *testing.T) {
	f := newFixture(t)
	b := f.backend(inference.NewReferenceRuntime(inference.Float32), DefaultOptions())
	assert.NoError(t, b.Close())
	assert.ErrorIs(t, b.Evaluate(), ErrClosed)
}

func TestTensorPixels(t *testing.T) {
	testCases := []struct {
		size Size
		elem inference.ElementType
		want int
	}{
		{size: Size{1920, 1080}, elem: inference.Float16, want: 1920 * 1080},
		{size: Size{5, 3}, elem: inference.Float16, want: 16},
		{size: Size{5, 3}, elem: inference.Float32, want: 15},
		{size: Size{1, 1}, elem: inference.Float16, want: 2},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s %s", tc.size, tc.elem), func(t *testing.T) {
			assert.Equal(t, tc.want, tensorPixels(tc.size, tc.elem))
		})
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{MaxWidth: 640}.withDefaults()
	assert.Equal(t, 640, o.MaxWidth)
	assert.Equal(t, inference.DefaultMaxHeight, o.MaxHeight)
	assert.Equal(t, inference.DefaultBuilderOptimizationLevel, o.BuilderOptimizationLevel)
	assert.Equal(t, "input", o.InputName)
	assert.Equal(t, "output", o.OutputName)
	assert.Equal(t, 1, o.IntraOpThreads)
	assert.False(t, o.DisableFP16)
	assert.Equal(t, inference.DefaultEngineCacheDir, o.EngineCacheDir)
}
