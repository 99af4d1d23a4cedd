package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxnlabs/frame-upscaler/internal/config"
	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

// testEnv runs on the host compute runtime with an empty model file, which
// the reference engine accepts.
func testEnv(t *testing.T) *env {
	t.Helper()
	cfg, err := config.LoadDefaultConfig()
	require.NoError(t, err)

	home := t.TempDir()
	cfg.Runtime.Mode = config.RuntimeHost
	cfg.Model.Path = filepath.Join(home, "model.onnx")
	cfg.Model.CacheDir = filepath.Join(home, "trt")
	cfg.Metrics.ListenAddress = "127.0.0.1:0"
	require.NoError(t, os.WriteFile(cfg.Model.Path, []byte("onnx"), 0644))

	return &env{home: home, cfg: cfg, log: zaptest.NewLogger(t)}
}

func runCLI(t *testing.T, e *env, args ...string) error {
	t.Helper()
	app := &cli.App{
		Name: "upscaler",
		Commands: []*cli.Command{
			initCommand(e),
			devicesCommand(e),
			upscaleCommand(e),
			benchCommand(e),
		},
	}
	return app.Run(append([]string{"upscaler"}, args...))
}

func writePNG(t *testing.T, path string, width, height int) *image.RGBA {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(40 * x), G: uint8(60 * y), B: 128, A: 255})
		}
	}
	require.NoError(t, saveFrame(path, img))
	return img
}

func TestRunApp(t *testing.T) {
	e := testEnv(t)
	var u *upscaler
	app := fxtest.New(t,
		runOptions(e, runParams{
			Engine:        engineReference,
			Frame:         testPattern(32, 18),
			Frames:        3,
			FPS:           200,
			ListenAddress: e.cfg.Metrics.ListenAddress,
		}),
		fx.Populate(&u),
	)
	app.RequireStart()

	select {
	case sig := <-app.Wait():
		assert.Equal(t, 0, sig.ExitCode)
	case <-time.After(10 * time.Second):
		t.Fatal("frame loop did not finish")
	}
	assert.Equal(t, int64(3), u.Frames())

	base := fmt.Sprintf("http://%s", u.Addr())
	t.Run("status", func(t *testing.T) {
		resp, err := http.Get(base + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()

		var s status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
		assert.Equal(t, "32x18", s.Input)
		assert.Equal(t, "64x36", s.Output)
		assert.Equal(t, "float16", s.ElementType)
		assert.Equal(t, "8.6", s.Capability)
		assert.Equal(t, "graphics", s.Buffers)
		assert.Equal(t, int64(3), s.Frames)
	})
	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "upscaler_frames_evaluated_total")
		assert.Contains(t, string(body), "upscaler_shared_buffer_bytes")
	})

	app.RequireStop()
}

func TestRunApp_StartFailure(t *testing.T) {
	e := testEnv(t)
	e.cfg.Device.ComputeCapability = "5.0"

	app := fxtest.New(t, runOptions(e, runParams{
		Engine:        engineReference,
		Frame:         testPattern(8, 8),
		FPS:           30,
		ListenAddress: e.cfg.Metrics.ListenAddress,
	}))
	err := app.Start(t.Context())
	assert.ErrorContains(t, err, "cannot run accelerated inference")
}

func TestUpscaleCommand(t *testing.T) {
	e := testEnv(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "frame.png")
	out := filepath.Join(dir, "frame_2x.png")
	src := writePNG(t, in, 6, 4)

	require.NoError(t, runCLI(t, e, "upscale", "--in", in, "--out", out, "--engine", engineReference))

	img, err := loadFrame(out)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 12, 8), img.Bounds())
	for y := 0; y < 8; y++ {
		for x := 0; x < 12; x++ {
			assert.Equal(t, color.RGBAModel.Convert(src.At(x/2, y/2)), color.RGBAModel.Convert(img.At(x, y)))
		}
	}

	t.Run("catalog model", func(t *testing.T) {
		e.cfg.Models = config.Models{"tiny": e.cfg.Model.Path}
		e.cfg.Model.Path = ""
		out := filepath.Join(dir, "catalog.bmp")
		require.NoError(t, runCLI(t, e, "upscale", "--in", in, "--out", out, "--engine", engineReference, "--model", "tiny"))
		_, err := os.Stat(out)
		assert.NoError(t, err)
	})

	t.Run("frame too large", func(t *testing.T) {
		e := testEnv(t)
		e.cfg.Runtime.MaxWidth = 4
		err := runCLI(t, e, "upscale", "--in", in, "--out", out, "--engine", engineReference)
		assert.ErrorContains(t, err, "frame size outside the engine profile")
	})

	t.Run("unknown engine", func(t *testing.T) {
		err := runCLI(t, e, "upscale", "--in", in, "--out", out, "--engine", "tensorflow")
		assert.ErrorContains(t, err, "unknown inference engine")
	})
}

func TestBenchCommand(t *testing.T) {
	e := testEnv(t)
	require.NoError(t, runCLI(t, e, "bench", "--engine", engineReference,
		"--frames", "4", "--warmup", "1", "--width", "16", "--height", "8"))

	err := runCLI(t, e, "bench", "--engine", engineReference, "--frames", "0")
	assert.Error(t, err)
}

func TestDevicesCommand(t *testing.T) {
	e := testEnv(t)
	assert.NoError(t, runCLI(t, e, "devices", "--engine", engineReference))

	e.cfg.Device.ComputeCapability = "3.5"
	assert.NoError(t, runCLI(t, e, "devices", "--engine", engineReference))
}

func TestGraphicsDevice(t *testing.T) {
	e := testEnv(t)

	t.Run("soft", func(t *testing.T) {
		res, dev, err := e.graphicsDevice("0000:01:00.0")
		require.NoError(t, err)
		defer releaseDevice(dev)
		defer res.Release()
		assert.IsType(t, &graphics.SoftDevice{}, dev)
		assert.Equal(t, "soft", res.Adapter().Name())
		assert.Equal(t, "0000:01:00.0", res.Adapter().PCIBusID())
	})

	t.Run("wgpu", func(t *testing.T) {
		e.cfg.Device.Graphics = config.GraphicsWGPU
		defer func() { e.cfg.Device.Graphics = config.GraphicsSoft }()

		res, dev, err := e.graphicsDevice("0000:01:00.0")
		if !graphics.WGPUAvailable {
			assert.ErrorIs(t, err, graphics.ErrNoAdapter)
			assert.ErrorContains(t, err, "wgpu tag")
			return
		}
		if errors.Is(err, graphics.ErrNoAdapter) {
			t.Skipf("no WebGPU adapter: %v", err)
		}
		require.NoError(t, err)
		res.Release()
		releaseDevice(dev)
	})
}

func TestInitCommand(t *testing.T) {
	e := testEnv(t)
	e.home = filepath.Join(t.TempDir(), "home")

	require.NoError(t, runCLI(t, e, "init"))
	cfg, err := config.LoadConfig(e.home)
	require.NoError(t, err)
	assert.Equal(t, config.RuntimeAuto, cfg.Runtime.Mode)

	assert.NoError(t, runCLI(t, e, "init"))
}

func TestSummarize(t *testing.T) {
	s := summarize([]float64{4, 2, 8, 6})
	assert.InDelta(t, 5, s.Mean, 1e-9)
	assert.InDelta(t, 2.5819889, s.StdDev, 1e-6)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 8.0, s.Max)
	assert.Equal(t, 4.0, s.P50)
	assert.Equal(t, 8.0, s.P95)
}

func TestSaveFrame(t *testing.T) {
	dir := t.TempDir()
	img := testPattern(5, 3)

	for _, name := range []string{"frame.png", "frame.bmp", "frame.JPG"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, saveFrame(path, img))
			got, err := loadFrame(path)
			require.NoError(t, err)
			assert.Equal(t, img.Bounds(), got.Bounds())
		})
	}

	t.Run("unsupported", func(t *testing.T) {
		path := filepath.Join(dir, "frame.webp")
		assert.ErrorContains(t, saveFrame(path, img), "unsupported output format")
		_, err := os.Stat(path)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
