package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxnlabs/frame-upscaler/fixtures"
	"github.com/fxnlabs/frame-upscaler/internal/config"
	"github.com/fxnlabs/frame-upscaler/internal/convert"
	"github.com/fxnlabs/frame-upscaler/internal/gpu"
	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"github.com/fxnlabs/frame-upscaler/internal/inference"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func initCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default config file to the home directory",
		Action: func(c *cli.Context) error {
			path, err := config.InitHome(e.home, fixtures.ConfigTemplate)
			if errors.Is(err, os.ErrExist) {
				fmt.Printf("Config already exists at %s\n", path)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Config written to %s\n", path)
			return nil
		},
	}
}

func devicesCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "Report the compute device and whether it can run accelerated inference",
		Flags: []cli.Flag{engineFlag},
		Action: func(c *cli.Context) error {
			rt, err := e.computeRuntime()
			if err != nil {
				return err
			}
			res, gdev, err := e.graphicsDevice(e.adapterBusID(rt))
			if err != nil {
				return err
			}
			adapter := res.Adapter()
			res.Release()
			releaseDevice(gdev)
			fmt.Printf("Graphics device: %s (%s)\n", e.cfg.Device.Graphics, adapter.Name())

			info, err := gpu.CheckCapability(e.log, rt, adapter)

			fmt.Printf("Compute runtime: %s\n", rt.Name())
			fmt.Printf("Device %d: %s\n", info.ID, info.Name)
			fmt.Printf("  PCI bus id:         %s\n", info.PCIBusID)
			fmt.Printf("  Compute capability: %s\n", info.ComputeCapability())
			if info.TotalMemory > 0 {
				fmt.Printf("  Memory:             %d MB\n", info.TotalMemory>>20)
			}
			if info.DriverVersion != "" {
				fmt.Printf("  Driver:             %s\n", info.DriverVersion)
			}
			switch {
			case errors.Is(err, gpu.ErrInsufficientCapability):
				fmt.Printf("  Accelerated path:   unsupported (needs %d.x or newer)\n", gpu.MinComputeMajor)
			case err != nil:
				return err
			default:
				fmt.Println("  Accelerated path:   supported")
			}

			stats, err := gpu.QueryDeviceStats(c.Context, e.log, nil)
			switch {
			case errors.Is(err, gpu.ErrSMIUnavailable):
			case err != nil:
				e.log.Warn("failed to query GPU stats", zap.Error(err))
			default:
				for _, s := range stats {
					fmt.Printf("GPU %s: %s (driver %s)\n", s.PCIBusID, s.Name, s.DriverVersion)
					fmt.Printf("  Memory:      %d / %d MB used\n", s.MemoryUsedMB, s.MemoryTotalMB)
					fmt.Printf("  Utilization: %d%% compute, %d%% memory\n", s.UtilizationGPU, s.UtilizationMemory)
				}
			}

			runtime, err := e.inferenceRuntime(c.String(engineFlag.Name))
			if err != nil {
				return err
			}
			providers := inference.Capabilities(runtime)
			fmt.Printf("Inference engine: %s\n", runtime.Name())
			fmt.Printf("  TensorRT provider: %t\n", providers.TensorRT)
			fmt.Printf("  CUDA provider:     %t\n", providers.CUDA)
			return nil
		},
	}
}

func shadersCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "shaders",
		Usage: "Compile the conversion kernels to SPIR-V",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Usage: "Directory to write .wgsl and .spv files to",
			},
		},
		Action: func(c *cli.Context) error {
			outDir := c.String("out")
			if outDir != "" {
				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return err
				}
			}

			failed := 0
			for _, elem := range []inference.ElementType{inference.Float16, inference.Float32} {
				for _, build := range []func(inference.ElementType) (graphics.Kernel, error){
					convert.TextureToTensor, convert.TensorToTexture,
				} {
					k, err := build(elem)
					if err != nil {
						return err
					}
					words, err := convert.CompileSPIRV(k)
					if err != nil {
						failed++
						e.log.Warn("failed to compile kernel", zap.String("kernel", k.Label), zap.Error(err))
						fmt.Printf("%-28s failed\n", k.Label)
						continue
					}
					fmt.Printf("%-28s %6d words\n", k.Label, len(words))
					if outDir != "" {
						if err := writeKernel(outDir, k, words); err != nil {
							return err
						}
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d kernels failed to compile", failed)
			}
			return nil
		},
	}
}

func writeKernel(dir string, k graphics.Kernel, words []uint32) error {
	base := filepath.Join(dir, k.Label)
	if err := os.WriteFile(base+".wgsl", []byte(k.Source), 0o644); err != nil {
		return err
	}
	f, err := os.Create(base + ".spv")
	if err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, words); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func upscaleCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "upscale",
		Usage: "Upscale one frame",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: inputFlag.Name, Usage: inputFlag.Usage, Required: true},
			&cli.StringFlag{Name: "out", Usage: "Output frame (png, jpeg or bmp)", Required: true},
			modelFlag,
			engineFlag,
		},
		Action: func(c *cli.Context) error {
			frame, err := loadFrame(c.String(inputFlag.Name))
			if err != nil {
				return err
			}
			pl, err := e.newPipeline(pipelineParams{
				Engine: c.String(engineFlag.Name),
				Model:  c.String(modelFlag.Name),
				Frame:  frame,
			})
			if err != nil {
				return err
			}
			defer pl.Close()

			start := time.Now()
			if err := pl.backend.Evaluate(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			img, err := graphics.TextureImage(pl.output)
			if err != nil {
				return err
			}
			if err := saveFrame(c.String("out"), img); err != nil {
				return err
			}
			e.log.Info("frame upscaled",
				zap.Stringer("input", pl.backend.InputSize()),
				zap.Stringer("output", pl.backend.OutputSize()),
				zap.Duration("elapsed", elapsed),
				zap.String("out", c.String("out")))
			return nil
		},
	}
}

// frameStats summarizes frame times in milliseconds.
type frameStats struct {
	Mean, StdDev, Min, Max, P50, P95 float64
}

func summarize(ms []float64) frameStats {
	sorted := append([]float64(nil), ms...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	return frameStats{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(sorted),
		Max:    floats.Max(sorted),
		P50:    stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
}

func benchCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Measure frame evaluation time",
		Flags: []cli.Flag{
			inputFlag,
			modelFlag,
			engineFlag,
			&cli.IntFlag{Name: "frames", Value: 100, Usage: "Frames to measure"},
			&cli.IntFlag{Name: "warmup", Value: 5, Usage: "Frames to run before measuring"},
			&cli.IntFlag{Name: "width", Value: 1280, Usage: "Test pattern width when --in is not set"},
			&cli.IntFlag{Name: "height", Value: 720, Usage: "Test pattern height when --in is not set"},
		},
		Action: func(c *cli.Context) error {
			frames := c.Int("frames")
			if frames <= 0 {
				return fmt.Errorf("--frames must be positive")
			}
			frame, err := inputFrame(c)
			if err != nil {
				return err
			}
			pl, err := e.newPipeline(pipelineParams{
				Engine: c.String(engineFlag.Name),
				Model:  c.String(modelFlag.Name),
				Frame:  frame,
			})
			if err != nil {
				return err
			}
			defer pl.Close()

			for i := 0; i < c.Int("warmup"); i++ {
				if err := pl.backend.Evaluate(); err != nil {
					return err
				}
			}
			ms := make([]float64, 0, frames)
			failures := 0
			for i := 0; i < frames; i++ {
				start := time.Now()
				if err := pl.backend.Evaluate(); err != nil {
					failures++
					continue
				}
				ms = append(ms, float64(time.Since(start).Microseconds())/1000)
			}
			if len(ms) == 0 {
				return fmt.Errorf("all %d frames failed", frames)
			}

			s := summarize(ms)
			fmt.Printf("%s -> %s, %d frames (%d failed)\n",
				pl.backend.InputSize(), pl.backend.OutputSize(), len(ms), failures)
			fmt.Printf("  mean %8.2f ms  stddev %8.2f ms\n", s.Mean, s.StdDev)
			fmt.Printf("  min  %8.2f ms  max    %8.2f ms\n", s.Min, s.Max)
			fmt.Printf("  p50  %8.2f ms  p95    %8.2f ms\n", s.P50, s.P95)
			return nil
		},
	}
}

func inputFrame(c *cli.Context) (image.Image, error) {
	if path := c.String(inputFlag.Name); path != "" {
		return loadFrame(path)
	}
	return testPattern(c.Int("width"), c.Int("height")), nil
}
