package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/frame-upscaler/internal/backend"
	"github.com/fxnlabs/frame-upscaler/internal/metrics"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type runParams struct {
	Engine        string
	Model         string
	Frame         image.Image
	Frames        int
	FPS           float64
	ListenAddress string
}

func runCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Upscale frames continuously and serve metrics",
		Flags: []cli.Flag{
			inputFlag,
			modelFlag,
			engineFlag,
			&cli.IntFlag{Name: "frames", Usage: "Stop after this many frames; 0 runs until interrupted"},
			&cli.Float64Flag{Name: "fps", Value: 30, Usage: "Target frame rate"},
			&cli.IntFlag{Name: "width", Value: 1280, Usage: "Test pattern width when --in is not set"},
			&cli.IntFlag{Name: "height", Value: 720, Usage: "Test pattern height when --in is not set"},
			&cli.StringFlag{Name: "listen", Usage: "Metrics listen address (default: metrics.listenAddress)"},
		},
		Action: func(c *cli.Context) error {
			if c.Float64("fps") <= 0 {
				return fmt.Errorf("--fps must be positive")
			}
			frame, err := inputFrame(c)
			if err != nil {
				return err
			}
			listen := c.String("listen")
			if listen == "" {
				listen = e.cfg.Metrics.ListenAddress
			}

			figure.NewFigure("Upscaler", "", true).Print()
			fmt.Println()

			app := fx.New(runOptions(e, runParams{
				Engine:        c.String(engineFlag.Name),
				Model:         c.String(modelFlag.Name),
				Frame:         frame,
				Frames:        c.Int("frames"),
				FPS:           c.Float64("fps"),
				ListenAddress: listen,
			}))

			startCtx, cancel := context.WithTimeout(c.Context, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			sig := <-app.Wait()
			e.log.Info("shutting down", zap.String("signal", sig.String()))

			stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancel()
			if err := app.Stop(stopCtx); err != nil {
				return err
			}
			if sig.ExitCode != 0 {
				return fmt.Errorf("frame loop exited with code %d", sig.ExitCode)
			}
			return nil
		},
	}
}

// runOptions is the application graph of the run command. Hooks start in
// order: the pipeline, the frame loop, then the status server, and stop in
// reverse.
func runOptions(e *env, p runParams) fx.Option {
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: e.log.Named("fx")}
		}),
		fx.Supply(e, p),
		fx.Provide(newUpscaler),
		fx.Invoke(registerStatusServer),
	)
}

// upscaler owns the pipeline and the frame loop of the run command.
type upscaler struct {
	log        *zap.Logger
	env        *env
	params     runParams
	shutdowner fx.Shutdowner

	pl      *pipeline
	cancel  context.CancelFunc
	done    chan struct{}
	frames  atomic.Int64
	dropped atomic.Int64

	mu   sync.Mutex
	addr net.Addr
}

func newUpscaler(lc fx.Lifecycle, sd fx.Shutdowner, e *env, p runParams) *upscaler {
	u := &upscaler{
		log:        e.log.Named("run"),
		env:        e,
		params:     p,
		shutdowner: sd,
	}
	lc.Append(fx.Hook{OnStart: u.start, OnStop: u.stop})
	return u
}

func (u *upscaler) start(context.Context) error {
	pl, err := u.env.newPipeline(pipelineParams{
		Engine: u.params.Engine,
		Model:  u.params.Model,
		Frame:  u.params.Frame,
	})
	if err != nil {
		return err
	}
	u.pl = pl

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.done = make(chan struct{})
	go u.loop(ctx)
	return nil
}

func (u *upscaler) loop(ctx context.Context) {
	defer close(u.done)

	interval := time.Duration(float64(time.Second) / u.params.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	u.log.Info("frame loop started",
		zap.Stringer("input", u.pl.backend.InputSize()),
		zap.Stringer("output", u.pl.backend.OutputSize()),
		zap.Duration("interval", interval))
	for u.params.Frames == 0 || int(u.frames.Load()) < u.params.Frames {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := u.pl.backend.Evaluate()
		var fe *backend.FrameError
		switch {
		case err == nil:
			u.frames.Add(1)
		case errors.As(err, &fe):
			u.dropped.Add(1)
		default:
			u.log.Error("frame loop stopped", zap.Error(err))
			u.shutdown(1)
			return
		}
	}
	u.log.Info("frame budget reached", zap.Int64("frames", u.frames.Load()))
	u.shutdown(0)
}

func (u *upscaler) shutdown(code int) {
	if err := u.shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
		u.log.Error("failed to request shutdown", zap.Error(err))
	}
}

func (u *upscaler) stop(ctx context.Context) error {
	u.cancel()
	select {
	case <-u.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return u.pl.Close()
}

// Frames is the number of frames upscaled so far.
func (u *upscaler) Frames() int64 { return u.frames.Load() }

// Addr is the address the status server listens on, once started.
func (u *upscaler) Addr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.addr
}

type status struct {
	Input       string `json:"input"`
	Output      string `json:"output"`
	ElementType string `json:"elementType"`
	Device      string `json:"device"`
	Capability  string `json:"computeCapability"`
	Buffers     string `json:"buffers"`
	Frames      int64  `json:"frames"`
	Dropped     int64  `json:"dropped"`
}

func (u *upscaler) status() status {
	b := u.pl.backend
	return status{
		Input:       b.InputSize().String(),
		Output:      b.OutputSize().String(),
		ElementType: b.ElementType().String(),
		Device:      b.Device().Name,
		Capability:  b.Device().ComputeCapability(),
		Buffers:     b.State().String(),
		Frames:      u.frames.Load(),
		Dropped:     u.dropped.Load(),
	}
}

func (u *upscaler) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(u.status()); err != nil {
			u.log.Warn("failed to write status", zap.Error(err))
		}
	})
}

func registerStatusServer(lc fx.Lifecycle, u *upscaler) {
	srv := &http.Server{
		Addr:              u.params.ListenAddress,
		Handler:           metrics.NewServeMux(map[string]http.Handler{"/status": u.statusHandler()}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			u.mu.Lock()
			u.addr = ln.Addr()
			u.mu.Unlock()
			u.log.Info("serving metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					u.log.Error("status server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
