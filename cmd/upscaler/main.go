package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxnlabs/frame-upscaler/internal/config"
	"github.com/fxnlabs/frame-upscaler/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// env is filled by the app's Before hook and shared by every command.
type env struct {
	home string
	cfg  *config.Config
	log  *zap.Logger
}

func main() {
	e := &env{}

	app := &cli.App{
		Name:  "upscaler",
		Usage: "Upscale frames 2x with a neural super-resolution model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "home",
				Value:       config.GetDefaultConfigHome(),
				Usage:       "Path to the upscaler home directory",
				EnvVars:     []string{"UPSCALER_HOME"},
				Destination: &e.home,
			},
		},
		Before: func(c *cli.Context) error {
			return e.load()
		},
		Commands: []*cli.Command{
			initCommand(e),
			devicesCommand(e),
			shadersCommand(e),
			upscaleCommand(e),
			runCommand(e),
			benchCommand(e),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if e.log != nil {
			e.log.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// load reads the config from the home directory. A home without a config
// file runs on the defaults.
func (e *env) load() error {
	var err error
	e.cfg, err = config.LoadConfig(e.home)
	missing := errors.Is(err, os.ErrNotExist)
	if missing {
		e.cfg, err = config.LoadDefaultConfig()
	}
	if err != nil {
		return err
	}
	zapLogger, err := logger.New(e.cfg.Logger.Verbosity)
	if err != nil {
		return err
	}
	e.log = zapLogger.Named("cli")
	if missing {
		e.log.Debug("no config file, using defaults", zap.String("path", filepath.Join(e.home, config.ConfigFileName)))
	}
	return nil
}
