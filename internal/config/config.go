package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the file LoadConfig reads when given a directory.
	ConfigFileName = "config.yaml"
	defaultHome    = ".upscaler"
)

// Runtime modes select the compute runtime providing interop.
const (
	RuntimeAuto = "auto"
	RuntimeCUDA = "cuda"
	RuntimeHost = "host"
)

// Graphics devices the frame is converted on.
const (
	GraphicsSoft = "soft"
	GraphicsWGPU = "wgpu"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Model struct {
		Path       string `yaml:"path"`
		CacheDir   string `yaml:"cacheDir"`
		InputName  string `yaml:"inputName"`
		OutputName string `yaml:"outputName"`
	} `yaml:"model"`
	Runtime struct {
		Mode                     string `yaml:"mode"`
		SharedLibraryPath        string `yaml:"sharedLibraryPath"`
		FP16                     bool   `yaml:"fp16"`
		BuilderOptimizationLevel int    `yaml:"builderOptimizationLevel"`
		MaxWidth                 int    `yaml:"maxWidth"`
		MaxHeight                int    `yaml:"maxHeight"`
	} `yaml:"runtime"`
	Device struct {
		Graphics string `yaml:"graphics"`
		PCIBusID string `yaml:"pciBusID"`
		// ComputeCapability is reported by the host runtime as "major.minor".
		ComputeCapability string `yaml:"computeCapability"`
	} `yaml:"device"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
	Models Models `yaml:"models"`
}

// DefaultConfig returns the configuration used for every field a config
// file leaves out.
func DefaultConfig() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Model.Path = filepath.Join("~", defaultHome, "model.onnx")
	c.Model.CacheDir = filepath.Join("~", defaultHome, "trt")
	c.Model.InputName = "input"
	c.Model.OutputName = "output"
	c.Runtime.Mode = RuntimeAuto
	c.Runtime.FP16 = true
	c.Runtime.BuilderOptimizationLevel = 5
	c.Runtime.MaxWidth = 1920
	c.Runtime.MaxHeight = 1080
	c.Device.Graphics = GraphicsSoft
	c.Device.ComputeCapability = "8.6"
	c.Metrics.ListenAddress = ":9090"
	return &c
}

// GetDefaultConfigHome returns ~/.upscaler, or .upscaler when the home
// directory cannot be determined.
func GetDefaultConfigHome() string {
	home, err := homedir.Dir()
	if err != nil {
		return defaultHome
	}
	return filepath.Join(home, defaultHome)
}

// LoadConfig reads path, or path/config.yaml when path is a directory, on
// top of DefaultConfig and expands "~" in every path.
func LoadConfig(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, ConfigFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.expandPaths(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadDefaultConfig returns DefaultConfig with its paths expanded, for homes
// without a config file.
func LoadDefaultConfig() (*Config, error) {
	config := DefaultConfig()
	if err := config.expandPaths(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Model.Path, &c.Model.CacheDir, &c.Runtime.SharedLibraryPath} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return c.Models.expand()
}

// Validate rejects values the backend cannot start with.
func (c *Config) Validate() error {
	switch c.Runtime.Mode {
	case RuntimeAuto, RuntimeCUDA, RuntimeHost:
	default:
		return fmt.Errorf("%w: runtime.mode %q", ErrInvalidConfig, c.Runtime.Mode)
	}
	switch c.Device.Graphics {
	case GraphicsSoft, GraphicsWGPU:
	default:
		return fmt.Errorf("%w: device.graphics %q", ErrInvalidConfig, c.Device.Graphics)
	}
	if c.Runtime.MaxWidth <= 0 || c.Runtime.MaxHeight <= 0 {
		return fmt.Errorf("%w: runtime.maxWidth and runtime.maxHeight must be positive", ErrInvalidConfig)
	}
	if c.Runtime.BuilderOptimizationLevel < 0 || c.Runtime.BuilderOptimizationLevel > 5 {
		return fmt.Errorf("%w: runtime.builderOptimizationLevel %d not in [0, 5]", ErrInvalidConfig, c.Runtime.BuilderOptimizationLevel)
	}
	if _, _, err := c.ComputeCapability(); err != nil {
		return err
	}
	return nil
}

// ComputeCapability parses device.computeCapability.
func (c *Config) ComputeCapability() (major, minor int, err error) {
	s := c.Device.ComputeCapability
	majorStr, minorStr, ok := strings.Cut(s, ".")
	if !ok {
		return 0, 0, fmt.Errorf("%w: device.computeCapability %q is not major.minor", ErrInvalidConfig, s)
	}
	if major, err = strconv.Atoi(majorStr); err != nil {
		return 0, 0, fmt.Errorf("%w: device.computeCapability %q: %v", ErrInvalidConfig, s, err)
	}
	if minor, err = strconv.Atoi(minorStr); err != nil {
		return 0, 0, fmt.Errorf("%w: device.computeCapability %q: %v", ErrInvalidConfig, s, err)
	}
	return major, minor, nil
}

// ResolveModel returns the model file for name: model.path when name is
// empty, the catalog entry when name is a catalog key, and name itself as a
// path otherwise.
func (c *Config) ResolveModel(name string) (string, error) {
	if name == "" {
		if c.Model.Path == "" {
			return "", fmt.Errorf("%w: no model configured", ErrInvalidConfig)
		}
		return c.Model.Path, nil
	}
	if path, ok := c.Models[name]; ok {
		return path, nil
	}
	return homedir.Expand(name)
}

// InitHome creates home and writes template as its config file. An existing
// config file is left untouched and reported with os.ErrExist.
func InitHome(home string, template []byte) (string, error) {
	home, err := homedir.Expand(home)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(home, ConfigFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return path, err
	}
	if _, err := f.Write(template); err != nil {
		f.Close()
		return path, err
	}
	return path, f.Close()
}
