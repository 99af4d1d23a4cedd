// Package inference owns the model session: provider configuration, tensor
// descriptors over shared memory and synchronous runs.
package inference

import (
	"errors"

	"github.com/fxnlabs/frame-upscaler/internal/logger"
)

var (
	ErrRuntimeUnavailable     = errors.New("inference: runtime not available")
	ErrProviderUnavailable    = errors.New("inference: execution provider not available")
	ErrSessionCreate          = errors.New("inference: failed to create session")
	ErrUnsupportedElementType = errors.New("inference: unsupported element type")
	ErrShapeMismatch          = errors.New("inference: tensor shape does not match its data")
	ErrRun                    = errors.New("inference: run failed")
	ErrClosed                 = errors.New("inference: session closed")
)

// Default tensor names bound on every run.
const (
	DefaultInputName  = "input"
	DefaultOutputName = "output"
)

// SessionConfig describes one inference session.
type SessionConfig struct {
	ModelPath  string
	InputName  string
	OutputName string
	Providers  ProviderOptions
	// IntraOpThreads bounds the runtime's CPU worker pool.
	IntraOpThreads     int
	DisableCPUFallback bool
	// LogSink receives the runtime's own log stream. Nil discards it.
	LogSink logger.Sink
}

// DefaultSessionConfig returns the configuration used for frame upscaling
// on device.
func DefaultSessionConfig(modelPath string, device int) SessionConfig {
	return SessionConfig{
		ModelPath:  modelPath,
		InputName:  DefaultInputName,
		OutputName: DefaultOutputName,
		Providers: ProviderOptions{
			DeviceID:                 device,
			FP16:                     true,
			BuilderOptimizationLevel: DefaultBuilderOptimizationLevel,
			InputName:                DefaultInputName,
			Profile:                  DefaultProfile(DefaultMaxWidth, DefaultMaxHeight),
		},
		IntraOpThreads:     1,
		DisableCPUFallback: true,
	}
}

func (c SessionConfig) emit(sev logger.Severity, msg string) {
	if c.LogSink != nil {
		c.LogSink(sev, msg)
	}
}

// Tensor describes tensor data living in memory the caller owns, typically a
// mapped interop region. Data must hold Shape.Elements() elements of Type.
type Tensor struct {
	Name  string
	Shape Shape
	Type  ElementType
	Data  []byte
}

// Validate checks that Data is exactly as large as the shape requires.
func (t Tensor) Validate() error {
	if t.Type.Size() == 0 {
		return ErrUnsupportedElementType
	}
	if int64(len(t.Data)) < t.Shape.Elements()*int64(t.Type.Size()) {
		return ErrShapeMismatch
	}
	return nil
}

// Bytes is the number of bytes the tensor covers.
func (t Tensor) Bytes() int {
	return int(t.Shape.Elements()) * t.Type.Size()
}

// Session runs a loaded model. Sessions are not safe for concurrent use.
type Session interface {
	// InputType is the element type of the model's first input.
	InputType() ElementType
	// Run binds each tensor by its Name and blocks until the runtime has
	// accepted the outputs. Device writes may still be in flight; callers
	// synchronize the compute device before reading them.
	Run(inputs, outputs []Tensor) error
	Close() error
}

// Runtime creates sessions.
type Runtime interface {
	Name() string
	// DetectProviders reports which execution providers can be configured.
	DetectProviders() Providers
	NewSession(cfg SessionConfig) (Session, error)
}
