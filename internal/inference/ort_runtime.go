//go:build ort
// +build ort

package inference

import (
	"fmt"
	"sync"

	"github.com/fxnlabs/frame-upscaler/internal/logger"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	envOnce sync.Once
	envErr  error
)

// ORTRuntime creates sessions on ONNX Runtime with the TensorRT execution
// provider, falling through to the CUDA provider for unsupported nodes.
type ORTRuntime struct {
	logger     *zap.Logger
	sharedLibs string
}

// NewORTRuntime returns a runtime loading the ONNX Runtime shared library at
// libPath, or the platform default when empty.
func NewORTRuntime(log *zap.Logger, libPath string) *ORTRuntime {
	return &ORTRuntime{logger: log.Named("ort"), sharedLibs: libPath}
}

func (r *ORTRuntime) Name() string { return "onnxruntime" }

// initEnvironment initializes the process-wide ORT environment exactly once.
func (r *ORTRuntime) initEnvironment() error {
	envOnce.Do(func() {
		if r.sharedLibs != "" {
			ort.SetSharedLibraryPath(r.sharedLibs)
		}
		if ort.IsInitialized() {
			return
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// DetectProviders tries to configure each provider on throwaway session options.
func (r *ORTRuntime) DetectProviders() Providers {
	var p Providers
	if err := r.initEnvironment(); err != nil {
		r.logger.Warn("onnxruntime environment unavailable", zap.Error(err))
		return p
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return p
	}
	defer opts.Destroy()

	if trt, err := ort.NewTensorRTProviderOptions(); err == nil {
		p.TensorRT = opts.AppendExecutionProviderTensorRT(trt) == nil
		trt.Destroy()
	}
	if cuda, err := ort.NewCUDAProviderOptions(); err == nil {
		p.CUDA = opts.AppendExecutionProviderCUDA(cuda) == nil
		cuda.Destroy()
	}
	r.logger.Debug("detected execution providers", zap.Bool("tensorrt", p.TensorRT), zap.Bool("cuda", p.CUDA))
	return p
}

func (r *ORTRuntime) NewSession(cfg SessionConfig) (Session, error) {
	if err := r.initEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	if !Capabilities(r).TensorRT {
		cfg.emit(logger.SeverityError, "TensorRT execution provider is not available")
		return nil, fmt.Errorf("%w: tensorrt", ErrProviderUnavailable)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read model %s: %w", ErrSessionCreate, cfg.ModelPath, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: model %s declares no inputs or outputs", ErrSessionCreate, cfg.ModelPath)
	}
	elem := elementType(inputs[0].DataType)
	if elem == ElementUnknown {
		return nil, fmt.Errorf("model input %q is %v: %w", inputs[0].Name, inputs[0].DataType, ErrUnsupportedElementType)
	}

	opts, err := r.sessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, opts)
	if err != nil {
		cfg.emit(logger.SeverityError, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}
	binding, err := session.CreateIoBinding()
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("%w: io binding: %w", ErrSessionCreate, err)
	}
	cfg.emit(logger.SeverityInfo, fmt.Sprintf("session created for %s, input %s %v",
		cfg.ModelPath, inputs[0].Name, inputs[0].Dimensions))
	return &ortSession{cfg: cfg, session: session, binding: binding, elem: elem}, nil
}

func (r *ORTRuntime) sessionOptions(cfg SessionConfig) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %w", ErrSessionCreate, err)
	}
	fail := func(step string, err error) (*ort.SessionOptions, error) {
		opts.Destroy()
		return nil, fmt.Errorf("%w: %s: %w", ErrSessionCreate, step, err)
	}

	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return fail("intra-op threads", err)
		}
	}
	if cfg.DisableCPUFallback {
		if err := opts.AddSessionConfigEntry("session.disable_cpu_ep_fallback", "1"); err != nil {
			return fail("disable cpu fallback", err)
		}
	}

	trt, err := ort.NewTensorRTProviderOptions()
	if err != nil {
		return fail("tensorrt options", err)
	}
	defer trt.Destroy()
	if err := trt.Update(cfg.Providers.TensorRT()); err != nil {
		return fail("tensorrt options", err)
	}
	if err := opts.AppendExecutionProviderTensorRT(trt); err != nil {
		return fail("append tensorrt", err)
	}

	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fail("cuda options", err)
	}
	defer cuda.Destroy()
	if err := cuda.Update(cfg.Providers.CUDA()); err != nil {
		return fail("cuda options", err)
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		return fail("append cuda", err)
	}
	return opts, nil
}

type ortSession struct {
	cfg     SessionConfig
	session *ort.DynamicAdvancedSession
	binding *ort.IoBinding
	elem    ElementType
}

func (s *ortSession) InputType() ElementType { return s.elem }

// Run wraps the caller's memory in tensors for the duration of the run and
// binds them by name, so the providers write straight into it.
func (s *ortSession) Run(inputs, outputs []Tensor) (err error) {
	if s.session == nil {
		return ErrClosed
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRun, p)
		}
	}()

	in, err := wrapTensors(inputs)
	if err != nil {
		return err
	}
	defer destroyValues(in)
	out, err := wrapTensors(outputs)
	if err != nil {
		return err
	}
	defer destroyValues(out)

	defer s.binding.ClearBoundInputs()
	defer s.binding.ClearBoundOutputs()
	for i, v := range in {
		if err := s.binding.BindInput(inputs[i].Name, v); err != nil {
			return fmt.Errorf("%w: bind input %q: %w", ErrRun, inputs[i].Name, err)
		}
	}
	for i, v := range out {
		if err := s.binding.BindOutput(outputs[i].Name, v); err != nil {
			return fmt.Errorf("%w: bind output %q: %w", ErrRun, outputs[i].Name, err)
		}
	}

	if err := s.session.RunWithBinding(s.binding); err != nil {
		s.cfg.emit(logger.SeverityError, err.Error())
		return fmt.Errorf("%w: %w", ErrRun, err)
	}
	return nil
}

func (s *ortSession) Close() error {
	if s.session == nil {
		return nil
	}
	s.binding.Destroy()
	err := s.session.Destroy()
	s.session = nil
	return err
}

func wrapTensors(ts []Tensor) ([]ort.Value, error) {
	values := make([]ort.Value, 0, len(ts))
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			destroyValues(values)
			return nil, fmt.Errorf("%w: tensor %q: %w", ErrRun, t.Name, err)
		}
		v, err := ort.NewCustomDataTensor(ort.NewShape(t.Shape...), t.Data[:t.Bytes()], ortElementType(t.Type))
		if err != nil {
			destroyValues(values)
			return nil, fmt.Errorf("%w: tensor %q: %w", ErrRun, t.Name, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func destroyValues(values []ort.Value) {
	for _, v := range values {
		_ = v.Destroy()
	}
}

func elementType(t ort.TensorElementDataType) ElementType {
	switch t {
	case ort.TensorElementDataTypeFloat16:
		return Float16
	case ort.TensorElementDataTypeFloat:
		return Float32
	default:
		return ElementUnknown
	}
}

func ortElementType(e ElementType) ort.TensorElementDataType {
	if e == Float16 {
		return ort.TensorElementDataTypeFloat16
	}
	return ort.TensorElementDataTypeFloat
}
