package inference

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/fxnlabs/frame-upscaler/internal/logger"
	"github.com/x448/float16"
)

// ReferenceRuntime runs a fixed nearest-neighbour 2x upscale instead of a
// model graph. It checks the shared-memory pipeline end to end on machines
// without an inference runtime; the model file only has to exist.
type ReferenceRuntime struct {
	Type ElementType
}

// NewReferenceRuntime returns a reference runtime declaring elem as its input
// element type.
func NewReferenceRuntime(elem ElementType) *ReferenceRuntime {
	return &ReferenceRuntime{Type: elem}
}

func (r *ReferenceRuntime) Name() string { return "reference" }

// DetectProviders reports both providers as configurable.
func (r *ReferenceRuntime) DetectProviders() Providers {
	return Providers{TensorRT: true, CUDA: true}
}

func (r *ReferenceRuntime) NewSession(cfg SessionConfig) (Session, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}
	cfg.emit(logger.SeverityInfo, fmt.Sprintf("reference session for %s (%s)", cfg.ModelPath, r.Type))
	return &referenceSession{cfg: cfg, elem: r.Type}, nil
}

type referenceSession struct {
	cfg    SessionConfig
	elem   ElementType
	closed bool
}

func (s *referenceSession) InputType() ElementType { return s.elem }

func (s *referenceSession) Run(inputs, outputs []Tensor) error {
	if s.closed {
		return ErrClosed
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return fmt.Errorf("%w: expected one input and one output", ErrRun)
	}
	in, out := inputs[0], outputs[0]
	if in.Name != s.cfg.InputName {
		return fmt.Errorf("%w: model has no input %q", ErrRun, in.Name)
	}
	if out.Name != s.cfg.OutputName {
		return fmt.Errorf("%w: model has no output %q", ErrRun, out.Name)
	}
	for _, t := range []Tensor{in, out} {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: tensor %q: %w", ErrRun, t.Name, err)
		}
	}
	if len(in.Shape) != 4 || len(out.Shape) != 4 ||
		out.Shape[2] != 2*in.Shape[2] || out.Shape[3] != 2*in.Shape[3] || in.Shape[1] != out.Shape[1] {
		return fmt.Errorf("%w: cannot upscale %s to %s", ErrRun, in.Shape, out.Shape)
	}

	c, h, w := int(in.Shape[1]), int(in.Shape[2]), int(in.Shape[3])
	oh, ow := 2*h, 2*w
	for ch := 0; ch < c; ch++ {
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				v := readElement(in, ch*h*w+(y/2)*w+x/2)
				writeElement(out, ch*oh*ow+y*ow+x, v)
			}
		}
	}
	return nil
}

func (s *referenceSession) Close() error {
	s.closed = true
	return nil
}

func readElement(t Tensor, i int) float32 {
	if t.Type == Float16 {
		return float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
}

func writeElement(t Tensor, i int, v float32) {
	if t.Type == Float16 {
		binary.LittleEndian.PutUint16(t.Data[i*2:], float16.Fromfloat32(v).Bits())
		return
	}
	binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(v))
}
