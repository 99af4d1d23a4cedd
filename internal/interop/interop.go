// Package interop shares the backend's input and output buffers between the
// graphics pipeline and the compute runtime.
//
// Both buffers move together between two owners. They start with the
// graphics pipeline; Map hands them to the compute runtime and Unmap hands
// them back. A failed Map always leaves them with the graphics pipeline.
package interop

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxnlabs/frame-upscaler/internal/gpu"
	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"go.uber.org/zap"
)

var (
	ErrRegister      = errors.New("interop: failed to register buffer")
	ErrMap           = errors.New("interop: failed to map buffers")
	ErrUnmap         = errors.New("interop: failed to unmap buffers")
	ErrAlreadyMapped = errors.New("interop: buffers already mapped")
	ErrNotMapped     = errors.New("interop: buffers not mapped")
	ErrClosed        = errors.New("interop: shared buffers closed")
)

// Region is a mapped buffer as seen by the compute runtime.
type Region = gpu.Region

// Mapping holds both regions while the buffers are mapped. The regions are
// only valid until Unmap.
type Mapping struct {
	Input  Region
	Output Region
}

// State is the current owner of the shared buffers.
type State int

const (
	StateGraphics State = iota
	StateCompute
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGraphics:
		return "graphics"
	case StateCompute:
		return "compute"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SharedBuffers is the interop registration of an input/output buffer pair.
type SharedBuffers struct {
	logger *zap.Logger
	rt     gpu.ComputeRuntime

	mu    sync.Mutex
	in    gpu.Registration
	out   gpu.Registration
	state State
}

// Register registers both buffers with rt. The input buffer is hinted
// read-only for the compute side and the output buffer write-discard. On
// failure nothing stays registered.
func Register(logger *zap.Logger, rt gpu.ComputeRuntime, input, output graphics.Buffer) (*SharedBuffers, error) {
	in, err := rt.RegisterBuffer(input)
	if err != nil {
		return nil, fmt.Errorf("%w: input %q: %w", ErrRegister, input.Label(), err)
	}
	logger = logger.Named("interop")
	out, err := rt.RegisterBuffer(output)
	if err != nil {
		if uerr := rt.Unregister(in); uerr != nil {
			logger.Error("failed to unregister input after output registration failure", zap.Error(uerr))
		}
		return nil, fmt.Errorf("%w: output %q: %w", ErrRegister, output.Label(), err)
	}

	s := &SharedBuffers{logger: logger, rt: rt, in: in, out: out}
	if err := rt.SetMapFlags(in, gpu.MapFlagsReadOnly); err != nil {
		s.rollback()
		return nil, fmt.Errorf("%w: input map flags: %w", ErrRegister, err)
	}
	if err := rt.SetMapFlags(out, gpu.MapFlagsWriteDiscard); err != nil {
		s.rollback()
		return nil, fmt.Errorf("%w: output map flags: %w", ErrRegister, err)
	}
	return s, nil
}

// State reports the current owner.
func (s *SharedBuffers) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Map hands both buffers to the compute runtime and returns their regions.
func (s *SharedBuffers) Map() (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCompute:
		return Mapping{}, ErrAlreadyMapped
	case StateClosed:
		return Mapping{}, ErrClosed
	}

	if err := s.rt.MapResources(s.in, s.out); err != nil {
		return Mapping{}, fmt.Errorf("%w: %w", ErrMap, err)
	}
	in, err := s.rt.MappedRegion(s.in)
	if err == nil {
		var out Region
		out, err = s.rt.MappedRegion(s.out)
		if err == nil {
			s.state = StateCompute
			return Mapping{Input: in, Output: out}, nil
		}
	}

	if uerr := s.rt.UnmapResources(s.in, s.out); uerr != nil {
		s.logger.Error("failed to unmap after region query failure", zap.Error(uerr))
		return Mapping{}, fmt.Errorf("%w: %w (unmap: %v)", ErrMap, err, uerr)
	}
	return Mapping{}, fmt.Errorf("%w: %w", ErrMap, err)
}

// Unmap hands both buffers back to the graphics pipeline.
func (s *SharedBuffers) Unmap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateGraphics:
		return ErrNotMapped
	case StateClosed:
		return ErrClosed
	}
	if err := s.rt.UnmapResources(s.in, s.out); err != nil {
		return fmt.Errorf("%w: %w", ErrUnmap, err)
	}
	s.state = StateGraphics
	return nil
}

// Close unmaps if needed and unregisters both buffers. The caller may
// release the buffers once Registered reports false. If the unmap fails both
// registrations are kept and Close may be called again. Close is idempotent.
func (s *SharedBuffers) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	if s.state == StateCompute {
		if err := s.rt.UnmapResources(s.in, s.out); err != nil {
			return fmt.Errorf("%w: buffers stay registered: %w", ErrUnmap, err)
		}
		s.state = StateGraphics
	}
	err := s.unregisterAll()
	s.state = StateClosed
	return err
}

// Registered reports whether the compute runtime may still hold the buffers.
func (s *SharedBuffers) Registered() bool {
	return s.State() != StateClosed
}

func (s *SharedBuffers) rollback() {
	if err := s.unregisterAll(); err != nil {
		s.logger.Error("failed to unregister after registration failure", zap.Error(err))
	}
}

func (s *SharedBuffers) unregisterAll() error {
	var errs []error
	if err := s.rt.Unregister(s.in); err != nil {
		errs = append(errs, fmt.Errorf("unregister input: %w", err))
	}
	if err := s.rt.Unregister(s.out); err != nil {
		errs = append(errs, fmt.Errorf("unregister output: %w", err))
	}
	return errors.Join(errs...)
}
