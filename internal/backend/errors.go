package backend

import (
	"errors"
	"fmt"
)

// Session-fatal errors returned by Initialize. The backend holds no
// resources after any of them.
var (
	ErrDeviceIncapable        = errors.New("backend: device cannot run accelerated inference")
	ErrFrameSizeOutOfRange    = errors.New("backend: frame size outside the engine profile")
	ErrSessionCreate          = errors.New("backend: failed to create inference session")
	ErrUnsupportedElementType = errors.New("backend: model input element type not supported")
	ErrResourceCreate         = errors.New("backend: failed to create GPU resource")
	ErrKernelCreate           = errors.New("backend: failed to create conversion kernel")
	ErrInteropRegister        = errors.New("backend: failed to register interop buffers")
)

var (
	ErrAlreadyInitialized = errors.New("backend: already initialized")
	ErrNotInitialized     = errors.New("backend: not initialized")
	ErrClosed             = errors.New("backend: closed")
	// ErrStillRegistered is returned by Close while the compute runtime holds
	// the shared buffers. Close may be called again.
	ErrStillRegistered = errors.New("backend: buffer still registered with the compute runtime")
)

// Stage is the step of a frame evaluation.
type Stage string

const (
	StageConvertIn  Stage = "convert-in"
	StageMap        Stage = "map"
	StageRun        Stage = "run"
	StageUnmap      Stage = "unmap"
	StageConvertOut Stage = "convert-out"
	StageUnbind     Stage = "unbind"
)

// FrameError reports an abandoned frame. The output texture keeps the
// previous frame and the backend stays usable.
type FrameError struct {
	Stage Stage
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame abandoned at %s: %v", e.Stage, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// initFailureKind labels an Initialize error for metrics.
func initFailureKind(err error) string {
	switch {
	case errors.Is(err, ErrDeviceIncapable):
		return "device"
	case errors.Is(err, ErrFrameSizeOutOfRange):
		return "frame_size"
	case errors.Is(err, ErrSessionCreate):
		return "session"
	case errors.Is(err, ErrUnsupportedElementType):
		return "element_type"
	case errors.Is(err, ErrResourceCreate):
		return "resource"
	case errors.Is(err, ErrKernelCreate):
		return "kernel"
	case errors.Is(err, ErrInteropRegister):
		return "interop"
	default:
		return "other"
	}
}
