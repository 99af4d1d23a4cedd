//go:build !cuda
// +build !cuda

package gpu

import (
	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"go.uber.org/zap"
)

// CUDARuntime is a stub when built without the cuda tag. It is never
// available and every operation returns ErrUnavailable.
type CUDARuntime struct{}

func NewCUDARuntime(*zap.Logger) *CUDARuntime { return &CUDARuntime{} }

func (c *CUDARuntime) Name() string      { return "cuda" }
func (c *CUDARuntime) IsAvailable() bool { return false }

func (c *CUDARuntime) DeviceForAdapter(graphics.Adapter) (DeviceID, error) {
	return 0, ErrUnavailable
}

func (c *CUDARuntime) ComputeCapability(DeviceID) (int, int, error) {
	return 0, 0, ErrUnavailable
}

func (c *CUDARuntime) DeviceInfo(DeviceID) (DeviceInfo, error) {
	return DeviceInfo{Name: "CUDA not available"}, ErrUnavailable
}

func (c *CUDARuntime) SetDevice(DeviceID) error { return ErrUnavailable }

func (c *CUDARuntime) RegisterBuffer(graphics.Buffer) (Registration, error) {
	return nil, ErrUnavailable
}

func (c *CUDARuntime) SetMapFlags(Registration, MapFlags) error { return ErrUnavailable }
func (c *CUDARuntime) MapResources(...Registration) error       { return ErrUnavailable }
func (c *CUDARuntime) UnmapResources(...Registration) error     { return ErrUnavailable }
func (c *CUDARuntime) Unregister(Registration) error            { return ErrUnavailable }
func (c *CUDARuntime) Synchronize() error                       { return ErrUnavailable }

func (c *CUDARuntime) MappedRegion(Registration) (Region, error) {
	return Region{}, ErrUnavailable
}
