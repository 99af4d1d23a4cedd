// Package graphics describes the graphics-device surface the upscaler needs:
// 2D textures, raw buffers, typed views over both, samplers and compute
// kernels dispatched on an immediate context.
//
// SoftDevice is the in-process implementation. It keeps every allocation in
// page-aligned host memory so a compute runtime can register the same bytes
// for interop without copying. Binaries built with the wgpu tag also carry
// WGPUDevice, which dispatches the same kernels on a WebGPU adapter.
package graphics

import (
	"errors"

	"github.com/gogpu/gputypes"
)

var (
	ErrReleased          = errors.New("graphics: resource has been released")
	ErrInvalidSize       = errors.New("graphics: invalid resource size")
	ErrUnsupportedFormat = errors.New("graphics: unsupported format")
	ErrUsageMismatch     = errors.New("graphics: view does not match resource usage")
	ErrForeignResource   = errors.New("graphics: resource belongs to another device")
	ErrInvalidKernel     = errors.New("graphics: invalid compute kernel")
	ErrNoShader          = errors.New("graphics: no compute shader bound")
	ErrSlotOutOfRange    = errors.New("graphics: binding slot out of range")
	ErrUnbound           = errors.New("graphics: kernel resource not bound")
	ErrNoAdapter         = errors.New("graphics: no WebGPU adapter")
)

// MaxSlots is the number of SRV, UAV and sampler slots on a context.
const MaxSlots = 8

// Adapter identifies the physical GPU a device was created on.
type Adapter interface {
	Name() string
	// PCIBusID is the "domain:bus:device.function" address used to match the
	// adapter with a compute device.
	PCIBusID() string
}

// Resource is anything allocated by a Device.
type Resource interface {
	Label() string
	Release()
}

type TextureDesc struct {
	Label  string
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
}

type Texture interface {
	Resource
	Desc() TextureDesc
}

type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
}

type Buffer interface {
	Resource
	Desc() BufferDesc
}

// BufferViewDesc types the elements of a raw buffer view.
type BufferViewDesc struct {
	Format      gputypes.TextureFormat
	NumElements uint32
}

type ShaderResourceView interface {
	Resource
	Target() Resource
}

type UnorderedAccessView interface {
	Resource
	Target() Resource
}

type SamplerDesc struct {
	Filter  gputypes.FilterMode
	Address gputypes.AddressMode
}

type Sampler interface {
	Resource
	Desc() SamplerDesc
}

type ComputeShader interface {
	Resource
	Kernel() Kernel
}

// Device allocates resources. Implementations must be safe for concurrent use.
type Device interface {
	CreateTexture2D(desc TextureDesc) (Texture, error)
	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateTextureSRV(tex Texture) (ShaderResourceView, error)
	CreateTextureUAV(tex Texture) (UnorderedAccessView, error)
	CreateBufferSRV(buf Buffer, desc BufferViewDesc) (ShaderResourceView, error)
	CreateBufferUAV(buf Buffer, desc BufferViewDesc) (UnorderedAccessView, error)
	CreateSampler(desc SamplerDesc) (Sampler, error)
	CreateComputeShader(kernel Kernel) (ComputeShader, error)
}

// Context records compute state and dispatches kernels. It is not safe for
// concurrent use, matching an immediate device context.
type Context interface {
	SetShaderResource(slot int, view ShaderResourceView) error
	SetUnorderedAccess(slot int, view UnorderedAccessView) error
	SetSampler(slot int, sampler Sampler) error
	SetShader(shader ComputeShader)
	Dispatch(x, y, z uint32) error
}

// DeviceResources exposes the active device, its adapter and a sampler cache.
type DeviceResources interface {
	Device() Device
	Context() Context
	Adapter() Adapter
	Sampler(filter gputypes.FilterMode, address gputypes.AddressMode) (Sampler, error)
}

// DescriptorStore resolves shader-resource views for textures owned by the
// caller, such as the frame being upscaled.
type DescriptorStore interface {
	ShaderResourceView(tex Texture) (ShaderResourceView, error)
}

// HostVisible is implemented by buffers whose storage is addressable from the
// host. The slice stays valid until the buffer is released.
type HostVisible interface {
	HostBytes() []byte
	Released() bool
}

// ElementSize returns the byte width of one element of a typed buffer view.
func ElementSize(format gputypes.TextureFormat) (int, error) {
	switch format {
	case gputypes.TextureFormatR16Float:
		return 2, nil
	case gputypes.TextureFormatR32Float:
		return 4, nil
	default:
		return 0, ErrUnsupportedFormat
	}
}
