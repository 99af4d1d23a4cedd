package graphics

import (
	"math"

	"github.com/gogpu/gputypes"
)

// Kernel is a compute kernel: its shader payload plus the reference body the
// software device executes for each thread group.
type Kernel struct {
	Label string
	// Source is the WGSL payload compiled by hardware devices.
	Source string
	BlockX uint32
	BlockY uint32
	Body   KernelFunc
}

// KernelFunc runs every thread of group (gx, gy) against the bound resources.
type KernelFunc func(env KernelEnv, gx, gy uint32) error

// KernelEnv is the binding table visible to a kernel during a dispatch.
type KernelEnv interface {
	ShaderResource(slot int) ShaderResourceView
	UnorderedAccess(slot int) UnorderedAccessView
	Sampler(slot int) Sampler
}

// TexelReader reads normalized RGBA texels.
type TexelReader interface {
	Size() (width, height uint32)
	Texel(x, y int) [4]float32
}

// TexelWriter stores normalized RGBA texels; values are clamped to [0, 1].
type TexelWriter interface {
	Size() (width, height uint32)
	SetTexel(x, y int, v [4]float32)
}

// ElementReader reads elements of a typed buffer view as float32.
type ElementReader interface {
	Len() int
	Element(i int) float32
}

// ElementWriter stores float32 values into a typed buffer view, converting to
// the view format.
type ElementWriter interface {
	Len() int
	SetElement(i int, v float32)
}

// Sample reads src at normalized coordinates (u, v) the way a sampler with
// desc s would at mip level 0.
func Sample(src TexelReader, s SamplerDesc, u, v float32) [4]float32 {
	w, h := src.Size()
	if w == 0 || h == 0 {
		return [4]float32{}
	}
	if s.Filter == gputypes.FilterModeLinear {
		return sampleLinear(src, s.Address, u, v)
	}
	x := address(int(math.Floor(float64(u*float32(w)))), int(w), s.Address)
	y := address(int(math.Floor(float64(v*float32(h)))), int(h), s.Address)
	return src.Texel(x, y)
}

func sampleLinear(src TexelReader, mode gputypes.AddressMode, u, v float32) [4]float32 {
	w, h := src.Size()
	fx := u*float32(w) - 0.5
	fy := v*float32(h) - 0.5
	x0 := int(math.Floor(float64(fx)))
	y0 := int(math.Floor(float64(fy)))
	ax := fx - float32(x0)
	ay := fy - float32(y0)

	t00 := src.Texel(address(x0, int(w), mode), address(y0, int(h), mode))
	t10 := src.Texel(address(x0+1, int(w), mode), address(y0, int(h), mode))
	t01 := src.Texel(address(x0, int(w), mode), address(y0+1, int(h), mode))
	t11 := src.Texel(address(x0+1, int(w), mode), address(y0+1, int(h), mode))

	var out [4]float32
	for i := range out {
		top := t00[i] + (t10[i]-t00[i])*ax
		bottom := t01[i] + (t11[i]-t01[i])*ax
		out[i] = top + (bottom-top)*ay
	}
	return out
}

// address resolves an out-of-range texel coordinate. The soft device only
// implements clamp-to-edge.
func address(i, n int, _ gputypes.AddressMode) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
