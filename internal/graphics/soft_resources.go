package graphics

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/x448/float16"
)

type softTexture struct {
	device   *SoftDevice
	desc     TextureDesc
	pixels   []byte // RGBA8, tightly packed rows
	released atomic.Bool
}

func (t *softTexture) Label() string     { return t.desc.Label }
func (t *softTexture) Desc() TextureDesc { return t.desc }
func (t *softTexture) isReleased() bool  { return t.released.Load() }

func (t *softTexture) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.device.textures.Add(-1)
	}
}

func (t *softTexture) Size() (uint32, uint32) { return t.desc.Width, t.desc.Height }

func (t *softTexture) Texel(x, y int) [4]float32 {
	i := (y*int(t.desc.Width) + x) * 4
	p := t.pixels[i : i+4 : i+4]
	return [4]float32{
		float32(p[0]) / 255,
		float32(p[1]) / 255,
		float32(p[2]) / 255,
		float32(p[3]) / 255,
	}
}

func (t *softTexture) SetTexel(x, y int, v [4]float32) {
	i := (y*int(t.desc.Width) + x) * 4
	p := t.pixels[i : i+4 : i+4]
	for c := range p {
		p[c] = unorm8(v[c])
	}
}

func unorm8(v float32) uint8 {
	if !(v > 0) { // also catches NaN
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

type softBuffer struct {
	device   *SoftDevice
	desc     BufferDesc
	mem      []byte
	released atomic.Bool
}

func (b *softBuffer) Label() string    { return b.desc.Label }
func (b *softBuffer) Desc() BufferDesc { return b.desc }

func (b *softBuffer) HostBytes() []byte {
	if b.isReleased() {
		return nil
	}
	return b.mem
}

func (b *softBuffer) Released() bool   { return b.isReleased() }
func (b *softBuffer) isReleased() bool { return b.released.Load() }

func (b *softBuffer) Release() {
	if b.released.CompareAndSwap(false, true) {
		_ = freeHostMemory(b.mem)
		b.device.buffers.Add(-1)
	}
}

type softTextureView struct {
	device   *SoftDevice
	tex      *softTexture
	kind     string
	released atomic.Bool
}

func (v *softTextureView) Label() string             { return v.tex.desc.Label + "/" + v.kind }
func (v *softTextureView) Target() Resource          { return v.tex }
func (v *softTextureView) isReleased() bool          { return v.released.Load() }
func (v *softTextureView) Size() (uint32, uint32)    { return v.tex.Size() }
func (v *softTextureView) Texel(x, y int) [4]float32 { return v.tex.Texel(x, y) }

func (v *softTextureView) SetTexel(x, y int, c [4]float32) {
	v.tex.SetTexel(x, y, c)
}

func (v *softTextureView) Release() {
	if v.released.CompareAndSwap(false, true) {
		v.device.views.Add(-1)
	}
}

// softBufferView reads and writes typed elements. Out-of-range reads return
// zero and out-of-range writes are dropped, as with typed GPU buffer views.
type softBufferView struct {
	device   *SoftDevice
	buf      *softBuffer
	desc     BufferViewDesc
	elemSize int
	kind     string
	released atomic.Bool
}

func (v *softBufferView) Label() string    { return v.buf.desc.Label + "/" + v.kind }
func (v *softBufferView) Target() Resource { return v.buf }
func (v *softBufferView) isReleased() bool { return v.released.Load() }
func (v *softBufferView) Len() int         { return int(v.desc.NumElements) }

func (v *softBufferView) Element(i int) float32 {
	if i < 0 || i >= int(v.desc.NumElements) {
		return 0
	}
	off := i * v.elemSize
	if v.desc.Format == gputypes.TextureFormatR16Float {
		return float16.Frombits(binary.LittleEndian.Uint16(v.buf.mem[off:])).Float32()
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(v.buf.mem[off:]))
}

func (v *softBufferView) SetElement(i int, f float32) {
	if i < 0 || i >= int(v.desc.NumElements) {
		return
	}
	off := i * v.elemSize
	if v.desc.Format == gputypes.TextureFormatR16Float {
		binary.LittleEndian.PutUint16(v.buf.mem[off:], float16.Fromfloat32(f).Bits())
		return
	}
	binary.LittleEndian.PutUint32(v.buf.mem[off:], math.Float32bits(f))
}

func (v *softBufferView) Release() {
	if v.released.CompareAndSwap(false, true) {
		v.device.views.Add(-1)
	}
}

type softSampler struct {
	device   *SoftDevice
	desc     SamplerDesc
	released atomic.Bool
}

func (s *softSampler) Label() string     { return "sampler" }
func (s *softSampler) Desc() SamplerDesc { return s.desc }
func (s *softSampler) isReleased() bool  { return s.released.Load() }

func (s *softSampler) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.device.samplers.Add(-1)
	}
}

type softShader struct {
	device   *SoftDevice
	kernel   Kernel
	released atomic.Bool
}

func (s *softShader) Label() string    { return s.kernel.Label }
func (s *softShader) Kernel() Kernel   { return s.kernel }
func (s *softShader) isReleased() bool { return s.released.Load() }

func (s *softShader) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.device.shaders.Add(-1)
	}
}
