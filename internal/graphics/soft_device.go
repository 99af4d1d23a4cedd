package graphics

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

// SoftAdapter is the adapter reported by a SoftDevice.
type SoftAdapter struct {
	name     string
	pciBusID string
}

func NewSoftAdapter(name, pciBusID string) *SoftAdapter {
	return &SoftAdapter{name: name, pciBusID: pciBusID}
}

func (a *SoftAdapter) Name() string     { return a.name }
func (a *SoftAdapter) PCIBusID() string { return a.pciBusID }

// LiveCounts is the number of unreleased objects a SoftDevice has handed out.
type LiveCounts struct {
	Textures int
	Buffers  int
	Views    int
	Samplers int
	Shaders  int
}

// Total sums every live object.
func (c LiveCounts) Total() int {
	return c.Textures + c.Buffers + c.Views + c.Samplers + c.Shaders
}

// SoftDevice executes compute kernels in-process over host memory. Buffers
// live outside the Go heap, so a compute runtime may pin and alias them.
type SoftDevice struct {
	adapter Adapter
	ctx     *SoftContext

	textures atomic.Int64
	buffers  atomic.Int64
	views    atomic.Int64
	samplers atomic.Int64
	shaders  atomic.Int64
}

func NewSoftDevice(adapter Adapter) *SoftDevice {
	d := &SoftDevice{adapter: adapter}
	d.ctx = &SoftContext{device: d}
	return d
}

func (d *SoftDevice) Adapter() Adapter { return d.adapter }

// ImmediateContext returns the device's single dispatch context.
func (d *SoftDevice) ImmediateContext() *SoftContext { return d.ctx }

// Live reports objects created and not yet released.
func (d *SoftDevice) Live() LiveCounts {
	return LiveCounts{
		Textures: int(d.textures.Load()),
		Buffers:  int(d.buffers.Load()),
		Views:    int(d.views.Load()),
		Samplers: int(d.samplers.Load()),
		Shaders:  int(d.shaders.Load()),
	}
}

func (d *SoftDevice) CreateTexture2D(desc TextureDesc) (Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("texture %q %dx%d: %w", desc.Label, desc.Width, desc.Height, ErrInvalidSize)
	}
	if desc.Format != gputypes.TextureFormatRGBA8Unorm {
		return nil, fmt.Errorf("texture %q format %v: %w", desc.Label, desc.Format, ErrUnsupportedFormat)
	}
	t := &softTexture{
		device: d,
		desc:   desc,
		pixels: make([]byte, int(desc.Width)*int(desc.Height)*4),
	}
	d.textures.Add(1)
	return t, nil
}

func (d *SoftDevice) CreateBuffer(desc BufferDesc) (Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q: %w", desc.Label, ErrInvalidSize)
	}
	mem, err := allocHostMemory(int(desc.Size))
	if err != nil {
		return nil, fmt.Errorf("buffer %q: %w", desc.Label, err)
	}
	b := &softBuffer{device: d, desc: desc, mem: mem}
	d.buffers.Add(1)
	return b, nil
}

func (d *SoftDevice) CreateTextureSRV(tex Texture) (ShaderResourceView, error) {
	t, err := d.ownTexture(tex)
	if err != nil {
		return nil, err
	}
	if t.desc.Usage&gputypes.TextureUsageTextureBinding == 0 {
		return nil, fmt.Errorf("srv on texture %q: %w", t.desc.Label, ErrUsageMismatch)
	}
	d.views.Add(1)
	return &softTextureView{device: d, tex: t, kind: "srv"}, nil
}

func (d *SoftDevice) CreateTextureUAV(tex Texture) (UnorderedAccessView, error) {
	t, err := d.ownTexture(tex)
	if err != nil {
		return nil, err
	}
	if t.desc.Usage&gputypes.TextureUsageStorageBinding == 0 {
		return nil, fmt.Errorf("uav on texture %q: %w", t.desc.Label, ErrUsageMismatch)
	}
	d.views.Add(1)
	return &softTextureView{device: d, tex: t, kind: "uav"}, nil
}

func (d *SoftDevice) CreateBufferSRV(buf Buffer, desc BufferViewDesc) (ShaderResourceView, error) {
	return d.createBufferView(buf, desc, "srv")
}

func (d *SoftDevice) CreateBufferUAV(buf Buffer, desc BufferViewDesc) (UnorderedAccessView, error) {
	return d.createBufferView(buf, desc, "uav")
}

func (d *SoftDevice) createBufferView(buf Buffer, desc BufferViewDesc, kind string) (*softBufferView, error) {
	b, ok := buf.(*softBuffer)
	if !ok || b.device != d {
		return nil, ErrForeignResource
	}
	if b.isReleased() {
		return nil, fmt.Errorf("%s on buffer %q: %w", kind, b.desc.Label, ErrReleased)
	}
	if b.desc.Usage&gputypes.BufferUsageStorage == 0 {
		return nil, fmt.Errorf("%s on buffer %q: %w", kind, b.desc.Label, ErrUsageMismatch)
	}
	size, err := ElementSize(desc.Format)
	if err != nil {
		return nil, fmt.Errorf("%s on buffer %q: %w", kind, b.desc.Label, err)
	}
	if desc.NumElements == 0 || uint64(desc.NumElements)*uint64(size) > b.desc.Size {
		return nil, fmt.Errorf("%s on buffer %q: %d elements of %d bytes exceed %d bytes: %w",
			kind, b.desc.Label, desc.NumElements, size, b.desc.Size, ErrInvalidSize)
	}
	d.views.Add(1)
	return &softBufferView{device: d, buf: b, desc: desc, elemSize: size, kind: kind}, nil
}

func (d *SoftDevice) CreateSampler(desc SamplerDesc) (Sampler, error) {
	d.samplers.Add(1)
	return &softSampler{device: d, desc: desc}, nil
}

func (d *SoftDevice) CreateComputeShader(kernel Kernel) (ComputeShader, error) {
	if kernel.Body == nil || kernel.BlockX == 0 || kernel.BlockY == 0 {
		return nil, fmt.Errorf("kernel %q: %w", kernel.Label, ErrInvalidKernel)
	}
	// Bodies stand in for the payload here, but a payload that would not
	// compile on hardware is still rejected.
	if kernel.Source != "" {
		if _, err := ReflectKernel(kernel.Source); err != nil {
			return nil, fmt.Errorf("kernel %q: %w", kernel.Label, err)
		}
	}
	d.shaders.Add(1)
	return &softShader{device: d, kernel: kernel}, nil
}

func (d *SoftDevice) ownTexture(tex Texture) (*softTexture, error) {
	t, ok := tex.(*softTexture)
	if !ok || t.device != d {
		return nil, ErrForeignResource
	}
	if t.isReleased() {
		return nil, fmt.Errorf("texture %q: %w", t.desc.Label, ErrReleased)
	}
	return t, nil
}

// SoftContext is the immediate context of a SoftDevice.
type SoftContext struct {
	device   *SoftDevice
	srvs     [MaxSlots]ShaderResourceView
	uavs     [MaxSlots]UnorderedAccessView
	samplers [MaxSlots]Sampler
	shader   ComputeShader

	dispatches int
}

func (c *SoftContext) SetShaderResource(slot int, view ShaderResourceView) error {
	if slot < 0 || slot >= MaxSlots {
		return ErrSlotOutOfRange
	}
	c.srvs[slot] = view
	return nil
}

func (c *SoftContext) SetUnorderedAccess(slot int, view UnorderedAccessView) error {
	if slot < 0 || slot >= MaxSlots {
		return ErrSlotOutOfRange
	}
	c.uavs[slot] = view
	return nil
}

func (c *SoftContext) SetSampler(slot int, sampler Sampler) error {
	if slot < 0 || slot >= MaxSlots {
		return ErrSlotOutOfRange
	}
	c.samplers[slot] = sampler
	return nil
}

func (c *SoftContext) SetShader(shader ComputeShader) {
	c.shader = shader
}

// Bound reports whether any SRV or UAV slot still holds a view.
func (c *SoftContext) Bound() bool {
	for i := 0; i < MaxSlots; i++ {
		if c.srvs[i] != nil || c.uavs[i] != nil {
			return true
		}
	}
	return false
}

// Dispatches is the number of successful Dispatch calls.
func (c *SoftContext) Dispatches() int { return c.dispatches }

// Dispatch runs x*y*z thread groups of the bound kernel. Groups are spread
// over GOMAXPROCS workers; kernels must only write locations owned by their
// own threads.
func (c *SoftContext) Dispatch(x, y, z uint32) error {
	if c.shader == nil {
		return ErrNoShader
	}
	if isReleased(c.shader) {
		return fmt.Errorf("shader %q: %w", c.shader.Label(), ErrReleased)
	}
	env := &bindingTable{srvs: c.srvs, uavs: c.uavs, samplers: c.samplers}
	if err := env.validate(); err != nil {
		return err
	}
	if x == 0 || y == 0 || z == 0 {
		return nil
	}

	body := c.shader.Kernel().Body
	rows := make(chan uint32)
	workers := runtime.GOMAXPROCS(0)
	if total := int(y * z); workers > total {
		workers = total
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for gy := range rows {
				for gx := uint32(0); gx < x; gx++ {
					if err := body(env, gx, gy); err != nil {
						errOnce.Do(func() { firstErr = err })
						break
					}
				}
			}
		}()
	}
	for gz := uint32(0); gz < z; gz++ {
		for gy := uint32(0); gy < y; gy++ {
			rows <- gy
		}
	}
	close(rows)
	wg.Wait()

	if firstErr != nil {
		return fmt.Errorf("dispatch %q: %w", c.shader.Label(), firstErr)
	}
	c.dispatches++
	return nil
}

type bindingTable struct {
	srvs     [MaxSlots]ShaderResourceView
	uavs     [MaxSlots]UnorderedAccessView
	samplers [MaxSlots]Sampler
}

func (b *bindingTable) validate() error {
	for i := 0; i < MaxSlots; i++ {
		if v := b.srvs[i]; v != nil && (isReleased(v) || isReleased(v.Target())) {
			return fmt.Errorf("srv slot %d: %w", i, ErrReleased)
		}
		if v := b.uavs[i]; v != nil && (isReleased(v) || isReleased(v.Target())) {
			return fmt.Errorf("uav slot %d: %w", i, ErrReleased)
		}
	}
	return nil
}

func (b *bindingTable) ShaderResource(slot int) ShaderResourceView {
	if slot < 0 || slot >= MaxSlots {
		return nil
	}
	return b.srvs[slot]
}

func (b *bindingTable) UnorderedAccess(slot int) UnorderedAccessView {
	if slot < 0 || slot >= MaxSlots {
		return nil
	}
	return b.uavs[slot]
}

func (b *bindingTable) Sampler(slot int) Sampler {
	if slot < 0 || slot >= MaxSlots {
		return nil
	}
	return b.samplers[slot]
}

type releasable interface {
	isReleased() bool
}

func isReleased(r Resource) bool {
	rr, ok := r.(releasable)
	return ok && rr.isReleased()
}
