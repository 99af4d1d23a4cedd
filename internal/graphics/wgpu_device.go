//go:build wgpu
// +build wgpu

package graphics

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu"
	_ "github.com/gogpu/wgpu/hal/allbackends"
)

// WGPUAvailable reports whether this binary carries WGPUDevice.
const WGPUAvailable = true

const readbackTimeout = 10 * time.Second

type wgpuAdapter struct {
	name     string
	pciBusID string
}

func (a *wgpuAdapter) Name() string     { return a.name }
func (a *wgpuAdapter) PCIBusID() string { return a.pciBusID }

// WGPUDevice dispatches kernels on a WebGPU adapter.
//
// Buffers keep a page-aligned host mirror so a compute runtime can register
// them like SoftDevice buffers. The context uploads the mirror of every
// buffer bound for reading before a dispatch and copies every buffer bound
// for writing back into its mirror after it.
type WGPUDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	info     *wgpuAdapter
	ctx      *WGPUContext
	f16      bool
}

// OpenWGPUDevice opens the high-performance WebGPU adapter. WebGPU does not
// expose PCI addresses, so pciBusID is reported as the adapter's address for
// matching it with a compute device.
func OpenWGPUDevice(pciBusID string) (*WGPUDevice, error) {
	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAdapter, err)
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: %w", ErrNoAdapter, err)
	}

	var features wgpu.Features
	f16 := adapter.Features().Contains(gputypes.FeatureShaderF16)
	if f16 {
		features.Insert(gputypes.FeatureShaderF16)
	}
	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:            "upscaler",
		RequiredFeatures: features,
	})
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: request device: %w", ErrNoAdapter, err)
	}

	d := &WGPUDevice{
		instance: instance,
		adapter:  adapter,
		device:   device,
		info:     &wgpuAdapter{name: adapter.Info().Name, pciBusID: pciBusID},
		f16:      f16,
	}
	d.ctx = &WGPUContext{device: d}
	return d, nil
}

// NewWGPUResources opens a WGPUDevice and wraps it. Release the device after
// the resources.
func NewWGPUResources(pciBusID string) (*Resources, ImageDevice, error) {
	d, err := OpenWGPUDevice(pciBusID)
	if err != nil {
		return nil, nil, err
	}
	return NewResources(d, d.ctx, d.info), d, nil
}

func (d *WGPUDevice) Adapter() Adapter { return d.info }

// ImmediateContext returns the device's single dispatch context.
func (d *WGPUDevice) ImmediateContext() *WGPUContext { return d.ctx }

// ShaderF16 reports whether kernels may use f16 arithmetic.
func (d *WGPUDevice) ShaderF16() bool { return d.f16 }

// Release closes the device. Every resource created on it must already be
// released.
func (d *WGPUDevice) Release() {
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

func (d *WGPUDevice) CreateTexture2D(desc TextureDesc) (Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("texture %q %dx%d: %w", desc.Label, desc.Width, desc.Height, ErrInvalidSize)
	}
	if desc.Format != gputypes.TextureFormatRGBA8Unorm {
		return nil, fmt.Errorf("texture %q format %v: %w", desc.Label, desc.Format, ErrUnsupportedFormat)
	}
	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         desc.Label,
		Size:          wgpu.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage | wgpu.TextureUsageCopySrc | wgpu.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("texture %q: %w", desc.Label, err)
	}
	return &wgpuTexture{device: d, desc: desc, tex: tex}, nil
}

// CreateTextureFromImage uploads img as an RGBA8 texture.
func (d *WGPUDevice) CreateTextureFromImage(label string, img image.Image, usage gputypes.TextureUsage) (Texture, error) {
	rgba := toRGBA(img)
	w, h := uint32(rgba.Rect.Dx()), uint32(rgba.Rect.Dy())
	tex, err := d.CreateTexture2D(TextureDesc{
		Label:  label,
		Width:  w,
		Height: h,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  usage,
	})
	if err != nil {
		return nil, err
	}
	t := tex.(*wgpuTexture)
	err = d.device.Queue().WriteTexture(
		&wgpu.ImageCopyTexture{Texture: t.tex, Aspect: gputypes.TextureAspectAll},
		rgba.Pix,
		&wgpu.ImageDataLayout{BytesPerRow: 4 * w, RowsPerImage: h},
		&wgpu.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	)
	if err != nil {
		t.Release()
		return nil, fmt.Errorf("upload texture %q: %w", label, err)
	}
	return t, nil
}

func (d *WGPUDevice) CreateBuffer(desc BufferDesc) (Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q: %w", desc.Label, ErrInvalidSize)
	}
	// Storage bindings and queue writes work in 4-byte units.
	size := (desc.Size + 3) &^ 3
	mem, err := allocHostMemory(int(size))
	if err != nil {
		return nil, fmt.Errorf("buffer %q: %w", desc.Label, err)
	}
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: desc.Usage | wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		_ = freeHostMemory(mem)
		return nil, fmt.Errorf("buffer %q: %w", desc.Label, err)
	}
	return &wgpuBuffer{device: d, desc: desc, size: size, buf: buf, mem: mem}, nil
}

func (d *WGPUDevice) CreateTextureSRV(tex Texture) (ShaderResourceView, error) {
	return d.createTextureView(tex, gputypes.TextureUsageTextureBinding, "srv")
}

func (d *WGPUDevice) CreateTextureUAV(tex Texture) (UnorderedAccessView, error) {
	return d.createTextureView(tex, gputypes.TextureUsageStorageBinding, "uav")
}

func (d *WGPUDevice) createTextureView(tex Texture, usage gputypes.TextureUsage, kind string) (*wgpuTextureView, error) {
	t, ok := tex.(*wgpuTexture)
	if !ok || t.device != d {
		return nil, ErrForeignResource
	}
	if t.isReleased() {
		return nil, fmt.Errorf("%s on texture %q: %w", kind, t.desc.Label, ErrReleased)
	}
	if t.desc.Usage&usage == 0 {
		return nil, fmt.Errorf("%s on texture %q: %w", kind, t.desc.Label, ErrUsageMismatch)
	}
	view, err := d.device.CreateTextureView(t.tex, &wgpu.TextureViewDescriptor{
		Label:           t.desc.Label + "/" + kind,
		Format:          t.desc.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("%s on texture %q: %w", kind, t.desc.Label, err)
	}
	return &wgpuTextureView{tex: t, view: view, kind: kind}, nil
}

func (d *WGPUDevice) CreateBufferSRV(buf Buffer, desc BufferViewDesc) (ShaderResourceView, error) {
	return d.createBufferView(buf, desc, "srv")
}

func (d *WGPUDevice) CreateBufferUAV(buf Buffer, desc BufferViewDesc) (UnorderedAccessView, error) {
	return d.createBufferView(buf, desc, "uav")
}

func (d *WGPUDevice) createBufferView(buf Buffer, desc BufferViewDesc, kind string) (*wgpuBufferView, error) {
	b, ok := buf.(*wgpuBuffer)
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
	if desc.Format == gputypes.TextureFormatR16Float && !d.f16 {
		return nil, fmt.Errorf("%s on buffer %q: adapter has no f16 support: %w", kind, b.desc.Label, ErrUnsupportedFormat)
	}
	bytes := uint64(desc.NumElements) * uint64(size)
	if desc.NumElements == 0 || bytes > b.desc.Size {
		return nil, fmt.Errorf("%s on buffer %q: %d elements of %d bytes exceed %d bytes: %w",
			kind, b.desc.Label, desc.NumElements, size, b.desc.Size, ErrInvalidSize)
	}
	return &wgpuBufferView{buf: b, desc: desc, bytes: (bytes + 3) &^ 3, kind: kind}, nil
}

func (d *WGPUDevice) CreateSampler(desc SamplerDesc) (Sampler, error) {
	s, err := d.device.CreateSampler(&wgpu.SamplerDescriptor{
		Label:        "sampler",
		AddressModeU: desc.Address,
		AddressModeV: desc.Address,
		AddressModeW: desc.Address,
		MagFilter:    desc.Filter,
		MinFilter:    desc.Filter,
		MipmapFilter: gputypes.FilterModeNearest,
		LodMaxClamp:  32,
		Anisotropy:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("sampler: %w", err)
	}
	return &wgpuSampler{desc: desc, sampler: s}, nil
}

// CreateComputeShader compiles the kernel's WGSL payload into a pipeline
// whose bind group layout follows the payload's declared resources.
func (d *WGPUDevice) CreateComputeShader(kernel Kernel) (ComputeShader, error) {
	if kernel.Source == "" {
		return nil, fmt.Errorf("kernel %q has no payload: %w", kernel.Label, ErrInvalidKernel)
	}
	if !d.f16 && strings.Contains(kernel.Source, "enable f16") {
		return nil, fmt.Errorf("kernel %q: adapter has no f16 support: %w", kernel.Label, ErrUnsupportedFormat)
	}
	bindings, err := ReflectKernel(kernel.Source)
	if err != nil {
		return nil, fmt.Errorf("kernel %q: %w", kernel.Label, err)
	}

	s := &wgpuShader{kernel: kernel, bindings: bindings}
	fail := func(step string, err error) (ComputeShader, error) {
		s.Release()
		return nil, fmt.Errorf("kernel %q: %s: %w", kernel.Label, step, err)
	}

	if s.module, err = d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: kernel.Label,
		WGSL:  kernel.Source,
	}); err != nil {
		return fail("shader module", err)
	}
	if s.layout, err = d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   kernel.Label,
		Entries: layoutEntries(bindings),
	}); err != nil {
		return fail("bind group layout", err)
	}
	if s.pipelineLayout, err = d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            kernel.Label,
		BindGroupLayouts: []*wgpu.BindGroupLayout{s.layout},
	}); err != nil {
		return fail("pipeline layout", err)
	}
	if s.pipeline, err = d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:      kernel.Label,
		Layout:     s.pipelineLayout,
		Module:     s.module,
		EntryPoint: "main",
	}); err != nil {
		return fail("pipeline", err)
	}
	s.device = d
	return s, nil
}

func layoutEntries(bindings []KernelBinding) []wgpu.BindGroupLayoutEntry {
	entries := make([]wgpu.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		e := wgpu.BindGroupLayoutEntry{Binding: b.Binding, Visibility: wgpu.ShaderStageCompute}
		switch {
		case b.Kind == SlotSampler:
			e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
		case b.Texture && b.Kind == SlotShaderResource:
			e.Texture = &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case b.Texture:
			e.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessWriteOnly,
				Format:        gputypes.TextureFormatRGBA8Unorm,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case b.Kind == SlotShaderResource:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
		default:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
		}
		entries[i] = e
	}
	return entries
}

// readTexture copies t into a new RGBA image through a mappable staging
// buffer. Rows are padded to the 256-byte copy pitch on the device.
func (d *WGPUDevice) readTexture(t *wgpuTexture) (*image.RGBA, error) {
	w, h := t.desc.Width, t.desc.Height
	pitch := (4*w + 255) &^ 255
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: t.desc.Label + "/readback",
		Size:  uint64(pitch) * uint64(h),
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("read texture %q: %w", t.desc.Label, err)
	}
	defer staging.Release()

	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("read texture %q: %w", t.desc.Label, err)
	}
	enc.CopyTextureToBuffer(t.tex, staging, []wgpu.BufferTextureCopy{{
		BufferLayout: wgpu.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: h},
		TextureBase:  wgpu.ImageCopyTexture{Texture: t.tex, Aspect: gputypes.TextureAspectAll},
		Size:         wgpu.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	}})
	if err := d.submit(enc); err != nil {
		return nil, fmt.Errorf("read texture %q: %w", t.desc.Label, err)
	}

	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	err = readMapped(staging, uint64(pitch)*uint64(h), func(b []byte) {
		for y := 0; y < int(h); y++ {
			copy(img.Pix[y*img.Stride:(y+1)*img.Stride], b[y*int(pitch):])
		}
	})
	if err != nil {
		return nil, fmt.Errorf("read texture %q: %w", t.desc.Label, err)
	}
	return img, nil
}

// submit runs the encoded commands and waits for the device to finish them.
func (d *WGPUDevice) submit(enc *wgpu.CommandEncoder) error {
	cmd, err := enc.Finish()
	if err != nil {
		return err
	}
	defer d.device.FreeCommandBuffer(cmd)
	if _, err := d.device.Queue().Submit(cmd); err != nil {
		return err
	}
	return d.device.WaitIdle()
}

// readMapped maps the first size bytes of buf for reading, hands them to
// read and unmaps.
func readMapped(buf *wgpu.Buffer, size uint64, read func([]byte)) error {
	ctx, cancel := context.WithTimeout(context.Background(), readbackTimeout)
	defer cancel()
	if err := buf.Map(ctx, wgpu.MapModeRead, 0, size); err != nil {
		return fmt.Errorf("map: %w", err)
	}
	rng, err := buf.MappedRange(0, size)
	if err != nil {
		_ = buf.Unmap()
		return fmt.Errorf("mapped range: %w", err)
	}
	read(rng.Bytes())
	return buf.Unmap()
}

// WGPUContext is the immediate context of a WGPUDevice.
type WGPUContext struct {
	device   *WGPUDevice
	srvs     [MaxSlots]ShaderResourceView
	uavs     [MaxSlots]UnorderedAccessView
	samplers [MaxSlots]Sampler
	shader   ComputeShader

	dispatches int
}

func (c *WGPUContext) SetShaderResource(slot int, view ShaderResourceView) error {
	if slot < 0 || slot >= MaxSlots {
		return ErrSlotOutOfRange
	}
	c.srvs[slot] = view
	return nil
}

func (c *WGPUContext) SetUnorderedAccess(slot int, view UnorderedAccessView) error {
	if slot < 0 || slot >= MaxSlots {
		return ErrSlotOutOfRange
	}
	c.uavs[slot] = view
	return nil
}

func (c *WGPUContext) SetSampler(slot int, sampler Sampler) error {
	if slot < 0 || slot >= MaxSlots {
		return ErrSlotOutOfRange
	}
	c.samplers[slot] = sampler
	return nil
}

func (c *WGPUContext) SetShader(shader ComputeShader) {
	c.shader = shader
}

// Bound reports whether any SRV or UAV slot still holds a view.
func (c *WGPUContext) Bound() bool {
	for i := 0; i < MaxSlots; i++ {
		if c.srvs[i] != nil || c.uavs[i] != nil {
			return true
		}
	}
	return false
}

// Dispatches is the number of successful Dispatch calls.
func (c *WGPUContext) Dispatches() int { return c.dispatches }

// Dispatch runs x*y*z thread groups of the bound kernel and waits for them,
// so the host mirror of every buffer the kernel writes is current on return.
func (c *WGPUContext) Dispatch(x, y, z uint32) error {
	if c.shader == nil {
		return ErrNoShader
	}
	shader, ok := c.shader.(*wgpuShader)
	if !ok || shader.device != c.device {
		return ErrForeignResource
	}
	if shader.isReleased() {
		return fmt.Errorf("shader %q: %w", shader.Label(), ErrReleased)
	}

	entries, uploads, readbacks, err := c.bindGroupEntries(shader)
	if err != nil {
		return fmt.Errorf("dispatch %q: %w", shader.Label(), err)
	}
	if x == 0 || y == 0 || z == 0 {
		return nil
	}

	d := c.device.device
	for _, b := range uploads {
		if err := d.Queue().WriteBuffer(b.buf, 0, b.mem); err != nil {
			return fmt.Errorf("dispatch %q: upload %q: %w", shader.Label(), b.desc.Label, err)
		}
	}

	group, err := d.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   shader.Label(),
		Layout:  shader.layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("dispatch %q: bind group: %w", shader.Label(), err)
	}
	defer group.Release()

	enc, err := d.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("dispatch %q: %w", shader.Label(), err)
	}
	pass, err := enc.BeginComputePass(nil)
	if err != nil {
		enc.DiscardEncoding()
		return fmt.Errorf("dispatch %q: %w", shader.Label(), err)
	}
	pass.SetPipeline(shader.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.Dispatch(x, y, z)
	if err := pass.End(); err != nil {
		enc.DiscardEncoding()
		return fmt.Errorf("dispatch %q: %w", shader.Label(), err)
	}
	for _, b := range readbacks {
		staging, err := b.stagingBuffer()
		if err != nil {
			enc.DiscardEncoding()
			return fmt.Errorf("dispatch %q: %w", shader.Label(), err)
		}
		enc.CopyBufferToBuffer(b.buf, 0, staging, 0, b.size)
	}
	if err := c.device.submit(enc); err != nil {
		return fmt.Errorf("dispatch %q: submit: %w", shader.Label(), err)
	}

	for _, b := range readbacks {
		if err := readMapped(b.staging, b.size, func(src []byte) { copy(b.mem, src) }); err != nil {
			return fmt.Errorf("dispatch %q: read back %q: %w", shader.Label(), b.desc.Label, err)
		}
	}
	c.dispatches++
	return nil
}

// bindGroupEntries resolves every resource the kernel declares from the
// context slots.
func (c *WGPUContext) bindGroupEntries(s *wgpuShader) (entries []wgpu.BindGroupEntry, uploads, readbacks []*wgpuBuffer, err error) {
	entries = make([]wgpu.BindGroupEntry, 0, len(s.bindings))
	for _, b := range s.bindings {
		e := wgpu.BindGroupEntry{Binding: b.Binding}
		var view Resource
		switch b.Kind {
		case SlotSampler:
			smp, ok := c.samplers[b.Slot].(*wgpuSampler)
			if !ok {
				return nil, nil, nil, fmt.Errorf("%s: sampler slot %d: %w", b.Name, b.Slot, ErrUnbound)
			}
			e.Sampler = smp.sampler
			entries = append(entries, e)
			continue
		case SlotShaderResource:
			if v := c.srvs[b.Slot]; v != nil {
				view = v
			}
		default:
			if v := c.uavs[b.Slot]; v != nil {
				view = v
			}
		}
		if view == nil {
			return nil, nil, nil, fmt.Errorf("%s: %s slot %d: %w", b.Name, b.Kind, b.Slot, ErrUnbound)
		}

		switch v := view.(type) {
		case *wgpuTextureView:
			if !b.Texture {
				return nil, nil, nil, fmt.Errorf("%s: %s slot %d holds a texture: %w", b.Name, b.Kind, b.Slot, ErrUsageMismatch)
			}
			if v.isReleased() || v.tex.isReleased() {
				return nil, nil, nil, fmt.Errorf("%s slot %d: %w", b.Kind, b.Slot, ErrReleased)
			}
			e.TextureView = v.view
		case *wgpuBufferView:
			if b.Texture {
				return nil, nil, nil, fmt.Errorf("%s: %s slot %d holds a buffer: %w", b.Name, b.Kind, b.Slot, ErrUsageMismatch)
			}
			if v.isReleased() || v.buf.isReleased() {
				return nil, nil, nil, fmt.Errorf("%s slot %d: %w", b.Kind, b.Slot, ErrReleased)
			}
			e.Buffer, e.Size = v.buf.buf, v.bytes
			if b.Kind == SlotShaderResource {
				uploads = append(uploads, v.buf)
			} else {
				readbacks = append(readbacks, v.buf)
			}
		default:
			return nil, nil, nil, fmt.Errorf("%s: %w", b.Name, ErrForeignResource)
		}
		entries = append(entries, e)
	}
	return entries, uploads, readbacks, nil
}

type wgpuTexture struct {
	device   *WGPUDevice
	desc     TextureDesc
	tex      *wgpu.Texture
	released atomic.Bool
}

func (t *wgpuTexture) Label() string     { return t.desc.Label }
func (t *wgpuTexture) Desc() TextureDesc { return t.desc }
func (t *wgpuTexture) isReleased() bool  { return t.released.Load() }

func (t *wgpuTexture) readImage() (*image.RGBA, error) {
	if t.isReleased() {
		return nil, fmt.Errorf("texture %q: %w", t.desc.Label, ErrReleased)
	}
	return t.device.readTexture(t)
}

func (t *wgpuTexture) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.tex.Release()
	}
}

type wgpuBuffer struct {
	device   *WGPUDevice
	desc     BufferDesc
	size     uint64
	buf      *wgpu.Buffer
	staging  *wgpu.Buffer
	mem      []byte
	released atomic.Bool
}

func (b *wgpuBuffer) Label() string    { return b.desc.Label }
func (b *wgpuBuffer) Desc() BufferDesc { return b.desc }
func (b *wgpuBuffer) Released() bool   { return b.isReleased() }
func (b *wgpuBuffer) isReleased() bool { return b.released.Load() }

func (b *wgpuBuffer) HostBytes() []byte {
	if b.isReleased() {
		return nil
	}
	return b.mem[:b.desc.Size]
}

func (b *wgpuBuffer) stagingBuffer() (*wgpu.Buffer, error) {
	if b.staging != nil {
		return b.staging, nil
	}
	staging, err := b.device.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.desc.Label + "/readback",
		Size:  b.size,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("readback buffer for %q: %w", b.desc.Label, err)
	}
	b.staging = staging
	return staging, nil
}

func (b *wgpuBuffer) Release() {
	if b.released.CompareAndSwap(false, true) {
		if b.staging != nil {
			b.staging.Release()
		}
		b.buf.Release()
		_ = freeHostMemory(b.mem)
	}
}

type wgpuTextureView struct {
	tex      *wgpuTexture
	view     *wgpu.TextureView
	kind     string
	released atomic.Bool
}

func (v *wgpuTextureView) Label() string    { return v.tex.desc.Label + "/" + v.kind }
func (v *wgpuTextureView) Target() Resource { return v.tex }
func (v *wgpuTextureView) isReleased() bool { return v.released.Load() }

func (v *wgpuTextureView) Release() {
	if v.released.CompareAndSwap(false, true) {
		v.view.Release()
	}
}

type wgpuBufferView struct {
	buf      *wgpuBuffer
	desc     BufferViewDesc
	bytes    uint64
	kind     string
	released atomic.Bool
}

func (v *wgpuBufferView) Label() string    { return v.buf.desc.Label + "/" + v.kind }
func (v *wgpuBufferView) Target() Resource { return v.buf }
func (v *wgpuBufferView) isReleased() bool { return v.released.Load() }
func (v *wgpuBufferView) Release()         { v.released.Store(true) }

type wgpuSampler struct {
	desc     SamplerDesc
	sampler  *wgpu.Sampler
	released atomic.Bool
}

func (s *wgpuSampler) Label() string     { return "sampler" }
func (s *wgpuSampler) Desc() SamplerDesc { return s.desc }
func (s *wgpuSampler) isReleased() bool  { return s.released.Load() }

func (s *wgpuSampler) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.sampler.Release()
	}
}

type wgpuShader struct {
	device         *WGPUDevice
	kernel         Kernel
	bindings       []KernelBinding
	module         *wgpu.ShaderModule
	layout         *wgpu.BindGroupLayout
	pipelineLayout *wgpu.PipelineLayout
	pipeline       *wgpu.ComputePipeline
	released       atomic.Bool
}

func (s *wgpuShader) Label() string    { return s.kernel.Label }
func (s *wgpuShader) Kernel() Kernel   { return s.kernel }
func (s *wgpuShader) isReleased() bool { return s.released.Load() }

// Bindings lists the resources the kernel declares.
func (s *wgpuShader) Bindings() []KernelBinding { return s.bindings }

func (s *wgpuShader) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	if s.pipeline != nil {
		s.pipeline.Release()
	}
	if s.pipelineLayout != nil {
		s.pipelineLayout.Release()
	}
	if s.layout != nil {
		s.layout.Release()
	}
	if s.module != nil {
		s.module.Release()
	}
}
