package graphics

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// Resources bundles a device with its context and adapter and caches
// samplers by description.
type Resources struct {
	device  Device
	ctx     Context
	adapter Adapter

	mu       sync.Mutex
	samplers map[SamplerDesc]Sampler
}

func NewResources(device Device, ctx Context, adapter Adapter) *Resources {
	return &Resources{
		device:   device,
		ctx:      ctx,
		adapter:  adapter,
		samplers: make(map[SamplerDesc]Sampler),
	}
}

// NewSoftResources creates a SoftDevice on a SoftAdapter and wraps it.
func NewSoftResources(adapterName, pciBusID string) (*Resources, *SoftDevice) {
	dev := NewSoftDevice(NewSoftAdapter(adapterName, pciBusID))
	return NewResources(dev, dev.ImmediateContext(), dev.Adapter()), dev
}

func (r *Resources) Device() Device   { return r.device }
func (r *Resources) Context() Context { return r.ctx }
func (r *Resources) Adapter() Adapter { return r.adapter }

// Sampler returns the cached sampler for the filter/address pair, creating it
// on first use. Cached samplers are owned by Resources.
func (r *Resources) Sampler(filter gputypes.FilterMode, address gputypes.AddressMode) (Sampler, error) {
	desc := SamplerDesc{Filter: filter, Address: address}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.samplers[desc]; ok {
		return s, nil
	}
	s, err := r.device.CreateSampler(desc)
	if err != nil {
		return nil, fmt.Errorf("create sampler: %w", err)
	}
	r.samplers[desc] = s
	return s, nil
}

// Release frees every cached sampler.
func (r *Resources) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for desc, s := range r.samplers {
		s.Release()
		delete(r.samplers, desc)
	}
}

// DescriptorCache hands out one shader-resource view per texture.
type DescriptorCache struct {
	device Device

	mu   sync.Mutex
	srvs map[Texture]ShaderResourceView
}

func NewDescriptorCache(device Device) *DescriptorCache {
	return &DescriptorCache{
		device: device,
		srvs:   make(map[Texture]ShaderResourceView),
	}
}

// ShaderResourceView returns the cached SRV for tex. The view is owned by the
// cache and stays valid until Release.
func (c *DescriptorCache) ShaderResourceView(tex Texture) (ShaderResourceView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.srvs[tex]; ok {
		return v, nil
	}
	v, err := c.device.CreateTextureSRV(tex)
	if err != nil {
		return nil, err
	}
	c.srvs[tex] = v
	return v, nil
}

func (c *DescriptorCache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tex, v := range c.srvs {
		v.Release()
		delete(c.srvs, tex)
	}
}
