//go:build !wgpu
// +build !wgpu

package graphics

// WGPUAvailable reports whether this binary carries WGPUDevice.
const WGPUAvailable = false

// NewWGPUResources reports ErrNoAdapter on binaries built without the wgpu
// tag.
func NewWGPUResources(string) (*Resources, ImageDevice, error) {
	return nil, nil, ErrNoAdapter
}
