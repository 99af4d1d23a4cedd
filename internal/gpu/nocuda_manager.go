//go:build !cuda
// +build !cuda

package gpu

// tryCreateCUDARuntime returns nil without the cuda build tag.
func (m *Manager) tryCreateCUDARuntime() ComputeRuntime {
	return nil
}
