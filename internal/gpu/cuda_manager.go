//go:build cuda
// +build cuda

package gpu

// tryCreateCUDARuntime creates the CUDA runtime when built with the cuda tag.
func (m *Manager) tryCreateCUDARuntime() ComputeRuntime {
	return NewCUDARuntime(m.logger)
}
