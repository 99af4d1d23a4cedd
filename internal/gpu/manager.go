package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Runtime selection modes accepted by NewManager.
const (
	RuntimeAuto = "auto"
	RuntimeCUDA = "cuda"
	RuntimeHost = "host"
)

// Manager selects the compute runtime for the process.
type Manager struct {
	runtime ComputeRuntime
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager selects a runtime. "auto" prefers CUDA and falls back to the host
// runtime; "cuda" fails when CUDA is unavailable.
func NewManager(logger *zap.Logger, mode string, hostOpts ...HostOption) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("gpu"),
	}
	if err := m.detect(mode, hostOpts); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) detect(mode string, hostOpts []HostOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch mode {
	case "", RuntimeAuto, RuntimeCUDA:
		if rt := m.tryCreateCUDARuntime(); rt != nil && rt.IsAvailable() {
			m.runtime = rt
			m.logger.Info("using CUDA compute runtime")
			return nil
		}
		if mode == RuntimeCUDA {
			return fmt.Errorf("cuda runtime requested: %w", ErrUnavailable)
		}
	case RuntimeHost:
	default:
		return fmt.Errorf("unknown compute runtime %q", mode)
	}

	m.runtime = NewHostRuntime(m.logger, hostOpts...)
	m.logger.Info("using host compute runtime")
	return nil
}

// Runtime returns the selected runtime.
func (m *Manager) Runtime() ComputeRuntime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtime
}

// IsGPUAvailable reports whether a device runtime, not the host fallback, was
// selected.
func (m *Manager) IsGPUAvailable() bool {
	rt := m.Runtime()
	if rt == nil {
		return false
	}
	_, isHost := rt.(*HostRuntime)
	return !isHost
}

// RuntimeType returns a short name for the selected runtime.
func (m *Manager) RuntimeType() string {
	rt := m.Runtime()
	if rt == nil {
		return "none"
	}
	return rt.Name()
}
