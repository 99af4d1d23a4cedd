package gpu

import (
	"fmt"

	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"go.uber.org/zap"
)

// MinComputeMajor is the lowest compute capability major version that runs
// the accelerated inference path.
const MinComputeMajor = 6

// CheckCapability resolves the compute device behind adapter and rejects it
// when its capability major version is below MinComputeMajor.
func CheckCapability(log *zap.Logger, rt ComputeRuntime, adapter graphics.Adapter) (DeviceInfo, error) {
	if !rt.IsAvailable() {
		return DeviceInfo{}, fmt.Errorf("%s: %w", rt.Name(), ErrUnavailable)
	}
	id, err := rt.DeviceForAdapter(adapter)
	if err != nil {
		log.Error("failed to resolve compute device",
			zap.String("adapter", adapter.Name()),
			zap.String("pciBusId", adapter.PCIBusID()),
			zap.Error(err))
		return DeviceInfo{}, err
	}
	major, minor, err := rt.ComputeCapability(id)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("query compute capability of device %d: %w", id, err)
	}

	info, err := rt.DeviceInfo(id)
	if err != nil {
		info = DeviceInfo{ID: id, PCIBusID: adapter.PCIBusID(), RuntimeName: rt.Name()}
	}
	info.Major, info.Minor = major, minor

	if major < MinComputeMajor {
		log.Error("device cannot run the accelerated inference path",
			zap.String("device", info.Name),
			zap.String("computeCapability", info.ComputeCapability()),
			zap.Int("minMajor", MinComputeMajor))
		return info, fmt.Errorf("device %d has compute capability %s: %w",
			id, info.ComputeCapability(), ErrInsufficientCapability)
	}

	log.Info("compute device accepted",
		zap.Int("device", int(id)),
		zap.String("name", info.Name),
		zap.String("computeCapability", info.ComputeCapability()))
	return info, nil
}
