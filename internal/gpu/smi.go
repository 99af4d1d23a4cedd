package gpu

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrSMIUnavailable is returned when nvidia-smi is not installed.
var ErrSMIUnavailable = errors.New("gpu: nvidia-smi not found")

var smiFields = []string{
	"pci.bus_id",
	"name",
	"driver_version",
	"memory.total",
	"memory.used",
	"memory.free",
	"utilization.gpu",
	"utilization.memory",
}

// DeviceStats is one GPU as reported by nvidia-smi.
type DeviceStats struct {
	PCIBusID          string
	Name              string
	DriverVersion     string
	MemoryTotalMB     int
	MemoryUsedMB      int
	MemoryFreeMB      int
	UtilizationGPU    int
	UtilizationMemory int
}

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// QueryDeviceStats polls every GPU with nvidia-smi. A nil run executes the
// real binary.
func QueryDeviceStats(ctx context.Context, log *zap.Logger, run CommandRunner) ([]DeviceStats, error) {
	if run == nil {
		run = execRunner
	}
	output, err := run(ctx, "nvidia-smi",
		"--query-gpu="+strings.Join(smiFields, ","),
		"--format=csv,noheader,nounits")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			log.Debug("nvidia-smi not found, skipping GPU stats")
			return nil, ErrSMIUnavailable
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Error("nvidia-smi failed", zap.Error(err), zap.String("stderr", string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseDeviceStats(string(output))
}

func parseDeviceStats(output string) ([]DeviceStats, error) {
	var stats []DeviceStats
	for i, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		values := strings.Split(line, ",")
		if len(values) != len(smiFields) {
			return nil, fmt.Errorf("nvidia-smi line %d: %d fields, want %d", i, len(values), len(smiFields))
		}
		for j := range values {
			values[j] = strings.TrimSpace(values[j])
		}
		s := DeviceStats{
			PCIBusID:      normalizeBusID(values[0]),
			Name:          values[1],
			DriverVersion: values[2],
		}
		for j, dst := range []*int{&s.MemoryTotalMB, &s.MemoryUsedMB, &s.MemoryFreeMB, &s.UtilizationGPU, &s.UtilizationMemory} {
			// "[N/A]" on devices that do not report the field
			if n, err := strconv.Atoi(values[3+j]); err == nil {
				*dst = n
			}
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// normalizeBusID turns nvidia-smi's "00000000:01:00.0" into the
// "0000:01:00.0" form graphics adapters report.
func normalizeBusID(id string) string {
	domain, rest, ok := strings.Cut(id, ":")
	if !ok || len(domain) <= 4 {
		return strings.ToLower(id)
	}
	return strings.ToLower(domain[len(domain)-4:] + ":" + rest)
}
