package gpu

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/frame-upscaler/internal/graphics"
)

var (
	ErrUnavailable            = errors.New("gpu: compute runtime not available")
	ErrNoDevice               = errors.New("gpu: no compute device for adapter")
	ErrInsufficientCapability = errors.New("gpu: compute capability below minimum")
	ErrNotHostVisible         = errors.New("gpu: buffer storage is not host visible")
	ErrBufferReleased         = errors.New("gpu: registered buffer was released")
	ErrNotRegistered          = errors.New("gpu: unknown registration")
	ErrMapped                 = errors.New("gpu: resource is mapped")
	ErrNotMapped              = errors.New("gpu: resource is not mapped")
)

// DeviceID is a compute-runtime device ordinal.
type DeviceID int

// DeviceInfo contains information about a compute device.
type DeviceInfo struct {
	ID            DeviceID `json:"id"`
	Name          string   `json:"name"`
	PCIBusID      string   `json:"pciBusId"`
	Major         int      `json:"major"`
	Minor         int      `json:"minor"`
	TotalMemory   int64    `json:"totalMemory"` // in bytes
	DriverVersion string   `json:"driverVersion"`
	RuntimeName   string   `json:"runtime"`
}

// ComputeCapability renders the capability as "major.minor".
func (i DeviceInfo) ComputeCapability() string {
	return fmt.Sprintf("%d.%d", i.Major, i.Minor)
}

// MapFlags hint how the compute side will access a registered buffer while
// it is mapped.
type MapFlags int

const (
	MapFlagsNone MapFlags = iota
	MapFlagsReadOnly
	MapFlagsWriteDiscard
)

func (f MapFlags) String() string {
	switch f {
	case MapFlagsNone:
		return "none"
	case MapFlagsReadOnly:
		return "read-only"
	case MapFlagsWriteDiscard:
		return "write-discard"
	default:
		return fmt.Sprintf("MapFlags(%d)", int(f))
	}
}

// Registration is an opaque handle for a graphics buffer registered with a
// compute runtime.
type Registration interface {
	Label() string
}

// Region is a mapped registration: its device address and, where the runtime
// exposes one, a host view of the same bytes.
type Region struct {
	Ptr   uintptr
	Size  int
	Bytes []byte
}

// ComputeRuntime is the compute side of graphics/compute interop. One runtime
// serves one device; implementations must be safe for concurrent use.
//
// A registration starts owned by the graphics pipeline. MapResources hands it
// to the compute side and UnmapResources hands it back; MappedRegion is only
// valid in between.
type ComputeRuntime interface {
	Name() string
	IsAvailable() bool

	// DeviceForAdapter resolves the compute device behind a graphics adapter
	// by PCI bus id.
	DeviceForAdapter(adapter graphics.Adapter) (DeviceID, error)
	ComputeCapability(id DeviceID) (major, minor int, err error)
	DeviceInfo(id DeviceID) (DeviceInfo, error)
	// SetDevice binds the calling thread to the device.
	SetDevice(id DeviceID) error

	RegisterBuffer(buf graphics.Buffer) (Registration, error)
	SetMapFlags(reg Registration, flags MapFlags) error
	MapResources(regs ...Registration) error
	MappedRegion(reg Registration) (Region, error)
	UnmapResources(regs ...Registration) error
	Unregister(reg Registration) error

	// Synchronize blocks until all outstanding compute work has finished.
	Synchronize() error
}
