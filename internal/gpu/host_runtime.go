package gpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"go.uber.org/zap"
)

// HostRuntime implements ComputeRuntime over host-visible graphics buffers.
// Mapping hands out the buffer's own bytes, so the inference runtime reads
// and writes the same storage the graphics pipeline dispatches against.
//
// It reports the capability it was configured with, which makes it the
// fallback when no CUDA runtime is compiled in and the runtime used in tests.
type HostRuntime struct {
	logger *zap.Logger
	name   string
	busID  string
	major  int
	minor  int

	mu     sync.Mutex
	nextID int
	regs   map[*hostRegistration]struct{}
	device DeviceID
	bound  bool
}

// HostOption configures a HostRuntime.
type HostOption func(*HostRuntime)

// WithCapability sets the compute capability reported for the device.
func WithCapability(major, minor int) HostOption {
	return func(h *HostRuntime) {
		h.major, h.minor = major, minor
	}
}

// WithPCIBusID restricts the runtime to the adapter at busID. Without it any
// adapter resolves to device 0.
func WithPCIBusID(busID string) HostOption {
	return func(h *HostRuntime) {
		h.busID = busID
	}
}

// WithDeviceName sets the reported device name.
func WithDeviceName(name string) HostOption {
	return func(h *HostRuntime) {
		h.name = name
	}
}

// NewHostRuntime creates a host runtime. The default capability is 8.6.
func NewHostRuntime(logger *zap.Logger, opts ...HostOption) *HostRuntime {
	h := &HostRuntime{
		logger: logger.Named("host-runtime"),
		name:   "host",
		major:  8,
		minor:  6,
		regs:   make(map[*hostRegistration]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type hostRegistration struct {
	id     int
	buf    graphics.Buffer
	host   graphics.HostVisible
	flags  MapFlags
	mapped bool
}

func (r *hostRegistration) Label() string {
	return fmt.Sprintf("%s#%d", r.buf.Label(), r.id)
}

func (h *HostRuntime) Name() string      { return "host" }
func (h *HostRuntime) IsAvailable() bool { return true }

func (h *HostRuntime) DeviceForAdapter(adapter graphics.Adapter) (DeviceID, error) {
	if h.busID != "" && adapter.PCIBusID() != h.busID {
		return 0, fmt.Errorf("adapter %q at %s: %w", adapter.Name(), adapter.PCIBusID(), ErrNoDevice)
	}
	return 0, nil
}

func (h *HostRuntime) ComputeCapability(id DeviceID) (int, int, error) {
	if id != 0 {
		return 0, 0, fmt.Errorf("device %d: %w", id, ErrNoDevice)
	}
	return h.major, h.minor, nil
}

func (h *HostRuntime) DeviceInfo(id DeviceID) (DeviceInfo, error) {
	if id != 0 {
		return DeviceInfo{}, fmt.Errorf("device %d: %w", id, ErrNoDevice)
	}
	return DeviceInfo{
		ID:          id,
		Name:        h.name,
		PCIBusID:    h.busID,
		Major:       h.major,
		Minor:       h.minor,
		RuntimeName: h.Name(),
	}, nil
}

func (h *HostRuntime) SetDevice(id DeviceID) error {
	if id != 0 {
		return fmt.Errorf("device %d: %w", id, ErrNoDevice)
	}
	h.mu.Lock()
	h.device, h.bound = id, true
	h.mu.Unlock()
	return nil
}

// Device returns the device bound by SetDevice.
func (h *HostRuntime) Device() (DeviceID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device, h.bound
}

func (h *HostRuntime) RegisterBuffer(buf graphics.Buffer) (Registration, error) {
	host, ok := buf.(graphics.HostVisible)
	if !ok {
		return nil, fmt.Errorf("register %q: %w", buf.Label(), ErrNotHostVisible)
	}
	if host.Released() {
		return nil, fmt.Errorf("register %q: %w", buf.Label(), ErrBufferReleased)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	reg := &hostRegistration{id: h.nextID, buf: buf, host: host}
	h.regs[reg] = struct{}{}
	h.logger.Debug("registered buffer", zap.String("registration", reg.Label()))
	return reg, nil
}

func (h *HostRuntime) SetMapFlags(reg Registration, flags MapFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(reg)
	if err != nil {
		return err
	}
	if r.mapped {
		return fmt.Errorf("set map flags on %s: %w", r.Label(), ErrMapped)
	}
	r.flags = flags
	return nil
}

// MapResources maps every registration or none of them.
func (h *HostRuntime) MapResources(regs ...Registration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	resolved := make([]*hostRegistration, 0, len(regs))
	for _, reg := range regs {
		r, err := h.lookup(reg)
		if err != nil {
			return err
		}
		if r.mapped {
			return fmt.Errorf("map %s: %w", r.Label(), ErrMapped)
		}
		if r.host.Released() {
			return fmt.Errorf("map %s: %w", r.Label(), ErrBufferReleased)
		}
		resolved = append(resolved, r)
	}
	for _, r := range resolved {
		r.mapped = true
	}
	return nil
}

func (h *HostRuntime) MappedRegion(reg Registration) (Region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(reg)
	if err != nil {
		return Region{}, err
	}
	if !r.mapped {
		return Region{}, fmt.Errorf("region of %s: %w", r.Label(), ErrNotMapped)
	}
	b := r.host.HostBytes()
	if len(b) == 0 {
		return Region{}, fmt.Errorf("region of %s: %w", r.Label(), ErrBufferReleased)
	}
	return Region{Ptr: uintptr(unsafe.Pointer(&b[0])), Size: len(b), Bytes: b}, nil
}

// UnmapResources unmaps every registration or none of them.
func (h *HostRuntime) UnmapResources(regs ...Registration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	resolved := make([]*hostRegistration, 0, len(regs))
	for _, reg := range regs {
		r, err := h.lookup(reg)
		if err != nil {
			return err
		}
		if !r.mapped {
			return fmt.Errorf("unmap %s: %w", r.Label(), ErrNotMapped)
		}
		resolved = append(resolved, r)
	}
	for _, r := range resolved {
		r.mapped = false
	}
	return nil
}

// Unregister drops a registration. It fails if the registration is still
// mapped or its buffer was released first.
func (h *HostRuntime) Unregister(reg Registration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(reg)
	if err != nil {
		return err
	}
	if r.mapped {
		return fmt.Errorf("unregister %s: %w", r.Label(), ErrMapped)
	}
	delete(h.regs, r)
	if r.host.Released() {
		return fmt.Errorf("unregister %s: %w", r.Label(), ErrBufferReleased)
	}
	h.logger.Debug("unregistered buffer", zap.String("registration", r.Label()))
	return nil
}

func (h *HostRuntime) Synchronize() error { return nil }

// Registrations is the number of live registrations.
func (h *HostRuntime) Registrations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regs)
}

// Mapped is the number of registrations currently mapped.
func (h *HostRuntime) Mapped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for r := range h.regs {
		if r.mapped {
			n++
		}
	}
	return n
}

// Flags returns the map flags of reg.
func (h *HostRuntime) Flags(reg Registration) (MapFlags, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.lookup(reg)
	if err != nil {
		return MapFlagsNone, err
	}
	return r.flags, nil
}

func (h *HostRuntime) lookup(reg Registration) (*hostRegistration, error) {
	r, ok := reg.(*hostRegistration)
	if !ok {
		return nil, ErrNotRegistered
	}
	if _, ok := h.regs[r]; !ok {
		return nil, fmt.Errorf("%s: %w", r.Label(), ErrNotRegistered)
	}
	return r, nil
}
