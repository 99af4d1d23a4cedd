//go:build cuda
// +build cuda

package gpu

/*
#cgo CFLAGS: -I/usr/local/cuda/include
#cgo LDFLAGS: -L/usr/local/cuda/lib64 -lcudart
#include <cuda_runtime_api.h>
#include <stdlib.h>
#include <string.h>

static cudaError_t device_props(int dev, char *name, size_t len, size_t *total) {
	struct cudaDeviceProp prop;
	cudaError_t res = cudaGetDeviceProperties(&prop, dev);
	if (res != cudaSuccess) {
		return res;
	}
	strncpy(name, prop.name, len - 1);
	name[len - 1] = 0;
	*total = prop.totalGlobalMem;
	return cudaSuccess;
}
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"go.uber.org/zap"
)

// CUDARuntime implements ComputeRuntime with the CUDA runtime API. Graphics
// buffers are page-locked with cudaHostRegister and mapped into the device
// address space, so kernels and the inference runtime address the same pages.
type CUDARuntime struct {
	logger    *zap.Logger
	available bool

	mu     sync.Mutex
	nextID int
	regs   map[*cudaRegistration]struct{}
}

type cudaRegistration struct {
	id     int
	buf    graphics.Buffer
	host   graphics.HostVisible
	base   unsafe.Pointer
	size   int
	flags  MapFlags
	mapped bool
	dptr   uintptr
}

func (r *cudaRegistration) Label() string {
	return fmt.Sprintf("%s#%d", r.buf.Label(), r.id)
}

// NewCUDARuntime creates a CUDA runtime. It is unavailable when no device is
// present or the driver is too old.
func NewCUDARuntime(logger *zap.Logger) *CUDARuntime {
	rt := &CUDARuntime{
		logger: logger.Named("cuda-runtime"),
		regs:   make(map[*cudaRegistration]struct{}),
	}
	var count C.int
	if res := C.cudaGetDeviceCount(&count); res != C.cudaSuccess || count == 0 {
		rt.logger.Warn("CUDA device not available", zap.String("error", cudaErrorString(res)))
		return rt
	}
	rt.available = true
	return rt
}

func (c *CUDARuntime) Name() string      { return "cuda" }
func (c *CUDARuntime) IsAvailable() bool { return c.available }

func (c *CUDARuntime) DeviceForAdapter(adapter graphics.Adapter) (DeviceID, error) {
	if !c.available {
		return 0, ErrUnavailable
	}
	bus := C.CString(adapter.PCIBusID())
	defer C.free(unsafe.Pointer(bus))

	var dev C.int
	if res := C.cudaDeviceGetByPCIBusId(&dev, bus); res != C.cudaSuccess {
		return 0, fmt.Errorf("adapter %q at %s: %s: %w",
			adapter.Name(), adapter.PCIBusID(), cudaErrorString(res), ErrNoDevice)
	}
	return DeviceID(dev), nil
}

func (c *CUDARuntime) ComputeCapability(id DeviceID) (int, int, error) {
	if !c.available {
		return 0, 0, ErrUnavailable
	}
	var major, minor C.int
	if res := C.cudaDeviceGetAttribute(&major, C.cudaDevAttrComputeCapabilityMajor, C.int(id)); res != C.cudaSuccess {
		return 0, 0, cudaError("compute capability major", res)
	}
	if res := C.cudaDeviceGetAttribute(&minor, C.cudaDevAttrComputeCapabilityMinor, C.int(id)); res != C.cudaSuccess {
		return 0, 0, cudaError("compute capability minor", res)
	}
	return int(major), int(minor), nil
}

func (c *CUDARuntime) DeviceInfo(id DeviceID) (DeviceInfo, error) {
	if !c.available {
		return DeviceInfo{}, ErrUnavailable
	}
	name := make([]byte, 256)
	var total C.size_t
	if res := C.device_props(C.int(id), (*C.char)(unsafe.Pointer(&name[0])), C.size_t(len(name)), &total); res != C.cudaSuccess {
		return DeviceInfo{}, cudaError("device properties", res)
	}
	major, minor, err := c.ComputeCapability(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	var driver C.int
	_ = C.cudaDriverGetVersion(&driver)

	bus := make([]byte, 32)
	_ = C.cudaDeviceGetPCIBusId((*C.char)(unsafe.Pointer(&bus[0])), C.int(len(bus)), C.int(id))

	return DeviceInfo{
		ID:            id,
		Name:          C.GoString((*C.char)(unsafe.Pointer(&name[0]))),
		PCIBusID:      C.GoString((*C.char)(unsafe.Pointer(&bus[0]))),
		Major:         major,
		Minor:         minor,
		TotalMemory:   int64(total),
		DriverVersion: fmt.Sprintf("%d.%d", int(driver)/1000, (int(driver)%1000)/10),
		RuntimeName:   c.Name(),
	}, nil
}

func (c *CUDARuntime) SetDevice(id DeviceID) error {
	if !c.available {
		return ErrUnavailable
	}
	if res := C.cudaSetDevice(C.int(id)); res != C.cudaSuccess {
		return cudaError("set device", res)
	}
	return nil
}

// RegisterBuffer page-locks the buffer's host storage. The storage must not
// live on the Go heap; SoftDevice buffers and WGPUDevice host mirrors are
// mmap-backed.
func (c *CUDARuntime) RegisterBuffer(buf graphics.Buffer) (Registration, error) {
	if !c.available {
		return nil, ErrUnavailable
	}
	host, ok := buf.(graphics.HostVisible)
	if !ok {
		return nil, fmt.Errorf("register %q: %w", buf.Label(), ErrNotHostVisible)
	}
	b := host.HostBytes()
	if len(b) == 0 {
		return nil, fmt.Errorf("register %q: %w", buf.Label(), ErrBufferReleased)
	}
	base := unsafe.Pointer(&b[0])
	if res := C.cudaHostRegister(base, C.size_t(len(b)), C.cudaHostRegisterMapped); res != C.cudaSuccess {
		return nil, cudaError(fmt.Sprintf("host register %q", buf.Label()), res)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	reg := &cudaRegistration{id: c.nextID, buf: buf, host: host, base: base, size: len(b)}
	c.regs[reg] = struct{}{}
	return reg, nil
}

// SetMapFlags records the access hint. Page-locked host memory has no
// per-map access mode, so the hint only guards against remapping misuse.
func (c *CUDARuntime) SetMapFlags(reg Registration, flags MapFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.lookup(reg)
	if err != nil {
		return err
	}
	if r.mapped {
		return fmt.Errorf("set map flags on %s: %w", r.Label(), ErrMapped)
	}
	r.flags = flags
	return nil
}

// MapResources makes graphics work on the buffers visible to the device and
// resolves their device pointers. Every registration is mapped or none is.
func (c *CUDARuntime) MapResources(regs ...Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolved := make([]*cudaRegistration, 0, len(regs))
	ptrs := make([]uintptr, 0, len(regs))
	for _, reg := range regs {
		r, err := c.lookup(reg)
		if err != nil {
			return err
		}
		if r.mapped {
			return fmt.Errorf("map %s: %w", r.Label(), ErrMapped)
		}
		if r.host.Released() {
			return fmt.Errorf("map %s: %w", r.Label(), ErrBufferReleased)
		}
		var dptr unsafe.Pointer
		if res := C.cudaHostGetDevicePointer(&dptr, r.base, 0); res != C.cudaSuccess {
			return cudaError(fmt.Sprintf("device pointer of %s", r.Label()), res)
		}
		resolved = append(resolved, r)
		ptrs = append(ptrs, uintptr(dptr))
	}
	for i, r := range resolved {
		r.mapped, r.dptr = true, ptrs[i]
	}
	return nil
}

func (c *CUDARuntime) MappedRegion(reg Registration) (Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.lookup(reg)
	if err != nil {
		return Region{}, err
	}
	if !r.mapped {
		return Region{}, fmt.Errorf("region of %s: %w", r.Label(), ErrNotMapped)
	}
	return Region{Ptr: r.dptr, Size: r.size, Bytes: unsafe.Slice((*byte)(r.base), r.size)}, nil
}

// UnmapResources waits for device work on the buffers and returns them to the
// graphics pipeline.
func (c *CUDARuntime) UnmapResources(regs ...Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolved := make([]*cudaRegistration, 0, len(regs))
	for _, reg := range regs {
		r, err := c.lookup(reg)
		if err != nil {
			return err
		}
		if !r.mapped {
			return fmt.Errorf("unmap %s: %w", r.Label(), ErrNotMapped)
		}
		resolved = append(resolved, r)
	}
	if res := C.cudaDeviceSynchronize(); res != C.cudaSuccess {
		return cudaError("synchronize before unmap", res)
	}
	for _, r := range resolved {
		r.mapped, r.dptr = false, 0
	}
	return nil
}

func (c *CUDARuntime) Unregister(reg Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.lookup(reg)
	if err != nil {
		return err
	}
	if r.mapped {
		return fmt.Errorf("unregister %s: %w", r.Label(), ErrMapped)
	}
	delete(c.regs, r)
	if r.host.Released() {
		return fmt.Errorf("unregister %s: %w", r.Label(), ErrBufferReleased)
	}
	if res := C.cudaHostUnregister(r.base); res != C.cudaSuccess {
		return cudaError(fmt.Sprintf("host unregister %s", r.Label()), res)
	}
	return nil
}

func (c *CUDARuntime) Synchronize() error {
	if !c.available {
		return ErrUnavailable
	}
	if res := C.cudaDeviceSynchronize(); res != C.cudaSuccess {
		return cudaError("synchronize", res)
	}
	return nil
}

func (c *CUDARuntime) lookup(reg Registration) (*cudaRegistration, error) {
	r, ok := reg.(*cudaRegistration)
	if !ok {
		return nil, ErrNotRegistered
	}
	if _, ok := c.regs[r]; !ok {
		return nil, fmt.Errorf("%s: %w", r.Label(), ErrNotRegistered)
	}
	return r, nil
}

func cudaError(op string, res C.cudaError_t) error {
	return fmt.Errorf("%s: %s (%d)", op, cudaErrorString(res), int(res))
}

func cudaErrorString(res C.cudaError_t) string {
	return C.GoString(C.cudaGetErrorString(res))
}
