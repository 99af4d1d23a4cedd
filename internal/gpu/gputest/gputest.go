// Package gputest provides a ComputeRuntime wrapper for tests that records
// interop calls and injects failures.
package gputest

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/fxnlabs/frame-upscaler/internal/gpu"
	"github.com/fxnlabs/frame-upscaler/internal/graphics"
)

// ErrInjected is returned by operations set up to fail.
var ErrInjected = errors.New("gputest: injected failure")

// Op names an intercepted runtime operation.
type Op string

const (
	OpRegister     Op = "register"
	OpSetMapFlags  Op = "set-map-flags"
	OpMap          Op = "map"
	OpMappedRegion Op = "mapped-region"
	OpUnmap        Op = "unmap"
	OpUnregister   Op = "unregister"
	OpSynchronize  Op = "synchronize"
)

// Event is one intercepted call. Label is the buffer or registration label.
type Event struct {
	Op    Op
	Label string
	Err   error
}

// Runtime wraps a ComputeRuntime. Zero failure counters pass every call
// through.
type Runtime struct {
	gpu.ComputeRuntime

	mu     sync.Mutex
	plans  map[Op]*failurePlan
	events []Event
	hooks  []func(Event)
}

type failurePlan struct {
	skip int
	fail int
}

func New(rt gpu.ComputeRuntime) *Runtime {
	return &Runtime{ComputeRuntime: rt, plans: make(map[Op]*failurePlan)}
}

// FailNext makes the next n calls of op fail with ErrInjected without
// reaching the wrapped runtime.
func (r *Runtime) FailNext(op Op, n int) {
	r.FailAfter(op, 0, n)
}

// FailAfter lets skip calls of op through and then fails the following n.
// It replaces any earlier plan for op.
func (r *Runtime) FailAfter(op Op, skip, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[op] = &failurePlan{skip: skip, fail: n}
}

// OnEvent registers a hook called after every intercepted call.
func (r *Runtime) OnEvent(hook func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Events returns a copy of the recorded calls.
func (r *Runtime) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many successful calls of op were recorded.
func (r *Runtime) Count(op Op) int {
	n := 0
	for _, e := range r.Events() {
		if e.Op == op && e.Err == nil {
			n++
		}
	}
	return n
}

func (r *Runtime) intercept(op Op, label string, call func() error) error {
	r.mu.Lock()
	var err error
	if p := r.plans[op]; p != nil {
		switch {
		case p.skip > 0:
			p.skip--
		case p.fail > 0:
			p.fail--
			err = ErrInjected
		}
	}
	r.mu.Unlock()

	if err == nil {
		err = call()
	}
	ev := Event{Op: op, Label: label, Err: err}

	r.mu.Lock()
	r.events = append(r.events, ev)
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	for _, h := range hooks {
		h(ev)
	}
	return err
}

func labels(regs []gpu.Registration) string {
	names := make([]string, len(regs))
	for i, reg := range regs {
		names[i] = reg.Label()
	}
	return strings.Join(names, ",")
}

func (r *Runtime) RegisterBuffer(buf graphics.Buffer) (gpu.Registration, error) {
	var reg gpu.Registration
	err := r.intercept(OpRegister, buf.Label(), func() (err error) {
		reg, err = r.ComputeRuntime.RegisterBuffer(buf)
		return err
	})
	return reg, err
}

func (r *Runtime) SetMapFlags(reg gpu.Registration, flags gpu.MapFlags) error {
	return r.intercept(OpSetMapFlags, reg.Label(), func() error {
		return r.ComputeRuntime.SetMapFlags(reg, flags)
	})
}

func (r *Runtime) MapResources(regs ...gpu.Registration) error {
	return r.intercept(OpMap, labels(regs), func() error {
		return r.ComputeRuntime.MapResources(regs...)
	})
}

func (r *Runtime) MappedRegion(reg gpu.Registration) (gpu.Region, error) {
	var region gpu.Region
	err := r.intercept(OpMappedRegion, reg.Label(), func() (err error) {
		region, err = r.ComputeRuntime.MappedRegion(reg)
		return err
	})
	return region, err
}

func (r *Runtime) UnmapResources(regs ...gpu.Registration) error {
	return r.intercept(OpUnmap, labels(regs), func() error {
		return r.ComputeRuntime.UnmapResources(regs...)
	})
}

func (r *Runtime) Unregister(reg gpu.Registration) error {
	return r.intercept(OpUnregister, reg.Label(), func() error {
		return r.ComputeRuntime.Unregister(reg)
	})
}

func (r *Runtime) Synchronize() error {
	return r.intercept(OpSynchronize, "", r.ComputeRuntime.Synchronize)
}
