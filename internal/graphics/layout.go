package graphics

import (
	"fmt"
	"sort"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
)

// SlotKind is the context slot table a kernel resource is bound from.
type SlotKind int

const (
	SlotShaderResource SlotKind = iota
	SlotUnorderedAccess
	SlotSampler
)

func (k SlotKind) String() string {
	switch k {
	case SlotShaderResource:
		return "srv"
	case SlotUnorderedAccess:
		return "uav"
	case SlotSampler:
		return "sampler"
	default:
		return fmt.Sprintf("SlotKind(%d)", int(k))
	}
}

// KernelBinding ties one @group(0) resource of a kernel to a context slot.
// Slots are numbered per kind in binding order, so the first read-only
// resource is SRV slot 0 and the first writable one is UAV slot 0.
type KernelBinding struct {
	Binding uint32
	Name    string
	Kind    SlotKind
	Slot    int
	// Texture is set for texture resources and clear for storage buffers.
	Texture bool
}

// ReflectKernel parses a WGSL kernel and lists its resource bindings in
// binding order. Resources outside group 0 and uniform buffers are rejected;
// kernels take all their inputs through views and samplers.
func ReflectKernel(source string) ([]KernelBinding, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKernel, err)
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKernel, err)
	}

	var bindings []KernelBinding
	for _, g := range module.GlobalVariables {
		if g.Binding == nil {
			continue
		}
		if g.Binding.Group != 0 {
			return nil, fmt.Errorf("%w: %s is in group %d", ErrInvalidKernel, g.Name, g.Binding.Group)
		}
		b := KernelBinding{Binding: g.Binding.Binding, Name: g.Name}
		switch g.Space {
		case ir.SpaceStorage:
			b.Kind = SlotUnorderedAccess
			if g.Access == ir.StorageRead {
				b.Kind = SlotShaderResource
			}
		case ir.SpaceHandle:
			if int(g.Type) >= len(module.Types) {
				return nil, fmt.Errorf("%w: %s has no type", ErrInvalidKernel, g.Name)
			}
			switch t := module.Types[g.Type].Inner.(type) {
			case ir.SamplerType:
				b.Kind = SlotSampler
			case ir.ImageType:
				b.Texture = true
				b.Kind = SlotShaderResource
				if t.Class == ir.ImageClassStorage && t.StorageAccess != ir.StorageAccessRead {
					b.Kind = SlotUnorderedAccess
				}
			default:
				return nil, fmt.Errorf("%w: unsupported handle %s", ErrInvalidKernel, g.Name)
			}
		default:
			return nil, fmt.Errorf("%w: %s is not a view or sampler", ErrInvalidKernel, g.Name)
		}
		bindings = append(bindings, b)
	}

	sort.Slice(bindings, func(i, j int) bool { return bindings[i].Binding < bindings[j].Binding })
	var next [3]int
	for i := range bindings {
		if i > 0 && bindings[i].Binding == bindings[i-1].Binding {
			return nil, fmt.Errorf("%w: binding %d declared twice", ErrInvalidKernel, bindings[i].Binding)
		}
		bindings[i].Slot = next[bindings[i].Kind]
		next[bindings[i].Kind]++
		if bindings[i].Slot >= MaxSlots {
			return nil, fmt.Errorf("%w: more than %d %s bindings", ErrInvalidKernel, MaxSlots, bindings[i].Kind)
		}
	}
	return bindings, nil
}
