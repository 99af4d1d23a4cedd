// Package convert holds the compute kernels that move frames between RGBA8
// textures and planar [1, 3, H, W] tensors in the model's element format.
package convert

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"text/template"

	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"github.com/fxnlabs/frame-upscaler/internal/inference"
	"github.com/gogpu/naga"
)

// Thread-group edge lengths of the two kernels.
const (
	InBlock  = 16
	OutBlock = 8
)

// Binding slots shared by the WGSL payloads and the reference bodies.
const (
	slotSource  = 0
	slotTarget  = 0
	slotSampler = 0
)

var ErrBinding = errors.New("convert: kernel resource not bound")

//go:embed shaders/texture_to_tensor.wgsl
var textureToTensorWGSL string

//go:embed shaders/tensor_to_texture.wgsl
var tensorToTextureWGSL string

var (
	textureToTensorTmpl = template.Must(template.New("texture_to_tensor").Parse(textureToTensorWGSL))
	tensorToTextureTmpl = template.Must(template.New("tensor_to_texture").Parse(tensorToTextureWGSL))
)

type shaderParams struct {
	F16    bool
	Elem   string
	BlockX int
	BlockY int
}

func render(tmpl *template.Template, elem inference.ElementType, block int) (string, error) {
	p := shaderParams{BlockX: block, BlockY: block}
	switch elem {
	case inference.Float16:
		p.F16, p.Elem = true, "f16"
	case inference.Float32:
		p.Elem = "f32"
	default:
		return "", fmt.Errorf("%s kernel for %s: %w", tmpl.Name(), elem, inference.ErrUnsupportedElementType)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// TextureToTensor returns the kernel converting the frame bound at SRV slot 0,
// sampled through sampler slot 0, into the planar tensor at UAV slot 0.
// Dispatch it over DispatchSize(W, H, InBlock).
func TextureToTensor(elem inference.ElementType) (graphics.Kernel, error) {
	src, err := render(textureToTensorTmpl, elem, InBlock)
	if err != nil {
		return graphics.Kernel{}, err
	}
	return graphics.Kernel{
		Label:  "texture_to_tensor_" + elem.String(),
		Source: src,
		BlockX: InBlock,
		BlockY: InBlock,
		Body:   textureToTensor,
	}, nil
}

// TensorToTexture returns the kernel converting the planar tensor at SRV
// slot 0 into the texture at UAV slot 0. Dispatch it over
// DispatchSize(W, H, OutBlock) of the texture.
func TensorToTexture(elem inference.ElementType) (graphics.Kernel, error) {
	src, err := render(tensorToTextureTmpl, elem, OutBlock)
	if err != nil {
		return graphics.Kernel{}, err
	}
	return graphics.Kernel{
		Label:  "tensor_to_texture_" + elem.String(),
		Source: src,
		BlockX: OutBlock,
		BlockY: OutBlock,
		Body:   tensorToTexture,
	}, nil
}

// DispatchSize is the thread-group grid covering width x height with square
// groups of edge block.
func DispatchSize(width, height, block uint32) (x, y uint32) {
	return (width + block - 1) / block, (height + block - 1) / block
}

// CompileSPIRV compiles the kernel's WGSL payload to SPIR-V words.
func CompileSPIRV(k graphics.Kernel) ([]uint32, error) {
	spirvBytes, err := naga.Compile(k.Source)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", k.Label, err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("compile %s: SPIR-V is %d bytes, not a multiple of 4", k.Label, len(spirvBytes))
	}
	// SPIR-V is little-endian 32-bit words
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

func textureToTensor(env graphics.KernelEnv, gx, gy uint32) error {
	src, ok := env.ShaderResource(slotSource).(graphics.TexelReader)
	if !ok {
		return fmt.Errorf("frame srv: %w", ErrBinding)
	}
	samp := env.Sampler(slotSampler)
	if samp == nil {
		return fmt.Errorf("sampler: %w", ErrBinding)
	}
	dst, ok := env.UnorderedAccess(slotTarget).(graphics.ElementWriter)
	if !ok {
		return fmt.Errorf("tensor uav: %w", ErrBinding)
	}

	w, h := src.Size()
	plane := int(w) * int(h)
	desc := samp.Desc()
	for ty := uint32(0); ty < InBlock; ty++ {
		y := gy*InBlock + ty
		if y >= h {
			break
		}
		v := (float32(y) + 0.5) / float32(h)
		for tx := uint32(0); tx < InBlock; tx++ {
			x := gx*InBlock + tx
			if x >= w {
				break
			}
			c := graphics.Sample(src, desc, (float32(x)+0.5)/float32(w), v)
			i := int(y)*int(w) + int(x)
			dst.SetElement(i, c[0])
			dst.SetElement(plane+i, c[1])
			dst.SetElement(2*plane+i, c[2])
		}
	}
	return nil
}

func tensorToTexture(env graphics.KernelEnv, gx, gy uint32) error {
	src, ok := env.ShaderResource(slotSource).(graphics.ElementReader)
	if !ok {
		return fmt.Errorf("tensor srv: %w", ErrBinding)
	}
	dst, ok := env.UnorderedAccess(slotTarget).(graphics.TexelWriter)
	if !ok {
		return fmt.Errorf("frame uav: %w", ErrBinding)
	}

	w, h := dst.Size()
	plane := int(w) * int(h)
	for ty := uint32(0); ty < OutBlock; ty++ {
		y := gy*OutBlock + ty
		if y >= h {
			break
		}
		for tx := uint32(0); tx < OutBlock; tx++ {
			x := gx*OutBlock + tx
			if x >= w {
				break
			}
			i := int(y)*int(w) + int(x)
			dst.SetTexel(int(x), int(y), [4]float32{
				clamp01(src.Element(i)),
				clamp01(src.Element(plane + i)),
				clamp01(src.Element(2*plane + i)),
				1,
			})
		}
	}
	return nil
}

func clamp01(v float32) float32 {
	if !(v > 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
