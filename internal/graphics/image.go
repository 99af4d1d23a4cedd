package graphics

import (
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"
)

// ImageDevice is a Device that can upload host images as textures.
type ImageDevice interface {
	Device
	CreateTextureFromImage(label string, img image.Image, usage gputypes.TextureUsage) (Texture, error)
}

// readbackTexture is implemented by device textures that copy their texels
// back to the host on demand.
type readbackTexture interface {
	readImage() (*image.RGBA, error)
}

// toRGBA converts img to a tightly packed RGBA image at the origin.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}

// CreateTextureFromImage uploads img as an RGBA8 texture.
func (d *SoftDevice) CreateTextureFromImage(label string, img image.Image, usage gputypes.TextureUsage) (Texture, error) {
	b := img.Bounds()
	tex, err := d.CreateTexture2D(TextureDesc{
		Label:  label,
		Width:  uint32(b.Dx()),
		Height: uint32(b.Dy()),
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  usage,
	})
	if err != nil {
		return nil, err
	}
	t := tex.(*softTexture)
	dst := &image.RGBA{
		Pix:    t.pixels,
		Stride: int(t.desc.Width) * 4,
		Rect:   image.Rect(0, 0, b.Dx(), b.Dy()),
	}
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return tex, nil
}

// TextureImage copies a texture into a new RGBA image.
func TextureImage(tex Texture) (*image.RGBA, error) {
	switch t := tex.(type) {
	case *softTexture:
		if t.isReleased() {
			return nil, fmt.Errorf("texture %q: %w", t.desc.Label, ErrReleased)
		}
		img := image.NewRGBA(image.Rect(0, 0, int(t.desc.Width), int(t.desc.Height)))
		copy(img.Pix, t.pixels)
		return img, nil
	case readbackTexture:
		return t.readImage()
	default:
		return nil, ErrForeignResource
	}
}
