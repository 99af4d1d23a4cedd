package inference

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gogpu/gputypes"
)

// ElementType is the numeric format of model tensors.
type ElementType int

const (
	ElementUnknown ElementType = iota
	Float16
	Float32
)

// Size is the width of one element in bytes, or 0 for ElementUnknown.
func (e ElementType) Size() int {
	switch e {
	case Float16:
		return 2
	case Float32:
		return 4
	default:
		return 0
	}
}

// ViewFormat is the typed buffer view format matching the element type.
func (e ElementType) ViewFormat() (gputypes.TextureFormat, error) {
	switch e {
	case Float16:
		return gputypes.TextureFormatR16Float, nil
	case Float32:
		return gputypes.TextureFormatR32Float, nil
	default:
		return 0, fmt.Errorf("%s: %w", e, ErrUnsupportedElementType)
	}
}

func (e ElementType) String() string {
	switch e {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case ElementUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("ElementType(%d)", int(e))
	}
}

// Shape is a tensor shape.
type Shape []int64

// NCHW builds the shape of a single-image planar tensor.
func NCHW(channels, height, width int) Shape {
	return Shape{1, int64(channels), int64(height), int64(width)}
}

// Elements is the number of elements in the shape.
func (s Shape) Elements() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) String() string {
	dims := make([]string, len(s))
	for i, d := range s {
		dims[i] = strconv.FormatInt(d, 10)
	}
	return strings.Join(dims, "x")
}
