package inference

import (
	"strconv"
)

// Provider option defaults for the TensorRT execution provider.
const (
	DefaultBuilderOptimizationLevel = 5
	DefaultMaxWidth                 = 1920
	DefaultMaxHeight                = 1080
	// DefaultEngineCacheDir is relative to the working directory.
	DefaultEngineCacheDir = "trt"
)

// ProfileShapes is the optimization profile the TensorRT engine is built for.
type ProfileShapes struct {
	Min Shape
	Opt Shape
	Max Shape
}

// DefaultProfile covers every RGB frame up to maxWidth x maxHeight, optimized
// for the largest.
func DefaultProfile(maxWidth, maxHeight int) ProfileShapes {
	return ProfileShapes{
		Min: NCHW(3, 1, 1),
		Opt: NCHW(3, maxHeight, maxWidth),
		Max: NCHW(3, maxHeight, maxWidth),
	}
}

// Contains reports whether an input of height x width lies inside the profile.
func (p ProfileShapes) Contains(height, width int) bool {
	if len(p.Min) != 4 || len(p.Max) != 4 {
		return true
	}
	h, w := int64(height), int64(width)
	return h >= p.Min[2] && h <= p.Max[2] && w >= p.Min[3] && w <= p.Max[3]
}

// ProviderOptions configures the TensorRT and CUDA execution providers.
type ProviderOptions struct {
	DeviceID                 int
	FP16                     bool
	EngineCacheDir           string
	BuilderOptimizationLevel int
	InputName                string
	Profile                  ProfileShapes
}

// TensorRT renders the TensorRT provider options.
func (o ProviderOptions) TensorRT() map[string]string {
	level := o.BuilderOptimizationLevel
	if level == 0 {
		level = DefaultBuilderOptimizationLevel
	}
	opts := map[string]string{
		"device_id":                      strconv.Itoa(o.DeviceID),
		"has_user_compute_stream":        "1",
		"trt_fp16_enable":                boolOption(o.FP16),
		"trt_builder_optimization_level": strconv.Itoa(level),
		"trt_profile_min_shapes":         o.profileShape(o.Profile.Min),
		"trt_profile_opt_shapes":         o.profileShape(o.Profile.Opt),
		"trt_profile_max_shapes":         o.profileShape(o.Profile.Max),
	}
	cacheDir := o.EngineCacheDir
	if cacheDir == "" {
		cacheDir = DefaultEngineCacheDir
	}
	opts["trt_engine_cache_enable"] = "1"
	opts["trt_engine_cache_path"] = cacheDir
	opts["trt_dump_ep_context_model"] = "1"
	opts["trt_ep_context_file_path"] = cacheDir
	return opts
}

// CUDA renders the options of the CUDA provider registered after TensorRT.
func (o ProviderOptions) CUDA() map[string]string {
	return map[string]string{
		"device_id":               strconv.Itoa(o.DeviceID),
		"has_user_compute_stream": "1",
	}
}

func (o ProviderOptions) profileShape(s Shape) string {
	name := o.InputName
	if name == "" {
		name = DefaultInputName
	}
	return name + ":" + s.String()
}

func boolOption(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
