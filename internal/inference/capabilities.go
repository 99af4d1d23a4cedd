package inference

import (
	"sync"
)

// Providers records which execution providers a runtime can configure.
type Providers struct {
	TensorRT bool
	CUDA     bool
}

var (
	capsOnce sync.Once
	caps     Providers
)

// Capabilities detects the providers of rt once per process and returns the
// cached result on every later call, whichever runtime is passed.
func Capabilities(rt Runtime) Providers {
	capsOnce.Do(func() {
		caps = rt.DetectProviders()
	})
	return caps
}
