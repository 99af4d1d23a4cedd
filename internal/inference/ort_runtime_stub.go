//go:build !ort
// +build !ort

package inference

import (
	"go.uber.org/zap"
)

// ORTRuntime is unavailable without the ort build tag.
type ORTRuntime struct{}

func NewORTRuntime(*zap.Logger, string) *ORTRuntime { return &ORTRuntime{} }

func (r *ORTRuntime) Name() string     { return "onnxruntime" }
func (r *ORTRuntime) DetectProviders() Providers { return Providers{} }

func (r *ORTRuntime) NewSession(SessionConfig) (Session, error) {
	return nil, ErrRuntimeUnavailable
}
