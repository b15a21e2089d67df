package kernel

import (
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// activationWGSL is the activate() helper for a fused activation. It is
// emitted per program so no invocation branches on the activation.
func activationWGSL(code model.FuseCode) string {
	var expr string
	switch code {
	case model.FuseRelu:
		expr = "max(x, 0.0)"
	case model.FuseRelu1:
		expr = "clamp(x, -1.0, 1.0)"
	case model.FuseRelu6:
		expr = "clamp(x, 0.0, 6.0)"
	default:
		expr = "x"
	}
	return "fn activate(x: f32) -> f32 { return " + expr + "; }\n"
}

// activation returns the host function for a fused activation code.
func activation(code int) func(float32) float32 {
	switch model.FuseCode(code) {
	case model.FuseRelu:
		return func(x float32) float32 { return max(x, 0) }
	case model.FuseRelu1:
		return func(x float32) float32 { return min(max(x, -1), 1) }
	case model.FuseRelu6:
		return func(x float32) float32 { return min(max(x, 0), 6) }
	default:
		return func(x float32) float32 { return x }
	}
}
