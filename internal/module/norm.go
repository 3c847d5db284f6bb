package module

import "github.com/samcharles93/loom/internal/tensor"

// RMSNorm is a named normalization layer with a replaceable gain vector.
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

// NewRMSNorm allocates a norm layer with unit gain.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	w := make([]float32, dim)
	for i := range w {
		w[i] = 1
	}
	return &RMSNorm{Weight: w, Eps: eps}
}

func (n *RMSNorm) Forward(dst, x []float32) {
	tensor.RMSNorm(dst, x, n.Weight, n.Eps)
}

// SetWeight replaces the gain vector, returning the previous one.
func (n *RMSNorm) SetWeight(w []float32) []float32 {
	old := n.Weight
	n.Weight = w
	return old
}
