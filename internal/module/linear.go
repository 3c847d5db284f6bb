package module

import (
	"fmt"

	"github.com/samcharles93/loom/internal/tensor"
)

// Proj is a projection module: anything that maps an input vector to an
// output vector. Base layers are *Linear; the lora package substitutes its
// tuner layers through the same interface.
type Proj interface {
	Forward(dst, x []float32)
	InFeatures() int
	OutFeatures() int
}

// Linear is a dense projection with weight [out, in] and optional bias.
type Linear struct {
	Weight tensor.Mat
	Bias   []float32
}

// NewLinear allocates a zeroed linear layer.
func NewLinear(in, out int) *Linear {
	return &Linear{Weight: tensor.NewMat(out, in)}
}

func (l *Linear) Forward(dst, x []float32) {
	tensor.MatVec(dst, &l.Weight, x)
	if l.Bias != nil {
		tensor.Add(dst[:l.Weight.R], l.Bias)
	}
}

func (l *Linear) InFeatures() int  { return l.Weight.C }
func (l *Linear) OutFeatures() int { return l.Weight.R }

// ExpandInput grows the layer to accept newIn input features. Existing
// weight columns are preserved; new columns are zero, so outputs for inputs
// that are zero-padded into the new range are unchanged. Shrinking is not
// supported.
func (l *Linear) ExpandInput(newIn int) error {
	if newIn < l.Weight.C {
		return fmt.Errorf("cannot shrink linear input features from %d to %d", l.Weight.C, newIn)
	}
	if newIn == l.Weight.C {
		return nil
	}
	expanded := tensor.NewMat(l.Weight.R, newIn)
	for i := 0; i < l.Weight.R; i++ {
		copy(expanded.Row(i), l.Weight.Row(i))
	}
	l.Weight = expanded
	return nil
}
