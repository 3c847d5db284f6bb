package lora

import (
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/loom/internal/tensor"
)

// MergeOptions controls folding adapter deltas into the base weight.
type MergeOptions struct {
	// AdapterNames restricts the merge; nil merges all active adapters.
	AdapterNames []string
	// SafeMerge validates the merged weight for NaN/Inf on a copy before
	// committing, leaving the base untouched on failure.
	SafeMerge bool
	// Scale multiplies every delta; zero means 1.
	Scale float64
}

// Merge permanently folds the selected adapters' deltas into the base
// weights. Already-merged adapters are skipped.
func (l *Linear) Merge(opts MergeOptions) error {
	names := opts.AdapterNames
	if names == nil {
		names = l.active
	}
	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}

	for _, name := range names {
		ad, ok := l.adapters[name]
		if !ok {
			continue
		}
		if slices.Contains(l.merged, name) {
			continue
		}
		s := float32(scale * ad.weight * ad.scaling)

		if opts.SafeMerge {
			candidate := l.base.Weight.Clone()
			tensor.MatMulAdd(&candidate, &ad.B, &ad.A, s)
			if !finiteMat(&candidate) {
				return fmt.Errorf("NaNs detected in adapter %q weights; aborting merge", name)
			}
			l.base.Weight = candidate
		} else {
			tensor.MatMulAdd(&l.base.Weight, &ad.B, &ad.A, s)
		}

		if ad.Bias != nil {
			if l.base.Bias == nil {
				l.base.Bias = make([]float32, l.base.OutFeatures())
			}
			tensor.AddScaled(l.base.Bias, ad.Bias, s)
		}

		l.merged = append(l.merged, name)
		l.mergedScale[name] = s
	}
	return nil
}

// Unmerge reverses prior merges by subtracting each recorded delta, newest
// first.
func (l *Linear) Unmerge() {
	for i := len(l.merged) - 1; i >= 0; i-- {
		name := l.merged[i]
		ad := l.adapters[name]
		s := l.mergedScale[name]
		tensor.MatMulAdd(&l.base.Weight, &ad.B, &ad.A, -s)
		if ad.Bias != nil && l.base.Bias != nil {
			tensor.AddScaled(l.base.Bias, ad.Bias, -s)
		}
		delete(l.mergedScale, name)
	}
	l.merged = l.merged[:0]
}

func finiteMat(m *tensor.Mat) bool {
	for _, v := range m.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
