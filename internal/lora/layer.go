package lora

import (
	"fmt"
	"hash/fnv"
	"slices"

	"github.com/samcharles93/loom/internal/module"
	"github.com/samcharles93/loom/internal/tensor"
)

// adapterState holds one adapter's factors on one layer. A is the
// down-projection [rank, in], B the up-projection [out, rank]; B starts at
// zero so a freshly attached adapter is a no-op until trained or loaded.
type adapterState struct {
	A       tensor.Mat
	B       tensor.Mat
	Bias    []float32
	scaling float64
	weight  float64
}

// Linear is the tuner layer: a base dense projection plus any number of
// named low-rank adapters. It satisfies module.Proj so it can stand in for
// the base layer it wraps.
type Linear struct {
	base     *module.Linear
	names    []string
	adapters map[string]*adapterState
	active   []string
	disabled bool

	// origWeight and origBias snapshot the base parameters at wrap time so
	// unloading restores them bit-identically even after merges.
	origWeight tensor.Mat
	origBias   []float32

	// merged tracks adapters folded into the base weight, in merge order,
	// with the exact scale used so Unmerge can subtract the same delta.
	merged      []string
	mergedScale map[string]float32
}

var _ module.Proj = (*Linear)(nil)

// NewLinear wraps a base projection with an empty adapter set.
func NewLinear(base *module.Linear) *Linear {
	l := &Linear{
		base:        base,
		adapters:    make(map[string]*adapterState),
		mergedScale: make(map[string]float32),
		origWeight:  base.Weight.Clone(),
	}
	if base.Bias != nil {
		l.origBias = slices.Clone(base.Bias)
	}
	return l
}

// Base returns the wrapped dense layer.
func (l *Linear) Base() *module.Linear { return l.base }

func (l *Linear) InFeatures() int  { return l.base.InFeatures() }
func (l *Linear) OutFeatures() int { return l.base.OutFeatures() }

// AdapterNames lists attached adapters in attach order.
func (l *Linear) AdapterNames() []string { return slices.Clone(l.names) }

// ActiveAdapters lists the currently active adapters.
func (l *Linear) ActiveAdapters() []string { return slices.Clone(l.active) }

// Merged reports whether any adapter is folded into the base weight.
func (l *Linear) Merged() bool { return len(l.merged) > 0 }

// AddAdapter attaches a named adapter with the given rank and scaling. With
// initA the A factor is seeded from the module path so initialization is
// reproducible; without, it stays zero for loading paths that overwrite it.
// B is always zero so attaching is a no-op on the forward pass.
func (l *Linear) AddAdapter(name, modulePath string, rank int, scaling float64, bias, initA bool) error {
	if _, ok := l.adapters[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, name)
	}
	ad := &adapterState{
		A:       tensor.NewMat(rank, l.base.InFeatures()),
		B:       tensor.NewMat(l.base.OutFeatures(), rank),
		scaling: scaling,
		weight:  1,
	}
	if initA {
		tensor.FillRand(&ad.A, adapterSeed(name, modulePath))
	}
	if bias {
		ad.Bias = make([]float32, l.base.OutFeatures())
	}
	l.adapters[name] = ad
	l.names = append(l.names, name)
	return nil
}

func adapterSeed(name, modulePath string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(modulePath))
	return int64(h.Sum64())
}

// SetActive marks the intersection of names with this layer's adapters
// active, deactivating all others.
func (l *Linear) SetActive(names []string) {
	l.active = l.active[:0]
	for _, name := range names {
		if _, ok := l.adapters[name]; ok {
			l.active = append(l.active, name)
		}
	}
}

// SetWeight sets the runtime weight applied to an adapter's delta.
func (l *Linear) SetWeight(name string, weight float64) {
	if ad, ok := l.adapters[name]; ok {
		ad.weight = weight
	}
}

// SetEnabled toggles all adapters on this layer without removing them.
func (l *Linear) SetEnabled(enabled bool) { l.disabled = !enabled }

// DeleteAdapter removes a named adapter's structure. An adapter that is
// currently merged has its recorded delta subtracted from the base weight
// first, so deletion never strands a fused delta.
func (l *Linear) DeleteAdapter(name string) bool {
	ad, ok := l.adapters[name]
	if !ok {
		return false
	}
	if slices.Contains(l.merged, name) {
		s := l.mergedScale[name]
		tensor.MatMulAdd(&l.base.Weight, &ad.B, &ad.A, -s)
		if ad.Bias != nil && l.base.Bias != nil {
			tensor.AddScaled(l.base.Bias, ad.Bias, -s)
		}
		l.merged = slices.DeleteFunc(l.merged, func(n string) bool { return n == name })
		delete(l.mergedScale, name)
	}
	delete(l.adapters, name)
	l.names = slices.DeleteFunc(l.names, func(n string) bool { return n == name })
	l.active = slices.DeleteFunc(l.active, func(n string) bool { return n == name })
	return true
}

// Adapter returns copies of the named adapter's factors.
func (l *Linear) Adapter(name string) (a, b tensor.Mat, bias []float32, ok bool) {
	ad, ok := l.adapters[name]
	if !ok {
		return tensor.Mat{}, tensor.Mat{}, nil, false
	}
	return ad.A.Clone(), ad.B.Clone(), slices.Clone(ad.Bias), true
}

// RestoreBase discards every adapter and returns the wrapped layer with its
// parameters restored to the wrap-time snapshot. If the layer was expanded
// while wrapped, the restored weight keeps the wider shape with zero columns
// beyond the original width.
func (l *Linear) RestoreBase() *module.Linear {
	restored := tensor.NewMat(l.origWeight.R, l.base.InFeatures())
	for i := 0; i < l.origWeight.R; i++ {
		copy(restored.Row(i), l.origWeight.Row(i))
	}
	l.base.Weight = restored
	l.base.Bias = slices.Clone(l.origBias)
	return l.base
}

// Forward computes the base projection plus every active, unmerged
// adapter's weighted low-rank delta.
func (l *Linear) Forward(dst, x []float32) {
	l.base.Forward(dst, x)
	if l.disabled {
		return
	}
	for _, name := range l.active {
		if slices.Contains(l.merged, name) {
			continue
		}
		ad := l.adapters[name]
		s := float32(ad.weight * ad.scaling)
		if s == 0 {
			continue
		}
		tmp := make([]float32, ad.A.R)
		tensor.MatVec(tmp, &ad.A, x)
		out := make([]float32, ad.B.R)
		tensor.MatVec(out, &ad.B, tmp)
		tensor.AddScaled(dst[:ad.B.R], out, s)
		if ad.Bias != nil {
			tensor.AddScaled(dst[:len(ad.Bias)], ad.Bias, s)
		}
	}
}
