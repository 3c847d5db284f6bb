package lora

import (
	"fmt"
	"sort"

	"github.com/samcharles93/loom/internal/module"
	"github.com/samcharles93/loom/internal/statedict"
	"github.com/samcharles93/loom/internal/tensor"
)

// Inject attaches a named adapter to every projection module the config
// targets, wrapping plain dense layers in tuner layers on first contact.
// The model's forward output is unchanged until weights are loaded, since
// fresh adapters start with a zero up-projection.
func (cfg *Config) Inject(m *module.Model, adapterName string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	matched := 0
	for _, name := range m.ProjectionNames() {
		if !cfg.Matches(name) {
			continue
		}
		p, _ := m.Projection(name)
		tuner, ok := p.(*Linear)
		if !ok {
			base, ok := p.(*module.Linear)
			if !ok {
				return fmt.Errorf("module %q is not a dense projection", name)
			}
			tuner = NewLinear(base)
			if err := m.ReplaceProjection(name, tuner); err != nil {
				return err
			}
		}
		if err := tuner.AddAdapter(adapterName, name, cfg.RankFor(name), cfg.ScalingFor(name), cfg.Bias, cfg.InitWeights); err != nil {
			return err
		}
		matched++
	}
	if matched == 0 {
		return fmt.Errorf("%w: %v", ErrNoTargets, cfg.TargetModules)
	}
	return nil
}

// Report lists state-dict keys that could not be paired with an injected
// module, and injected modules the dict carried no factors for.
type Report struct {
	Missing    []string
	Unexpected []string
}

// LoadWeights copies a normalized state dict's factors into the named
// adapter's layers. A factors wider than their module's input grow the base
// layer by zero-padding; narrower ones are rejected. Per-module scale
// scalars must be resolved into the adapter config before injection, so
// .alpha entries are consumed without effect here.
func LoadWeights(m *module.Model, adapterName string, dict statedict.Dict) (Report, error) {
	var rep Report
	consumed := make(map[string]bool)

	for _, name := range m.ProjectionNames() {
		p, _ := m.Projection(name)
		tuner, ok := p.(*Linear)
		if !ok {
			continue
		}
		ad, ok := tuner.adapters[adapterName]
		if !ok {
			continue
		}

		keyA := name + statedict.SuffixLoraA
		keyB := name + statedict.SuffixLoraB
		tA, okA := dict[keyA]
		tB, okB := dict[keyB]
		if !okA || !okB {
			if !okA {
				rep.Missing = append(rep.Missing, keyA)
			}
			if !okB {
				rep.Missing = append(rep.Missing, keyB)
			}
			continue
		}
		consumed[keyA] = true
		consumed[keyB] = true
		consumed[name+statedict.SuffixAlpha] = true

		if len(tA.Shape) != 2 || len(tB.Shape) != 2 {
			return rep, fmt.Errorf("%s: factors must be 2D", name)
		}
		if len(tA.Data) != tA.Elems() || len(tB.Data) != tB.Elems() {
			return rep, fmt.Errorf("%s: factor data length does not match shape", name)
		}
		rank, inDim := tA.Shape[0], tA.Shape[1]
		outDim := tB.Shape[0]
		if tB.Shape[1] != rank {
			return rep, fmt.Errorf("%s: B shape %v incompatible with rank %d", keyB, tB.Shape, rank)
		}
		if outDim != tuner.base.OutFeatures() {
			return rep, fmt.Errorf("%s: output dim %d incompatible with module output dim %d", keyB, outDim, tuner.base.OutFeatures())
		}

		switch {
		case inDim < tuner.base.InFeatures():
			return rep, fmt.Errorf("%w: %s has input dim %d, module %q has %d",
				ErrShapeShrink, keyA, inDim, name, tuner.base.InFeatures())
		case inDim > tuner.base.InFeatures():
			if err := tuner.base.ExpandInput(inDim); err != nil {
				return rep, fmt.Errorf("%s: %w", name, err)
			}
		}

		ad.A = tensor.NewMatFromData(rank, inDim, tA.Clone().Data)
		ad.B = tensor.NewMatFromData(outDim, rank, tB.Clone().Data)

		if tBias, ok := dict[name+statedict.SuffixLoraBBias]; ok {
			consumed[name+statedict.SuffixLoraBBias] = true
			if len(tBias.Data) != outDim {
				return rep, fmt.Errorf("%s%s: length %d incompatible with %d",
					name, statedict.SuffixLoraBBias, len(tBias.Data), outDim)
			}
			ad.Bias = tBias.Clone().Data
		}
	}

	for key := range dict {
		if !consumed[key] {
			rep.Unexpected = append(rep.Unexpected, key)
		}
	}
	sort.Strings(rep.Missing)
	sort.Strings(rep.Unexpected)
	return rep, nil
}
