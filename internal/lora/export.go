package lora

import (
	"fmt"

	"github.com/samcharles93/loom/internal/module"
	"github.com/samcharles93/loom/internal/statedict"
)

// ExportStateDict collects the named adapter's factors from every tuner
// layer into a canonical-key state dict, including per-module scale entries
// resolved from cfg. The inverse of LoadWeights up to key ordering.
func ExportStateDict(m *module.Model, adapterName string, cfg *Config) (statedict.Dict, error) {
	dict := make(statedict.Dict)
	m.VisitProjections(func(name string, p module.Proj) {
		tuner, ok := p.(*Linear)
		if !ok {
			return
		}
		a, b, bias, ok := tuner.Adapter(adapterName)
		if !ok {
			return
		}
		dict[name+statedict.SuffixLoraA] = statedict.Tensor{Shape: []int{a.R, a.C}, Data: a.Data}
		dict[name+statedict.SuffixLoraB] = statedict.Tensor{Shape: []int{b.R, b.C}, Data: b.Data}
		if bias != nil {
			dict[name+statedict.SuffixLoraBBias] = statedict.Tensor{Shape: []int{len(bias)}, Data: bias}
		}
		if cfg != nil {
			alpha := cfg.AlphaFor(name)
			if cfg.UseRSLoRA {
				// Readers apply alpha/rank, so bake the rank-stabilized
				// scaling into the recorded alpha.
				alpha = cfg.ScalingFor(name) * float64(cfg.RankFor(name))
			}
			dict[name+statedict.SuffixAlpha] = statedict.Tensor{Shape: []int{1}, Data: []float32{float32(alpha)}}
		}
	})
	if len(dict) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, adapterName)
	}
	return dict, nil
}
