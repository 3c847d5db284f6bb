// Package lora injects low-rank tuner layers into a host model's projection
// modules and implements their activation, weighting, merge and unmerge
// mechanics.
package lora

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/samcharles93/loom/internal/statedict"
)

// Config describes one adapter: which modules it targets and the low-rank
// decomposition parameters per module.
type Config struct {
	// Rank is the default decomposition rank; RankPattern overrides it per
	// module path.
	Rank        int
	RankPattern map[string]int

	// Alpha is the numerator of the delta scaling (scaling = alpha/rank, or
	// alpha/sqrt(rank) with UseRSLoRA). Zero means alpha = rank, i.e. unit
	// scaling. AlphaPattern overrides per module path.
	Alpha        float64
	AlphaPattern map[string]float64

	// TargetModules are module paths or path suffixes to inject into.
	TargetModules []string

	// Bias trains an additional bias on the up-projection.
	Bias bool

	// UseRSLoRA selects the rank-stabilized scaling.
	UseRSLoRA bool

	// InitWeights seeds each A factor with small reproducible noise on
	// injection. Loading paths leave it false since the state dict
	// overwrites the factors anyway.
	InitWeights bool
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil adapter config")
	}
	if c.Rank <= 0 && len(c.RankPattern) == 0 {
		return errors.New("adapter config needs a positive rank")
	}
	for m, r := range c.RankPattern {
		if r <= 0 {
			return fmt.Errorf("rank for module %q must be > 0", m)
		}
	}
	if len(c.TargetModules) == 0 {
		return errors.New("adapter config needs target modules")
	}
	return nil
}

// Matches reports whether the module path is a target: an exact match or a
// dotted-suffix match ("to_q" targets every blocks.*.attn.to_q).
func (c *Config) Matches(module string) bool {
	for _, t := range c.TargetModules {
		if module == t || strings.HasSuffix(module, "."+t) {
			return true
		}
	}
	return false
}

// RankFor resolves the decomposition rank for a module path.
func (c *Config) RankFor(module string) int {
	if r, ok := c.RankPattern[module]; ok {
		return r
	}
	return c.Rank
}

// ScalingFor resolves the delta scaling for a module path.
func (c *Config) ScalingFor(module string) float64 {
	r := c.RankFor(module)
	alpha := c.Alpha
	if a, ok := c.AlphaPattern[module]; ok {
		alpha = a
	}
	if alpha == 0 {
		alpha = float64(r)
	}
	if c.UseRSLoRA {
		return alpha / math.Sqrt(float64(r))
	}
	return alpha / float64(r)
}

// AlphaFor resolves the scale numerator recorded for a module, with the
// alpha = rank convention for unset values.
func (c *Config) AlphaFor(module string) float64 {
	if a, ok := c.AlphaPattern[module]; ok {
		return a
	}
	if c.Alpha != 0 {
		return c.Alpha
	}
	return float64(c.RankFor(module))
}

// ConfigFromStateDict derives an adapter config from a normalized state
// dict: target modules and ranks from the A factor shapes, per-module alphas
// from scale entries, bias from the presence of up-projection biases.
func ConfigFromStateDict(dict statedict.Dict) (*Config, error) {
	ranks, err := statedict.Ranks(dict)
	if err != nil {
		return nil, err
	}
	if len(ranks) == 0 {
		return nil, errors.New("state dict contains no low-rank factors")
	}
	alphas, err := statedict.Alphas(dict)
	if err != nil {
		return nil, err
	}

	cfg := &Config{RankPattern: ranks}
	targets := make([]string, 0, len(ranks))
	for module := range ranks {
		targets = append(targets, module)
	}
	sort.Strings(targets)
	cfg.TargetModules = targets

	if len(alphas) > 0 {
		cfg.AlphaPattern = alphas
	}
	for key := range dict {
		if strings.HasSuffix(key, statedict.SuffixLoraBBias) {
			cfg.Bias = true
			break
		}
	}
	return cfg, nil
}
