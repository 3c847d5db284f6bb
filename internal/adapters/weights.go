package adapters

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/loom/internal/module"
)

// BlockWeights addresses the model's block topology: All is the fallback for
// every module, In and Out override the input and output projections, and
// Blocks carries one weight per transformer block. Nil pointer fields fall
// back to All; an absent All means 1.
type BlockWeights struct {
	All    *float64  `json:"all,omitempty"`
	In     *float64  `json:"in,omitempty"`
	Out    *float64  `json:"out,omitempty"`
	Blocks []float64 `json:"blocks,omitempty"`
}

// AdapterWeight is either a single scalar applied to every module or a
// per-block structure. The zero value means 1 everywhere.
type AdapterWeight struct {
	scalar *float64
	block  *BlockWeights
}

// ScalarWeight builds a uniform weight.
func ScalarWeight(v float64) AdapterWeight {
	return AdapterWeight{scalar: &v}
}

// PerBlockWeight builds a structured weight.
func PerBlockWeight(bw BlockWeights) AdapterWeight {
	return AdapterWeight{block: &bw}
}

// UnmarshalJSON accepts a bare number or a BlockWeights object, so API
// payloads can write "weight": 0.5 or "weight": {"blocks": [...]}.
func (w *AdapterWeight) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*w = AdapterWeight{}
		return nil
	}
	if s[0] == '{' {
		var bw BlockWeights
		if err := json.Unmarshal(data, &bw); err != nil {
			return err
		}
		w.block = &bw
		w.scalar = nil
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("adapter weight must be a number or a block object: %w", err)
	}
	w.scalar = &v
	w.block = nil
	return nil
}

// expand resolves the weight for every projection module path. A nil map
// means 1 everywhere.
func (w AdapterWeight) expand(m *module.Model) (map[string]float64, error) {
	if w.scalar != nil {
		out := make(map[string]float64)
		for _, name := range m.ProjectionNames() {
			out[name] = *w.scalar
		}
		return out, nil
	}
	if w.block == nil {
		return nil, nil
	}

	bw := w.block
	all := 1.0
	if bw.All != nil {
		all = *bw.All
	}
	if len(bw.Blocks) != 0 && len(bw.Blocks) != m.Config.BlockCount {
		return nil, fmt.Errorf("block weights have length %d, model has %d blocks", len(bw.Blocks), m.Config.BlockCount)
	}

	out := make(map[string]float64)
	for _, name := range m.ProjectionNames() {
		v := all
		switch {
		case name == "in_proj":
			if bw.In != nil {
				v = *bw.In
			}
		case name == "out_proj":
			if bw.Out != nil {
				v = *bw.Out
			}
		default:
			if len(bw.Blocks) > 0 {
				idx, err := blockIndex(name)
				if err != nil {
					return nil, err
				}
				v = bw.Blocks[idx]
			}
		}
		out[name] = v
	}
	return out, nil
}

func blockIndex(path string) (int, error) {
	rest, ok := strings.CutPrefix(path, "blocks.")
	if !ok {
		return 0, fmt.Errorf("module %q is not a block module", path)
	}
	num, _, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, fmt.Errorf("module %q is not a block module", path)
	}
	return strconv.Atoi(num)
}
