package adapters

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/loom/internal/statedict"
)

// applyNormWeights hot-swaps normalization gain vectors from a state dict,
// backing up each original the first time it is replaced so Unload can put
// it back. Keys that do not address a known norm layer are reported, not
// fatal.
func (mgr *Manager) applyNormWeights(dict statedict.Dict) (applied int, warnings []string) {
	for _, key := range sortedKeys(dict) {
		t := dict[key]
		name, ok := strings.CutSuffix(key, ".weight")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unsupported key %q in state dict", key))
			continue
		}
		norm, ok := mgr.model.Norm(name)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("no normalization layer named %q in model", name))
			continue
		}
		if len(t.Data) != len(norm.Weight) {
			warnings = append(warnings, fmt.Sprintf("%s: length %d incompatible with %d", key, len(t.Data), len(norm.Weight)))
			continue
		}
		old := norm.SetWeight(slices.Clone(t.Data))
		if _, backed := mgr.normBackup[name]; !backed {
			mgr.normBackup[name] = old
		}
		applied++
	}
	return applied, warnings
}

// restoreNormWeights reverts every hot-swapped norm layer to its original
// gain vector.
func (mgr *Manager) restoreNormWeights() {
	for name, w := range mgr.normBackup {
		if norm, ok := mgr.model.Norm(name); ok {
			norm.SetWeight(w)
		}
		delete(mgr.normBackup, name)
	}
}

func sortedKeys(d statedict.Dict) []string {
	keys := d.Keys()
	slices.Sort(keys)
	return keys
}
