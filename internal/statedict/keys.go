package statedict

import (
	"fmt"
	"strings"
)

// Canonical adapter key suffixes. Every target module contributes a paired
// down-projection (A) and up-projection (B) factor, an optional up-projection
// bias, and an optional per-module scale scalar.
const (
	SuffixLoraA     = ".lora_A.weight"
	SuffixLoraB     = ".lora_B.weight"
	SuffixLoraBBias = ".lora_B.bias"
	SuffixAlpha     = ".alpha"
)

// legacy naming conventions folded into the canonical one. Pairs feed a
// strings.Replacer; order matters, longest variants first.
var keyReplacements = []string{
	"base_model.model.", "",
	".lora_down.weight", SuffixLoraA,
	".lora_up.weight", SuffixLoraB,
	".lora.down.weight", SuffixLoraA,
	".lora.up.weight", SuffixLoraB,
}

var keyReplacer = strings.NewReplacer(keyReplacements...)

// stripAdapterSegment drops the named-adapter path segment some trainers
// write between the factor marker and the parameter name, whatever the
// adapter was called: "lora_A.style.weight" becomes "lora_A.weight".
func stripAdapterSegment(key string) string {
	for _, marker := range []string{".lora_A.", ".lora_B."} {
		i := strings.Index(key, marker)
		if i < 0 {
			continue
		}
		rest := key[i+len(marker):]
		if _, param, found := strings.Cut(rest, "."); found && (param == "weight" || param == "bias") {
			return key[:i+len(marker)] + param
		}
		return key
	}
	return key
}

// IsLoraKey reports whether key names a low-rank factor (canonical or legacy).
func IsLoraKey(key string) bool {
	return strings.Contains(key, "lora")
}

// ModuleForKey splits a canonical key into its module path and suffix.
// ok is false for keys that are not canonical adapter keys.
func ModuleForKey(key string) (module, suffix string, ok bool) {
	for _, s := range []string{SuffixLoraA, SuffixLoraB, SuffixLoraBBias, SuffixAlpha} {
		if strings.HasSuffix(key, s) {
			return strings.TrimSuffix(key, s), s, true
		}
	}
	return "", "", false
}

// Normalize rewrites legacy key formats into the canonical convention.
// Conversion must be total: any lora-looking key that still fails to parse
// after rewriting is an error, so no factor is silently dropped. Non-lora
// keys (normalization layers and the like) pass through untouched.
func Normalize(d Dict) (Dict, error) {
	out := make(Dict, len(d))
	for k, v := range d {
		nk := stripAdapterSegment(keyReplacer.Replace(k))
		if IsLoraKey(nk) {
			if _, _, ok := ModuleForKey(nk); !ok {
				return nil, fmt.Errorf("unrecognized adapter key format: %q", k)
			}
		}
		if _, exists := out[nk]; exists {
			return nil, fmt.Errorf("key %q collides after normalization", k)
		}
		out[nk] = v
	}
	return out, nil
}

// Split partitions a normalized dict into adapter factor keys and the rest.
func Split(d Dict) (lora, other Dict) {
	lora = make(Dict)
	other = make(Dict)
	for k, v := range d {
		if _, _, ok := ModuleForKey(k); ok {
			lora[k] = v
		} else {
			other[k] = v
		}
	}
	return lora, other
}

// Ranks derives the rank of each target module from its A factor shape
// [rank, in_features].
func Ranks(lora Dict) (map[string]int, error) {
	ranks := make(map[string]int)
	for k, v := range lora {
		module, suffix, ok := ModuleForKey(k)
		if !ok || suffix != SuffixLoraA {
			continue
		}
		if len(v.Shape) != 2 {
			return nil, fmt.Errorf("%s: A factor must be 2D, got shape %v", k, v.Shape)
		}
		ranks[module] = v.Shape[0]
	}
	return ranks, nil
}

// Alphas collects per-module scale scalars from .alpha entries.
func Alphas(lora Dict) (map[string]float64, error) {
	alphas := make(map[string]float64)
	for k, v := range lora {
		module, suffix, ok := ModuleForKey(k)
		if !ok || suffix != SuffixAlpha {
			continue
		}
		if len(v.Data) != 1 {
			return nil, fmt.Errorf("%s: alpha must be a scalar", k)
		}
		alphas[module] = float64(v.Data[0])
	}
	return alphas, nil
}
