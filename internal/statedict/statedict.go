// Package statedict loads serialized weight dictionaries and normalizes
// their key naming conventions into the canonical adapter format used by
// the lora package.
package statedict

import (
	"errors"
	"strings"
)

// Tensor is one entry of a state dict: a shape and flattened f32 values.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Clone returns a deep copy of the tensor.
func (t Tensor) Clone() Tensor {
	out := Tensor{
		Shape: make([]int, len(t.Shape)),
		Data:  make([]float32, len(t.Data)),
	}
	copy(out.Shape, t.Shape)
	copy(out.Data, t.Data)
	return out
}

// Elems returns the number of elements implied by the shape.
func (t Tensor) Elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dict is a flat mapping from dotted parameter paths to tensors.
type Dict map[string]Tensor

var ErrEmptyDict = errors.New("state dict is empty")

// Clone deep-copies the dict so the caller's tensors can never alias
// injected weights.
func (d Dict) Clone() Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = v.Clone()
	}
	return out
}

// Keys returns the key set in unspecified order.
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	return keys
}

// FilterPrefix returns the sub-dict of keys beginning with prefix+".",
// with the prefix stripped. If no key carries the prefix the dict is
// returned unchanged: single-component checkpoints are stored unprefixed.
func (d Dict) FilterPrefix(prefix string) Dict {
	if prefix == "" {
		return d
	}
	full := prefix + "."
	matched := false
	for k := range d {
		if strings.HasPrefix(k, full) {
			matched = true
			break
		}
	}
	if !matched {
		return d
	}
	out := make(Dict)
	for k, v := range d {
		if strings.HasPrefix(k, full) {
			out[strings.TrimPrefix(k, full)] = v
		}
	}
	return out
}
