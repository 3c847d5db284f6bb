package statedict

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// loadTorch reads a PyTorch checkpoint (.bin/.pt). Only flat tensor dicts
// with contiguous row-major storage are supported; that covers the files
// adapter trainers emit.
func loadTorch(path string) (Dict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load torch checkpoint %s: %w", path, err)
	}

	dict := make(Dict)
	add := func(key, value any) error {
		name, ok := key.(string)
		if !ok {
			return fmt.Errorf("non-string key %v in checkpoint", key)
		}
		t, ok := value.(*pytorch.Tensor)
		if !ok {
			return fmt.Errorf("entry %q is not a tensor", name)
		}
		tensor, err := torchTensor(name, t)
		if err != nil {
			return err
		}
		dict[name] = tensor
		return nil
	}

	switch d := obj.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			v, _ := d.Get(k)
			if err := add(k, v); err != nil {
				return nil, err
			}
		}
	case *types.OrderedDict:
		for k, entry := range d.Map {
			if err := add(k, entry.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unexpected checkpoint root type %T", obj)
	}

	if len(dict) == 0 {
		return nil, ErrEmptyDict
	}
	return dict, nil
}

func torchTensor(name string, t *pytorch.Tensor) (Tensor, error) {
	shape := make([]int, len(t.Size))
	n := 1
	for i, d := range t.Size {
		shape[i] = int(d)
		n *= shape[i]
	}

	off := int(t.StorageOffset)
	data := make([]float32, n)
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		if off+n > len(s.Data) {
			return Tensor{}, fmt.Errorf("tensor %s: storage too small", name)
		}
		copy(data, s.Data[off:off+n])
	case *pytorch.HalfStorage:
		if off+n > len(s.Data) {
			return Tensor{}, fmt.Errorf("tensor %s: storage too small", name)
		}
		copy(data, s.Data[off:off+n])
	case *pytorch.DoubleStorage:
		if off+n > len(s.Data) {
			return Tensor{}, fmt.Errorf("tensor %s: storage too small", name)
		}
		for i := 0; i < n; i++ {
			data[i] = float32(s.Data[off+i])
		}
	default:
		return Tensor{}, fmt.Errorf("tensor %s: unsupported storage type %T", name, t.Source)
	}
	return Tensor{Shape: shape, Data: data}, nil
}
