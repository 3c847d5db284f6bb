package module

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/loom/internal/safetensors"
	"github.com/samcharles93/loom/internal/tensor"
)

// Base-model checkpoints carry their config as safetensors metadata.
const (
	metaBlockCount = "loom.block_count"
	metaInputDim   = "loom.input_dim"
	metaEmbedding  = "loom.embedding_length"
	metaFFN        = "loom.ffn_length"
	metaHeadCount  = "loom.head_count"
	metaRMSEps     = "loom.rms_epsilon"
)

// Save writes the model's base weights and config to a safetensors file.
// Tuner layers are not serialized; fuse before saving a merged model.
func Save(m *Model, path string) error {
	tensors := make(map[string]safetensors.WriteTensor)

	m.VisitProjections(func(name string, p Proj) {
		l, ok := p.(*Linear)
		if !ok {
			// Tuner layers save their base weights, which hold the
			// fused deltas after a merge.
			bp, isTuner := p.(interface{ Base() *Linear })
			if !isTuner {
				return
			}
			l = bp.Base()
		}
		tensors[name+".weight"] = matTensor(&l.Weight)
		if l.Bias != nil {
			tensors[name+".bias"] = safetensors.WriteTensor{Shape: []int{len(l.Bias)}, Data: l.Bias}
		}
	})
	for _, name := range m.NormNames() {
		n, _ := m.Norm(name)
		tensors[name+".weight"] = safetensors.WriteTensor{Shape: []int{len(n.Weight)}, Data: n.Weight}
	}

	metadata := map[string]string{
		metaBlockCount: strconv.Itoa(m.Config.BlockCount),
		// The input projection may have been widened for an oversized
		// adapter; record the effective width so reloads line up.
		metaInputDim:   strconv.Itoa(m.InputDim()),
		metaEmbedding:  strconv.Itoa(m.Config.EmbeddingLength),
		metaFFN:        strconv.Itoa(m.Config.FFNLength),
		metaHeadCount:  strconv.Itoa(m.Config.HeadCount),
		metaRMSEps:     strconv.FormatFloat(float64(m.Config.RMSEpsilon), 'g', -1, 32),
	}
	return safetensors.Write(path, tensors, metadata)
}

// Load reconstructs a model from a checkpoint written by Save.
func Load(path string) (*Model, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	cfg, err := configFromMetadata(f.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m, err := New(cfg, 0)
	if err != nil {
		return nil, err
	}

	var loadErr error
	m.VisitProjections(func(name string, p Proj) {
		if loadErr != nil {
			return
		}
		l := p.(*Linear)
		loadErr = loadMat(f, name+".weight", &l.Weight)
		if loadErr != nil {
			return
		}
		if _, ok := f.Tensor(name + ".bias"); ok {
			bias, err := loadVec(f, name+".bias", l.Weight.R)
			if err != nil {
				loadErr = err
				return
			}
			l.Bias = bias
		}
	})
	if loadErr != nil {
		return nil, loadErr
	}

	for _, name := range m.NormNames() {
		n, _ := m.Norm(name)
		w, err := loadVec(f, name+".weight", len(n.Weight))
		if err != nil {
			return nil, err
		}
		n.Weight = w
	}
	return m, nil
}

func configFromMetadata(meta map[string]string) (Config, error) {
	if meta == nil {
		return Config{}, fmt.Errorf("checkpoint carries no model config metadata")
	}
	intOf := func(key string) (int, error) {
		s, ok := meta[key]
		if !ok {
			return 0, fmt.Errorf("metadata key %s missing", key)
		}
		return strconv.Atoi(s)
	}
	var cfg Config
	var err error
	if cfg.BlockCount, err = intOf(metaBlockCount); err != nil {
		return Config{}, err
	}
	if cfg.InputDim, err = intOf(metaInputDim); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingLength, err = intOf(metaEmbedding); err != nil {
		return Config{}, err
	}
	if cfg.FFNLength, err = intOf(metaFFN); err != nil {
		return Config{}, err
	}
	if cfg.HeadCount, err = intOf(metaHeadCount); err != nil {
		return Config{}, err
	}
	eps, ok := meta[metaRMSEps]
	if !ok {
		return Config{}, fmt.Errorf("metadata key %s missing", metaRMSEps)
	}
	v, err := strconv.ParseFloat(eps, 32)
	if err != nil {
		return Config{}, err
	}
	cfg.RMSEpsilon = float32(v)
	return cfg, nil
}

func matTensor(m *tensor.Mat) safetensors.WriteTensor {
	return safetensors.WriteTensor{Shape: []int{m.R, m.C}, Data: m.Data}
}

func loadMat(f *safetensors.File, name string, dst *tensor.Mat) error {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return err
	}
	if len(info.Shape) != 2 {
		return fmt.Errorf("%s: expected 2D tensor", name)
	}
	if info.Shape[0] != dst.R || info.Shape[1] != dst.C {
		return fmt.Errorf("%s: shape [%d %d] incompatible with [%d %d]", name, info.Shape[0], info.Shape[1], dst.R, dst.C)
	}
	*dst = tensor.NewMatFromData(info.Shape[0], info.Shape[1], data)
	return nil
}

func loadVec(f *safetensors.File, name string, want int) ([]float32, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 {
		return nil, fmt.Errorf("%s: expected 1D tensor", name)
	}
	if info.Shape[0] != want {
		return nil, fmt.Errorf("%s: length %d incompatible with %d", name, info.Shape[0], want)
	}
	return data, nil
}
