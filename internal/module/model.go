// Package module implements the host model: a small deterministic
// transformer whose named projection modules serve as injection points for
// low-rank adapters.
package module

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/samcharles93/loom/internal/tensor"
)

type Config struct {
	BlockCount      int
	InputDim        int
	EmbeddingLength int
	FFNLength       int
	HeadCount       int
	RMSEpsilon      float32
}

func (c Config) validate() error {
	if c.BlockCount <= 0 {
		return errors.New("block_count must be > 0")
	}
	if c.InputDim <= 0 || c.EmbeddingLength <= 0 || c.FFNLength <= 0 {
		return errors.New("input, embedding and ffn dims must be > 0")
	}
	if c.HeadCount <= 0 {
		return errors.New("head_count must be > 0")
	}
	if c.EmbeddingLength%c.HeadCount != 0 {
		return fmt.Errorf("embedding length %d not divisible by head count %d", c.EmbeddingLength, c.HeadCount)
	}
	if c.RMSEpsilon <= 0 {
		return errors.New("rms epsilon must be > 0")
	}
	return nil
}

// Block is one transformer block: pre-norm attention with per-head q/k
// norms, then a pre-norm SwiGLU feed-forward.
type Block struct {
	AttnNorm *RMSNorm
	NormQ    *RMSNorm
	NormK    *RMSNorm
	ToQ      Proj
	ToK      Proj
	ToV      Proj
	ToOut    Proj

	FfnNorm *RMSNorm
	Gate    Proj
	Up      Proj
	Down    Proj
}

type projSlot struct {
	name string
	p    *Proj
}

// Model is the host model. Projection modules are addressable by dotted
// name, the named_modules analogue, and replaceable in place; that is the
// structural mutation point adapter injection uses.
type Model struct {
	Config Config

	InProj  Proj
	Blocks  []*Block
	OutNorm *RMSNorm
	OutProj Proj

	slots []projSlot
	norms map[string]*RMSNorm
	hooks []Hook
}

// New builds a model with reproducible pseudo-random weights derived from
// seed. Norm gains start at one.
func New(cfg Config, seed int64) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	headDim := cfg.EmbeddingLength / cfg.HeadCount

	m := &Model{
		Config:  cfg,
		OutNorm: NewRMSNorm(cfg.EmbeddingLength, cfg.RMSEpsilon),
		norms:   make(map[string]*RMSNorm),
	}

	next := seed
	newMat := func(in, out int) *Linear {
		l := NewLinear(in, out)
		next += 11
		tensor.FillRand(&l.Weight, next)
		return l
	}

	m.InProj = newMat(cfg.InputDim, cfg.EmbeddingLength)
	m.OutProj = newMat(cfg.EmbeddingLength, cfg.InputDim)

	m.Blocks = make([]*Block, cfg.BlockCount)
	for i := range m.Blocks {
		b := &Block{
			AttnNorm: NewRMSNorm(cfg.EmbeddingLength, cfg.RMSEpsilon),
			NormQ:    NewRMSNorm(headDim, cfg.RMSEpsilon),
			NormK:    NewRMSNorm(headDim, cfg.RMSEpsilon),
			ToQ:      newMat(cfg.EmbeddingLength, cfg.EmbeddingLength),
			ToK:      newMat(cfg.EmbeddingLength, cfg.EmbeddingLength),
			ToV:      newMat(cfg.EmbeddingLength, cfg.EmbeddingLength),
			ToOut:    newMat(cfg.EmbeddingLength, cfg.EmbeddingLength),
			FfnNorm:  NewRMSNorm(cfg.EmbeddingLength, cfg.RMSEpsilon),
			Gate:     newMat(cfg.EmbeddingLength, cfg.FFNLength),
			Up:       newMat(cfg.EmbeddingLength, cfg.FFNLength),
			Down:     newMat(cfg.FFNLength, cfg.EmbeddingLength),
		}
		m.Blocks[i] = b
	}

	m.buildRegistry()
	return m, nil
}

func (m *Model) buildRegistry() {
	m.slots = m.slots[:0]
	m.slots = append(m.slots, projSlot{"in_proj", &m.InProj})
	for i, b := range m.Blocks {
		m.slots = append(m.slots,
			projSlot{fmt.Sprintf("blocks.%d.attn.to_q", i), &b.ToQ},
			projSlot{fmt.Sprintf("blocks.%d.attn.to_k", i), &b.ToK},
			projSlot{fmt.Sprintf("blocks.%d.attn.to_v", i), &b.ToV},
			projSlot{fmt.Sprintf("blocks.%d.attn.to_out", i), &b.ToOut},
			projSlot{fmt.Sprintf("blocks.%d.ffn.gate", i), &b.Gate},
			projSlot{fmt.Sprintf("blocks.%d.ffn.up", i), &b.Up},
			projSlot{fmt.Sprintf("blocks.%d.ffn.down", i), &b.Down},
		)
	}
	m.slots = append(m.slots, projSlot{"out_proj", &m.OutProj})

	for i, b := range m.Blocks {
		m.norms[fmt.Sprintf("blocks.%d.attn_norm", i)] = b.AttnNorm
		m.norms[fmt.Sprintf("blocks.%d.attn.norm_q", i)] = b.NormQ
		m.norms[fmt.Sprintf("blocks.%d.attn.norm_k", i)] = b.NormK
		m.norms[fmt.Sprintf("blocks.%d.ffn_norm", i)] = b.FfnNorm
	}
	m.norms["out_norm"] = m.OutNorm
}

// ProjectionNames lists the injectable module paths in forward order.
func (m *Model) ProjectionNames() []string {
	names := make([]string, len(m.slots))
	for i, s := range m.slots {
		names[i] = s.name
	}
	return names
}

// Projection returns the module at the given path.
func (m *Model) Projection(name string) (Proj, bool) {
	for _, s := range m.slots {
		if s.name == name {
			return *s.p, true
		}
	}
	return nil, false
}

// ReplaceProjection swaps the module at the given path.
func (m *Model) ReplaceProjection(name string, p Proj) error {
	for _, s := range m.slots {
		if s.name == name {
			*s.p = p
			return nil
		}
	}
	return fmt.Errorf("unknown projection module %q", name)
}

// VisitProjections calls fn for every projection module in forward order.
func (m *Model) VisitProjections(fn func(name string, p Proj)) {
	for _, s := range m.slots {
		fn(s.name, *s.p)
	}
}

// NormNames lists the named normalization layers, sorted.
func (m *Model) NormNames() []string {
	names := make([]string, 0, len(m.norms))
	for name := range m.norms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Norm returns the normalization layer at the given path.
func (m *Model) Norm(name string) (*RMSNorm, bool) {
	n, ok := m.norms[name]
	return n, ok
}

// InputDim reports the current input width. It grows when the input
// projection has been expanded for an oversized adapter.
func (m *Model) InputDim() int { return m.InProj.InFeatures() }

// Forward runs the model over an input sequence with causal self-attention
// and returns the final-position output vector. Given identical weights and
// inputs the result is bit-identical across calls.
func (m *Model) Forward(seq [][]float32) ([]float32, error) {
	if len(seq) == 0 {
		return nil, errors.New("empty input sequence")
	}
	in := m.InProj.InFeatures()
	for i, x := range seq {
		if len(x) != in {
			return nil, fmt.Errorf("position %d: input dim %d, model expects %d", i, len(x), in)
		}
	}

	hidden := m.Config.EmbeddingLength
	headDim := hidden / m.Config.HeadCount
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	type blockCache struct {
		k, v [][]float32
	}
	caches := make([]blockCache, len(m.Blocks))

	var final []float32
	for pos, x := range seq {
		h := make([]float32, hidden)
		m.InProj.Forward(h, x)

		for bi, b := range m.Blocks {
			cache := &caches[bi]

			n := make([]float32, hidden)
			b.AttnNorm.Forward(n, h)

			q := make([]float32, b.ToQ.OutFeatures())
			k := make([]float32, b.ToK.OutFeatures())
			v := make([]float32, b.ToV.OutFeatures())
			b.ToQ.Forward(q, n)
			b.ToK.Forward(k, n)
			b.ToV.Forward(v, n)

			for head := 0; head < m.Config.HeadCount; head++ {
				hs := head * headDim
				b.NormQ.Forward(q[hs:hs+headDim], q[hs:hs+headDim])
				b.NormK.Forward(k[hs:hs+headDim], k[hs:hs+headDim])
			}

			cache.k = append(cache.k, k)
			cache.v = append(cache.v, v)

			attnOut := make([]float32, hidden)
			scores := make([]float32, pos+1)
			for head := 0; head < m.Config.HeadCount; head++ {
				hs := head * headDim
				qh := q[hs : hs+headDim]
				for t := 0; t <= pos; t++ {
					scores[t] = tensor.Dot(qh, cache.k[t][hs:hs+headDim]) * scale
				}
				tensor.Softmax(scores[:pos+1])
				for t := 0; t <= pos; t++ {
					tensor.AddScaled(attnOut[hs:hs+headDim], cache.v[t][hs:hs+headDim], scores[t])
				}
			}

			proj := make([]float32, b.ToOut.OutFeatures())
			b.ToOut.Forward(proj, attnOut)
			tensor.Add(h, proj)

			fn := make([]float32, hidden)
			b.FfnNorm.Forward(fn, h)
			gate := make([]float32, b.Gate.OutFeatures())
			up := make([]float32, b.Up.OutFeatures())
			b.Gate.Forward(gate, fn)
			b.Up.Forward(up, fn)
			act := make([]float32, m.Config.FFNLength)
			for i := range act {
				act[i] = tensor.Silu(gate[i]) * up[i]
			}
			down := make([]float32, b.Down.OutFeatures())
			b.Down.Forward(down, act)
			tensor.Add(h, down)
		}

		if pos == len(seq)-1 {
			fn := make([]float32, hidden)
			m.OutNorm.Forward(fn, h)
			final = make([]float32, m.OutProj.OutFeatures())
			m.OutProj.Forward(final, fn)
		}
	}
	return final, nil
}
