package adapters

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/lora"
	"github.com/samcharles93/loom/internal/module"
	"github.com/samcharles93/loom/internal/statedict"
)

func newTestModel(t *testing.T) *module.Model {
	t.Helper()
	m, err := module.New(module.Config{
		BlockCount:      2,
		InputDim:        8,
		EmbeddingLength: 16,
		FFNLength:       32,
		HeadCount:       4,
		RMSEpsilon:      1e-5,
	}, 3)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestManager(t *testing.T) (*Manager, *module.Model) {
	t.Helper()
	m := newTestModel(t)
	return NewManager(m, logger.Discard()), m
}

func testInput(dim int) [][]float32 {
	seq := make([][]float32, 3)
	for p := range seq {
		x := make([]float32, dim)
		for i := range x {
			x[i] = float32((i+2*p)%5) - 2
		}
		seq[p] = x
	}
	return seq
}

func forward(t *testing.T, m *module.Model) []float32 {
	t.Helper()
	out, err := m.Forward(testInput(m.InputDim()))
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func equal(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// adapterDict builds a deterministic canonical dict targeting in_proj and
// every to_q.
func adapterDict(inDim int, withAlpha, withBias bool) statedict.Dict {
	dict := make(statedict.Dict)
	addModule := func(module string, in, out int) {
		a := make([]float32, 2*in)
		for i := range a {
			a[i] = 0.05 * float32(i%7)
		}
		b := make([]float32, out*2)
		for i := range b {
			b[i] = 0.03 * float32(i%5)
		}
		dict[module+statedict.SuffixLoraA] = statedict.Tensor{Shape: []int{2, in}, Data: a}
		dict[module+statedict.SuffixLoraB] = statedict.Tensor{Shape: []int{out, 2}, Data: b}
		if withAlpha {
			dict[module+statedict.SuffixAlpha] = statedict.Tensor{Shape: []int{1}, Data: []float32{8}}
		}
		if withBias {
			bias := make([]float32, out)
			for i := range bias {
				bias[i] = 0.02 * float32(i%3)
			}
			dict[module+statedict.SuffixLoraBBias] = statedict.Tensor{Shape: []int{out}, Data: bias}
		}
	}
	addModule("in_proj", inDim, 16)
	addModule("blocks.0.attn.to_q", 16, 16)
	addModule("blocks.1.attn.to_q", 16, 16)
	return dict
}

func loadDict(t *testing.T, mgr *Manager, dict statedict.Dict, opts LoadOptions) string {
	t.Helper()
	name, err := mgr.LoadAdapter(context.Background(), statedict.Source{Dict: dict}, opts)
	if err != nil {
		t.Fatalf("LoadAdapter: %v", err)
	}
	return name
}

func TestLoadAdapterChangesOutput(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	base := forward(t, m)

	name := loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "style"})
	if name != "style" {
		t.Fatalf("name = %q", name)
	}
	if equal(base, forward(t, m)) {
		t.Fatal("loaded adapter did not change the output")
	}
	if active := mgr.ActiveAdapters(); len(active) != 1 || active[0] != "style" {
		t.Fatalf("active = %v", active)
	}
}

func TestSaveReloadRoundTrip(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	base := forward(t, m)

	loadDict(t, mgr, adapterDict(8, true, false), LoadOptions{Name: "style"})
	withAdapter := forward(t, m)

	path := filepath.Join(t.TempDir(), "style.safetensors")
	if err := mgr.SaveAdapter(path, "style"); err != nil {
		t.Fatalf("SaveAdapter: %v", err)
	}

	if err := mgr.Unload(); err != nil {
		t.Fatal(err)
	}
	if !equal(base, forward(t, m)) {
		t.Fatal("unload did not restore the base output exactly")
	}

	name, err := mgr.LoadAdapter(context.Background(), statedict.Source{Path: path}, LoadOptions{Name: "style"})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if name != "style" {
		t.Fatalf("name = %q", name)
	}
	if !equal(withAdapter, forward(t, m)) {
		t.Fatal("reloaded adapter output differs from the original")
	}
}

func TestAlphaAltersOutput(t *testing.T) {
	t.Parallel()
	mgrPlain, mPlain := newTestManager(t)
	loadDict(t, mgrPlain, adapterDict(8, false, false), LoadOptions{Name: "style"})
	plain := forward(t, mPlain)

	mgrAlpha, mAlpha := newTestManager(t)
	loadDict(t, mgrAlpha, adapterDict(8, true, false), LoadOptions{Name: "style"})
	scaled := forward(t, mAlpha)

	if equal(plain, scaled) {
		t.Fatal("alpha entries did not change the output")
	}
}

func TestNormOnlyStateDict(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	base := forward(t, m)

	norms := statedict.Dict{
		"blocks.0.attn_norm.weight": {Shape: []int{16}, Data: constSlice(16, 2)},
		"out_norm.weight":           {Shape: []int{16}, Data: constSlice(16, 0.5)},
	}
	loadDict(t, mgr, norms, LoadOptions{Name: "norms"})
	if equal(base, forward(t, m)) {
		t.Fatal("norm weights did not change the output")
	}

	if err := mgr.Unload(); err != nil {
		t.Fatal(err)
	}
	if !equal(base, forward(t, m)) {
		t.Fatal("unload did not restore norm weights exactly")
	}
}

func TestNormUnsupportedKeysWarnNotFail(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	dict := adapterDict(8, false, false)
	dict["blocks.0.unknown_norm.weight"] = statedict.Tensor{Shape: []int{16}, Data: constSlice(16, 1)}
	if _, err := mgr.LoadAdapter(context.Background(), statedict.Source{Dict: dict}, LoadOptions{}); err != nil {
		t.Fatalf("unsupported norm key should warn, not fail: %v", err)
	}
}

func TestExpandedShapes(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)

	loadDict(t, mgr, adapterDict(12, false, false), LoadOptions{Name: "wide"})
	if m.InputDim() != 12 {
		t.Fatalf("input dim %d, want 12", m.InputDim())
	}
	out := forward(t, m)
	if len(out) != 8 {
		t.Fatalf("output length %d, want 8", len(out))
	}

	// Expansion persists after unload; zero-padded inputs reproduce the
	// original outputs bit-identically.
	narrow := newTestModel(t)
	baseNarrow, err := narrow.Forward(testInput(8))
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Unload(); err != nil {
		t.Fatal(err)
	}
	padded := testInput(8)
	for i, x := range padded {
		padded[i] = append(x, make([]float32, 4)...)
	}
	restored, err := m.Forward(padded)
	if err != nil {
		t.Fatal(err)
	}
	if !equal(baseNarrow, restored) {
		t.Fatal("expanded model with padded input differs from original model")
	}
}

func TestShrinkErrors(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	_, err := mgr.LoadAdapter(context.Background(),
		statedict.Source{Dict: adapterDict(4, false, false)}, LoadOptions{})
	if !errors.Is(err, lora.ErrShapeShrink) {
		t.Fatalf("expected ErrShapeShrink, got %v", err)
	}
}

func TestFuseBiasDistinctOutputs(t *testing.T) {
	t.Parallel()
	_, mBase := newTestManager(t)
	base := forward(t, mBase)

	mgrNoBias, mNoBias := newTestManager(t)
	loadDict(t, mgrNoBias, adapterDict(8, false, false), LoadOptions{Name: "style"})
	if err := mgrNoBias.Fuse(FuseOptions{}); err != nil {
		t.Fatal(err)
	}
	fusedNoBias := forward(t, mNoBias)

	mgrBias, mBias := newTestManager(t)
	loadDict(t, mgrBias, adapterDict(8, false, true), LoadOptions{Name: "style"})
	if err := mgrBias.Fuse(FuseOptions{}); err != nil {
		t.Fatal(err)
	}
	fusedBias := forward(t, mBias)

	if equal(base, fusedNoBias) || equal(base, fusedBias) || equal(fusedNoBias, fusedBias) {
		t.Fatal("base, fused-no-bias and fused-with-bias outputs are not mutually distinct")
	}
}

func TestFuseUnfuse(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "style"})
	withAdapter := forward(t, m)

	if err := mgr.Fuse(FuseOptions{Safe: true}); err != nil {
		t.Fatal(err)
	}
	fused := forward(t, m)
	if !approxEqual(withAdapter, fused, 1e-4) {
		t.Fatal("fused output diverged from the adapter forward path")
	}

	if err := mgr.Unfuse(); err != nil {
		t.Fatal(err)
	}
	unfused := forward(t, m)
	if !approxEqual(withAdapter, unfused, 1e-4) {
		t.Fatal("unfuse did not restore the adapter forward path")
	}
}

func TestDeleteFusedAdapter(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	base := forward(t, m)
	loadDict(t, mgr, adapterDict(8, false, true), LoadOptions{Name: "style"})

	if err := mgr.Fuse(FuseOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.DeleteAdapters("style"); err != nil {
		t.Fatal(err)
	}
	if !approxEqual(base, forward(t, m), 1e-4) {
		t.Fatal("deleting a fused adapter left its delta in the base weights")
	}
	if err := mgr.Unfuse(); err != nil {
		t.Fatal(err)
	}
	if !approxEqual(base, forward(t, m), 1e-4) {
		t.Fatal("unfuse after delete changed the base output")
	}
}

func TestFuseWithoutAdapters(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	if err := mgr.Fuse(FuseOptions{}); !errors.Is(err, lora.ErrNoAdapters) {
		t.Fatalf("expected ErrNoAdapters, got %v", err)
	}
}

func TestDuplicateName(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "style"})
	_, err := mgr.LoadAdapter(context.Background(),
		statedict.Source{Dict: adapterDict(8, false, false)}, LoadOptions{Name: "style"})
	if !errors.Is(err, lora.ErrDuplicateAdapter) {
		t.Fatalf("expected ErrDuplicateAdapter, got %v", err)
	}
}

func TestDefaultNames(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	first := loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{})
	second := loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{})
	if first != "default_0" || second != "default_1" {
		t.Fatalf("names = %q, %q", first, second)
	}
}

func TestSetAdaptersUnknownName(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "style"})
	err := mgr.SetAdapters([]string{"style", "missing"}, nil)
	if !errors.Is(err, lora.ErrUnknownAdapter) {
		t.Fatalf("expected ErrUnknownAdapter, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "style") {
		t.Fatalf("error should list loaded adapters, got %q", got)
	}
}

func TestSetAdaptersWeightCount(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "style"})
	err := mgr.SetAdapters([]string{"style"}, []AdapterWeight{ScalarWeight(1), ScalarWeight(2)})
	if err == nil {
		t.Fatal("expected error for weight count mismatch")
	}
}

func TestScalarWeightScalesOutput(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	base := forward(t, m)
	loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "style"})
	full := forward(t, m)

	if err := mgr.SetAdapters([]string{"style"}, []AdapterWeight{ScalarWeight(0)}); err != nil {
		t.Fatal(err)
	}
	if !equal(base, forward(t, m)) {
		t.Fatal("zero weight did not silence the adapter")
	}
	if err := mgr.SetAdapters([]string{"style"}, []AdapterWeight{ScalarWeight(1)}); err != nil {
		t.Fatal(err)
	}
	if !equal(full, forward(t, m)) {
		t.Fatal("unit weight did not restore the adapter output")
	}
}

func TestBlockWeights(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "style"})
	full := forward(t, m)

	zero := 0.0
	err := mgr.SetAdapters([]string{"style"}, []AdapterWeight{
		PerBlockWeight(BlockWeights{In: &zero, Blocks: []float64{0, 1}}),
	})
	if err != nil {
		t.Fatal(err)
	}
	partial := forward(t, m)
	if equal(full, partial) {
		t.Fatal("per-block weights had no effect")
	}

	err = mgr.SetAdapters([]string{"style"}, []AdapterWeight{
		PerBlockWeight(BlockWeights{Blocks: []float64{1, 1, 1}}),
	})
	if err == nil {
		t.Fatal("expected error for block weight length mismatch")
	}
}

func TestEnableDisable(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	base := forward(t, m)
	loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "style"})
	withAdapter := forward(t, m)

	if err := mgr.DisableAdapters(); err != nil {
		t.Fatal(err)
	}
	if !equal(base, forward(t, m)) {
		t.Fatal("disable did not restore the base output")
	}
	if err := mgr.EnableAdapters(); err != nil {
		t.Fatal(err)
	}
	if !equal(withAdapter, forward(t, m)) {
		t.Fatal("enable did not restore the adapter output")
	}
}

func TestDeleteAdapters(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	base := forward(t, m)
	loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "one"})
	loadDict(t, mgr, adapterDict(8, true, false), LoadOptions{Name: "two"})

	if err := mgr.DeleteAdapters("two"); err != nil {
		t.Fatal(err)
	}
	infos := mgr.Adapters()
	if len(infos) != 1 || infos[0].Name != "one" {
		t.Fatalf("infos = %+v", infos)
	}
	if err := mgr.DeleteAdapters("missing"); !errors.Is(err, lora.ErrUnknownAdapter) {
		t.Fatalf("expected ErrUnknownAdapter, got %v", err)
	}

	if err := mgr.DeleteAdapters("one"); err != nil {
		t.Fatal(err)
	}
	if !equal(base, forward(t, m)) {
		t.Fatal("deleting every adapter did not restore the base output")
	}
}

func TestAdaptersInfo(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	loadDict(t, mgr, adapterDict(8, false, false), LoadOptions{Name: "style"})
	infos := mgr.Adapters()
	if len(infos) != 1 {
		t.Fatalf("infos = %+v", infos)
	}
	if !infos[0].Active || infos[0].Ranks["in_proj"] != 2 {
		t.Fatalf("info = %+v", infos[0])
	}
}

func TestNilModelGuard(t *testing.T) {
	t.Parallel()
	mgr := NewManager(nil, logger.Discard())
	if _, err := mgr.LoadAdapter(context.Background(), statedict.Source{Dict: adapterDict(8, false, false)}, LoadOptions{}); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
	if err := mgr.Fuse(FuseOptions{}); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
	if err := mgr.Unload(); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestPrefixFilter(t *testing.T) {
	t.Parallel()
	mgr, m := newTestManager(t)
	base := forward(t, m)

	prefixed := make(statedict.Dict)
	for k, v := range adapterDict(8, false, false) {
		prefixed["transformer."+k] = v
	}
	// Another component that must be ignored.
	prefixed["text_encoder.q.lora_A.weight"] = statedict.Tensor{Shape: []int{2, 8}, Data: make([]float32, 16)}

	loadDict(t, mgr, prefixed, LoadOptions{Name: "style"})
	if equal(base, forward(t, m)) {
		t.Fatal("prefixed dict did not load")
	}
}

func constSlice(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func approxEqual(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		d := float64(a[i] - b[i])
		if d < -tol || d > tol {
			return false
		}
	}
	return true
}
