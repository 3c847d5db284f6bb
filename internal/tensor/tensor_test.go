package tensor

import (
	"math"
	"testing"
)

func matVecNaive(dst []float32, w *Mat, x []float32) {
	for i := 0; i < w.R; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func TestMatVecMatchesNaive(t *testing.T) {
	t.Parallel()
	// Large enough to cross the parallel threshold.
	r, c := 256, 256
	w := NewMat(r, c)
	FillRand(&w, 3)
	x := make([]float32, c)
	for i := range x {
		x[i] = float32(i%7) - 3
	}

	want := make([]float32, r)
	matVecNaive(want, &w, x)
	got := make([]float32, r)
	MatVec(got, &w, x)

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMatVecSmall(t *testing.T) {
	t.Parallel()
	w := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	x := []float32{1, 0, -1}
	dst := make([]float32, 2)
	MatVec(dst, &w, x)
	if dst[0] != -2 || dst[1] != -2 {
		t.Fatalf("got %v, want [-2 -2]", dst)
	}
}

func TestMatMulAdd(t *testing.T) {
	t.Parallel()
	// a [2x2] * b [2x3], accumulated at scale 2 onto ones.
	a := NewMatFromData(2, 2, []float32{1, 2, 3, 4})
	b := NewMatFromData(2, 3, []float32{1, 0, 1, 0, 1, 1})
	dst := NewMat(2, 3)
	for i := range dst.Data {
		dst.Data[i] = 1
	}
	MatMulAdd(&dst, &a, &b, 2)

	want := []float32{3, 5, 7, 7, 9, 15}
	for i, v := range want {
		if dst.Data[i] != v {
			t.Fatalf("element %d: got %v, want %v", i, dst.Data[i], v)
		}
	}
}

func TestMatMulAddInverts(t *testing.T) {
	t.Parallel()
	a := NewMat(4, 8)
	b := NewMat(8, 4)
	FillRand(&a, 5)
	FillRand(&b, 6)
	dst := NewMat(4, 4)
	FillRand(&dst, 7)
	orig := dst.Clone()

	MatMulAdd(&dst, &a, &b, 0.5)
	MatMulAdd(&dst, &a, &b, -0.5)

	for i := range dst.Data {
		diff := math.Abs(float64(dst.Data[i] - orig.Data[i]))
		if diff > 1e-6 {
			t.Fatalf("element %d: drifted by %g after add and subtract", i, diff)
		}
	}
}

func TestMatMulAddPropagatesNaN(t *testing.T) {
	t.Parallel()
	a := NewMatFromData(1, 1, []float32{float32(math.NaN())})
	b := NewMatFromData(1, 1, []float32{0})
	dst := NewMat(1, 1)
	MatMulAdd(&dst, &a, &b, 1)
	if !math.IsNaN(float64(dst.Data[0])) {
		t.Fatal("NaN in factor did not propagate through accumulation")
	}
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()
	a := NewMat(3, 5)
	b := NewMat(3, 5)
	FillRand(&a, 42)
	FillRand(&b, 42)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("element %d differs across same-seed fills", i)
		}
	}
	c := NewMat(3, 5)
	FillRand(&c, 43)
	same := true
	for i := range a.Data {
		if a.Data[i] != c.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical matrices")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	a := NewMatFromData(2, 2, []float32{1, 2, 3, 4})
	b := a.Clone()
	b.Data[0] = 99
	if a.Data[0] != 1 {
		t.Fatal("clone shares backing storage")
	}
}

func TestAddScaled(t *testing.T) {
	t.Parallel()
	dst := []float32{1, 2, 3}
	AddScaled(dst, []float32{2, 2, 2}, 0.5)
	want := []float32{2, 3, 4}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("got %v, want %v", dst, want)
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, 4}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Fatalf("softmax sums to %v", sum)
	}
	for i := 1; i < len(x); i++ {
		if x[i] <= x[i-1] {
			t.Fatal("softmax did not preserve ordering")
		}
	}
}

func TestRMSNormUnitGain(t *testing.T) {
	t.Parallel()
	src := []float32{3, 4}
	weight := []float32{1, 1}
	dst := make([]float32, 2)
	RMSNorm(dst, src, weight, 0)

	rms := float32(math.Sqrt((9.0 + 16.0) / 2.0))
	if math.Abs(float64(dst[0]-src[0]/rms)) > 1e-6 {
		t.Fatalf("got %v", dst)
	}
}
