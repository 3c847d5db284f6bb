package tensor

// MatMulAdd accumulates dst += scale * a*b, where a is [m x k] and b is
// [k x n]; dst must be [m x n]. Adapter factors are small (k is the rank),
// so a plain triple loop with row reuse is enough here.
func MatMulAdd(dst, a, b *Mat, scale float32) {
	if a.C != b.R || dst.R != a.R || dst.C != b.C {
		panic("matmul shape mismatch")
	}
	for i := 0; i < a.R; i++ {
		arow := a.Row(i)
		drow := dst.Row(i)
		for k := 0; k < a.C; k++ {
			v := scale * arow[k]
			brow := b.Row(k)
			for j := 0; j < b.C; j++ {
				drow[j] += v * brow[j]
			}
		}
	}
}
