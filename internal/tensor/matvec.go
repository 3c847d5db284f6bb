package tensor

import (
	"runtime"
	"sync"
)

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var matVecWorkPool *matVecPool

var matVecPoolOnce sync.Once

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool()
	})
	return matVecWorkPool
}

func newMatVecPool() *matVecPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < size; i++ {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x where w is a matrix and x is a vector.
// Large matrices are split across a worker pool; small ones run inline.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}

	pool := getMatVecPool()
	workers := pool.size
	if workers > w.R {
		workers = w.R
	}
	if workers <= 1 || w.R*w.C < parallelThreshold {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := rs + chunk
		if re > w.R {
			re = w.R
		}
		if rs >= re {
			break
		}
		active++
		pool.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: re, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	pool.doneSlots <- done
}

// Below this many elements the dispatch overhead dominates.
const parallelThreshold = 16 * 1024

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	for r := rs; r < re; r++ {
		row := w.Data[r*w.Stride : r*w.Stride+w.C]
		var sum float32
		for c := 0; c < w.C; c++ {
			sum += row[c] * x[c]
		}
		dst[r] = sum
	}
}
