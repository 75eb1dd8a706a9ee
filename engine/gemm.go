package engine

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// gemm computes c = alpha*op(a)*op(b) + beta*c with row-major operands.
// a is stored as [m,k] (or [k,m] when transA), b as [k,n] (or [n,k] when
// transB) and c as [m,n].
func gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	ta, tb := blas.NoTrans, blas.NoTrans
	var ga, gb blas32.General
	if transA {
		ta = blas.Trans
		ga = general(k, m, a)
	} else {
		ga = general(m, k, a)
	}
	if transB {
		tb = blas.Trans
		gb = general(n, k, b)
	} else {
		gb = general(k, n, b)
	}
	blas32.Gemm(ta, tb, alpha, ga, gb, beta, general(m, n, c))
}
