package accel

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/born-ml/core/internal/dispatch"
	"github.com/born-ml/core/internal/kernels"
	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

// registerBLAS replaces the portable float matmul kernels with gonum GEMM.
// Operands whose layout BLAS cannot express (broadcast rows, arbitrary
// strides) fall back to the portable kernel.
func registerBLAS(reg *dispatch.Registry, cfg parallel.Config) {
	reg.Register(tensor.OpMatMul, tensor.Accel, tensor.Float32, func(l *dispatch.Launch) error {
		a, b, out := l.Inputs[0], l.Inputs[1], l.Output
		p := kernels.PlanMatMul(a, b, out)
		ta, lda, okA := layout(p.ARow, p.ACol, p.M, p.K)
		tb, ldb, okB := layout(p.BRow, p.BCol, p.K, p.N)
		if !okA || !okB {
			return kernels.MatMul[float32](cfg, a, b, out)
		}
		da, db, dst := tensor.Elements[float32](a), tensor.Elements[float32](b), tensor.Elements[float32](out)
		parallel.For(p.Count, func(i int) {
			c := p.OutBase + i*p.M*p.N
			blas32.Gemm(ta, tb, 1,
				general32(da[p.AOffsets[i]:], ta, p.M, p.K, lda),
				general32(db[p.BOffsets[i]:], tb, p.K, p.N, ldb),
				0,
				blas32.General{Rows: p.M, Cols: p.N, Stride: p.N, Data: dst[c : c+p.M*p.N]})
		}, cfg)
		return nil
	})
	reg.Register(tensor.OpMatMul, tensor.Accel, tensor.Float64, func(l *dispatch.Launch) error {
		a, b, out := l.Inputs[0], l.Inputs[1], l.Output
		p := kernels.PlanMatMul(a, b, out)
		ta, lda, okA := layout(p.ARow, p.ACol, p.M, p.K)
		tb, ldb, okB := layout(p.BRow, p.BCol, p.K, p.N)
		if !okA || !okB {
			return kernels.MatMul[float64](cfg, a, b, out)
		}
		da, db, dst := tensor.Elements[float64](a), tensor.Elements[float64](b), tensor.Elements[float64](out)
		parallel.For(p.Count, func(i int) {
			c := p.OutBase + i*p.M*p.N
			blas64.Gemm(ta, tb, 1,
				general64(da[p.AOffsets[i]:], ta, p.M, p.K, lda),
				general64(db[p.BOffsets[i]:], tb, p.K, p.N, ldb),
				0,
				blas64.General{Rows: p.M, Cols: p.N, Stride: p.N, Data: dst[c : c+p.M*p.N]})
		}, cfg)
		return nil
	})
}

// layout maps a strided rows x cols matrix onto BLAS: row-major with unit
// column stride, or the transpose of one.
func layout(rowStride, colStride, rows, cols int) (blas.Transpose, int, bool) {
	switch {
	case colStride == 1 && rowStride >= max(1, cols):
		return blas.NoTrans, rowStride, true
	case rowStride == 1 && colStride >= max(1, rows):
		return blas.Trans, colStride, true
	}
	return blas.NoTrans, 0, false
}

// extent is the number of elements a stored BLAS matrix spans.
func extent(rows, cols, stride int) int {
	return (rows-1)*stride + cols
}

func general32(data []float32, t blas.Transpose, rows, cols, stride int) blas32.General {
	if t == blas.Trans {
		rows, cols = cols, rows
	}
	return blas32.General{Rows: rows, Cols: cols, Stride: stride, Data: data[:extent(rows, cols, stride)]}
}

func general64(data []float64, t blas.Transpose, rows, cols, stride int) blas64.General {
	if t == blas.Trans {
		rows, cols = cols, rows
	}
	return blas64.General{Rows: rows, Cols: cols, Stride: stride, Data: data[:extent(rows, cols, stride)]}
}
