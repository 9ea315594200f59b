package kernels

import (
	"github.com/pkg/errors"

	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

// MatMulShape validates [..., M, K] @ [..., K, N] and returns the output shape
// [broadcast(batch)..., M, N].
func MatMulShape(a, b tensor.Shape) (tensor.Shape, error) {
	if len(a) < 2 || len(b) < 2 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "matmul: operands must have rank >= 2, got %v and %v", a, b)
	}
	m, k := a[len(a)-2], a[len(a)-1]
	k2, n := b[len(b)-2], b[len(b)-1]
	if k != k2 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "matmul: inner dimensions differ: %v @ %v", a, b)
	}
	batch, _, err := tensor.BroadcastShapes(a[:len(a)-2], b[:len(b)-2])
	if err != nil {
		return nil, errors.Wrap(err, "matmul batch dims")
	}
	out := append(batch.Clone(), m, n)
	return out, nil
}

// Batch describes one broadcast batch of a matmul: operand base offsets and
// the row/col strides of each matrix.
type Batch struct {
	M, K, N    int
	Count      int
	AOffsets   []int
	BOffsets   []int
	ARow, ACol int
	BRow, BCol int
	OutRow     int
	OutBase    int
}

// PlanMatMul computes per-batch operand offsets for a and b written into out.
func PlanMatMul(a, b, out *tensor.RawTensor) Batch {
	as, bs, cs := a.Shape(), b.Shape(), out.Shape()
	ra, rb, ro := len(as), len(bs), len(cs)
	p := Batch{
		M:       as[ra-2],
		K:       as[ra-1],
		N:       bs[rb-1],
		ARow:    a.Strides()[ra-2],
		ACol:    a.Strides()[ra-1],
		BRow:    b.Strides()[rb-2],
		BCol:    b.Strides()[rb-1],
		OutRow:  out.Strides()[ro-2],
		OutBase: out.Offset(),
	}
	batchShape := cs[:ro-2]
	p.Count = batchShape.NumElements()
	aStr := tensor.BroadcastStrides(as[:ra-2], a.Strides()[:ra-2], batchShape)
	bStr := tensor.BroadcastStrides(bs[:rb-2], b.Strides()[:rb-2], batchShape)
	p.AOffsets = make([]int, p.Count)
	p.BOffsets = make([]int, p.Count)
	if p.Count > 0 {
		c := newCursor(batchShape, 0, [][]int{aStr, bStr}, []int{a.Offset(), b.Offset()})
		for i := 0; i < p.Count; i++ {
			p.AOffsets[i], p.BOffsets[i] = c.offs[0], c.offs[1]
			if i+1 < p.Count {
				c.next()
			}
		}
	}
	return p
}

// MatMul is the portable batched matmul kernel (i-k-j loop order).
// out must be contiguous.
func MatMul[T tensor.Numeric](cfg parallel.Config, a, b, out *tensor.RawTensor) error {
	da, db, dst := tensor.Elements[T](a), tensor.Elements[T](b), tensor.Elements[T](out)
	p := PlanMatMul(a, b, out)
	parallel.ForBatch(p.Count, p.M, func(bi, i int) {
		aBase, bBase := p.AOffsets[bi], p.BOffsets[bi]
		row := dst[p.OutBase+bi*p.M*p.N+i*p.OutRow:]
		row = row[:p.N]
		for j := range row {
			row[j] = 0
		}
		for k := 0; k < p.K; k++ {
			av := da[aBase+i*p.ARow+k*p.ACol]
			bRow := bBase + k*p.BRow
			for j := 0; j < p.N; j++ {
				row[j] += av * db[bRow+j*p.BCol]
			}
		}
	}, cfg)
	return nil
}
