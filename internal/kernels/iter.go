package kernels

import "github.com/born-ml/core/internal/tensor"

// cursor walks an output shape in row-major order and tracks, for every
// operand, the storage offset of the element mapped to the current position.
type cursor struct {
	shape   tensor.Shape
	idx     []int
	strides [][]int
	offs    []int
}

// newCursor positions a cursor at linear index start. strides[k] are operand k's
// strides already broadcast to shape; bases[k] its element offset.
func newCursor(shape tensor.Shape, start int, strides [][]int, bases []int) *cursor {
	c := &cursor{
		shape:   shape,
		idx:     make([]int, len(shape)),
		strides: strides,
		offs:    make([]int, len(bases)),
	}
	copy(c.offs, bases)
	rem := start
	for d := len(shape) - 1; d >= 0; d-- {
		c.idx[d] = rem % shape[d]
		rem /= shape[d]
		for k := range c.offs {
			c.offs[k] += c.idx[d] * strides[k][d]
		}
	}
	return c
}

func (c *cursor) next() {
	for d := len(c.shape) - 1; d >= 0; d-- {
		c.idx[d]++
		for k := range c.offs {
			c.offs[k] += c.strides[k][d]
		}
		if c.idx[d] < c.shape[d] {
			return
		}
		for k := range c.offs {
			c.offs[k] -= c.idx[d] * c.strides[k][d]
		}
		c.idx[d] = 0
	}
}

// operand describes how a kernel reads one input when producing out.
type operand struct {
	strides []int
	base    int
	dense   bool // same shape as out and contiguous: offset = base + i
}

func readAs(x *tensor.RawTensor, out tensor.Shape) operand {
	return operand{
		strides: tensor.BroadcastStrides(x.Shape(), x.Strides(), out),
		base:    x.Offset(),
		dense:   x.Shape().Equal(out) && x.IsContiguous(),
	}
}

// forEach visits output positions [start, end) with the offsets of every operand.
func forEach(shape tensor.Shape, ops []operand, start, end int, fn func(i int, offs []int)) {
	allDense := true
	for _, o := range ops {
		allDense = allDense && o.dense
	}
	if allDense {
		offs := make([]int, len(ops))
		for i := start; i < end; i++ {
			for k, o := range ops {
				offs[k] = o.base + i
			}
			fn(i, offs)
		}
		return
	}
	strides := make([][]int, len(ops))
	bases := make([]int, len(ops))
	for k, o := range ops {
		strides[k] = o.strides
		bases[k] = o.base
	}
	c := newCursor(shape, start, strides, bases)
	for i := start; i < end; i++ {
		fn(i, c.offs)
		if i+1 < end {
			c.next()
		}
	}
}
