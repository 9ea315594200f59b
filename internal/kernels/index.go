package kernels

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

// indexError records the first out-of-range index seen by any worker.
type indexError struct {
	once sync.Once
	err  error
}

func (e *indexError) set(v int64, size int) {
	e.once.Do(func() {
		e.err = errors.Wrapf(tensor.ErrInvalidArgument, "index %d out of range [0, %d)", v, size)
	})
}

// axisStrides returns x's strides with the gather/scatter axis zeroed, padded to rank.
func axisStrides(x *tensor.RawTensor, axis int) []int {
	s := append([]int(nil), x.Strides()...)
	s[axis] = 0
	return s
}

// Gather sets out[p] = x[p with p[axis] = index[p]]. out has index's shape.
func Gather[T tensor.DType](cfg parallel.Config, x *tensor.RawTensor, axis int, index, out *tensor.RawTensor) error {
	src, idx, dst := tensor.Elements[T](x), tensor.Elements[int64](index), tensor.Elements[T](out)
	shape := out.Shape()
	size, step := x.Shape()[axis], x.Strides()[axis]
	ops := []operand{
		readAs(out, shape),
		readAs(index, shape),
		{strides: axisStrides(x, axis), base: x.Offset()},
	}
	var bad indexError
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			v := idx[o[1]]
			if v < 0 || v >= int64(size) {
				bad.set(v, size)
				return
			}
			dst[o[0]] = src[o[2]+int(v)*step]
		})
	}, cfg)
	return bad.err
}

// ScatterAdd zeroes out then adds src[p] into out[p with p[axis] = index[p]].
// index and src share a shape. Runs sequentially: targets may collide.
func ScatterAdd[T tensor.Numeric](axis int, index, src, out *tensor.RawTensor) error {
	vals, idx, dst := tensor.Elements[T](src), tensor.Elements[int64](index), tensor.Elements[T](out)
	shape := index.Shape()
	size, step := out.Shape()[axis], out.Strides()[axis]
	if err := Fill[T](parallel.Sequential(), 0, out); err != nil {
		return err
	}
	ops := []operand{
		{strides: axisStrides(out, axis), base: out.Offset()},
		readAs(index, shape),
		readAs(src, shape),
	}
	var bad indexError
	forEach(shape, ops, 0, shape.NumElements(), func(_ int, o []int) {
		v := idx[o[1]]
		if v < 0 || v >= int64(size) {
			bad.set(v, size)
			return
		}
		dst[o[0]+int(v)*step] += vals[o[2]]
	})
	return bad.err
}
