package kernels

import (
	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

// reduction splits x's dims into kept dims (one output element each) and
// reduced dims (walked per output element).
type reduction struct {
	keptShape   tensor.Shape
	keptStrides []int
	redShape    tensor.Shape
	redStrides  []int
}

func splitAxes(x *tensor.RawTensor, axes []int) reduction {
	reduce := make([]bool, len(x.Shape()))
	for _, a := range axes {
		reduce[a] = true
	}
	var r reduction
	for d, n := range x.Shape() {
		if reduce[d] {
			r.redShape = append(r.redShape, n)
			r.redStrides = append(r.redStrides, x.Strides()[d])
		} else {
			r.keptShape = append(r.keptShape, n)
			r.keptStrides = append(r.keptStrides, x.Strides()[d])
		}
	}
	if r.keptShape == nil {
		r.keptShape = tensor.Shape{}
	}
	if r.redShape == nil {
		r.redShape = tensor.Shape{}
	}
	return r
}

// each calls fn for every output element with the base offset of its
// reduced slice in x. out is contiguous; kept dims keep their relative order.
func (r reduction) each(cfg parallel.Config, base int, fn func(o, off int)) {
	parallel.ForChunks(r.keptShape.NumElements(), func(lo, hi int) {
		c := newCursor(r.keptShape, lo, [][]int{r.keptStrides}, []int{base})
		for o := lo; o < hi; o++ {
			fn(o, c.offs[0])
			if o+1 < hi {
				c.next()
			}
		}
	}, cfg)
}

// Sum reduces the normalized axes of x into the contiguous out.
func Sum[T tensor.Numeric](cfg parallel.Config, x *tensor.RawTensor, axes []int, out *tensor.RawTensor) error {
	src, dst := tensor.Elements[T](x), tensor.Elements[T](out)
	r := splitAxes(x, axes)
	r.each(cfg, x.Offset(), func(o, off int) {
		var acc T
		tensor.WalkStrided(r.redShape, r.redStrides, off, func(_, p int) {
			acc += src[p]
		})
		dst[out.Offset()+o] = acc
	})
	return nil
}

// Mean averages the normalized axes of x into the contiguous out.
func Mean[T tensor.Float](cfg parallel.Config, x *tensor.RawTensor, axes []int, out *tensor.RawTensor) error {
	src, dst := tensor.Elements[T](x), tensor.Elements[T](out)
	r := splitAxes(x, axes)
	n := T(r.redShape.NumElements())
	r.each(cfg, x.Offset(), func(o, off int) {
		var acc T
		tensor.WalkStrided(r.redShape, r.redStrides, off, func(_, p int) {
			acc += src[p]
		})
		dst[out.Offset()+o] = acc / n
	})
	return nil
}

// Max takes the maximum along one normalized axis. NaN wins, ties keep the first.
func Max[T tensor.Numeric](cfg parallel.Config, x *tensor.RawTensor, axis int, out *tensor.RawTensor) error {
	src, dst := tensor.Elements[T](x), tensor.Elements[T](out)
	r := splitAxes(x, []int{axis})
	r.each(cfg, x.Offset(), func(o, off int) {
		best, _ := argmax(src, r.redShape[0], r.redStrides[0], off)
		dst[out.Offset()+o] = best
	})
	return nil
}

// Argmax writes the Int64 position of the maximum along one normalized axis.
func Argmax[T tensor.Numeric](cfg parallel.Config, x *tensor.RawTensor, axis int, out *tensor.RawTensor) error {
	src, dst := tensor.Elements[T](x), tensor.Elements[int64](out)
	r := splitAxes(x, []int{axis})
	r.each(cfg, x.Offset(), func(o, off int) {
		_, at := argmax(src, r.redShape[0], r.redStrides[0], off)
		dst[out.Offset()+o] = int64(at)
	})
	return nil
}

func argmax[T tensor.Numeric](src []T, n, stride, off int) (T, int) {
	best, at := src[off], 0
	for i := 1; i < n; i++ {
		if best != best { // NaN already selected
			break
		}
		v := src[off+i*stride]
		if v > best || v != v {
			best, at = v, i
		}
	}
	return best, at
}
