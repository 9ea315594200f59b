package kernels

import (
	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

// Copy writes x into out element by element, following both layouts.
// Used for Contiguous, reshape of strided data and copy-on-write.
func Copy[T tensor.DType](cfg parallel.Config, x, out *tensor.RawTensor) error {
	src, dst := tensor.Elements[T](x), tensor.Elements[T](out)
	shape := out.Shape()
	// x may have a different shape with the same element count (reshape).
	if !x.Shape().Equal(shape) {
		xs := x.Shape()
		parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
			cx := newCursor(xs, lo, [][]int{x.Strides()}, []int{x.Offset()})
			co := newCursor(shape, lo, [][]int{out.Strides()}, []int{out.Offset()})
			for i := lo; i < hi; i++ {
				dst[co.offs[0]] = src[cx.offs[0]]
				if i+1 < hi {
					cx.next()
					co.next()
				}
			}
		}, cfg)
		return nil
	}
	ops := []operand{readAs(out, shape), readAs(x, shape)}
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			dst[o[0]] = src[o[1]]
		})
	}, cfg)
	return nil
}

// Fill sets every element of out to v.
func Fill[T tensor.DType](cfg parallel.Config, v T, out *tensor.RawTensor) error {
	dst := tensor.Elements[T](out)
	shape := out.Shape()
	ops := []operand{readAs(out, shape)}
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			dst[o[0]] = v
		})
	}, cfg)
	return nil
}

// FillValue converts a host scalar for Fill (non-zero is true for Bool).
func FillValue[T tensor.DType](v float64) T {
	var out T
	switch p := any(&out).(type) {
	case *bool:
		*p = v != 0
	case *float32:
		*p = FromFloat64[float32](v)
	case *float64:
		*p = v
	case *int32:
		*p = FromFloat64[int32](v)
	case *int64:
		*p = FromFloat64[int64](v)
	case *uint8:
		*p = FromFloat64[uint8](v)
	}
	return out
}

// Cast converts x (element type S) into out, whose dtype selects the target type.
func Cast[S tensor.DType](cfg parallel.Config, x, out *tensor.RawTensor) error {
	switch out.DType() {
	case tensor.Float32:
		return castInto[S, float32](cfg, x, out)
	case tensor.Float64:
		return castInto[S, float64](cfg, x, out)
	case tensor.Int32:
		return castInto[S, int32](cfg, x, out)
	case tensor.Int64:
		return castInto[S, int64](cfg, x, out)
	case tensor.Uint8:
		return castInto[S, uint8](cfg, x, out)
	case tensor.Bool:
		return castInto[S, bool](cfg, x, out)
	}
	return unsupported(tensor.OpCast, out.DType())
}

func castInto[S, D tensor.DType](cfg parallel.Config, x, out *tensor.RawTensor) error {
	src, dst := tensor.Elements[S](x), tensor.Elements[D](out)
	shape := out.Shape()
	conv := converter[S, D]()
	ops := []operand{readAs(out, shape), readAs(x, shape)}
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			dst[o[0]] = conv(src[o[1]])
		})
	}, cfg)
	return nil
}

// converter goes through int64 between integer types so large values survive,
// and through float64 otherwise.
func converter[S, D tensor.DType]() func(S) D {
	sdt, ddt := tensor.DataTypeOf[S](), tensor.DataTypeOf[D]()
	integer := func(dt tensor.DataType) bool { return dt == tensor.Int32 || dt == tensor.Int64 || dt == tensor.Uint8 }
	if integer(sdt) && integer(ddt) {
		return func(v S) D { return fromInt64[D](toInt64(v)) }
	}
	return func(v S) D { return FillValue[D](tensor.ToFloat64(v)) }
}

func toInt64[T tensor.DType](v T) int64 {
	switch x := any(v).(type) {
	case int32:
		return int64(x)
	case int64:
		return x
	case uint8:
		return int64(x)
	}
	return int64(tensor.ToFloat64(v))
}

func fromInt64[T tensor.DType](v int64) T {
	var out T
	switch p := any(&out).(type) {
	case *int32:
		*p = int32(v) //nolint:gosec // G115: narrowing casts wrap
	case *int64:
		*p = v
	case *uint8:
		*p = uint8(v) //nolint:gosec // G115: narrowing casts wrap
	default:
		return FillValue[T](float64(v))
	}
	return out
}
