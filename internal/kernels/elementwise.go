package kernels

import (
	"github.com/pkg/errors"

	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

func unsupported(op tensor.OpKind, dt tensor.DataType) error {
	return errors.Wrapf(tensor.ErrUnsupportedOp, "kernel %s for %s", op, dt)
}

// Unary computes out = op(x). out's shape equals x's shape.
func Unary[T tensor.Numeric](cfg parallel.Config, op tensor.OpKind, x, out *tensor.RawTensor) error {
	f, ok := UnaryFunc[T](op)
	if !ok {
		return unsupported(op, x.DType())
	}
	src, dst := tensor.Elements[T](x), tensor.Elements[T](out)
	shape := out.Shape()
	ops := []operand{readAs(out, shape), readAs(x, shape)}
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			dst[o[0]] = f(src[o[1]])
		})
	}, cfg)
	return nil
}

// Binary computes out = op(a, b) with broadcasting to out's shape.
func Binary[T tensor.Numeric](cfg parallel.Config, op tensor.OpKind, a, b, out *tensor.RawTensor) error {
	f, ok := BinaryFunc[T](op)
	if !ok {
		return unsupported(op, a.DType())
	}
	da, db, dst := tensor.Elements[T](a), tensor.Elements[T](b), tensor.Elements[T](out)
	shape := out.Shape()
	ops := []operand{readAs(out, shape), readAs(a, shape), readAs(b, shape)}
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			dst[o[0]] = f(da[o[1]], db[o[2]])
		})
	}, cfg)
	return nil
}

// Scalar computes out = op(x, s) with s converted to T.
func Scalar[T tensor.Numeric](cfg parallel.Config, op tensor.OpKind, x *tensor.RawTensor, s float64, out *tensor.RawTensor) error {
	f, ok := BinaryFunc[T](op)
	if !ok {
		return unsupported(op, x.DType())
	}
	v := FromFloat64[T](s)
	src, dst := tensor.Elements[T](x), tensor.Elements[T](out)
	shape := out.Shape()
	ops := []operand{readAs(out, shape), readAs(x, shape)}
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			dst[o[0]] = f(src[o[1]], v)
		})
	}, cfg)
	return nil
}

// Compare computes the Bool tensor out = op(a, b) with broadcasting.
func Compare[T tensor.Numeric](cfg parallel.Config, op tensor.OpKind, a, b, out *tensor.RawTensor) error {
	f, ok := CompareFunc[T](op)
	if !ok {
		return unsupported(op, a.DType())
	}
	da, db, dst := tensor.Elements[T](a), tensor.Elements[T](b), tensor.Elements[bool](out)
	shape := out.Shape()
	ops := []operand{readAs(out, shape), readAs(a, shape), readAs(b, shape)}
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			dst[o[0]] = f(da[o[1]], db[o[2]])
		})
	}, cfg)
	return nil
}

// Where computes out = cond ? a : b with broadcasting.
func Where[T tensor.DType](cfg parallel.Config, cond, a, b, out *tensor.RawTensor) error {
	dc := tensor.Elements[bool](cond)
	da, db, dst := tensor.Elements[T](a), tensor.Elements[T](b), tensor.Elements[T](out)
	shape := out.Shape()
	ops := []operand{readAs(out, shape), readAs(cond, shape), readAs(a, shape), readAs(b, shape)}
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			if dc[o[1]] {
				dst[o[0]] = da[o[2]]
			} else {
				dst[o[0]] = db[o[3]]
			}
		})
	}, cfg)
	return nil
}
