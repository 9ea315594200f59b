// Package kernels is the typed host kernel library shared by the backends.
//
// Kernels write into a preallocated output tensor and read inputs through their
// strides, so views never need to be materialized first. The per-element
// functions in this file are the single definition of each primitive's numeric
// behavior: the unfused kernels and the fused Program evaluator both call them,
// which keeps fused results bit-identical to the unfused sequence.
package kernels

import (
	"math"

	"github.com/born-ml/core/internal/tensor"
)

// UnaryFunc returns the per-element function of a unary primitive.
func UnaryFunc[T tensor.Numeric](op tensor.OpKind) (func(T) T, bool) {
	switch op {
	case tensor.OpNeg:
		return func(x T) T { return -x }, true
	case tensor.OpAbs:
		return func(x T) T {
			if x < 0 {
				return -x
			}
			return x
		}, true
	case tensor.OpSign:
		return func(x T) T {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return T(0) - 1
			}
			return 0
		}, true
	case tensor.OpReLU:
		return func(x T) T {
			if x > 0 {
				return x
			}
			return 0
		}, true
	}
	if !isFloat[T]() {
		return nil, false
	}
	var f func(float64) float64
	switch op {
	case tensor.OpExp:
		f = math.Exp
	case tensor.OpLog:
		f = math.Log
	case tensor.OpSqrt:
		f = math.Sqrt
	case tensor.OpSin:
		f = math.Sin
	case tensor.OpCos:
		f = math.Cos
	case tensor.OpTanh:
		f = math.Tanh
	case tensor.OpSigmoid:
		f = sigmoid
	default:
		return nil, false
	}
	return func(x T) T { return T(f(float64(x))) }, true
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// BinaryFunc returns the per-element function of an arithmetic binary primitive.
// Integer division by zero panics; the dispatcher turns kernel panics into errors.
func BinaryFunc[T tensor.Numeric](op tensor.OpKind) (func(a, b T) T, bool) {
	switch op {
	case tensor.OpAdd:
		return func(a, b T) T { return a + b }, true
	case tensor.OpSub:
		return func(a, b T) T { return a - b }, true
	case tensor.OpMul:
		return func(a, b T) T { return a * b }, true
	case tensor.OpDiv:
		return func(a, b T) T { return a / b }, true
	case tensor.OpMaximum:
		return func(a, b T) T {
			if a != a || a > b { // NaN propagates
				return a
			}
			return b
		}, true
	case tensor.OpMinimum:
		return func(a, b T) T {
			if a != a || a < b {
				return a
			}
			return b
		}, true
	case tensor.OpPow:
		if !isFloat[T]() {
			return nil, false
		}
		return func(a, b T) T { return T(math.Pow(float64(a), float64(b))) }, true
	}
	return nil, false
}

// CompareFunc returns the per-element predicate of a comparison primitive.
func CompareFunc[T tensor.Numeric](op tensor.OpKind) (func(a, b T) bool, bool) {
	switch op {
	case tensor.OpGreater:
		return func(a, b T) bool { return a > b }, true
	case tensor.OpGreaterEqual:
		return func(a, b T) bool { return a >= b }, true
	case tensor.OpLess:
		return func(a, b T) bool { return a < b }, true
	case tensor.OpLessEqual:
		return func(a, b T) bool { return a <= b }, true
	case tensor.OpEqual:
		return func(a, b T) bool { return a == b }, true
	case tensor.OpNotEqual:
		return func(a, b T) bool { return a != b }, true
	}
	return nil, false
}

// FromFloat64 converts a host scalar to T the same way on every path.
func FromFloat64[T tensor.Numeric](v float64) T {
	var out T
	switch p := any(&out).(type) {
	case *float32:
		*p = float32(v)
	case *float64:
		*p = v
	case *int32:
		*p = int32(v)
	case *int64:
		*p = int64(v)
	case *uint8:
		*p = uint8(int64(v)) //nolint:gosec // G115: wrap-around matches integer arithmetic
	}
	return out
}

func isFloat[T tensor.Numeric]() bool {
	return tensor.DataTypeOf[T]().IsFloat()
}
