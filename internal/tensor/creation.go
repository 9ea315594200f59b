package tensor

import (
	"time"

	"github.com/pkg/errors"
)

// Zeros creates a tensor filled with zeros.
//
// Example:
//
//	backend := cpu.New()
//	t, err := tensor.Zeros[float32](Shape{3, 4}, backend)
func Zeros[T DType, B Backend](shape Shape, b B) (*Tensor[T, B], error) {
	return Full[T](shape, zeroOf[T](), b)
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) (*Tensor[T, B], error) {
	return Full[T](shape, oneOf[T](), b)
}

// Full creates a tensor filled with a specific value.
//
// Example:
//
//	t, err := tensor.Full[float32](Shape{3, 3}, 3.14, backend)
func Full[T DType, B Backend](shape Shape, value T, b B) (*Tensor[T, B], error) {
	raw, err := b.Full(shape, DataTypeOf[T](), ToFloat64(value))
	return wrap[T](b, raw, err)
}

// Rand creates a tensor with values uniformly distributed in [0, 1).
// Only float types are supported. Pass a seed for reproducible values; without
// one the current time seeds the generator.
func Rand[T Float, B Backend](shape Shape, b B, seed ...uint64) (*Tensor[T, B], error) {
	raw, err := b.Random(RandomSpec{
		Dist:  Uniform,
		Shape: shape,
		DType: DataTypeOf[T](),
		Low:   0,
		High:  1,
		Seed:  seedOf(seed),
	})
	return wrap[T](b, raw, err)
}

// Randn creates a tensor with values from the standard normal distribution.
// Only float types are supported.
func Randn[T Float, B Backend](shape Shape, b B, seed ...uint64) (*Tensor[T, B], error) {
	raw, err := b.Random(RandomSpec{
		Dist:  Normal,
		Shape: shape,
		DType: DataTypeOf[T](),
		Mean:  0,
		Std:   1,
		Seed:  seedOf(seed),
	})
	return wrap[T](b, raw, err)
}

// Arange creates a 1D tensor with values from start to end (exclusive) in steps of one.
//
// Example:
//
//	t, err := tensor.Arange[int32](0, 10, backend) // [0, 1, 2, ..., 9]
func Arange[T Numeric, B Backend](start, end T, b B) (*Tensor[T, B], error) {
	n := int(ToFloat64(end) - ToFloat64(start))
	if n <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "arange: end %v must be greater than start %v", end, start)
	}
	data := make([]T, n)
	for i := range data {
		data[i] = start + T(i)
	}
	return FromSlice(data, Shape{n}, b)
}

func seedOf(seed []uint64) uint64 {
	if len(seed) > 0 {
		return seed[0]
	}
	return uint64(time.Now().UnixNano()) //nolint:gosec // G115: any bit pattern is a valid seed
}

func zeroOf[T DType]() T {
	var zero T
	return zero
}

func oneOf[T DType]() T {
	var one T
	switch p := any(&one).(type) {
	case *float32:
		*p = 1
	case *float64:
		*p = 1
	case *int32:
		*p = 1
	case *int64:
		*p = 1
	case *uint8:
		*p = 1
	case *bool:
		*p = true
	}
	return one
}

// ToFloat64 converts any element value to float64 (true is 1).
func ToFloat64[T DType](v T) float64 {
	switch x := any(v).(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint8:
		return float64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	}
	return 0
}
