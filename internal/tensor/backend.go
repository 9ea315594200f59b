package tensor

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Backend is the fixed primitive set every compute target implements.
//
// Contract shared by all implementations:
//   - operands agree in device (ErrDeviceMismatch) and dtype (ErrDtypeMismatch),
//     checked in that order;
//   - shapes broadcast from the trailing axis, otherwise ErrShapeMismatch;
//   - every check happens before any storage is allocated;
//   - a primitive/dtype pair the backend lacks reports ErrUnsupportedOp;
//   - results live in new storage, except the view ops Reshape (of contiguous
//     data), Transpose and Expand which share their input's storage.
//
// Calls may return before the kernel finished; host reads (ToHost, AsFloat32, ...)
// and Synchronize are the synchronizing points.
type Backend interface {
	Name() string
	Device() Device
	// Supports reports whether the primitive is implemented for dtype.
	Supports(op OpKind, dtype DataType) bool

	// Unary applies an element-wise unary op.
	Unary(op OpKind, x *RawTensor) (*RawTensor, error)
	// Binary applies an element-wise binary op (comparisons return Bool).
	Binary(op OpKind, a, b *RawTensor) (*RawTensor, error)
	// Scalar applies a binary op with a scalar right operand converted to x's dtype.
	Scalar(op OpKind, x *RawTensor, s float64) (*RawTensor, error)
	// Where selects a where cond is true, else b. cond is Bool; all three broadcast.
	Where(cond, a, b *RawTensor) (*RawTensor, error)
	// InPlace computes dst = dst op src. src broadcasts to dst's shape. When dst's
	// storage is shared, dst is rebound to a private copy first.
	InPlace(op OpKind, dst, src *RawTensor) error

	// MatMul multiplies [..., M, K] by [..., K, N]; batch dims broadcast.
	MatMul(a, b *RawTensor) (*RawTensor, error)

	// Sum reduces the given axes (all when empty).
	Sum(x *RawTensor, axes []int, keepDims bool) (*RawTensor, error)
	// Mean averages the given axes (all when empty).
	Mean(x *RawTensor, axes []int, keepDims bool) (*RawTensor, error)
	// Max takes the maximum along one axis.
	Max(x *RawTensor, axis int, keepDims bool) (*RawTensor, error)
	// Argmax returns Int64 indices of the maximum along one axis (first on ties).
	Argmax(x *RawTensor, axis int, keepDims bool) (*RawTensor, error)

	Reshape(x *RawTensor, shape Shape) (*RawTensor, error)
	Transpose(x *RawTensor, axes ...int) (*RawTensor, error)
	// Expand broadcasts x to shape with stride-0 views.
	Expand(x *RawTensor, shape Shape) (*RawTensor, error)
	// Contiguous materializes x into dense row-major storage.
	Contiguous(x *RawTensor) (*RawTensor, error)

	// Gather picks x's elements along axis at Int64 index positions.
	// index has x's rank; the result has index's shape.
	Gather(x *RawTensor, axis int, index *RawTensor) (*RawTensor, error)
	// ScatterAdd builds a zero tensor of shape and adds src into it along axis at index.
	ScatterAdd(shape Shape, axis int, index, src *RawTensor) (*RawTensor, error)

	Random(spec RandomSpec) (*RawTensor, error)
	Full(shape Shape, dtype DataType, value float64) (*RawTensor, error)
	Cast(x *RawTensor, dtype DataType) (*RawTensor, error)

	// FromHost copies native-endian host bytes into device storage.
	FromHost(data []byte, shape Shape, dtype DataType) (*RawTensor, error)
	// ToHost synchronizes x and returns a packed row-major copy.
	ToHost(x *RawTensor) ([]byte, error)
	// Synchronize blocks until all submitted work finished.
	Synchronize() error
}

// MemoryReporter is implemented by backends that expose allocator counters.
type MemoryReporter interface {
	MemoryStats() AllocStats
}

// Distribution selects the random generator of a RandomSpec.
type Distribution uint8

// Supported distributions.
const (
	Uniform Distribution = iota
	Normal
)

// String returns the distribution name.
func (d Distribution) String() string {
	if d == Normal {
		return "normal"
	}
	return "uniform"
}

// RandomSpec describes a random tensor. Equal specs produce identical values on
// every backend.
type RandomSpec struct {
	Dist  Distribution
	Shape Shape
	DType DataType
	Low   float64 // Uniform lower bound (inclusive)
	High  float64 // Uniform upper bound (exclusive)
	Mean  float64 // Normal mean
	Std   float64 // Normal standard deviation
	Seed  uint64
}

// Validate checks the distribution parameters before allocation.
func (s RandomSpec) Validate() error {
	if err := s.Shape.Validate(); err != nil {
		return err
	}
	if !s.DType.IsFloat() {
		return errors.Wrapf(ErrUnsupportedOp, "random: %s", s.DType)
	}
	switch s.Dist {
	case Uniform:
		if !(s.Low < s.High) {
			return errors.Wrapf(ErrInvalidArgument, "random: uniform bounds [%g, %g)", s.Low, s.High)
		}
	case Normal:
		if s.Std < 0 {
			return errors.Wrapf(ErrInvalidArgument, "random: negative std %g", s.Std)
		}
	default:
		return errors.Wrapf(ErrInvalidArgument, "random: unknown distribution %d", s.Dist)
	}
	return nil
}

// Transfer moves x to the device of to. It synchronizes x first.
// A tensor already on that device is retained, not copied.
func Transfer(x *RawTensor, to Backend) (*RawTensor, error) {
	if x.Device() == to.Device() {
		return x.Retain(), nil
	}
	data, err := x.Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "transfer %s -> %s", x.Device(), to.Device())
	}
	return to.FromHost(data, x.Shape(), x.DType())
}

// SliceBytes reinterprets a typed slice as native-endian bytes without copying.
func SliceBytes[T DType](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	//nolint:gosec // read-only reinterpretation of a live slice
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(zero)))
}
