package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a generic tensor with type T and backend B.
// It provides type-safe operations over multi-dimensional arrays.
//
// Type Parameters:
//   - T: Data type (must satisfy DType constraint)
//   - B: Computation backend (must implement Backend interface)
//
// Every operation returns an error instead of panicking; the error wraps one of
// the package sentinels (ErrShapeMismatch, ErrDtypeMismatch, ...).
//
// Example:
//
//	backend := cpu.New()
//	t, err := tensor.Zeros[float32](Shape{3, 4}, backend)
//	sum, err := t.Add(t)
type Tensor[T DType, B Backend] struct {
	raw     *RawTensor
	backend B
}

// New creates a Tensor from a RawTensor and backend.
func New[T DType, B Backend](raw *RawTensor, b B) *Tensor[T, B] {
	return &Tensor[T, B]{raw: raw, backend: b}
}

func wrap[T DType, B Backend](b B, raw *RawTensor, err error) (*Tensor[T, B], error) {
	if err != nil {
		return nil, err
	}
	return New[T, B](raw, b), nil
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into device storage.
func FromSlice[T DType, B Backend](data []T, shape Shape, b B) (*Tensor[T, B], error) {
	if shape.NumElements() != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "shape %v requires %d elements, but got %d",
			shape, shape.NumElements(), len(data))
	}
	raw, err := b.FromHost(SliceBytes(data), shape, DataTypeOf[T]())
	return wrap[T](b, raw, err)
}

// Shape returns the tensor's shape.
func (t *Tensor[T, B]) Shape() Shape {
	return t.raw.Shape()
}

// DType returns the tensor's data type.
func (t *Tensor[T, B]) DType() DataType {
	return t.raw.DType()
}

// Device returns the tensor's device.
func (t *Tensor[T, B]) Device() Device {
	return t.raw.Device()
}

// NumElements returns the total number of elements.
func (t *Tensor[T, B]) NumElements() int {
	return t.raw.NumElements()
}

// Raw returns the underlying RawTensor.
func (t *Tensor[T, B]) Raw() *RawTensor {
	return t.raw
}

// Backend returns the computation backend.
func (t *Tensor[T, B]) Backend() B {
	return t.backend
}

// Detach returns a tensor that shares the same data but doesn't track gradients.
// Operations on the detached tensor never appear on a tape.
func (t *Tensor[T, B]) Detach() *Tensor[T, B] {
	return New[T, B](t.raw.Detach(), t.backend)
}

// Data synchronizes the tensor and returns its elements in row-major order.
// For contiguous tensors the slice aliases device storage and must be treated as read-only.
func (t *Tensor[T, B]) Data() ([]T, error) {
	return HostSlice[T](t.raw)
}

// Item returns the value of a single-element tensor.
func (t *Tensor[T, B]) Item() (T, error) {
	var zero T
	if t.NumElements() != 1 {
		return zero, errors.Wrapf(ErrShapeMismatch, "item: tensor of shape %v has %d elements", t.Shape(), t.NumElements())
	}
	data, err := t.Data()
	if err != nil {
		return zero, err
	}
	return data[0], nil
}

// At returns the element at the given indices.
//
// Example:
//
//	value, err := t.At(1, 2) // Row 1, column 2
func (t *Tensor[T, B]) At(indices ...int) (T, error) {
	var zero T
	shape := t.Shape()
	if len(indices) != len(shape) {
		return zero, errors.Wrapf(ErrInvalidArgument, "expected %d indices, got %d", len(shape), len(indices))
	}
	flat := 0
	strides := shape.ComputeStrides()
	for i, idx := range indices {
		if idx < 0 || idx >= shape[i] {
			return zero, errors.Wrapf(ErrInvalidArgument, "index %d out of bounds for dimension %d (size %d)", idx, i, shape[i])
		}
		flat += idx * strides[i]
	}
	data, err := t.Data()
	if err != nil {
		return zero, err
	}
	return data[flat], nil
}

// String returns a human-readable representation of the tensor.
func (t *Tensor[T, B]) String() string {
	return fmt.Sprintf("Tensor[%s]%v on %s", t.raw.DType(), t.raw.Shape(), t.raw.Device())
}

// Retain returns another handle to the same tensor.
func (t *Tensor[T, B]) Retain() *Tensor[T, B] {
	return New[T, B](t.raw.Retain(), t.backend)
}

// Release drops the handle's storage reference.
func (t *Tensor[T, B]) Release() {
	t.raw.Release()
}

// RequireGrad marks this tensor for gradient computation and returns it for chaining.
// Panics for non-float element types, which cannot carry gradients.
//
// Example:
//
//	x := tensor.Must(tensor.Ones[float32](Shape{2, 2}, ad)).RequireGrad()
//	y, _ := x.Mul(x) // recorded on the tape
func (t *Tensor[T, B]) RequireGrad() *Tensor[T, B] {
	if err := t.raw.SetRequiresGrad(true); err != nil {
		panic(err)
	}
	return t
}

// RequiresGrad returns true if this tensor requires gradient computation.
func (t *Tensor[T, B]) RequiresGrad() bool {
	return t.raw.RequiresGrad()
}

// Must unwraps a (tensor, error) pair and panics on error.
// Intended for tests, examples and constants known to be valid.
func Must[T DType, B Backend](t *Tensor[T, B], err error) *Tensor[T, B] {
	if err != nil {
		panic(err)
	}
	return t
}
