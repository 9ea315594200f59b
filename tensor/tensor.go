// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/core/internal/tensor"
)

// Type aliases for the core types.

// DType is a constraint for supported tensor data types.
// Supported types: float32, float64, int32, int64, uint8, bool.
type DType = tensor.DType

// Numeric is the subset of DType that supports arithmetic.
type Numeric = tensor.Numeric

// Float is the subset of DType that supports gradients.
type Float = tensor.Float

// DataType represents runtime type information for tensors.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
	Int32   DataType = tensor.Int32
	Int64   DataType = tensor.Int64
	Uint8   DataType = tensor.Uint8
	Bool    DataType = tensor.Bool
)

// AllDataTypes lists every supported data type.
var AllDataTypes = tensor.AllDataTypes

// DeviceKind identifies a device family.
type DeviceKind = tensor.DeviceKind

// Device families.
const (
	CPU   DeviceKind = tensor.CPU
	Accel DeviceKind = tensor.Accel
)

// Device identifies a device (family and ordinal).
type Device = tensor.Device

// HostDevice is the CPU device that owns host memory.
var HostDevice = tensor.HostDevice

// AccelDevice returns the accelerator with the given ordinal.
func AccelDevice(index int) Device {
	return tensor.AccelDevice(index)
}

// Shape represents tensor dimensions.
type Shape = tensor.Shape

// Errors reported by every backend. Match with errors.Is.
var (
	ErrShapeMismatch   = tensor.ErrShapeMismatch
	ErrDtypeMismatch   = tensor.ErrDtypeMismatch
	ErrDeviceMismatch  = tensor.ErrDeviceMismatch
	ErrOutOfMemory     = tensor.ErrOutOfMemory
	ErrUnsupportedOp   = tensor.ErrUnsupportedOp
	ErrGradient        = tensor.ErrGradient
	ErrInvalidArgument = tensor.ErrInvalidArgument
)

// Tensor is a generic type-safe tensor.
//
// Type parameters:
//   - T: Data type (float32, float64, int32, int64, uint8, bool)
//   - B: Backend implementation (CPU, accelerator, or a decorator over them)
type Tensor[T DType, B Backend] = tensor.Tensor[T, B]

// Tensor creation functions.

// Zeros creates a tensor filled with zeros.
func Zeros[T DType, B Backend](shape Shape, b B) (*Tensor[T, B], error) {
	return tensor.Zeros[T, B](shape, b)
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) (*Tensor[T, B], error) {
	return tensor.Ones[T, B](shape, b)
}

// Full creates a tensor filled with a specific value.
func Full[T DType, B Backend](shape Shape, value T, b B) (*Tensor[T, B], error) {
	return tensor.Full[T, B](shape, value, b)
}

// Randn creates a tensor with standard normal values.
func Randn[T Float, B Backend](shape Shape, b B, seed ...uint64) (*Tensor[T, B], error) {
	return tensor.Randn[T, B](shape, b, seed...)
}

// Rand creates a tensor with uniform values in [0, 1).
func Rand[T Float, B Backend](shape Shape, b B, seed ...uint64) (*Tensor[T, B], error) {
	return tensor.Rand[T, B](shape, b, seed...)
}

// Arange creates a 1D tensor with values [start, end).
func Arange[T Numeric, B Backend](start, end T, b B) (*Tensor[T, B], error) {
	return tensor.Arange[T, B](start, end, b)
}

// FromSlice creates a tensor from a slice.
func FromSlice[T DType, B Backend](data []T, shape Shape, b B) (*Tensor[T, B], error) {
	return tensor.FromSlice[T, B](data, shape, b)
}

// New wraps a RawTensor produced by backend b.
func New[T DType, B Backend](raw *RawTensor, b B) *Tensor[T, B] {
	return tensor.New[T, B](raw, b)
}

// Must unwraps a (tensor, error) pair and panics on error.
func Must[T DType, B Backend](t *Tensor[T, B], err error) *Tensor[T, B] {
	return tensor.Must(t, err)
}

// Where selects a where cond is true, else b.
func Where[T DType, B Backend](cond *Tensor[bool, B], a, b *Tensor[T, B]) (*Tensor[T, B], error) {
	return tensor.Where(cond, a, b)
}

// Cast converts t to element type U.
func Cast[U, T DType, B Backend](t *Tensor[T, B]) (*Tensor[U, B], error) {
	return tensor.Cast[U](t)
}

// Utility functions.

// BroadcastShapes computes the broadcast result shape.
// Returns (result_shape, needs_broadcast, error).
func BroadcastShapes(a, b Shape) (Shape, bool, error) {
	return tensor.BroadcastShapes(a, b)
}
