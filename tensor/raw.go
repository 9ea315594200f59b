// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/core/internal/tensor"
)

// RawTensor is the low-level, untyped tensor handle backends operate on.
//
// RawTensor provides:
//   - Shape and type information via Shape(), DType(), Device()
//   - Host access via AsFloat32(), AsInt64(), etc. (synchronizing)
//   - Reference counting via Retain() and Release()
//   - Copy-on-write for in-place updates of shared storage
//
// Most users should use the high-level Tensor[T, B] type instead.
//
// Example:
//
//	raw, _ := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32)
//	data := raw.AsFloat32()
//	other := raw.Retain() // shares storage, same gradient identity
//	other.Release()
type RawTensor = tensor.RawTensor

// NewRaw creates a zeroed contiguous host tensor.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, tensor.HostDevice, nil)
}

// HostSlice synchronizes r and returns its elements in row-major order.
func HostSlice[T DType](r *RawTensor) ([]T, error) {
	return tensor.HostSlice[T](r)
}

// SliceBytes reinterprets a typed slice as native-endian bytes without copying.
// The result feeds Backend.FromHost.
func SliceBytes[T DType](data []T) []byte {
	return tensor.SliceBytes(data)
}
