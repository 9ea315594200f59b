// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides type-safe tensors and the backend contract of the Born core.
//
// # Overview
//
// Tensors are the fundamental data structure in Born. This package provides:
//   - Generic type-safe tensors (Tensor[T, B])
//   - Trailing-axis broadcasting
//   - Zero-copy views (reshape, transpose, expand) over reference-counted storage
//   - Device abstraction (CPU reference backend, simulated accelerator)
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/core/tensor"
//	    "github.com/born-ml/core/backend/cpu"
//	)
//
//	func main() {
//	    backend := cpu.New()
//
//	    x := tensor.Must(tensor.Zeros[float32](tensor.Shape{2, 3}, backend))
//	    y := tensor.Must(tensor.Ones[float32](tensor.Shape{3, 2}, backend))
//
//	    z, err := x.MatMul(y)
//	    if err != nil {
//	        // errors.Is(err, tensor.ErrShapeMismatch), ...
//	    }
//	}
//
// # Supported Data Types
//
// The DType constraint admits float32, float64, int32, int64, uint8 and bool.
// Only float32 and float64 tensors can require gradients.
//
// # Errors
//
// Every operation returns an error wrapping one of the package sentinels
// (ErrShapeMismatch, ErrDtypeMismatch, ErrDeviceMismatch, ErrOutOfMemory,
// ErrUnsupportedOp, ErrGradient, ErrInvalidArgument). Match them with errors.Is.
//
// # Memory Management
//
// Storage is reference-counted. Release a tensor when it is no longer needed so
// device memory returns to the allocator immediately; a finalizer releases
// handles that are dropped without Release.
//
// # Asynchronous Execution
//
// Backends may return before a kernel finishes. Data, Item, At, Export and
// Backend.Synchronize are the synchronizing points.
package tensor
