// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/born-ml/core/internal/tensor"

// Backend is the primitive capability set every compute target implements.
//
// Implementations:
//   - backend/cpu: synchronous reference backend for every dtype
//   - backend/accel: asynchronous simulated accelerator with BLAS matmul
//
// Decorator backends wrap any Backend and expose the same surface:
//   - fusion: merges element-wise chains into single launches
//   - autodiff: records operations for reverse-mode differentiation
//
// Example:
//
//	backend := cpu.New()
//	x, _ := backend.Full(tensor.Shape{2, 3}, tensor.Float32, 1)
//	y, _ := backend.Unary(tensor.OpExp, x)
type Backend = tensor.Backend

// MemoryReporter is implemented by backends that expose allocator counters.
type MemoryReporter = tensor.MemoryReporter

// AllocStats is a snapshot of allocator counters.
type AllocStats = tensor.AllocStats

// OpKind names a backend primitive.
type OpKind = tensor.OpKind

// Primitive operation kinds.
const (
	OpNeg          = tensor.OpNeg
	OpAbs          = tensor.OpAbs
	OpSign         = tensor.OpSign
	OpExp          = tensor.OpExp
	OpLog          = tensor.OpLog
	OpSqrt         = tensor.OpSqrt
	OpSin          = tensor.OpSin
	OpCos          = tensor.OpCos
	OpTanh         = tensor.OpTanh
	OpSigmoid      = tensor.OpSigmoid
	OpReLU         = tensor.OpReLU
	OpAdd          = tensor.OpAdd
	OpSub          = tensor.OpSub
	OpMul          = tensor.OpMul
	OpDiv          = tensor.OpDiv
	OpPow          = tensor.OpPow
	OpMaximum      = tensor.OpMaximum
	OpMinimum      = tensor.OpMinimum
	OpGreater      = tensor.OpGreater
	OpGreaterEqual = tensor.OpGreaterEqual
	OpLess         = tensor.OpLess
	OpLessEqual    = tensor.OpLessEqual
	OpEqual        = tensor.OpEqual
	OpNotEqual     = tensor.OpNotEqual
	OpWhere        = tensor.OpWhere
	OpMatMul       = tensor.OpMatMul
	OpSum          = tensor.OpSum
	OpMean         = tensor.OpMean
	OpMax          = tensor.OpMax
	OpArgmax       = tensor.OpArgmax
	OpReshape      = tensor.OpReshape
	OpTranspose    = tensor.OpTranspose
	OpExpand       = tensor.OpExpand
	OpCopy         = tensor.OpCopy
	OpGather       = tensor.OpGather
	OpScatterAdd   = tensor.OpScatterAdd
	OpRandom       = tensor.OpRandom
	OpFull         = tensor.OpFull
	OpCast         = tensor.OpCast
	OpTransfer     = tensor.OpTransfer
	OpFused        = tensor.OpFused
)

// AllOps lists every primitive kind in declaration order.
func AllOps() []OpKind {
	return tensor.AllOps()
}

// RandomSpec describes a random tensor. Equal specs produce identical values on
// every backend.
type RandomSpec = tensor.RandomSpec

// Distribution selects the generator of a RandomSpec.
type Distribution = tensor.Distribution

// Random distributions.
const (
	Uniform = tensor.Uniform
	Normal  = tensor.Normal
)

// Transfer moves x to the device of backend to. It is a synchronizing point.
func Transfer(x *RawTensor, to Backend) (*RawTensor, error) {
	return tensor.Transfer(x, to)
}

// Exported is the device-independent form of a tensor.
type Exported = tensor.Exported

// Export synchronizes x and returns its shape, dtype and little-endian bytes.
func Export(x *RawTensor) (Exported, error) {
	return tensor.Export(x)
}

// Import reconstructs an exported tensor on backend b.
func Import(e Exported, b Backend) (*RawTensor, error) {
	return tensor.Import(e, b)
}
