// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package accel provides the accelerator backend.
//
// The accelerator owns a fixed device-memory budget served by a caching
// allocator, executes kernels asynchronously on several streams ordered by
// data dependencies, and multiplies float matrices with BLAS. Float64 support
// is limited to MatMul and transfers; Supports reports the exact capability set.
//
// Example:
//
//	dev := accel.New()
//	defer dev.Close()
//
//	x := tensor.Must(tensor.Rand[float32](tensor.Shape{256, 256}, dev, 1))
//	y, err := x.MatMul(x) // returns before the kernel finished
//	v, err := y.At(0, 0)  // synchronizes
package accel

import (
	internalaccel "github.com/born-ml/core/internal/backend/accel"
	"github.com/born-ml/core/tensor"
)

// Backend is an accelerator device.
type Backend = internalaccel.Backend

// Config controls an accelerator device.
type Config = internalaccel.Config

var _ tensor.Backend = (*Backend)(nil)

// New creates device 0 with DefaultConfig.
func New() *Backend {
	return internalaccel.New()
}

// NewWithConfig creates an accelerator device.
func NewWithConfig(cfg Config) *Backend {
	return internalaccel.NewWithConfig(cfg)
}

// DefaultConfig returns device 0 with four streams and a quarter of physical memory.
func DefaultConfig() Config {
	return internalaccel.DefaultConfig()
}
