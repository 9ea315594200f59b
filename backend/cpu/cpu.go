// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	internalcpu "github.com/born-ml/core/internal/backend/cpu"
	"github.com/born-ml/core/tensor"
)

// Backend represents the CPU backend implementation.
//
// Every primitive runs synchronously on the caller's goroutine, with large
// loops split across workers.
type Backend = internalcpu.CPUBackend

// Config controls the CPU backend.
type Config = internalcpu.Config

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a new CPU backend.
//
// Example:
//
//	import (
//	    "github.com/born-ml/core/backend/cpu"
//	    "github.com/born-ml/core/tensor"
//	)
//
//	func main() {
//	    backend := cpu.New()
//	    x, err := tensor.Zeros[float32](tensor.Shape{2, 3}, backend)
//	}
func New() *Backend {
	return internalcpu.New()
}

// NewWithConfig creates a CPU backend with an explicit memory limit and
// parallelism settings.
func NewWithConfig(cfg Config) *Backend {
	return internalcpu.NewWithConfig(cfg)
}

// DefaultConfig returns a configuration bounded by physical memory.
func DefaultConfig() Config {
	return internalcpu.DefaultConfig()
}
