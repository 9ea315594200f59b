// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go reference backend.
//
// # Overview
//
// This package implements a CPU backend with:
//   - Pure Go implementation (no CGO)
//   - Every primitive for float32, float64, int32, int64, uint8 and bool
//   - Trailing-axis broadcasting and strided views
//   - Fused element-wise programs (see package fusion)
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/core/backend/cpu"
//	    "github.com/born-ml/core/tensor"
//	)
//
//	func main() {
//	    backend := cpu.New()
//
//	    x := tensor.Must(tensor.Zeros[float32](tensor.Shape{2, 3}, backend))
//	    y := tensor.Must(tensor.Ones[float32](tensor.Shape{2, 3}, backend))
//	    z, err := x.Add(y)
//	}
//
// # Memory
//
// Host memory is accounted by a counting allocator capped at physical memory
// by default. MemoryStats reports outstanding allocations.
//
// # Thread Safety
//
// The CPU backend is safe for concurrent use. Each tensor operation
// is isolated and does not share mutable state.
package cpu
