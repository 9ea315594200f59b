// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package fusion merges chains of element-wise float operations into single
// kernel launches.
//
// Wrap a backend with New and use the result anywhere a tensor.Backend is
// expected. Fusion is transparent: results match the unfused backend exactly.
//
//	fused := fusion.New(cpu.New(), fusion.DefaultConfig())
//	ad := autodiff.New(fused)
package fusion

import (
	"github.com/born-ml/core/internal/fusion"
	"github.com/born-ml/core/tensor"
)

// Backend is a fusing decorator around another backend.
type Backend = fusion.Backend

// Config bounds the fusion window.
type Config = fusion.Config

// Stats counts fusion activity.
type Stats = fusion.Stats

var _ tensor.Backend = (*Backend)(nil)

// New wraps inner. Backends without a fused executor are passed through unchanged.
func New(inner tensor.Backend, cfg Config) *Backend {
	return fusion.New(inner, cfg)
}

// DefaultConfig returns a 64-op window and 32-op programs.
func DefaultConfig() Config {
	return fusion.DefaultConfig()
}
