// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff provides automatic differentiation capabilities.
//
// This package implements reverse-mode automatic differentiation (backpropagation)
// using a gradient tape. It wraps any backend to add autodiff capabilities while
// keeping the exact tensor.Backend surface, so model code does not change.
//
// Example:
//
//	import (
//	    "github.com/born-ml/core/autodiff"
//	    "github.com/born-ml/core/backend/cpu"
//	    "github.com/born-ml/core/tensor"
//	)
//
//	func main() {
//	    backend := autodiff.New(cpu.New())
//
//	    x := tensor.Must(tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3}, backend)).RequireGrad()
//	    y := tensor.Must(x.Mul(x))
//	    loss := tensor.Must(y.Sum())
//
//	    grads, err := autodiff.Backward(loss)
//	    dx := autodiff.GradOf(grads, x) // [2 4 6]
//	}
//
// Inference code wraps calls in a no-grad scope so nothing is recorded:
//
//	guard := backend.NoGrad()
//	defer guard.Restore()
package autodiff

import (
	"github.com/born-ml/core/internal/autodiff"
	"github.com/born-ml/core/tensor"
)

// Backend is the autodiff-enabled backend.
type Backend[B tensor.Backend] = autodiff.AutodiffBackend[B]

// New creates a new autodiff backend wrapping the given backend.
//
// Example:
//
//	base := cpu.New()
//	backend := autodiff.New(base)
func New[B tensor.Backend](backend B, opts ...Option) *Backend[B] {
	return autodiff.New(backend, opts...)
}

// Option configures an autodiff backend.
type Option = autodiff.Option

// WithCheckpointing trades backward compute for forward memory: memory-bound
// unary and scalar operations keep nothing for backward and are recomputed
// from the nearest kept tensor instead.
//
// Example:
//
//	backend := autodiff.New(cpu.New(), autodiff.WithCheckpointing())
func WithCheckpointing() Option {
	return autodiff.WithCheckpointing()
}

// Tape is the flat node arena of one forward computation.
type Tape = autodiff.Tape

// Guard restores the enclosing grad mode when its scope ends.
type Guard = autodiff.Guard

// Gradients holds the gradients of the leaves reached by a backward pass.
type Gradients = autodiff.Gradients

// BackwardOption configures a backward pass.
type BackwardOption = autodiff.BackwardOption

// WithSeed sets the output gradient. It is required for outputs with more than one element.
func WithSeed(seed *tensor.RawTensor) BackwardOption {
	return autodiff.WithSeed(seed)
}

// RetainGraph keeps the tape and its saved values for another backward pass.
func RetainGraph() BackwardOption {
	return autodiff.RetainGraph()
}

// CreateGraph records the backward pass itself so the returned gradients can
// be differentiated again. It implies RetainGraph.
func CreateGraph() BackwardOption {
	return autodiff.CreateGraph()
}

// Backward computes gradients of t with respect to every leaf that requires them.
func Backward[T tensor.DType, B tensor.Backend](t *tensor.Tensor[T, *Backend[B]], opts ...BackwardOption) (*Gradients, error) {
	return autodiff.Backward(t, opts...)
}

// GradOf returns the gradient of x as a typed tensor, or nil when x received none.
func GradOf[T tensor.DType, B tensor.Backend](g *Gradients, x *tensor.Tensor[T, B]) *tensor.Tensor[T, B] {
	return autodiff.GradOf(g, x)
}
