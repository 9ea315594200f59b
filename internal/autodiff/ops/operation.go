// Package ops defines the differentiable operations recorded on a tape.
//
// Each operation keeps what its vector-Jacobian product needs:
//   - Inputs: identity, shape and dtype of every differentiable input
//   - Output: identity of the produced tensor
//   - Saved: retained handles of the values the backward pass reads
//
// With checkpointing, memory-bound unary and scalar operations save nothing
// and hold a Recompute node that rebuilds the value during backward.
//
// Backward maps the output gradient to one gradient per input. It runs the
// primitives through the backend it is given, so when that backend records
// (higher-order differentiation) the gradients are themselves differentiable.
//
// Supported operations:
//   - AddOp, SubOp, MulOp, DivOp, PowOp: element-wise arithmetic with broadcasting
//   - ExtremumOp: element-wise maximum and minimum (ties go to the first operand)
//   - ScalarOp: arithmetic with a constant right operand
//   - Unary ops: Neg, Abs, Exp, Log, Sqrt, Sin, Cos, Tanh, Sigmoid, ReLU
//   - MatMulOp: batched matrix multiplication (d(A@B)/dA = grad@B^T, d(A@B)/dB = A^T@grad)
//   - SumOp, MeanOp, MaxOp: reductions
//   - ReshapeOp, TransposeOp, ExpandOp, ContiguousOp, CastOp: layout and type changes
//   - GatherOp, ScatterAddOp, WhereOp: indexing and selection
package ops

import "github.com/born-ml/core/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Kind returns the primitive that produced the output.
	Kind() tensor.OpKind

	// Inputs describes the differentiable inputs, in Backward's result order.
	Inputs() []Ref

	// Output describes the tensor produced by this operation.
	Output() Ref

	// Saved returns the retained values Backward reads.
	Saved() []*tensor.RawTensor

	// Backward computes gradients for inputs given the output gradient.
	// The result has one entry per input; inputs that do not require
	// gradients get nil. outputGrad is borrowed, the results are owned by
	// the caller.
	//
	// Example for AddOp:
	//   inputs: [a, b]
	//   outputGrad: dL/d(a+b)
	//   returns: [dL/d(a+b), dL/d(a+b)] reduced to the shapes of a and b
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) ([]*tensor.RawTensor, error)
}

// Ref identifies a tensor on the tape without holding its storage.
type Ref struct {
	ID           uint64
	Shape        tensor.Shape
	DType        tensor.DataType
	RequiresGrad bool

	// Creator is the node that produced the tensor, valid when HasCreator.
	// Leaves have none.
	Creator    tensor.NodeRef
	HasCreator bool
}

// RefOf captures x's identity.
func RefOf(x *tensor.RawTensor) Ref {
	creator, ok := x.Creator()
	return Ref{
		ID:           x.ID(),
		Shape:        x.Shape().Clone(),
		DType:        x.DType(),
		RequiresGrad: x.RequiresGrad(),
		Creator:      creator,
		HasCreator:   ok,
	}
}

// Release drops the saved values of op. Backward must not run afterwards.
func Release(op Operation) {
	for _, s := range op.Saved() {
		s.Release()
	}
	if r, ok := op.(interface{ forget() }); ok {
		r.forget()
	}
}

type base struct {
	kind   tensor.OpKind
	inputs []Ref
	output Ref
	saved  []*tensor.RawTensor

	// recompute replaces saved when the op was recorded with checkpointing.
	recompute *Recompute
}

func newBase(kind tensor.OpKind, out *tensor.RawTensor, inputs ...*tensor.RawTensor) base {
	refs := make([]Ref, len(inputs))
	for i, x := range inputs {
		refs[i] = RefOf(x)
	}
	return base{kind: kind, inputs: refs, output: RefOf(out)}
}

func (o *base) Kind() tensor.OpKind { return o.kind }

func (o *base) Inputs() []Ref { return o.inputs }

func (o *base) Output() Ref { return o.output }

func (o *base) Saved() []*tensor.RawTensor { return o.saved }

// save retains xs and forces any deferred producer, so a fused chain does not
// recompute or lose a value the backward pass reads.
func (o *base) save(xs ...*tensor.RawTensor) error {
	for _, x := range xs {
		o.saved = append(o.saved, x.Retain())
	}
	for _, x := range xs {
		if err := x.Resolve(); err != nil {
			for _, s := range o.saved {
				s.Release()
			}
			o.saved = nil
			return err
		}
	}
	return nil
}

func (o *base) needs(i int) bool { return o.inputs[i].RequiresGrad }

// keep records what Backward reads: r when checkpointing, else x saved.
func (o *base) keep(x *tensor.RawTensor, r *Recompute) error {
	if r != nil {
		o.recompute = r.Hold()
		return nil
	}
	return o.save(x)
}

// value returns an owned handle of the single value Backward reads.
func (o *base) value(b tensor.Backend) (*tensor.RawTensor, error) {
	if o.recompute != nil {
		return o.recompute.Value(b)
	}
	return o.saved[0].Retain(), nil
}

// Recomputed reports whether Backward rebuilds its value instead of reading a
// saved one.
func (o *base) Recomputed() bool { return o.recompute != nil }

func (o *base) forget() {
	if o.recompute != nil {
		o.recompute.Drop()
		o.recompute = nil
	}
}
