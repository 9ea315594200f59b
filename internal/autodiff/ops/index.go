package ops

import (
	"github.com/born-ml/core/internal/tensor"
)

// GatherOp represents output = x gathered along axis at index.
// The gradient scatter-adds outputGrad back to the gathered positions, so
// repeated indices accumulate.
type GatherOp struct {
	base
	axis int
}

// NewGatherOp creates a new GatherOp. The index is saved.
func NewGatherOp(x *tensor.RawTensor, axis int, index, output *tensor.RawTensor) (*GatherOp, error) {
	ax, err := tensor.NormalizeAxis(axis, len(x.Shape()))
	if err != nil {
		return nil, err
	}
	op := &GatherOp{base: newBase(tensor.OpGather, output, x), axis: ax}
	if err := op.save(index); err != nil {
		return nil, err
	}
	return op, nil
}

// Backward computes the input gradient.
func (op *GatherOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	g, err := b.ScatterAdd(op.inputs[0].Shape, op.axis, op.saved[0], grad)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// ScatterAddOp represents output = zeros(shape) with src added at index.
// Only src is differentiable: grad_src gathers outputGrad at index.
type ScatterAddOp struct {
	base
	axis int
}

// NewScatterAddOp creates a new ScatterAddOp. The index is saved.
func NewScatterAddOp(axis int, index, src, output *tensor.RawTensor) (*ScatterAddOp, error) {
	ax, err := tensor.NormalizeAxis(axis, len(output.Shape()))
	if err != nil {
		return nil, err
	}
	op := &ScatterAddOp{base: newBase(tensor.OpScatterAdd, output, src), axis: ax}
	if err := op.save(index); err != nil {
		return nil, err
	}
	return op, nil
}

// Backward computes the source gradient.
func (op *ScatterAddOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	g, err := b.Gather(grad, op.axis, op.saved[0])
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// WhereOp represents output = where(cond, a, b). The condition is not
// differentiable; a receives outputGrad where cond holds and b elsewhere.
type WhereOp struct{ base }

// NewWhereOp creates a new WhereOp. The condition is saved.
func NewWhereOp(cond, a, b, output *tensor.RawTensor) (*WhereOp, error) {
	op := &WhereOp{newBase(tensor.OpWhere, output, a, b)}
	if err := op.save(cond); err != nil {
		return nil, err
	}
	return op, nil
}

// Backward computes input gradients for both branches.
func (op *WhereOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	cond := op.saved[0]
	return pair(&op.base,
		func() (*tensor.RawTensor, error) { return selectGrad(cond, grad, false, op.inputs[0].Shape, b) },
		func() (*tensor.RawTensor, error) { return selectGrad(cond, grad, true, op.inputs[1].Shape, b) },
	)
}
