package ops

import (
	"github.com/born-ml/core/internal/tensor"
)

// ReshapeOp represents a reshape. grad_x = reshape(outputGrad, x.shape).
type ReshapeOp struct{ base }

// NewReshapeOp creates a new ReshapeOp.
func NewReshapeOp(x, output *tensor.RawTensor) *ReshapeOp {
	return &ReshapeOp{newBase(tensor.OpReshape, output, x)}
}

// Backward computes the input gradient.
func (op *ReshapeOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	g, err := b.Reshape(grad, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// TransposeOp represents an axis permutation. The gradient applies the
// inverse permutation.
type TransposeOp struct {
	base
	perm []int
}

// NewTransposeOp creates a new TransposeOp. Empty axes reverse the axes.
func NewTransposeOp(x *tensor.RawTensor, axes []int, output *tensor.RawTensor) *TransposeOp {
	rank := len(x.Shape())
	perm := append([]int(nil), axes...)
	if len(perm) == 0 {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	return &TransposeOp{base: newBase(tensor.OpTranspose, output, x), perm: perm}
}

// Backward computes the input gradient.
func (op *TransposeOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	g, err := b.Transpose(grad, tensor.InversePermutation(op.perm)...)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// ExpandOp represents a broadcast view. The gradient sums the expanded axes.
type ExpandOp struct{ base }

// NewExpandOp creates a new ExpandOp.
func NewExpandOp(x, output *tensor.RawTensor) *ExpandOp {
	return &ExpandOp{newBase(tensor.OpExpand, output, x)}
}

// Backward computes the input gradient.
func (op *ExpandOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	g, err := reduceBroadcast(grad, op.inputs[0].Shape, b)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// ContiguousOp represents a dense copy. The gradient passes through.
type ContiguousOp struct{ base }

// NewContiguousOp creates a new ContiguousOp.
func NewContiguousOp(x, output *tensor.RawTensor) *ContiguousOp {
	return &ContiguousOp{newBase(tensor.OpCopy, output, x)}
}

// Backward computes the input gradient.
func (op *ContiguousOp) Backward(grad *tensor.RawTensor, _ tensor.Backend) ([]*tensor.RawTensor, error) {
	return []*tensor.RawTensor{grad.Retain()}, nil
}

// CastOp represents a conversion between floating point types. The gradient
// is cast back to the input type.
type CastOp struct{ base }

// NewCastOp creates a new CastOp.
func NewCastOp(x, output *tensor.RawTensor) *CastOp {
	return &CastOp{newBase(tensor.OpCast, output, x)}
}

// Backward computes the input gradient.
func (op *CastOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	g, err := b.Cast(grad, op.inputs[0].DType)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}
