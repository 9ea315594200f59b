package ops

import (
	"github.com/born-ml/core/internal/tensor"
)

// SumOp represents a sum over axes. The gradient is outputGrad broadcast back
// over the reduced axes.
type SumOp struct {
	base
	keep tensor.Shape // input shape with reduced axes set to 1
}

// NewSumOp creates a new SumOp. Empty axes reduce every axis.
func NewSumOp(x *tensor.RawTensor, axes []int, output *tensor.RawTensor) (*SumOp, error) {
	keep, _, err := keepShape(x.Shape(), axes)
	if err != nil {
		return nil, err
	}
	return &SumOp{base: newBase(tensor.OpSum, output, x), keep: keep}, nil
}

// Backward computes the input gradient.
func (op *SumOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	g, err := broadcastBack(grad, op.keep, op.inputs[0].Shape, b)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// MeanOp represents a mean over axes: the sum gradient scaled by 1/count.
type MeanOp struct {
	base
	keep  tensor.Shape
	count int
}

// NewMeanOp creates a new MeanOp. Empty axes reduce every axis.
func NewMeanOp(x *tensor.RawTensor, axes []int, output *tensor.RawTensor) (*MeanOp, error) {
	keep, count, err := keepShape(x.Shape(), axes)
	if err != nil {
		return nil, err
	}
	return &MeanOp{base: newBase(tensor.OpMean, output, x), keep: keep, count: count}, nil
}

// Backward computes the input gradient.
func (op *MeanOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	scaled, err := b.Scalar(tensor.OpDiv, grad, float64(op.count))
	if err != nil {
		return nil, err
	}
	defer scaled.Release()
	g, err := broadcastBack(scaled, op.keep, op.inputs[0].Shape, b)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// MaxOp represents a maximum along one axis. The gradient flows only to the
// first maximal element of each reduced slice.
type MaxOp struct {
	base
	axis int
	keep tensor.Shape
}

// NewMaxOp creates a new MaxOp. The input is saved to locate the maxima.
func NewMaxOp(x *tensor.RawTensor, axis int, output *tensor.RawTensor) (*MaxOp, error) {
	ax, err := tensor.NormalizeAxis(axis, len(x.Shape()))
	if err != nil {
		return nil, err
	}
	op := &MaxOp{
		base: newBase(tensor.OpMax, output, x),
		axis: ax,
		keep: tensor.ReducedShape(x.Shape(), []int{ax}, true),
	}
	if err := op.save(x); err != nil {
		return nil, err
	}
	return op, nil
}

// Backward scatters the gradient to the argmax positions.
func (op *MaxOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	idx, err := b.Argmax(op.saved[0], op.axis, true)
	if err != nil {
		return nil, err
	}
	defer idx.Release()
	g, err := b.Reshape(grad, op.keep)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	out, err := b.ScatterAdd(op.inputs[0].Shape, op.axis, idx, g)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{out}, nil
}

// keepShape returns the reduced shape with kept dims and the number of
// elements folded into each output element.
func keepShape(shape tensor.Shape, axes []int) (tensor.Shape, int, error) {
	norm, err := tensor.NormalizeAxes(axes, len(shape))
	if err != nil {
		return nil, 0, err
	}
	count := 1
	for _, ax := range norm {
		count *= shape[ax]
	}
	return tensor.ReducedShape(shape, norm, true), count, nil
}
