package ops

import (
	"github.com/pkg/errors"

	"github.com/born-ml/core/internal/tensor"
)

// NewUnaryOp creates the operation recording an element-wise unary primitive.
// Sign has a zero gradient almost everywhere and is not differentiable here.
//
// With src the operation holds the recompute node of the value it reads
// instead of saving the value.
func NewUnaryOp(kind tensor.OpKind, x, output *tensor.RawTensor, src *Sources) (Operation, error) {
	b := newBase(kind, output, x)
	var (
		op      Operation
		kept    *tensor.RawTensor
		rebuild *Recompute
	)
	switch kind {
	case tensor.OpNeg:
		op = &NegOp{b}
	case tensor.OpAbs:
		op, kept, rebuild = &AbsOp{b}, x, src.input()
	case tensor.OpExp:
		op, kept, rebuild = &ExpOp{b}, output, src.output()
	case tensor.OpLog:
		op, kept, rebuild = &LogOp{b}, x, src.input()
	case tensor.OpSqrt:
		op, kept, rebuild = &SqrtOp{b}, output, src.output()
	case tensor.OpSin:
		op, kept, rebuild = &SinOp{b}, x, src.input()
	case tensor.OpCos:
		op, kept, rebuild = &CosOp{b}, x, src.input()
	case tensor.OpTanh:
		op, kept, rebuild = &TanhOp{b}, output, src.output()
	case tensor.OpSigmoid:
		op, kept, rebuild = &SigmoidOp{b}, output, src.output()
	case tensor.OpReLU:
		op, kept, rebuild = &ReLUOp{b}, output, src.output()
	default:
		return nil, errors.Wrapf(tensor.ErrUnsupportedOp, "no gradient for %s", kind)
	}
	if kept != nil {
		if err := op.(keeper).keep(kept, rebuild); err != nil {
			return nil, err
		}
	}
	return op, nil
}

type keeper interface {
	keep(x *tensor.RawTensor, r *Recompute) error
	value(b tensor.Backend) (*tensor.RawTensor, error)
}

// chain multiplies grad by the local derivative d computes from v.
func chain(grad *tensor.RawTensor, b tensor.Backend, op keeper, d func(v *tensor.RawTensor) (*tensor.RawTensor, error)) ([]*tensor.RawTensor, error) {
	v, err := op.value(b)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	local, err := d(v)
	if err != nil {
		return nil, err
	}
	defer local.Release()
	g, err := b.Binary(tensor.OpMul, grad, local)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// apply computes f(grad, v) with the value the op reads.
func apply(b tensor.Backend, op keeper, f func(v *tensor.RawTensor) (*tensor.RawTensor, error)) ([]*tensor.RawTensor, error) {
	v, err := op.value(b)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	g, err := f(v)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// NegOp: output = -x, grad_x = -outputGrad.
type NegOp struct{ base }

// Backward computes the input gradient.
func (op *NegOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	g, err := b.Unary(tensor.OpNeg, grad)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

// AbsOp: output = |x|, grad_x = outputGrad * sign(x).
type AbsOp struct{ base }

// Backward computes the input gradient.
func (op *AbsOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return chain(grad, b, op, func(x *tensor.RawTensor) (*tensor.RawTensor, error) { return b.Unary(tensor.OpSign, x) })
}

// ExpOp: output = e^x, grad_x = outputGrad * output.
type ExpOp struct{ base }

// Backward computes the input gradient.
func (op *ExpOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return apply(b, op, func(y *tensor.RawTensor) (*tensor.RawTensor, error) { return b.Binary(tensor.OpMul, grad, y) })
}

// LogOp: output = ln(x), grad_x = outputGrad / x.
type LogOp struct{ base }

// Backward computes the input gradient.
func (op *LogOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return apply(b, op, func(x *tensor.RawTensor) (*tensor.RawTensor, error) { return b.Binary(tensor.OpDiv, grad, x) })
}

// SqrtOp: output = √x, grad_x = outputGrad / (2 * output).
type SqrtOp struct{ base }

// Backward computes the input gradient.
func (op *SqrtOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return apply(b, op, func(y *tensor.RawTensor) (*tensor.RawTensor, error) {
		twice, err := b.Scalar(tensor.OpMul, y, 2)
		if err != nil {
			return nil, err
		}
		defer twice.Release()
		return b.Binary(tensor.OpDiv, grad, twice)
	})
}

// SinOp: output = sin(x), grad_x = outputGrad * cos(x).
type SinOp struct{ base }

// Backward computes the input gradient.
func (op *SinOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return chain(grad, b, op, func(x *tensor.RawTensor) (*tensor.RawTensor, error) { return b.Unary(tensor.OpCos, x) })
}

// CosOp: output = cos(x), grad_x = -outputGrad * sin(x).
type CosOp struct{ base }

// Backward computes the input gradient.
func (op *CosOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return chain(grad, b, op, func(x *tensor.RawTensor) (*tensor.RawTensor, error) {
		s, err := b.Unary(tensor.OpSin, x)
		if err != nil {
			return nil, err
		}
		defer s.Release()
		return b.Unary(tensor.OpNeg, s)
	})
}

// TanhOp: output = tanh(x), grad_x = outputGrad * (1 - output²).
type TanhOp struct{ base }

// Backward computes the input gradient.
func (op *TanhOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return chain(grad, b, op, func(y *tensor.RawTensor) (*tensor.RawTensor, error) {
		sq, err := b.Binary(tensor.OpMul, y, y)
		if err != nil {
			return nil, err
		}
		defer sq.Release()
		neg, err := b.Unary(tensor.OpNeg, sq)
		if err != nil {
			return nil, err
		}
		defer neg.Release()
		return b.Scalar(tensor.OpAdd, neg, 1)
	})
}

// SigmoidOp: output = σ(x), grad_x = outputGrad * output * (1 - output).
type SigmoidOp struct{ base }

// Backward computes the input gradient.
func (op *SigmoidOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return chain(grad, b, op, func(y *tensor.RawTensor) (*tensor.RawTensor, error) {
		sq, err := b.Binary(tensor.OpMul, y, y)
		if err != nil {
			return nil, err
		}
		defer sq.Release()
		return b.Binary(tensor.OpSub, y, sq)
	})
}

// ReLUOp: output = max(x, 0), grad_x = outputGrad where x > 0, else 0.
// The mask is sign(output), which is 1 exactly where x > 0.
type ReLUOp struct{ base }

// Backward computes the input gradient.
func (op *ReLUOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return chain(grad, b, op, func(y *tensor.RawTensor) (*tensor.RawTensor, error) { return b.Unary(tensor.OpSign, y) })
}
