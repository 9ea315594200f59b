package ops

import (
	"github.com/pkg/errors"

	"github.com/born-ml/core/internal/tensor"
)

// pair evaluates the gradients of a two-input operation, skipping inputs
// that do not require them. On error nothing is leaked.
func pair(o *base, fa, fb func() (*tensor.RawTensor, error)) ([]*tensor.RawTensor, error) {
	grads := make([]*tensor.RawTensor, 2)
	for i, f := range []func() (*tensor.RawTensor, error){fa, fb} {
		if !o.needs(i) {
			continue
		}
		g, err := f()
		if err != nil {
			releaseAll(grads)
			return nil, err
		}
		grads[i] = g
	}
	return grads, nil
}

// AddOp represents an element-wise addition operation: output = a + b.
//
// Backward pass:
//   - d(a+b)/da = 1, so grad_a = outputGrad (reduced over broadcast axes)
//   - d(a+b)/db = 1, so grad_b = outputGrad (reduced over broadcast axes)
type AddOp struct{ base }

// NewAddOp creates a new AddOp.
func NewAddOp(a, b, output *tensor.RawTensor) *AddOp {
	return &AddOp{newBase(tensor.OpAdd, output, a, b)}
}

// Backward computes input gradients for addition.
func (op *AddOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return pair(&op.base,
		func() (*tensor.RawTensor, error) { return reduceBroadcast(grad, op.inputs[0].Shape, b) },
		func() (*tensor.RawTensor, error) { return reduceBroadcast(grad, op.inputs[1].Shape, b) },
	)
}

// SubOp represents an element-wise subtraction operation: output = a - b.
//
// Backward pass:
//   - d(a-b)/da = 1, so grad_a = outputGrad
//   - d(a-b)/db = -1, so grad_b = -outputGrad
type SubOp struct{ base }

// NewSubOp creates a new SubOp.
func NewSubOp(a, b, output *tensor.RawTensor) *SubOp {
	return &SubOp{newBase(tensor.OpSub, output, a, b)}
}

// Backward computes input gradients for subtraction.
func (op *SubOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	return pair(&op.base,
		func() (*tensor.RawTensor, error) { return reduceBroadcast(grad, op.inputs[0].Shape, b) },
		func() (*tensor.RawTensor, error) {
			neg, err := b.Unary(tensor.OpNeg, grad)
			if err != nil {
				return nil, err
			}
			defer neg.Release()
			return reduceBroadcast(neg, op.inputs[1].Shape, b)
		},
	)
}

// MulOp represents an element-wise multiplication operation: output = a * b.
//
// Backward pass:
//   - d(a*b)/da = b, so grad_a = outputGrad * b
//   - d(a*b)/db = a, so grad_b = outputGrad * a
type MulOp struct{ base }

// NewMulOp creates a new MulOp. Both operands are saved.
func NewMulOp(a, b, output *tensor.RawTensor) (*MulOp, error) {
	op := &MulOp{newBase(tensor.OpMul, output, a, b)}
	if err := op.save(a, b); err != nil {
		return nil, err
	}
	return op, nil
}

// Backward computes input gradients for multiplication.
func (op *MulOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	x, y := op.saved[0], op.saved[1]
	return pair(&op.base,
		func() (*tensor.RawTensor, error) { return binaryReduce(tensor.OpMul, grad, y, op.inputs[0].Shape, b) },
		func() (*tensor.RawTensor, error) { return binaryReduce(tensor.OpMul, grad, x, op.inputs[1].Shape, b) },
	)
}

// DivOp represents an element-wise division operation: output = a / b.
//
// Backward pass:
//   - grad_a = outputGrad / b
//   - grad_b = -outputGrad * a / b² = -(outputGrad / b) * output
type DivOp struct{ base }

// NewDivOp creates a new DivOp. The divisor and the output are saved.
func NewDivOp(a, b, output *tensor.RawTensor) (*DivOp, error) {
	op := &DivOp{newBase(tensor.OpDiv, output, a, b)}
	if err := op.save(b, output); err != nil {
		return nil, err
	}
	return op, nil
}

// Backward computes input gradients for division.
func (op *DivOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	y, out := op.saved[0], op.saved[1]
	q, err := b.Binary(tensor.OpDiv, grad, y)
	if err != nil {
		return nil, err
	}
	defer q.Release()
	return pair(&op.base,
		func() (*tensor.RawTensor, error) { return reduceBroadcast(q, op.inputs[0].Shape, b) },
		func() (*tensor.RawTensor, error) {
			p, err := b.Binary(tensor.OpMul, q, out)
			if err != nil {
				return nil, err
			}
			defer p.Release()
			neg, err := b.Unary(tensor.OpNeg, p)
			if err != nil {
				return nil, err
			}
			defer neg.Release()
			return reduceBroadcast(neg, op.inputs[1].Shape, b)
		},
	)
}

// PowOp represents an element-wise power operation: output = a ^ b.
//
// Backward pass:
//   - grad_a = outputGrad * b * a^(b-1)
//   - grad_b = outputGrad * output * log(a)
type PowOp struct{ base }

// NewPowOp creates a new PowOp. Both operands and the output are saved.
func NewPowOp(a, b, output *tensor.RawTensor) (*PowOp, error) {
	op := &PowOp{newBase(tensor.OpPow, output, a, b)}
	if err := op.save(a, b, output); err != nil {
		return nil, err
	}
	return op, nil
}

// Backward computes input gradients for the power operation.
func (op *PowOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	x, y, out := op.saved[0], op.saved[1], op.saved[2]
	return pair(&op.base,
		func() (*tensor.RawTensor, error) {
			ym1, err := b.Scalar(tensor.OpSub, y, 1)
			if err != nil {
				return nil, err
			}
			defer ym1.Release()
			pw, err := b.Binary(tensor.OpPow, x, ym1)
			if err != nil {
				return nil, err
			}
			defer pw.Release()
			d, err := b.Binary(tensor.OpMul, pw, y)
			if err != nil {
				return nil, err
			}
			defer d.Release()
			return binaryReduce(tensor.OpMul, grad, d, op.inputs[0].Shape, b)
		},
		func() (*tensor.RawTensor, error) {
			lg, err := b.Unary(tensor.OpLog, x)
			if err != nil {
				return nil, err
			}
			defer lg.Release()
			d, err := b.Binary(tensor.OpMul, out, lg)
			if err != nil {
				return nil, err
			}
			defer d.Release()
			return binaryReduce(tensor.OpMul, grad, d, op.inputs[1].Shape, b)
		},
	)
}

// ExtremumOp represents element-wise maximum or minimum.
// The gradient goes to the selected operand; ties select a.
type ExtremumOp struct{ base }

// NewExtremumOp creates a new ExtremumOp for OpMaximum or OpMinimum.
func NewExtremumOp(kind tensor.OpKind, a, b, output *tensor.RawTensor) (*ExtremumOp, error) {
	if kind != tensor.OpMaximum && kind != tensor.OpMinimum {
		return nil, errors.Wrapf(tensor.ErrInvalidArgument, "extremum: %s", kind)
	}
	op := &ExtremumOp{newBase(kind, output, a, b)}
	if err := op.save(a, b); err != nil {
		return nil, err
	}
	return op, nil
}

// Backward routes the gradient to whichever operand was selected.
func (op *ExtremumOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	cmp := tensor.OpGreaterEqual
	if op.kind == tensor.OpMinimum {
		cmp = tensor.OpLessEqual
	}
	mask, err := b.Binary(cmp, op.saved[0], op.saved[1])
	if err != nil {
		return nil, err
	}
	defer mask.Release()
	return pair(&op.base,
		func() (*tensor.RawTensor, error) { return selectGrad(mask, grad, false, op.inputs[0].Shape, b) },
		func() (*tensor.RawTensor, error) { return selectGrad(mask, grad, true, op.inputs[1].Shape, b) },
	)
}

// ScalarOp represents arithmetic with a constant: output = x op s.
//
// Backward pass:
//   - add, sub: grad_x = outputGrad
//   - mul: grad_x = outputGrad * s
//   - div: grad_x = outputGrad / s
//   - pow: grad_x = outputGrad * s * x^(s-1)
//   - maximum, minimum: grad_x = outputGrad where x was selected over s
type ScalarOp struct {
	base
	scalar float64
}

// NewScalarOp creates a new ScalarOp. Pow and the extrema save their input,
// or hold its recompute node when src is given.
func NewScalarOp(kind tensor.OpKind, x *tensor.RawTensor, s float64, output *tensor.RawTensor, src *Sources) (*ScalarOp, error) {
	switch kind {
	case tensor.OpAdd, tensor.OpSub, tensor.OpMul, tensor.OpDiv, tensor.OpPow, tensor.OpMaximum, tensor.OpMinimum:
	default:
		return nil, errors.Wrapf(tensor.ErrUnsupportedOp, "no gradient for scalar %s", kind)
	}
	op := &ScalarOp{base: newBase(kind, output, x), scalar: s}
	if kind == tensor.OpPow || kind == tensor.OpMaximum || kind == tensor.OpMinimum {
		if err := op.keep(x, src.input()); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// Scalar returns the constant operand.
func (op *ScalarOp) Scalar() float64 { return op.scalar }

// Backward computes the input gradient.
func (op *ScalarOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	var (
		g   *tensor.RawTensor
		err error
	)
	switch op.kind {
	case tensor.OpAdd, tensor.OpSub:
		g = grad.Retain()
	case tensor.OpMul, tensor.OpDiv:
		g, err = b.Scalar(op.kind, grad, op.scalar)
	case tensor.OpPow:
		g, err = op.powGrad(grad, b)
	case tensor.OpMaximum, tensor.OpMinimum:
		g, err = op.extremumGrad(grad, b)
	}
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{g}, nil
}

func (op *ScalarOp) powGrad(grad *tensor.RawTensor, b tensor.Backend) (*tensor.RawTensor, error) {
	x, err := op.value(b)
	if err != nil {
		return nil, err
	}
	defer x.Release()
	pw, err := b.Scalar(tensor.OpPow, x, op.scalar-1)
	if err != nil {
		return nil, err
	}
	defer pw.Release()
	d, err := b.Scalar(tensor.OpMul, pw, op.scalar)
	if err != nil {
		return nil, err
	}
	defer d.Release()
	return b.Binary(tensor.OpMul, grad, d)
}

func (op *ScalarOp) extremumGrad(grad *tensor.RawTensor, b tensor.Backend) (*tensor.RawTensor, error) {
	c, err := b.Full(tensor.Shape{}, grad.DType(), op.scalar)
	if err != nil {
		return nil, err
	}
	defer c.Release()
	cmp := tensor.OpGreaterEqual
	if op.kind == tensor.OpMinimum {
		cmp = tensor.OpLessEqual
	}
	x, err := op.value(b)
	if err != nil {
		return nil, err
	}
	defer x.Release()
	mask, err := b.Binary(cmp, x, c)
	if err != nil {
		return nil, err
	}
	defer mask.Release()
	return selectGrad(mask, grad, false, op.inputs[0].Shape, b)
}
