package ops

import "github.com/born-ml/core/internal/tensor"

// MatMulOp represents (batched) matrix multiplication: output = a @ b.
//
// Backward pass:
//   - grad_a = outputGrad @ b^T, summed over batch axes a was broadcast along
//   - grad_b = a^T @ outputGrad, summed over batch axes b was broadcast along
type MatMulOp struct{ base }

// NewMatMulOp creates a new MatMulOp. Both operands are saved.
func NewMatMulOp(a, b, output *tensor.RawTensor) (*MatMulOp, error) {
	op := &MatMulOp{newBase(tensor.OpMatMul, output, a, b)}
	if err := op.save(a, b); err != nil {
		return nil, err
	}
	return op, nil
}

// Backward computes input gradients for matrix multiplication.
func (op *MatMulOp) Backward(grad *tensor.RawTensor, b tensor.Backend) ([]*tensor.RawTensor, error) {
	x, y := op.saved[0], op.saved[1]
	return pair(&op.base,
		func() (*tensor.RawTensor, error) {
			yt, err := b.Transpose(y, swapLast(len(y.Shape()))...)
			if err != nil {
				return nil, err
			}
			defer yt.Release()
			p, err := b.MatMul(grad, yt)
			if err != nil {
				return nil, err
			}
			defer p.Release()
			return reduceBroadcast(p, op.inputs[0].Shape, b)
		},
		func() (*tensor.RawTensor, error) {
			xt, err := b.Transpose(x, swapLast(len(x.Shape()))...)
			if err != nil {
				return nil, err
			}
			defer xt.Release()
			p, err := b.MatMul(xt, grad)
			if err != nil {
				return nil, err
			}
			defer p.Release()
			return reduceBroadcast(p, op.inputs[1].Shape, b)
		},
	)
}
