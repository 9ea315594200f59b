package ops

import (
	"github.com/born-ml/core/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to match the target shape.
// This is necessary when broadcasting was used in the forward pass.
// The result is a new handle; grad is left to the caller.
//
// Example:
//
//	Forward: a[3,1] + b[3,4] -> c[3,4]  (a was broadcast along dim 1)
//	Backward: grad_c[3,4] -> grad_a[3,1] (sum along dim 1)
func reduceBroadcast(grad *tensor.RawTensor, target tensor.Shape, b tensor.Backend) (*tensor.RawTensor, error) {
	shape := grad.Shape()
	if shape.Equal(target) {
		return grad.Retain(), nil
	}

	// NumPy broadcasting aligns shapes from the right: leading axes are summed
	// away, and so are axes where the target had size 1.
	lead := len(shape) - len(target)
	axes := make([]int, 0, len(shape))
	for i := range shape {
		if i < lead || (target[i-lead] == 1 && shape[i] != 1) {
			axes = append(axes, i)
		}
	}
	if len(axes) == 0 {
		return b.Reshape(grad, target)
	}
	sum, err := b.Sum(grad, axes, false)
	if err != nil {
		return nil, err
	}
	defer sum.Release()
	return b.Reshape(sum, target)
}

// binaryReduce computes grad op x and reduces the product to target.
func binaryReduce(op tensor.OpKind, grad, x *tensor.RawTensor, target tensor.Shape, b tensor.Backend) (*tensor.RawTensor, error) {
	p, err := b.Binary(op, grad, x)
	if err != nil {
		return nil, err
	}
	defer p.Release()
	return reduceBroadcast(p, target, b)
}

// broadcastBack spreads a reduced gradient over the input shape: it restores
// the reduced axes with size 1 and expands them.
func broadcastBack(grad *tensor.RawTensor, keep, full tensor.Shape, b tensor.Backend) (*tensor.RawTensor, error) {
	r, err := b.Reshape(grad, keep)
	if err != nil {
		return nil, err
	}
	defer r.Release()
	e, err := b.Expand(r, full)
	if err != nil {
		return nil, err
	}
	defer e.Release()
	return b.Contiguous(e)
}

// selectGrad routes grad where mask holds (or where it does not, when negate),
// zero elsewhere, then reduces to target.
func selectGrad(mask, grad *tensor.RawTensor, negate bool, target tensor.Shape, b tensor.Backend) (*tensor.RawTensor, error) {
	zero, err := b.Full(tensor.Shape{}, grad.DType(), 0)
	if err != nil {
		return nil, err
	}
	defer zero.Release()
	on, off := grad, zero
	if negate {
		on, off = zero, grad
	}
	w, err := b.Where(mask, on, off)
	if err != nil {
		return nil, err
	}
	defer w.Release()
	return reduceBroadcast(w, target, b)
}

// swapLast is the permutation exchanging the two innermost axes.
func swapLast(rank int) []int {
	perm := make([]int, rank)
	for i := range perm {
		perm[i] = i
	}
	perm[rank-1], perm[rank-2] = perm[rank-2], perm[rank-1]
	return perm
}

func releaseAll(ts []*tensor.RawTensor) {
	for _, t := range ts {
		if t != nil {
			t.Release()
		}
	}
}
