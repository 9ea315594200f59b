package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/core/internal/backend/cpu"
	"github.com/born-ml/core/internal/tensor"
)

func f32(t *testing.T, b tensor.Backend, shape tensor.Shape, v ...float32) *tensor.RawTensor {
	t.Helper()
	x, err := b.FromHost(tensor.SliceBytes(v), shape, tensor.Float32)
	require.NoError(t, err)
	return x
}

func TestReduceBroadcast(t *testing.T) {
	b := cpu.New()
	grad := f32(t, b, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	tests := []struct {
		name   string
		target tensor.Shape
		want   []float32
	}{
		{"same shape", tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6}},
		{"leading axis", tensor.Shape{3}, []float32{5, 7, 9}},
		{"size one axis", tensor.Shape{2, 1}, []float32{6, 15}},
		{"both", tensor.Shape{1, 1}, []float32{21}},
		{"scalar", tensor.Shape{}, []float32{21}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := reduceBroadcast(grad, tt.target, b)
			require.NoError(t, err)
			defer out.Release()
			assert.Equal(t, tt.target, out.Shape())
			assert.Equal(t, tt.want, out.AsFloat32())
		})
	}
}

func TestReduceBroadcast_SameShapeSharesStorage(t *testing.T) {
	b := cpu.New()
	grad := f32(t, b, tensor.Shape{2}, 1, 2)
	out, err := reduceBroadcast(grad, tensor.Shape{2}, b)
	require.NoError(t, err)
	assert.Same(t, grad.Storage(), out.Storage())
	assert.Equal(t, 2, grad.Storage().Refs())
	out.Release()
	assert.Equal(t, 1, grad.Storage().Refs())
}

func TestSwapLast(t *testing.T) {
	assert.Equal(t, []int{1, 0}, swapLast(2))
	assert.Equal(t, []int{0, 1, 3, 2}, swapLast(4))
}

func TestMulOp_SavesAndReleases(t *testing.T) {
	b := cpu.New()
	x := f32(t, b, tensor.Shape{2}, 3, 4)
	require.NoError(t, x.SetRequiresGrad(true))
	y := f32(t, b, tensor.Shape{2}, 5, 6)
	out, err := b.Binary(tensor.OpMul, x, y)
	require.NoError(t, err)

	op, err := NewMulOp(x, y, out)
	require.NoError(t, err)
	assert.Equal(t, tensor.OpMul, op.Kind())
	assert.Equal(t, out.ID(), op.Output().ID)
	assert.True(t, op.Inputs()[0].RequiresGrad)
	assert.False(t, op.Inputs()[1].RequiresGrad)
	assert.False(t, x.IsUnique(), "saved operands are shared")

	grad := f32(t, b, tensor.Shape{2}, 1, 1)
	grads, err := op.Backward(grad, b)
	require.NoError(t, err)
	require.Len(t, grads, 2)
	assert.Equal(t, []float32{5, 6}, grads[0].AsFloat32())
	assert.Nil(t, grads[1], "inputs without requires-grad get no gradient")

	Release(op)
	assert.True(t, x.IsUnique())
}

func TestMaxOp_RoutesToFirstMaximum(t *testing.T) {
	b := cpu.New()
	x := f32(t, b, tensor.Shape{2, 3}, 1, 7, 7, 4, 2, 0)
	require.NoError(t, x.SetRequiresGrad(true))
	out, err := b.Max(x, 1, false)
	require.NoError(t, err)

	op, err := NewMaxOp(x, 1, out)
	require.NoError(t, err)
	grads, err := op.Backward(f32(t, b, tensor.Shape{2}, 10, 20), b)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 10, 0, 20, 0, 0}, grads[0].AsFloat32())
}

func TestNewUnaryOp_Sign(t *testing.T) {
	b := cpu.New()
	x := f32(t, b, tensor.Shape{1}, 1)
	_, err := NewUnaryOp(tensor.OpSign, x, x, nil)
	assert.ErrorIs(t, err, tensor.ErrUnsupportedOp)
}
