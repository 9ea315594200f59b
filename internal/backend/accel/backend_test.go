package accel

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/core/internal/backend/cpu"
	"github.com/born-ml/core/internal/tensor"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MemoryLimit = 64 << 20
	b := NewWithConfig(cfg)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func randn(t *testing.T, b tensor.Backend, shape tensor.Shape, seed uint64) *tensor.RawTensor {
	t.Helper()
	x, err := b.Random(tensor.RandomSpec{Dist: tensor.Normal, Shape: shape, DType: tensor.Float32, Std: 1, Seed: seed})
	require.NoError(t, err)
	return x
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// pipeline runs the same small model on any backend.
func pipeline(t *testing.T, b tensor.Backend) []float32 {
	t.Helper()
	x := randn(t, b, tensor.Shape{4, 8}, 1)
	w := randn(t, b, tensor.Shape{8, 3}, 2)
	bias := randn(t, b, tensor.Shape{3}, 3)

	h, err := b.MatMul(x, w)
	require.NoError(t, err)
	h, err = b.Binary(tensor.OpAdd, h, bias)
	require.NoError(t, err)
	h, err = b.Unary(tensor.OpTanh, h)
	require.NoError(t, err)
	wt, err := b.Transpose(w)
	require.NoError(t, err)
	back, err := b.MatMul(h, wt)
	require.NoError(t, err)
	s, err := b.Sum(back, []int{1}, false)
	require.NoError(t, err)

	out, err := b.ToHost(s)
	require.NoError(t, err)
	res := make([]float32, len(out)/4)
	copy(tensor.SliceBytes(res), out)
	return res
}

func TestBackend_MatchesCPU(t *testing.T) {
	acc := newTestBackend(t)
	want := pipeline(t, cpu.New())
	got := pipeline(t, acc)
	require.NoError(t, acc.Synchronize())
	assert.True(t, floats.EqualApprox(widen(want), widen(got), 1e-5), "cpu %v accel %v", want, got)
}

func TestBackend_RandomMatchesCPU(t *testing.T) {
	acc := newTestBackend(t)
	a := randn(t, acc, tensor.Shape{32}, 7)
	c := randn(t, cpu.New(), tensor.Shape{32}, 7)
	assert.Equal(t, c.AsFloat32(), a.AsFloat32())
}

func TestBackend_BLASLayouts(t *testing.T) {
	acc := newTestBackend(t)
	host := cpu.New()

	cases := []struct {
		name   string
		shapeA tensor.Shape
		shapeB tensor.Shape
		transA bool
		transB bool
	}{
		{name: "Plain", shapeA: tensor.Shape{5, 7}, shapeB: tensor.Shape{7, 3}},
		{name: "TransposedA", shapeA: tensor.Shape{7, 5}, shapeB: tensor.Shape{7, 3}, transA: true},
		{name: "TransposedB", shapeA: tensor.Shape{5, 7}, shapeB: tensor.Shape{3, 7}, transB: true},
		{name: "BatchBroadcast", shapeA: tensor.Shape{2, 5, 7}, shapeB: tensor.Shape{7, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := func(b tensor.Backend) []float32 {
				a := randn(t, b, tc.shapeA, 11)
				c := randn(t, b, tc.shapeB, 12)
				var err error
				if tc.transA {
					a, err = b.Transpose(a)
					require.NoError(t, err)
				}
				if tc.transB {
					c, err = b.Transpose(c)
					require.NoError(t, err)
				}
				out, err := b.MatMul(a, c)
				require.NoError(t, err)
				return out.AsFloat32()
			}
			want, got := run(host), run(acc)
			assert.True(t, floats.EqualApprox(widen(want), widen(got), 1e-4), "cpu %v accel %v", want, got)
		})
	}
}

func TestBackend_Float64Restricted(t *testing.T) {
	acc := newTestBackend(t)
	assert.True(t, acc.Supports(tensor.OpMatMul, tensor.Float64))
	assert.True(t, acc.Supports(tensor.OpTransfer, tensor.Float64))
	assert.False(t, acc.Supports(tensor.OpAdd, tensor.Float64))
	assert.True(t, acc.Supports(tensor.OpAdd, tensor.Float32))

	a, err := acc.FromHost(tensor.SliceBytes([]float64{1, 2, 3, 4}), tensor.Shape{2, 2}, tensor.Float64)
	require.NoError(t, err)
	eye, err := acc.FromHost(tensor.SliceBytes([]float64{1, 0, 0, 1}), tensor.Shape{2, 2}, tensor.Float64)
	require.NoError(t, err)

	out, err := acc.MatMul(a, eye)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, out.AsFloat64())

	_, err = acc.Unary(tensor.OpExp, a)
	assert.True(t, errors.Is(err, tensor.ErrUnsupportedOp))
	_, err = acc.Full(tensor.Shape{2}, tensor.Float64, 1)
	assert.True(t, errors.Is(err, tensor.ErrUnsupportedOp))
}

func TestBackend_AsyncErrorSurfacesOnRead(t *testing.T) {
	acc := newTestBackend(t)
	x, err := acc.FromHost(tensor.SliceBytes([]int32{4, 2}), tensor.Shape{2}, tensor.Int32)
	require.NoError(t, err)
	zero, err := acc.Full(tensor.Shape{2}, tensor.Int32, 0)
	require.NoError(t, err)

	q, err := acc.Binary(tensor.OpDiv, x, zero)
	require.NoError(t, err, "kernel errors are reported asynchronously")
	dep, err := acc.Scalar(tensor.OpAdd, q, 1)
	require.NoError(t, err)

	_, err = dep.Bytes()
	assert.True(t, errors.Is(err, tensor.ErrInvalidArgument))
	assert.Error(t, acc.Synchronize())
	assert.NoError(t, acc.Synchronize())
}

func TestBackend_MemoryPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryLimit = 4096
	acc := NewWithConfig(cfg)
	defer func() { _ = acc.Close() }()

	x, err := acc.Full(tensor.Shape{256}, tensor.Float32, 1)
	require.NoError(t, err)
	require.NoError(t, acc.Synchronize())
	x.Release()
	assert.Equal(t, uint64(1024), acc.MemoryStats().Cached)

	y, err := acc.Full(tensor.Shape{256}, tensor.Float32, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.MemoryStats().Hits)

	_, err = acc.Full(tensor.Shape{1024}, tensor.Float32, 0)
	assert.True(t, errors.Is(err, tensor.ErrOutOfMemory))

	y.Release()
	z, err := acc.Full(tensor.Shape{512}, tensor.Float32, 0)
	require.NoError(t, err, "releasing tensors makes room again")
	assert.Equal(t, []float32{0, 0}, z.AsFloat32()[:2])
}

func TestBackend_TransferAcrossDevices(t *testing.T) {
	acc := newTestBackend(t)
	host := cpu.New()
	x, err := host.FromHost(tensor.SliceBytes([]float32{1, 2, 3}), tensor.Shape{3}, tensor.Float32)
	require.NoError(t, err)

	_, err = acc.Unary(tensor.OpNeg, x)
	assert.True(t, errors.Is(err, tensor.ErrDeviceMismatch))

	on, err := tensor.Transfer(x, acc)
	require.NoError(t, err)
	assert.Equal(t, acc.Device(), on.Device())
	neg, err := acc.Unary(tensor.OpNeg, on)
	require.NoError(t, err)

	back, err := tensor.Transfer(neg, host)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, -2, -3}, back.AsFloat32())
}
