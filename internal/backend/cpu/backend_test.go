package cpu

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/core/internal/tensor"
)

func f32(t *testing.T, b *CPUBackend, shape tensor.Shape, v ...float32) *tensor.RawTensor {
	t.Helper()
	x, err := b.FromHost(tensor.SliceBytes(v), shape, tensor.Float32)
	require.NoError(t, err)
	return x
}

func i64(t *testing.T, b *CPUBackend, shape tensor.Shape, v ...int64) *tensor.RawTensor {
	t.Helper()
	x, err := b.FromHost(tensor.SliceBytes(v), shape, tensor.Int64)
	require.NoError(t, err)
	return x
}

func TestCPUBackend_New(t *testing.T) {
	b := New()
	assert.Equal(t, "CPU", b.Name())
	assert.Equal(t, tensor.HostDevice, b.Device())
	assert.True(t, b.Supports(tensor.OpMatMul, tensor.Float64))
	assert.True(t, b.Supports(tensor.OpWhere, tensor.Bool))
	assert.False(t, b.Supports(tensor.OpMean, tensor.Int32))
}

func TestCPUBackend_BroadcastAdd(t *testing.T) {
	b := New()
	a := f32(t, b, tensor.Shape{3, 1}, 1, 2, 3)
	c := f32(t, b, tensor.Shape{1, 4}, 10, 20, 30, 40)

	out, err := b.Binary(tensor.OpAdd, a, c)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 4}, out.Shape())
	assert.Equal(t, []float32{
		11, 21, 31, 41,
		12, 22, 32, 42,
		13, 23, 33, 43,
	}, out.AsFloat32())
}

func TestCPUBackend_ValidationBeforeAllocation(t *testing.T) {
	b := New()
	a := f32(t, b, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	before := b.MemoryStats().Outstanding

	t.Run("Dtype", func(t *testing.T) {
		x := i64(t, b, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
		defer x.Release()
		before := b.MemoryStats().Outstanding
		_, err := b.Binary(tensor.OpAdd, a, x)
		assert.True(t, errors.Is(err, tensor.ErrDtypeMismatch))
		assert.Equal(t, before, b.MemoryStats().Outstanding)
	})

	t.Run("Shape", func(t *testing.T) {
		x := f32(t, b, tensor.Shape{4}, 1, 2, 3, 4)
		defer x.Release()
		before := b.MemoryStats().Outstanding
		_, err := b.Binary(tensor.OpMul, a, x)
		assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
		assert.Equal(t, before, b.MemoryStats().Outstanding)
	})

	t.Run("Device", func(t *testing.T) {
		remote, err := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Int64, tensor.AccelDevice(0), nil)
		require.NoError(t, err)
		// Device is checked before dtype.
		_, err = b.Binary(tensor.OpAdd, a, remote)
		assert.True(t, errors.Is(err, tensor.ErrDeviceMismatch))
	})

	assert.Equal(t, before, b.MemoryStats().Outstanding)
}

func TestCPUBackend_MatMul(t *testing.T) {
	b := New()
	a := f32(t, b, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	c := f32(t, b, tensor.Shape{3, 2}, 7, 8, 9, 10, 11, 12)

	out, err := b.MatMul(a, c)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2}, out.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, out.AsFloat32())

	_, err = b.MatMul(a, a)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestCPUBackend_BatchedMatMulBroadcast(t *testing.T) {
	b := New()
	a := f32(t, b, tensor.Shape{2, 1, 2}, 1, 2, 3, 4)
	eye := f32(t, b, tensor.Shape{2, 2}, 1, 0, 0, 1)

	out, err := b.MatMul(a, eye)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 1, 2}, out.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, out.AsFloat32())
}

func TestCPUBackend_Reductions(t *testing.T) {
	b := New()
	x := f32(t, b, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	sum, err := b.Sum(x, []int{1}, false)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2}, sum.Shape())
	assert.Equal(t, []float32{6, 15}, sum.AsFloat32())

	mean, err := b.Mean(x, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, len(mean.Shape()))
	assert.Equal(t, []float32{3.5}, mean.AsFloat32())

	mx, err := b.Max(x, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, mx.AsFloat32())

	am, err := b.Argmax(x, -1, true)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 1}, am.Shape())
	assert.Equal(t, tensor.Int64, am.DType())
	assert.Equal(t, []int64{2, 2}, am.AsInt64())

	_, err = b.Sum(x, []int{2}, false)
	assert.True(t, errors.Is(err, tensor.ErrInvalidArgument))
}

func TestCPUBackend_Views(t *testing.T) {
	b := New()
	x := f32(t, b, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	t.Run("ReshapeSharesStorage", func(t *testing.T) {
		r, err := b.Reshape(x, tensor.Shape{3, -1})
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{3, 2}, r.Shape())
		assert.Same(t, x.Storage(), r.Storage())
		assert.Equal(t, 2, x.Storage().Refs())
		r.Release()
		assert.Equal(t, 1, x.Storage().Refs())
	})

	t.Run("TransposeThenReshapeCopies", func(t *testing.T) {
		tr, err := b.Transpose(x)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{3, 2}, tr.Shape())
		assert.False(t, tr.IsContiguous())
		assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, tr.AsFloat32())

		flat, err := b.Reshape(tr, tensor.Shape{6})
		require.NoError(t, err)
		assert.NotSame(t, x.Storage(), flat.Storage())
		assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, flat.AsFloat32())
	})

	t.Run("Expand", func(t *testing.T) {
		row := f32(t, b, tensor.Shape{3}, 1, 2, 3)
		e, err := b.Expand(row, tensor.Shape{2, 3})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, e.Strides())
		assert.Equal(t, []float32{1, 2, 3, 1, 2, 3}, e.AsFloat32())

		_, err = b.Expand(row, tensor.Shape{2, 4})
		assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
	})

	t.Run("BadReshape", func(t *testing.T) {
		_, err := b.Reshape(x, tensor.Shape{4, -1})
		assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
		_, err = b.Transpose(x, 0, 0)
		assert.True(t, errors.Is(err, tensor.ErrInvalidArgument))
	})
}

func TestCPUBackend_InPlace(t *testing.T) {
	b := New()

	t.Run("Unique", func(t *testing.T) {
		x := f32(t, b, tensor.Shape{3}, 1, 2, 3)
		storage := x.Storage()
		require.NoError(t, b.InPlace(tensor.OpAdd, x, f32(t, b, tensor.Shape{1}, 10)))
		assert.Same(t, storage, x.Storage())
		assert.Equal(t, []float32{11, 12, 13}, x.AsFloat32())
	})

	t.Run("SharedCopiesOnWrite", func(t *testing.T) {
		x := f32(t, b, tensor.Shape{3}, 1, 2, 3)
		other := x.Retain()
		require.NoError(t, b.InPlace(tensor.OpMul, x, f32(t, b, tensor.Shape{3}, 2, 2, 2)))
		assert.Equal(t, []float32{2, 4, 6}, x.AsFloat32())
		assert.Equal(t, []float32{1, 2, 3}, other.AsFloat32())
		assert.NotSame(t, other.Storage(), x.Storage())
	})

	t.Run("ExpandedDestination", func(t *testing.T) {
		row := f32(t, b, tensor.Shape{2}, 1, 2)
		e, err := b.Expand(row, tensor.Shape{2, 2})
		require.NoError(t, err)
		require.NoError(t, b.InPlace(tensor.OpAdd, e, f32(t, b, tensor.Shape{2, 2}, 1, 2, 3, 4)))
		assert.Equal(t, []float32{2, 4, 4, 6}, e.AsFloat32())
		assert.Equal(t, []float32{1, 2}, row.AsFloat32())
	})

	t.Run("Rejected", func(t *testing.T) {
		x := f32(t, b, tensor.Shape{2}, 1, 2)
		err := b.InPlace(tensor.OpAdd, x, f32(t, b, tensor.Shape{3}, 1, 2, 3))
		assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
		err = b.InPlace(tensor.OpGreater, x, x)
		assert.True(t, errors.Is(err, tensor.ErrInvalidArgument))
	})
}

func TestCPUBackend_GatherScatterAdd(t *testing.T) {
	b := New()
	x := f32(t, b, tensor.Shape{2, 2}, 1, 2, 3, 4)
	idx := i64(t, b, tensor.Shape{2, 2}, 0, 0, 1, 0)

	g, err := b.Gather(x, 1, idx)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 4, 3}, g.AsFloat32())

	s, err := b.ScatterAdd(tensor.Shape{2, 2}, 1, idx, f32(t, b, tensor.Shape{2, 2}, 1, 1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 0, 1, 1}, s.AsFloat32())

	bad := i64(t, b, tensor.Shape{1, 1}, 5)
	_, err = b.Gather(x, 1, bad)
	assert.True(t, errors.Is(err, tensor.ErrInvalidArgument))

	_, err = b.Gather(x, 1, f32(t, b, tensor.Shape{1, 1}, 0))
	assert.True(t, errors.Is(err, tensor.ErrDtypeMismatch))
}

func TestCPUBackend_WhereAndCompare(t *testing.T) {
	b := New()
	a := f32(t, b, tensor.Shape{4}, 1, 5, 3, 7)
	c := f32(t, b, tensor.Shape{4}, 4, 4, 4, 4)

	mask, err := b.Binary(tensor.OpGreater, a, c)
	require.NoError(t, err)
	assert.Equal(t, tensor.Bool, mask.DType())
	assert.Equal(t, []bool{false, true, false, true}, mask.AsBool())

	w, err := b.Where(mask, a, c)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 4, 7}, w.AsFloat32())

	_, err = b.Where(a, a, c)
	assert.True(t, errors.Is(err, tensor.ErrDtypeMismatch))
}

func TestCPUBackend_RandomIsSeeded(t *testing.T) {
	b := New()
	spec := tensor.RandomSpec{Dist: tensor.Normal, Shape: tensor.Shape{16}, DType: tensor.Float32, Std: 1, Seed: 42}

	r1, err := b.Random(spec)
	require.NoError(t, err)
	r2, err := b.Random(spec)
	require.NoError(t, err)
	assert.Equal(t, r1.AsFloat32(), r2.AsFloat32())

	spec.Seed = 43
	r3, err := b.Random(spec)
	require.NoError(t, err)
	assert.NotEqual(t, r1.AsFloat32(), r3.AsFloat32())

	spec.DType = tensor.Int32
	_, err = b.Random(spec)
	assert.True(t, errors.Is(err, tensor.ErrUnsupportedOp))
}

func TestCPUBackend_CastAndFull(t *testing.T) {
	b := New()
	x := f32(t, b, tensor.Shape{3}, 1.7, -2.5, 0)

	i, err := b.Cast(x, tensor.Int32)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, -2, 0}, i.AsInt32())

	bl, err := b.Cast(x, tensor.Bool)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false}, bl.AsBool())

	f, err := b.Full(tensor.Shape{2}, tensor.Uint8, 7)
	require.NoError(t, err)
	assert.Equal(t, []uint8{7, 7}, f.AsUint8())
}

func TestCPUBackend_Errors(t *testing.T) {
	b := New()

	t.Run("IntegerDivisionByZero", func(t *testing.T) {
		x, err := b.FromHost(tensor.SliceBytes([]int32{4, 2}), tensor.Shape{2}, tensor.Int32)
		require.NoError(t, err)
		zero, err := b.Full(tensor.Shape{2}, tensor.Int32, 0)
		require.NoError(t, err)
		_, err = b.Binary(tensor.OpDiv, x, zero)
		assert.True(t, errors.Is(err, tensor.ErrInvalidArgument))
	})

	t.Run("Unsupported", func(t *testing.T) {
		x, err := b.Full(tensor.Shape{2}, tensor.Int32, 1)
		require.NoError(t, err)
		_, err = b.Mean(x, nil, false)
		assert.True(t, errors.Is(err, tensor.ErrUnsupportedOp))
		_, err = b.Unary(tensor.OpExp, x)
		assert.True(t, errors.Is(err, tensor.ErrUnsupportedOp))
	})

	t.Run("OutOfMemory", func(t *testing.T) {
		small := NewWithConfig(Config{MemoryLimit: 1024})
		_, err := small.Full(tensor.Shape{1024}, tensor.Float32, 0)
		assert.True(t, errors.Is(err, tensor.ErrOutOfMemory))
		assert.Equal(t, uint64(1), small.MemoryStats().Reclaims)

		_, err = small.Full(tensor.Shape{16}, tensor.Float32, 0)
		assert.NoError(t, err)
	})

	t.Run("FromHostLength", func(t *testing.T) {
		_, err := b.FromHost(make([]byte, 3), tensor.Shape{1}, tensor.Float32)
		assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
	})
}

func TestCPUBackend_ExportImport(t *testing.T) {
	b := New()
	x := f32(t, b, tensor.Shape{2, 2}, 1.5, -2, 3.25, 0)
	tr, err := b.Transpose(x)
	require.NoError(t, err)

	exp, err := tensor.Export(tr)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float32Bits(1.5, 3.25, -2, 0), exp.Data)

	back, err := tensor.Import(exp, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2}, back.Shape())
	assert.Equal(t, []float32{1.5, 3.25, -2, 0}, back.AsFloat32())
}
