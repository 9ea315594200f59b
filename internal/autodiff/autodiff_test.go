package autodiff_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/core/internal/autodiff"
	"github.com/born-ml/core/internal/autodiff/ops"
	"github.com/born-ml/core/internal/backend/cpu"
	"github.com/born-ml/core/internal/fusion"
	"github.com/born-ml/core/internal/tensor"
)

func f32(t *testing.T, b tensor.Backend, shape tensor.Shape, v ...float32) *tensor.RawTensor {
	t.Helper()
	x, err := b.FromHost(tensor.SliceBytes(v), shape, tensor.Float32)
	require.NoError(t, err)
	return x
}

func param(t *testing.T, b tensor.Backend, shape tensor.Shape, v ...float32) *tensor.RawTensor {
	t.Helper()
	x := f32(t, b, shape, v...)
	require.NoError(t, x.SetRequiresGrad(true))
	return x
}

func sumOfSquares(t *testing.T, ad *autodiff.AutodiffBackend[*cpu.CPUBackend], x *tensor.RawTensor) *tensor.RawTensor {
	t.Helper()
	sq, err := ad.Binary(tensor.OpMul, x, x)
	require.NoError(t, err)
	y, err := ad.Sum(sq, nil, false)
	require.NoError(t, err)
	sq.Release()
	return y
}

func TestAutodiffBackend_Name(t *testing.T) {
	ad := autodiff.New(cpu.New())
	assert.Equal(t, "Autodiff(CPU)", ad.Name())
	assert.Equal(t, tensor.HostDevice, ad.Device())
	assert.True(t, ad.Supports(tensor.OpMatMul, tensor.Float32))
}

func TestBackward_SumOfSquares(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)

	y := sumOfSquares(t, ad, x)
	assert.True(t, y.RequiresGrad())
	assert.Equal(t, 2, ad.Tape().Len())

	grads, err := ad.Backward(y)
	require.NoError(t, err)
	defer grads.Release()
	assert.Equal(t, 1, grads.Len())
	assert.Equal(t, []float32{2, 4, 6}, grads.Get(x).AsFloat32())
}

func TestBackward_TypedTensors(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := tensor.Must(tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3}, ad)).RequireGrad()
	y := tensor.Must(tensor.Must(x.Mul(x)).Sum())

	grads, err := autodiff.Backward(y)
	require.NoError(t, err)
	g, err := autodiff.GradOf(grads, x).Data()
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, g)
}

func TestBackward_Broadcasting(t *testing.T) {
	ad := autodiff.New(cpu.New())
	a := param(t, ad, tensor.Shape{3, 1}, 1, 2, 3)
	b := param(t, ad, tensor.Shape{1, 4}, 10, 20, 30, 40)

	s, err := ad.Binary(tensor.OpAdd, a, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 4}, s.Shape())
	y, err := ad.Sum(s, nil, false)
	require.NoError(t, err)

	grads, err := ad.Backward(y)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 1}, grads.Get(a).Shape())
	assert.Equal(t, []float32{4, 4, 4}, grads.Get(a).AsFloat32())
	assert.Equal(t, tensor.Shape{1, 4}, grads.Get(b).Shape())
	assert.Equal(t, []float32{3, 3, 3, 3}, grads.Get(b).AsFloat32())
}

func TestBackward_OnlyLeavesRequiringGrad(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{2}, 1, 2)
	c := f32(t, ad, tensor.Shape{2}, 5, 7)

	p, err := ad.Binary(tensor.OpMul, x, c)
	require.NoError(t, err)
	y, err := ad.Sum(p, nil, false)
	require.NoError(t, err)

	grads, err := ad.Backward(y)
	require.NoError(t, err)
	assert.Equal(t, 1, grads.Len())
	assert.Nil(t, grads.Get(c))
	assert.Equal(t, []float32{5, 7}, grads.Get(x).AsFloat32())
}

func TestBackward_SecondCallFails(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)
	y := sumOfSquares(t, ad, x)

	_, err := ad.Backward(y)
	require.NoError(t, err)
	_, err = ad.Backward(y)
	assert.True(t, errors.Is(err, tensor.ErrGradient), "got %v", err)
}

func TestBackward_RetainGraph(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)
	y := sumOfSquares(t, ad, x)

	first, err := ad.Backward(y, autodiff.RetainGraph())
	require.NoError(t, err)
	second, err := ad.Backward(y, autodiff.RetainGraph())
	require.NoError(t, err)
	assert.Equal(t, first.Get(x).AsFloat32(), second.Get(x).AsFloat32())

	// A final non-retained pass consumes the tape.
	_, err = ad.Backward(y)
	require.NoError(t, err)
	_, err = ad.Backward(y)
	assert.True(t, errors.Is(err, tensor.ErrGradient))
}

// square returns x*x and sum(x*x).
func square(t *testing.T, ad *autodiff.AutodiffBackend[*cpu.CPUBackend], x *tensor.RawTensor) (h, y *tensor.RawTensor) {
	t.Helper()
	h, err := ad.Binary(tensor.OpMul, x, x)
	require.NoError(t, err)
	y, err = ad.Sum(h, nil, false)
	require.NoError(t, err)
	return h, y
}

func TestBackward_ThroughConsumedTapeFails(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)
	h, y := square(t, ad, x)
	grads, err := ad.Backward(y)
	require.NoError(t, err)
	grads.Release()

	// h still requires grad, but the node that made it is gone.
	scaled, err := ad.Scalar(tensor.OpMul, h, 3)
	require.NoError(t, err)
	z, err := ad.Sum(scaled, nil, false)
	require.NoError(t, err)

	_, err = ad.Backward(z)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrGradient), "got %v", err)
	assert.Contains(t, err.Error(), "consumed")
}

func TestBackward_ThroughRetainedTapeReachesLeaves(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)
	h, y := square(t, ad, x)
	first, err := ad.Backward(y, autodiff.RetainGraph())
	require.NoError(t, err)
	first.Release()

	scaled, err := ad.Scalar(tensor.OpMul, h, 3)
	require.NoError(t, err)
	z, err := ad.Sum(scaled, nil, false)
	require.NoError(t, err)

	grads, err := ad.Backward(z)
	require.NoError(t, err)
	defer grads.Release()
	assert.Equal(t, 1, grads.Len(), "only leaves are returned")
	assert.Nil(t, grads.Get(h))
	assert.Equal(t, []float32{6, 12, 18}, grads.Get(x).AsFloat32())
}

func TestBackward_Seed(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)
	y, err := ad.Scalar(tensor.OpMul, x, 2)
	require.NoError(t, err)

	_, err = ad.Backward(y)
	assert.True(t, errors.Is(err, tensor.ErrGradient), "non-scalar output needs a seed: %v", err)

	_, err = ad.Backward(y, autodiff.WithSeed(f32(t, ad, tensor.Shape{2}, 1, 1)))
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	grads, err := ad.Backward(y, autodiff.WithSeed(f32(t, ad, tensor.Shape{3}, 1, 0.5, -1)))
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 1, -2}, grads.Get(x).AsFloat32())
}

func TestBackward_NoCreator(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{1}, 3)
	_, err := ad.Backward(x)
	assert.True(t, errors.Is(err, tensor.ErrGradient))
}

func TestNoGrad_PassThrough(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)

	g := ad.NoGrad()
	y := sumOfSquares(t, ad, x)
	g.Restore()

	assert.False(t, y.RequiresGrad())
	assert.Nil(t, ad.Tape(), "no tape is created for untracked calls")
	_, err := ad.Backward(y)
	assert.True(t, errors.Is(err, tensor.ErrGradient))

	// Tracking resumes after the scope.
	z := sumOfSquares(t, ad, x)
	assert.True(t, z.RequiresGrad())
}

func TestNoGrad_UntrackedInputs(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := f32(t, ad, tensor.Shape{2}, 1, 2)
	y := sumOfSquares(t, ad, x)
	assert.False(t, y.RequiresGrad())
	assert.Nil(t, ad.Tape())
}

func TestNoGrad_NestedScopes(t *testing.T) {
	ad := autodiff.New(cpu.New())
	require.True(t, ad.IsGradEnabled())

	outer := ad.NoGrad()
	assert.False(t, ad.IsGradEnabled())

	inner := ad.EnableGrad()
	assert.True(t, ad.IsGradEnabled())
	inner.Restore()
	inner.Restore()
	assert.False(t, ad.IsGradEnabled())

	func() {
		defer func() { assert.Equal(t, "boom", recover()) }()
		_ = ad.WithNoGrad(func() error {
			ad.EnableGrad() // never restored
			assert.True(t, ad.IsGradEnabled())
			panic("boom")
		})
	}()
	assert.False(t, ad.IsGradEnabled(), "panic inside the scope restores the enclosing no-grad state")

	outer.Restore()
	assert.True(t, ad.IsGradEnabled())
}

func TestWithNoGrad_ReturnsError(t *testing.T) {
	ad := autodiff.New(cpu.New())
	want := errors.New("stop")
	err := ad.WithNoGrad(func() error { return want })
	assert.Equal(t, want, err)
	assert.True(t, ad.IsGradEnabled())
}

func TestTape_DiscardAndFinalized(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)
	y := sumOfSquares(t, ad, x)

	tape := ad.Tape()
	require.NotNil(t, tape)
	ad.Discard()
	assert.True(t, tape.Finalized())
	assert.Nil(t, ad.Tape())

	_, err := ad.Backward(y)
	assert.True(t, errors.Is(err, tensor.ErrGradient))

	_, err = tape.Record(ops.NewAddOp(x, x, y))
	assert.True(t, errors.Is(err, tensor.ErrGradient), "finalized tapes refuse new nodes")

	// The next tracked call starts a fresh tape.
	z := sumOfSquares(t, ad, x)
	assert.NotSame(t, tape, ad.Tape())
	_, err = ad.Backward(z)
	assert.NoError(t, err)
}

func TestBackward_ReleasesSavedValues(t *testing.T) {
	inner := cpu.New()
	ad := autodiff.New(inner)
	before := inner.MemoryStats().Outstanding

	x := param(t, ad, tensor.Shape{4}, 1, 2, 3, 4)
	sq, err := ad.Binary(tensor.OpMul, x, x)
	require.NoError(t, err)
	e, err := ad.Unary(tensor.OpExp, sq)
	require.NoError(t, err)
	y, err := ad.Mean(e, nil, false)
	require.NoError(t, err)

	grads, err := ad.Backward(y)
	require.NoError(t, err)
	grads.Release()
	for _, h := range []*tensor.RawTensor{y, e, sq, x} {
		h.Release()
	}
	assert.Equal(t, before, inner.MemoryStats().Outstanding)
}

func TestInPlace_ClearsTracking(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)
	y, err := ad.Scalar(tensor.OpMul, x, 2)
	require.NoError(t, err)
	require.True(t, y.RequiresGrad())

	require.NoError(t, ad.InPlace(tensor.OpAdd, y, f32(t, ad, tensor.Shape{1}, 1)))
	assert.False(t, y.RequiresGrad())
	_, hasCreator := y.Creator()
	assert.False(t, hasCreator)
	assert.Equal(t, []float32{3, 5, 7}, y.AsFloat32())
}

func TestInPlace_SavedValuesSurvive(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)
	y := sumOfSquares(t, ad, x)

	// x is saved by the multiplication, so the write goes to a private copy.
	require.NoError(t, ad.InPlace(tensor.OpAdd, x, f32(t, ad, tensor.Shape{3}, 10, 10, 10)))
	assert.Equal(t, []float32{11, 12, 13}, x.AsFloat32())

	grads, err := ad.Backward(y)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, grads.Get(x).AsFloat32())
}

func TestDetach(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{2}, 1, 2)
	d := ad.Detach(x)
	assert.False(t, d.RequiresGrad())
	assert.NotEqual(t, x.ID(), d.ID())
	assert.Same(t, x.Storage(), d.Storage())

	y := sumOfSquares(t, ad, d)
	assert.False(t, y.RequiresGrad())
}

func TestHigherOrder_Cube(t *testing.T) {
	ad := autodiff.New(cpu.New())
	x := param(t, ad, tensor.Shape{3}, 1, 2, 3)

	sq, err := ad.Binary(tensor.OpMul, x, x)
	require.NoError(t, err)
	cube, err := ad.Binary(tensor.OpMul, sq, x)
	require.NoError(t, err)
	y, err := ad.Sum(cube, nil, false)
	require.NoError(t, err)

	first, err := ad.Backward(y, autodiff.CreateGraph())
	require.NoError(t, err)
	gx := first.Get(x)
	assert.Equal(t, []float32{3, 12, 27}, gx.AsFloat32())
	assert.True(t, gx.RequiresGrad(), "gradients built with CreateGraph are differentiable")

	s, err := ad.Sum(gx, nil, false)
	require.NoError(t, err)
	second, err := ad.Backward(s)
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 12, 18}, second.Get(x).AsFloat32())
}

func TestTransfer_StartsNewGraph(t *testing.T) {
	ad := autodiff.New(cpu.New())
	other := autodiff.New(cpu.NewWithConfig(cpu.DefaultConfig()))
	x := param(t, ad, tensor.Shape{2}, 1, 2)

	moved, err := tensor.Transfer(x, other)
	require.NoError(t, err)
	// Same device: the handle is retained and keeps its identity.
	assert.Equal(t, x.ID(), moved.ID())

	host, err := ad.ToHost(x)
	require.NoError(t, err)
	fresh, err := other.FromHost(host, x.Shape(), x.DType())
	require.NoError(t, err)
	assert.False(t, fresh.RequiresGrad())
}

func TestAutodiff_OverFusion(t *testing.T) {
	chain := func(b tensor.Backend, x *tensor.RawTensor) *tensor.RawTensor {
		e, err := b.Unary(tensor.OpExp, x)
		require.NoError(t, err)
		h, err := b.Scalar(tensor.OpMul, e, 0.5)
		require.NoError(t, err)
		th, err := b.Unary(tensor.OpTanh, h)
		require.NoError(t, err)
		y, err := b.Sum(th, nil, false)
		require.NoError(t, err)
		return y
	}
	values := []float32{-1, -0.25, 0.5, 1.5}

	plain := autodiff.New(cpu.New())
	px := param(t, plain, tensor.Shape{4}, values...)
	want, err := plain.Backward(chain(plain, px))
	require.NoError(t, err)

	fb := fusion.New(cpu.New(), fusion.DefaultConfig())
	fused := autodiff.New(fb)
	fx := param(t, fused, tensor.Shape{4}, values...)
	got, err := fused.Backward(chain(fused, fx))
	require.NoError(t, err)

	assert.InDeltaSlice(t, want.Get(px).AsFloat32(), got.Get(fx).AsFloat32(), 1e-6)
	assert.Positive(t, fb.Stats().Recorded)
}
