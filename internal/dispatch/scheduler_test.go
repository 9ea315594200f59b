package dispatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

func newF32(t *testing.T, vals ...float32) *tensor.RawTensor {
	t.Helper()
	x, err := tensor.NewRaw(tensor.Shape{len(vals)}, tensor.Float32, tensor.AccelDevice(0), nil)
	require.NoError(t, err)
	copy(tensor.Elements[float32](x), vals)
	return x
}

func TestEvent(t *testing.T) {
	e := NewEvent()
	assert.False(t, e.Done())
	e.Complete(errors.New("boom"))
	e.Complete(nil) // first completion wins
	assert.True(t, e.Done())
	assert.EqualError(t, e.Wait(), "boom")
	assert.NoError(t, CompletedEvent(nil).Wait())
}

func TestRegistry_LookupAndCapabilities(t *testing.T) {
	reg := NewRegistry()
	RegisterHost(reg, tensor.CPU, parallel.Sequential())

	_, err := reg.Lookup(tensor.OpExp, tensor.CPU, tensor.Float32)
	require.NoError(t, err)

	_, err = reg.Lookup(tensor.OpExp, tensor.CPU, tensor.Int32)
	assert.True(t, errors.Is(err, tensor.ErrUnsupportedOp))

	assert.True(t, reg.Supports(tensor.OpNeg, tensor.CPU, tensor.Int64))
	assert.False(t, reg.Supports(tensor.OpPow, tensor.CPU, tensor.Int64))
	assert.False(t, reg.Supports(tensor.OpAdd, tensor.Accel, tensor.Float32))

	reg.Unregister(tensor.OpExp, tensor.CPU, tensor.Float32)
	assert.False(t, reg.Supports(tensor.OpExp, tensor.CPU, tensor.Float32))
	assert.NotEmpty(t, reg.Capabilities(tensor.CPU))
}

// A read launched on another stream must observe the value written before it.
func TestScheduler_ReadWaitsForWriter(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Device: "test", Streams: 4})
	defer s.Close()

	src := newF32(t, 1, 2, 3)
	mid := newF32(t, 0, 0, 0)
	out := newF32(t, 0, 0, 0)

	slowDouble := func(l *Launch) error {
		time.Sleep(20 * time.Millisecond)
		in, o := tensor.Elements[float32](l.Inputs[0]), tensor.Elements[float32](l.Output)
		for i := range in {
			o[i] = 2 * in[i]
		}
		return nil
	}
	addOne := func(l *Launch) error {
		in, o := tensor.Elements[float32](l.Inputs[0]), tensor.Elements[float32](l.Output)
		for i := range in {
			o[i] = in[i] + 1
		}
		return nil
	}

	require.NoError(t, s.Submit(&Launch{Op: tensor.OpMul, Kernel: slowDouble, Inputs: []*tensor.RawTensor{src}, Output: mid}))
	require.NoError(t, s.Submit(&Launch{Op: tensor.OpAdd, Kernel: addOne, Inputs: []*tensor.RawTensor{mid}, Output: out}))

	require.NoError(t, out.Sync())
	assert.Equal(t, []float32{3, 5, 7}, out.AsFloat32())
	require.NoError(t, s.Synchronize())
}

// An in-place write must wait for readers of the old contents.
func TestScheduler_InPlaceWaitsForReaders(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Device: "test", Streams: 2})
	defer s.Close()

	x := newF32(t, 1, 1)
	snapshot := newF32(t, 0, 0)

	slowCopy := func(l *Launch) error {
		time.Sleep(20 * time.Millisecond)
		copy(tensor.Elements[float32](l.Output), tensor.Elements[float32](l.Inputs[0]))
		return nil
	}
	overwrite := func(l *Launch) error {
		o := tensor.Elements[float32](l.Output)
		for i := range o {
			o[i] = 9
		}
		return nil
	}

	require.NoError(t, s.Submit(&Launch{Op: tensor.OpCopy, Kernel: slowCopy, Inputs: []*tensor.RawTensor{x}, Output: snapshot}))
	require.NoError(t, s.Submit(&Launch{Op: tensor.OpFull, Kernel: overwrite, Output: x, InPlace: true}))
	require.NoError(t, s.Synchronize())

	assert.Equal(t, []float32{1, 1}, snapshot.AsFloat32())
	assert.Equal(t, []float32{9, 9}, x.AsFloat32())
}

func TestScheduler_ErrorPropagatesToDependents(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Device: "test", Streams: 2})
	defer s.Close()

	a := newF32(t, 1)
	b := newF32(t, 0)
	c := newF32(t, 0)
	var ran atomic.Bool

	fail := func(*Launch) error { return errors.Wrap(tensor.ErrInvalidArgument, "bad input") }
	mark := func(*Launch) error { ran.Store(true); return nil }

	require.NoError(t, s.Submit(&Launch{Op: tensor.OpAdd, Kernel: fail, Inputs: []*tensor.RawTensor{a}, Output: b}))
	require.NoError(t, s.Submit(&Launch{Op: tensor.OpAdd, Kernel: mark, Inputs: []*tensor.RawTensor{b}, Output: c}))

	err := c.Sync()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrInvalidArgument))
	assert.False(t, ran.Load(), "dependent kernel must not run")

	assert.True(t, errors.Is(s.Synchronize(), tensor.ErrInvalidArgument))
	assert.NoError(t, s.Synchronize(), "errors are reported once")
}

func TestScheduler_KernelPanicBecomesError(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Device: "test", Streams: 1})
	defer s.Close()

	out := newF32(t, 0)
	require.NoError(t, s.Submit(&Launch{Op: tensor.OpDiv, Kernel: func(*Launch) error { panic("integer divide by zero") }, Output: out}))
	assert.True(t, errors.Is(s.Synchronize(), tensor.ErrInvalidArgument))
}

func TestScheduler_SubmitAfterClose(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Device: "test", Streams: 1})
	require.NoError(t, s.Close())
	err := s.Submit(&Launch{Op: tensor.OpAdd, Kernel: func(*Launch) error { return nil }, Output: newF32(t, 0)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestImmediate_ReturnsKernelError(t *testing.T) {
	ex := NewImmediate()
	out := newF32(t, 0)
	err := ex.Submit(&Launch{Op: tensor.OpAdd, Kernel: func(*Launch) error { return tensor.ErrUnsupportedOp }, Output: out})
	assert.ErrorIs(t, err, tensor.ErrUnsupportedOp)
	assert.NoError(t, ex.Synchronize())
}
