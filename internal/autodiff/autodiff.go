// Package autodiff implements automatic differentiation using the decorator pattern.
//
// AutodiffBackend wraps any Backend implementation (CPU, accelerator, fusion)
// and records differentiable calls on a Tape.
//
// Architecture:
//   - Decorator pattern: AutodiffBackend[B] wraps any Backend implementation
//   - Tape: flat arena of recorded operations, created on the first tracked call
//   - Operation interface: each op (Add, Mul, MatMul, ...) implements its VJP
//   - Reverse-mode AD: Backward walks the tape from the output's creator down
//
// A call is recorded only when tracking is enabled in the current scope and at
// least one input requires gradients; otherwise it is a plain pass-through.
//
// Usage:
//
//	ad := autodiff.New(cpu.New())
//	x := tensor.Must(tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3}, ad)).RequireGrad()
//	y := tensor.Must(tensor.Must(x.Mul(x)).Sum())
//	grads, err := autodiff.Backward(y)
//	fmt.Println(autodiff.GradOf(grads, x)) // [2, 4, 6]
package autodiff

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/born-ml/core/internal/autodiff/ops"
	"github.com/born-ml/core/internal/tensor"
)

// AutodiffBackend wraps a Backend and adds automatic differentiation.
// It implements the tensor.Backend interface and never alters the errors
// of the wrapped backend.
//
// Type parameter B must satisfy the tensor.Backend interface.
type AutodiffBackend[B tensor.Backend] struct {
	inner B
	mode  gradMode

	checkpointing bool

	mu     sync.Mutex
	nextID uint64
	active *Tape
	tapes  map[uint64]*Tape // open or retained tapes by id
}

// Option configures an AutodiffBackend.
type Option func(*options)

type options struct {
	checkpointing bool
}

// WithCheckpointing makes memory-bound unary and scalar operations keep no
// values for backward. Their inputs and outputs are rebuilt during backward
// from the nearest kept tensor: a leaf or the result of any other operation.
// Gradients are unchanged, forward memory drops and backward does more work.
func WithCheckpointing() Option {
	return func(o *options) { o.checkpointing = true }
}

// New creates a new AutodiffBackend wrapping the given backend.
func New[B tensor.Backend](backend B, opts ...Option) *AutodiffBackend[B] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.checkpointing {
		log.Debugf("autodiff: checkpointing enabled over %s", backend.Name())
	}
	return &AutodiffBackend[B]{
		inner:         backend,
		checkpointing: o.checkpointing,
		tapes:         make(map[uint64]*Tape),
	}
}

// Checkpointing reports whether memory-bound operations are recomputed
// during backward instead of keeping their values.
func (b *AutodiffBackend[B]) Checkpointing() bool { return b.checkpointing }

// Inner returns the wrapped backend for direct access.
func (b *AutodiffBackend[B]) Inner() B {
	return b.inner
}

// Name returns the backend name.
func (b *AutodiffBackend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Device returns the compute device.
func (b *AutodiffBackend[B]) Device() tensor.Device {
	return b.inner.Device()
}

// Supports reports the wrapped backend's capability.
func (b *AutodiffBackend[B]) Supports(op tensor.OpKind, dtype tensor.DataType) bool {
	return b.inner.Supports(op, dtype)
}

// Tape returns the tape new operations are recorded on, or nil before the
// first tracked call.
func (b *AutodiffBackend[B]) Tape() *Tape {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil || b.active.Finalized() {
		return nil
	}
	return b.active
}

// Discard drops the active tape without running backward. Tensors recorded on
// it keep their values but can no longer be differentiated.
func (b *AutodiffBackend[B]) Discard() {
	b.mu.Lock()
	t := b.active
	b.active = nil
	if t != nil {
		delete(b.tapes, t.id)
	}
	b.mu.Unlock()
	if t != nil {
		t.Discard()
	}
}

// Reset discards every open and retained tape.
func (b *AutodiffBackend[B]) Reset() {
	b.mu.Lock()
	tapes := b.tapes
	b.tapes = make(map[uint64]*Tape)
	b.active = nil
	b.mu.Unlock()
	for _, t := range tapes {
		t.Discard()
	}
}

// NoGrad opens a scope in which nothing is recorded.
//
// Example:
//
//	g := backend.NoGrad()
//	defer g.Restore()
//	logits, _ := backend.MatMul(x, w) // inference, no tape overhead
func (b *AutodiffBackend[B]) NoGrad() *Guard { return b.mode.push(false) }

// EnableGrad opens a scope in which tracking is enabled, also inside NoGrad.
func (b *AutodiffBackend[B]) EnableGrad() *Guard { return b.mode.push(true) }

// WithNoGrad runs fn without tracking. The enclosing state is restored when fn
// returns or panics.
func (b *AutodiffBackend[B]) WithNoGrad(fn func() error) error {
	g := b.NoGrad()
	defer g.Restore()
	return fn()
}

// IsGradEnabled reports whether calls are currently recorded.
func (b *AutodiffBackend[B]) IsGradEnabled() bool { return b.mode.enabled() }

// Detach returns an untracked handle sharing x's storage.
func (b *AutodiffBackend[B]) Detach(x *tensor.RawTensor) *tensor.RawTensor {
	return x.Detach()
}

func (b *AutodiffBackend[B]) tracking(inputs ...*tensor.RawTensor) bool {
	if !b.mode.enabled() {
		return false
	}
	for _, x := range inputs {
		if x.RequiresGrad() {
			return true
		}
	}
	return false
}

func (b *AutodiffBackend[B]) activeTape() *Tape {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil || b.active.Finalized() {
		b.nextID++
		b.active = newTape(b.nextID)
		b.tapes[b.active.id] = b.active
	}
	return b.active
}

// record appends op to the active tape and marks out as its result. When the
// operation could not be built, out is released and the error returned.
func (b *AutodiffBackend[B]) record(out *tensor.RawTensor, op ops.Operation, err error) (*tensor.RawTensor, error) {
	return b.recordOn(b.activeTape(), out, op, err)
}

func (b *AutodiffBackend[B]) recordOn(tape *Tape, out *tensor.RawTensor, op ops.Operation, err error) (*tensor.RawTensor, error) {
	if err != nil {
		out.Release()
		return nil, err
	}
	ref, err := tape.Record(op)
	if err != nil {
		ops.Release(op)
		out.Release()
		return nil, err
	}
	out.SetCreator(ref)
	return out, nil
}

// Unary applies an element-wise unary op and records it.
func (b *AutodiffBackend[B]) Unary(op tensor.OpKind, x *tensor.RawTensor) (*tensor.RawTensor, error) {
	out, err := b.inner.Unary(op, x)
	if err != nil || op == tensor.OpSign || !b.tracking(x) {
		return out, err
	}
	if b.checkpointing {
		return b.recordDerived(x, out, func(src *ops.Recompute) *ops.Recompute { return src.DeriveUnary(op) },
			func(s *ops.Sources) (ops.Operation, error) { return ops.NewUnaryOp(op, x, out, s) })
	}
	node, err := ops.NewUnaryOp(op, x, out, nil)
	return b.record(out, node, err)
}

// recordDerived records a memory-bound operation over x whose values are
// rebuilt during backward. derive builds out's recompute node from x's.
func (b *AutodiffBackend[B]) recordDerived(x, out *tensor.RawTensor,
	derive func(src *ops.Recompute) *ops.Recompute,
	build func(s *ops.Sources) (ops.Operation, error),
) (*tensor.RawTensor, error) {
	tape := b.activeTape()
	src, err := tape.source(x)
	if err != nil {
		out.Release()
		return nil, err
	}
	derived := derive(src)
	node, err := build(&ops.Sources{Input: src, Output: derived})
	out, err = b.recordOn(tape, out, node, err)
	if err != nil {
		derived.Drop()
		return nil, err
	}
	tape.register(out, derived)
	return out, nil
}

// Binary applies an element-wise binary op and records it. Comparisons are
// never recorded.
func (b *AutodiffBackend[B]) Binary(op tensor.OpKind, x, y *tensor.RawTensor) (*tensor.RawTensor, error) {
	out, err := b.inner.Binary(op, x, y)
	if err != nil || op.IsComparison() || !b.tracking(x, y) {
		return out, err
	}
	switch op {
	case tensor.OpAdd:
		return b.record(out, ops.NewAddOp(x, y, out), nil)
	case tensor.OpSub:
		return b.record(out, ops.NewSubOp(x, y, out), nil)
	case tensor.OpMul:
		node, err := ops.NewMulOp(x, y, out)
		return b.record(out, node, err)
	case tensor.OpDiv:
		node, err := ops.NewDivOp(x, y, out)
		return b.record(out, node, err)
	case tensor.OpPow:
		node, err := ops.NewPowOp(x, y, out)
		return b.record(out, node, err)
	default:
		node, err := ops.NewExtremumOp(op, x, y, out)
		return b.record(out, node, err)
	}
}

// Scalar applies op with a constant right operand and records it.
func (b *AutodiffBackend[B]) Scalar(op tensor.OpKind, x *tensor.RawTensor, s float64) (*tensor.RawTensor, error) {
	out, err := b.inner.Scalar(op, x, s)
	if err != nil || !b.tracking(x) {
		return out, err
	}
	if b.checkpointing {
		return b.recordDerived(x, out, func(src *ops.Recompute) *ops.Recompute { return src.DeriveScalar(op, s) },
			func(src *ops.Sources) (ops.Operation, error) { return ops.NewScalarOp(op, x, s, out, src) })
	}
	node, err := ops.NewScalarOp(op, x, s, out, nil)
	return b.record(out, node, err)
}

// Where selects x where cond holds and y elsewhere, and records it.
func (b *AutodiffBackend[B]) Where(cond, x, y *tensor.RawTensor) (*tensor.RawTensor, error) {
	out, err := b.inner.Where(cond, x, y)
	if err != nil || !b.tracking(x, y) {
		return out, err
	}
	node, err := ops.NewWhereOp(cond, x, y, out)
	return b.record(out, node, err)
}

// InPlace forwards to the wrapped backend. The destination forfeits gradient
// tracking; values saved for backward are protected by copy-on-write.
func (b *AutodiffBackend[B]) InPlace(op tensor.OpKind, dst, src *tensor.RawTensor) error {
	if err := b.inner.InPlace(op, dst, src); err != nil {
		return err
	}
	dst.ClearGrad()
	return nil
}

// MatMul performs (batched) matrix multiplication and records it.
func (b *AutodiffBackend[B]) MatMul(x, y *tensor.RawTensor) (*tensor.RawTensor, error) {
	out, err := b.inner.MatMul(x, y)
	if err != nil || !b.tracking(x, y) {
		return out, err
	}
	node, err := ops.NewMatMulOp(x, y, out)
	return b.record(out, node, err)
}

// Sum reduces axes and records it.
func (b *AutodiffBackend[B]) Sum(x *tensor.RawTensor, axes []int, keepDims bool) (*tensor.RawTensor, error) {
	out, err := b.inner.Sum(x, axes, keepDims)
	if err != nil || !b.tracking(x) {
		return out, err
	}
	node, err := ops.NewSumOp(x, axes, out)
	return b.record(out, node, err)
}

// Mean averages axes and records it.
func (b *AutodiffBackend[B]) Mean(x *tensor.RawTensor, axes []int, keepDims bool) (*tensor.RawTensor, error) {
	out, err := b.inner.Mean(x, axes, keepDims)
	if err != nil || !b.tracking(x) {
		return out, err
	}
	node, err := ops.NewMeanOp(x, axes, out)
	return b.record(out, node, err)
}

// Max takes the maximum along axis and records it.
func (b *AutodiffBackend[B]) Max(x *tensor.RawTensor, axis int, keepDims bool) (*tensor.RawTensor, error) {
	out, err := b.inner.Max(x, axis, keepDims)
	if err != nil || !b.tracking(x) {
		return out, err
	}
	node, err := ops.NewMaxOp(x, axis, out)
	return b.record(out, node, err)
}

// Argmax is not differentiable and never recorded.
func (b *AutodiffBackend[B]) Argmax(x *tensor.RawTensor, axis int, keepDims bool) (*tensor.RawTensor, error) {
	return b.inner.Argmax(x, axis, keepDims)
}

// Reshape changes the shape and records it.
func (b *AutodiffBackend[B]) Reshape(x *tensor.RawTensor, shape tensor.Shape) (*tensor.RawTensor, error) {
	out, err := b.inner.Reshape(x, shape)
	if err != nil || !b.tracking(x) {
		return out, err
	}
	return b.record(out, ops.NewReshapeOp(x, out), nil)
}

// Transpose permutes axes and records it.
func (b *AutodiffBackend[B]) Transpose(x *tensor.RawTensor, axes ...int) (*tensor.RawTensor, error) {
	out, err := b.inner.Transpose(x, axes...)
	if err != nil || !b.tracking(x) {
		return out, err
	}
	return b.record(out, ops.NewTransposeOp(x, axes, out), nil)
}

// Expand broadcasts x to shape and records it.
func (b *AutodiffBackend[B]) Expand(x *tensor.RawTensor, shape tensor.Shape) (*tensor.RawTensor, error) {
	out, err := b.inner.Expand(x, shape)
	if err != nil || !b.tracking(x) {
		return out, err
	}
	return b.record(out, ops.NewExpandOp(x, out), nil)
}

// Contiguous materializes x and records it.
func (b *AutodiffBackend[B]) Contiguous(x *tensor.RawTensor) (*tensor.RawTensor, error) {
	out, err := b.inner.Contiguous(x)
	if err != nil || !b.tracking(x) {
		return out, err
	}
	return b.record(out, ops.NewContiguousOp(x, out), nil)
}

// Gather picks elements along axis and records it.
func (b *AutodiffBackend[B]) Gather(x *tensor.RawTensor, axis int, index *tensor.RawTensor) (*tensor.RawTensor, error) {
	out, err := b.inner.Gather(x, axis, index)
	if err != nil || !b.tracking(x) {
		return out, err
	}
	node, err := ops.NewGatherOp(x, axis, index, out)
	return b.record(out, node, err)
}

// ScatterAdd adds src into zeros at index and records it.
func (b *AutodiffBackend[B]) ScatterAdd(shape tensor.Shape, axis int, index, src *tensor.RawTensor) (*tensor.RawTensor, error) {
	out, err := b.inner.ScatterAdd(shape, axis, index, src)
	if err != nil || !b.tracking(src) {
		return out, err
	}
	node, err := ops.NewScatterAddOp(axis, index, src, out)
	return b.record(out, node, err)
}

// Random creates a leaf tensor.
func (b *AutodiffBackend[B]) Random(spec tensor.RandomSpec) (*tensor.RawTensor, error) {
	return b.inner.Random(spec)
}

// Full creates a leaf tensor.
func (b *AutodiffBackend[B]) Full(shape tensor.Shape, dtype tensor.DataType, value float64) (*tensor.RawTensor, error) {
	return b.inner.Full(shape, dtype, value)
}

// Cast converts x to dtype. Conversions between float types are recorded;
// any other conversion ends gradient flow.
func (b *AutodiffBackend[B]) Cast(x *tensor.RawTensor, dtype tensor.DataType) (*tensor.RawTensor, error) {
	out, err := b.inner.Cast(x, dtype)
	if err != nil || !dtype.IsFloat() || !b.tracking(x) {
		return out, err
	}
	return b.record(out, ops.NewCastOp(x, out), nil)
}

// FromHost creates a leaf tensor. Values moved between devices through host
// memory therefore start a new graph.
func (b *AutodiffBackend[B]) FromHost(data []byte, shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	return b.inner.FromHost(data, shape, dtype)
}

// ToHost synchronizes x and copies it to host memory.
func (b *AutodiffBackend[B]) ToHost(x *tensor.RawTensor) ([]byte, error) {
	return b.inner.ToHost(x)
}

// Synchronize waits for the wrapped backend.
func (b *AutodiffBackend[B]) Synchronize() error {
	return b.inner.Synchronize()
}

// MemoryStats reports the wrapped backend's allocator counters, if it has any.
func (b *AutodiffBackend[B]) MemoryStats() tensor.AllocStats {
	if r, ok := any(b.inner).(tensor.MemoryReporter); ok {
		return r.MemoryStats()
	}
	return tensor.AllocStats{}
}

// Close discards all tapes and closes the wrapped backend if it can be closed.
func (b *AutodiffBackend[B]) Close() error {
	b.Reset()
	if c, ok := any(b.inner).(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Compile-time check.
var _ tensor.Backend = (*AutodiffBackend[tensor.Backend])(nil)
