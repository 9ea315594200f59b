// Package engine implements the tensor.Backend contract on top of a kernel
// registry, an executor and an allocator. Concrete backends embed an Engine and
// choose those three parts.
package engine

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/born-ml/core/internal/dispatch"
	"github.com/born-ml/core/internal/kernels"
	"github.com/born-ml/core/internal/tensor"
)

// Config wires an Engine.
type Config struct {
	Name      string
	Device    tensor.Device
	Registry  *dispatch.Registry
	Executor  dispatch.Executor
	Allocator *dispatch.Allocator
}

// Engine validates primitive calls, allocates outputs and submits launches.
// Every check runs before the output is allocated.
type Engine struct {
	name     string
	device   tensor.Device
	registry *dispatch.Registry
	exec     dispatch.Executor
	alloc    *dispatch.Allocator
}

// New creates an engine.
func New(cfg Config) *Engine {
	return &Engine{
		name:     cfg.Name,
		device:   cfg.Device,
		registry: cfg.Registry,
		exec:     cfg.Executor,
		alloc:    cfg.Allocator,
	}
}

// Name returns the backend name.
func (e *Engine) Name() string { return e.name }

// Device returns the device the engine allocates on.
func (e *Engine) Device() tensor.Device { return e.device }

// Registry exposes the kernel registry.
func (e *Engine) Registry() *dispatch.Registry { return e.registry }

// Supports reports whether op is implemented for dtype.
func (e *Engine) Supports(op tensor.OpKind, dtype tensor.DataType) bool {
	switch op {
	case tensor.OpReshape, tensor.OpTranspose, tensor.OpExpand:
		return e.registry.Supports(tensor.OpTransfer, e.device.Kind, dtype)
	}
	return e.registry.Supports(op, e.device.Kind, dtype)
}

// Capabilities lists the registered (op, dtype) pairs.
func (e *Engine) Capabilities() []dispatch.Capability {
	return e.registry.Capabilities(e.device.Kind)
}

// MemoryStats reports the allocator counters.
func (e *Engine) MemoryStats() tensor.AllocStats { return e.alloc.Stats() }

// Allocator returns the device allocator.
func (e *Engine) Allocator() *dispatch.Allocator { return e.alloc }

// Synchronize waits for all submitted work.
func (e *Engine) Synchronize() error { return e.exec.Synchronize() }

// Close stops the executor.
func (e *Engine) Close() error { return e.exec.Close() }

func (e *Engine) lookup(op tensor.OpKind, dtype tensor.DataType) (dispatch.Kernel, error) {
	k, err := e.registry.Lookup(op, e.device.Kind, dtype)
	if err != nil {
		return nil, tensor.Unsupported(e.name, op, dtype)
	}
	return k, nil
}

// onDevice checks that every operand lives on this engine's device.
func (e *Engine) onDevice(op tensor.OpKind, ts ...*tensor.RawTensor) error {
	for _, t := range ts {
		if t.Device() != e.device {
			return errors.Wrapf(tensor.ErrDeviceMismatch, "%s: %s: operand on %s, backend on %s", e.name, op, t.Device(), e.device)
		}
	}
	return nil
}

// operands checks device then dtype agreement.
func (e *Engine) operands(op tensor.OpKind, ts ...*tensor.RawTensor) error {
	if err := e.onDevice(op, ts...); err != nil {
		return err
	}
	return tensor.CheckSameDType(op.String(), ts...)
}

// NewOutput allocates a contiguous output tensor on the device.
func (e *Engine) NewOutput(shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	return tensor.NewRaw(shape, dtype, e.device, e.alloc)
}

// Run resolves lazy inputs and submits the launch. On failure the output is
// released, unless the launch writes in place.
func (e *Engine) Run(l *dispatch.Launch) error {
	for _, in := range l.Inputs {
		if err := in.Resolve(); err != nil {
			if !l.InPlace {
				l.Output.Release()
			}
			return err
		}
	}
	if err := e.exec.Submit(l); err != nil {
		if !l.InPlace {
			l.Output.Release()
		}
		return errors.Wrapf(err, "%s: %s", e.name, l.Op)
	}
	return nil
}

func (e *Engine) launch(op tensor.OpKind, k dispatch.Kernel, dtype tensor.DataType, out *tensor.RawTensor, attrs dispatch.Attrs, inputs ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	l := &dispatch.Launch{Op: op, DType: dtype, Kernel: k, Inputs: inputs, Output: out, Attrs: attrs}
	if err := e.Run(l); err != nil {
		return nil, err
	}
	return out, nil
}

// Unary applies an element-wise unary primitive.
func (e *Engine) Unary(op tensor.OpKind, x *tensor.RawTensor) (*tensor.RawTensor, error) {
	if !op.IsUnary() {
		return nil, errors.Wrapf(tensor.ErrInvalidArgument, "%s is not a unary op", op)
	}
	if err := e.onDevice(op, x); err != nil {
		return nil, err
	}
	k, err := e.lookup(op, x.DType())
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(x.Shape(), x.DType())
	if err != nil {
		return nil, err
	}
	return e.launch(op, k, x.DType(), out, dispatch.Attrs{}, x)
}

// Binary applies an element-wise binary primitive with broadcasting.
func (e *Engine) Binary(op tensor.OpKind, a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	if !op.IsBinary() {
		return nil, errors.Wrapf(tensor.ErrInvalidArgument, "%s is not a binary op", op)
	}
	if err := e.operands(op, a, b); err != nil {
		return nil, err
	}
	shape, _, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		return nil, errors.Wrap(err, op.String())
	}
	k, err := e.lookup(op, a.DType())
	if err != nil {
		return nil, err
	}
	outType := a.DType()
	if op.IsComparison() {
		outType = tensor.Bool
	}
	out, err := e.NewOutput(shape, outType)
	if err != nil {
		return nil, err
	}
	return e.launch(op, k, a.DType(), out, dispatch.Attrs{}, a, b)
}

// Scalar applies a binary arithmetic primitive with a scalar right operand.
func (e *Engine) Scalar(op tensor.OpKind, x *tensor.RawTensor, s float64) (*tensor.RawTensor, error) {
	if !op.IsBinary() || op.IsComparison() {
		return nil, errors.Wrapf(tensor.ErrInvalidArgument, "%s is not a scalar arithmetic op", op)
	}
	if err := e.onDevice(op, x); err != nil {
		return nil, err
	}
	k, err := e.lookup(op, x.DType())
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(x.Shape(), x.DType())
	if err != nil {
		return nil, err
	}
	return e.launch(op, k, x.DType(), out, dispatch.Attrs{Scalar: s}, x)
}

// Where selects a where cond is true and b elsewhere.
func (e *Engine) Where(cond, a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := e.onDevice(tensor.OpWhere, cond, a, b); err != nil {
		return nil, err
	}
	if cond.DType() != tensor.Bool {
		return nil, errors.Wrapf(tensor.ErrDtypeMismatch, "where: condition is %s, want bool", cond.DType())
	}
	if err := tensor.CheckSameDType("where", a, b); err != nil {
		return nil, err
	}
	shape, err := tensor.BroadcastAll(cond.Shape(), a.Shape(), b.Shape())
	if err != nil {
		return nil, errors.Wrap(err, "where")
	}
	k, err := e.lookup(tensor.OpWhere, a.DType())
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(shape, a.DType())
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpWhere, k, a.DType(), out, dispatch.Attrs{}, cond, a, b)
}

// InPlace computes dst = dst op src. A shared or self-overlapping dst is first
// rebound to a private contiguous copy, so other handles keep the old values.
func (e *Engine) InPlace(op tensor.OpKind, dst, src *tensor.RawTensor) error {
	if !op.IsBinary() || op.IsComparison() {
		return errors.Wrapf(tensor.ErrInvalidArgument, "%s cannot run in place", op)
	}
	if err := e.operands(op, dst, src); err != nil {
		return err
	}
	if !tensor.CanBroadcastTo(src.Shape(), dst.Shape()) {
		return errors.Wrapf(tensor.ErrShapeMismatch, "in-place %s: %v does not broadcast to %v", op, src.Shape(), dst.Shape())
	}
	k, err := e.lookup(op, dst.DType())
	if err != nil {
		return err
	}
	if err := dst.Resolve(); err != nil {
		return err
	}
	if !dst.IsUnique() || overlaps(dst) {
		private, err := e.Contiguous(dst)
		if err != nil {
			return err
		}
		dst.Rebind(private)
	}
	return e.Run(&dispatch.Launch{
		Op:      op,
		DType:   dst.DType(),
		Kernel:  k,
		Inputs:  []*tensor.RawTensor{dst, src},
		Output:  dst,
		InPlace: true,
	})
}

// overlaps reports whether several logical elements share storage (stride 0).
func overlaps(x *tensor.RawTensor) bool {
	for i, d := range x.Shape() {
		if d > 1 && x.Strides()[i] == 0 {
			return true
		}
	}
	return false
}

// MatMul multiplies [..., M, K] by [..., K, N].
func (e *Engine) MatMul(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	shape, k, err := e.PrepareMatMul(a, b)
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(shape, a.DType())
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpMatMul, k, a.DType(), out, dispatch.Attrs{}, a, b)
}

// PrepareMatMul validates a matmul and returns the output shape and kernel.
func (e *Engine) PrepareMatMul(a, b *tensor.RawTensor) (tensor.Shape, dispatch.Kernel, error) {
	if err := e.operands(tensor.OpMatMul, a, b); err != nil {
		return nil, nil, err
	}
	shape, err := kernels.MatMulShape(a.Shape(), b.Shape())
	if err != nil {
		return nil, nil, err
	}
	k, err := e.lookup(tensor.OpMatMul, a.DType())
	if err != nil {
		return nil, nil, err
	}
	return shape, k, nil
}

func (e *Engine) reduce(op tensor.OpKind, x *tensor.RawTensor, axes []int, keepDims bool) (*tensor.RawTensor, error) {
	if err := e.onDevice(op, x); err != nil {
		return nil, err
	}
	norm, err := tensor.NormalizeAxes(axes, len(x.Shape()))
	if err != nil {
		return nil, errors.Wrap(err, op.String())
	}
	k, err := e.lookup(op, x.DType())
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(tensor.ReducedShape(x.Shape(), norm, keepDims), x.DType())
	if err != nil {
		return nil, err
	}
	return e.launch(op, k, x.DType(), out, dispatch.Attrs{Axes: norm, KeepDims: keepDims}, x)
}

// Sum reduces axes (all when empty).
func (e *Engine) Sum(x *tensor.RawTensor, axes []int, keepDims bool) (*tensor.RawTensor, error) {
	return e.reduce(tensor.OpSum, x, axes, keepDims)
}

// Mean averages axes (all when empty).
func (e *Engine) Mean(x *tensor.RawTensor, axes []int, keepDims bool) (*tensor.RawTensor, error) {
	return e.reduce(tensor.OpMean, x, axes, keepDims)
}

func (e *Engine) along(op tensor.OpKind, x *tensor.RawTensor, axis int, keepDims bool, outType tensor.DataType) (*tensor.RawTensor, error) {
	if err := e.onDevice(op, x); err != nil {
		return nil, err
	}
	ax, err := tensor.NormalizeAxis(axis, len(x.Shape()))
	if err != nil {
		return nil, errors.Wrap(err, op.String())
	}
	k, err := e.lookup(op, x.DType())
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(tensor.ReducedShape(x.Shape(), []int{ax}, keepDims), outType)
	if err != nil {
		return nil, err
	}
	return e.launch(op, k, x.DType(), out, dispatch.Attrs{Axis: ax, KeepDims: keepDims}, x)
}

// Max takes the maximum along axis.
func (e *Engine) Max(x *tensor.RawTensor, axis int, keepDims bool) (*tensor.RawTensor, error) {
	return e.along(tensor.OpMax, x, axis, keepDims, x.DType())
}

// Argmax returns Int64 positions of the maximum along axis.
func (e *Engine) Argmax(x *tensor.RawTensor, axis int, keepDims bool) (*tensor.RawTensor, error) {
	return e.along(tensor.OpArgmax, x, axis, keepDims, tensor.Int64)
}

// Reshape returns a view for contiguous x and a packed copy otherwise.
// One dimension may be -1 and is inferred.
func (e *Engine) Reshape(x *tensor.RawTensor, shape tensor.Shape) (*tensor.RawTensor, error) {
	if err := e.onDevice(tensor.OpReshape, x); err != nil {
		return nil, err
	}
	target, err := inferShape(shape, x.NumElements())
	if err != nil {
		return nil, err
	}
	if x.IsContiguous() {
		return tensor.NewView(x, target, target.ComputeStrides(), x.Offset())
	}
	k, err := e.lookup(tensor.OpCopy, x.DType())
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(target, x.DType())
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpCopy, k, x.DType(), out, dispatch.Attrs{}, x)
}

func inferShape(shape tensor.Shape, n int) (tensor.Shape, error) {
	out := shape.Clone()
	infer, known := -1, 1
	for i, d := range out {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d <= 0:
			return nil, errors.Wrapf(tensor.ErrInvalidArgument, "reshape: invalid dimension %d in %v", d, shape)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || n%known != 0 {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "reshape: cannot infer %v from %d elements", shape, n)
		}
		out[infer] = n / known
	}
	if out.NumElements() != n {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "reshape: %d elements into %v", n, shape)
	}
	return out, nil
}

// Transpose permutes axes as a view. No axes reverses them.
func (e *Engine) Transpose(x *tensor.RawTensor, axes ...int) (*tensor.RawTensor, error) {
	if err := e.onDevice(tensor.OpTranspose, x); err != nil {
		return nil, err
	}
	rank := len(x.Shape())
	if len(axes) == 0 {
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = rank - 1 - i
		}
	}
	if err := tensor.ValidatePermutation(axes, rank); err != nil {
		return nil, err
	}
	shape := make(tensor.Shape, rank)
	strides := make([]int, rank)
	for i, a := range axes {
		shape[i] = x.Shape()[a]
		strides[i] = x.Strides()[a]
	}
	return tensor.NewView(x, shape, strides, x.Offset())
}

// Expand broadcasts x to shape as a stride-0 view.
func (e *Engine) Expand(x *tensor.RawTensor, shape tensor.Shape) (*tensor.RawTensor, error) {
	if err := e.onDevice(tensor.OpExpand, x); err != nil {
		return nil, err
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if !tensor.CanBroadcastTo(x.Shape(), shape) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "expand: %v to %v", x.Shape(), shape)
	}
	return tensor.NewView(x, shape, tensor.BroadcastStrides(x.Shape(), x.Strides(), shape), x.Offset())
}

// Contiguous copies x into dense row-major storage.
func (e *Engine) Contiguous(x *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := e.onDevice(tensor.OpCopy, x); err != nil {
		return nil, err
	}
	k, err := e.lookup(tensor.OpCopy, x.DType())
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(x.Shape(), x.DType())
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpCopy, k, x.DType(), out, dispatch.Attrs{}, x)
}

// checkIndex validates an Int64 index against a target shape along axis.
func checkIndex(op string, index *tensor.RawTensor, target tensor.Shape, axis int) (int, error) {
	if index.DType() != tensor.Int64 {
		return 0, errors.Wrapf(tensor.ErrDtypeMismatch, "%s: index is %s, want int64", op, index.DType())
	}
	if len(index.Shape()) != len(target) {
		return 0, errors.Wrapf(tensor.ErrShapeMismatch, "%s: index rank %d, want %d", op, len(index.Shape()), len(target))
	}
	ax, err := tensor.NormalizeAxis(axis, len(target))
	if err != nil {
		return 0, errors.Wrap(err, op)
	}
	for d, n := range index.Shape() {
		if d != ax && n > target[d] {
			return 0, errors.Wrapf(tensor.ErrShapeMismatch, "%s: index shape %v exceeds %v at dim %d", op, index.Shape(), target, d)
		}
	}
	return ax, nil
}

// Gather picks x's elements along axis at the positions in index.
func (e *Engine) Gather(x *tensor.RawTensor, axis int, index *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := e.onDevice(tensor.OpGather, x, index); err != nil {
		return nil, err
	}
	ax, err := checkIndex("gather", index, x.Shape(), axis)
	if err != nil {
		return nil, err
	}
	k, err := e.lookup(tensor.OpGather, x.DType())
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(index.Shape(), x.DType())
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpGather, k, x.DType(), out, dispatch.Attrs{Axis: ax}, x, index)
}

// ScatterAdd adds src into a zero tensor of shape along axis at index.
func (e *Engine) ScatterAdd(shape tensor.Shape, axis int, index, src *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := e.onDevice(tensor.OpScatterAdd, index, src); err != nil {
		return nil, err
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if !index.Shape().Equal(src.Shape()) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "scatter_add: index %v vs src %v", index.Shape(), src.Shape())
	}
	ax, err := checkIndex("scatter_add", index, shape, axis)
	if err != nil {
		return nil, err
	}
	k, err := e.lookup(tensor.OpScatterAdd, src.DType())
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(shape, src.DType())
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpScatterAdd, k, src.DType(), out, dispatch.Attrs{Axis: ax}, index, src)
}

// Random generates a tensor from spec.
func (e *Engine) Random(spec tensor.RandomSpec) (*tensor.RawTensor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	k, err := e.lookup(tensor.OpRandom, spec.DType)
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(spec.Shape, spec.DType)
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpRandom, k, spec.DType, out, dispatch.Attrs{Random: spec})
}

// Full creates a tensor filled with value.
func (e *Engine) Full(shape tensor.Shape, dtype tensor.DataType, value float64) (*tensor.RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	k, err := e.lookup(tensor.OpFull, dtype)
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(shape, dtype)
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpFull, k, dtype, out, dispatch.Attrs{Scalar: value})
}

// Cast converts x to dtype.
func (e *Engine) Cast(x *tensor.RawTensor, dtype tensor.DataType) (*tensor.RawTensor, error) {
	if err := e.onDevice(tensor.OpCast, x); err != nil {
		return nil, err
	}
	k, err := e.lookup(tensor.OpCast, x.DType())
	if err != nil {
		return nil, err
	}
	if !e.Supports(tensor.OpCast, dtype) {
		return nil, tensor.Unsupported(e.name, tensor.OpCast, dtype)
	}
	out, err := e.NewOutput(x.Shape(), dtype)
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpCast, k, x.DType(), out, dispatch.Attrs{}, x)
}

// FromHost uploads native-endian host bytes. The bytes are copied before
// FromHost returns.
func (e *Engine) FromHost(data []byte, shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if want := shape.NumElements() * dtype.Size(); len(data) != want {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "from_host: %d bytes for %v %s, want %d", len(data), shape, dtype, want)
	}
	k, err := e.lookup(tensor.OpTransfer, dtype)
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(shape, dtype)
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpTransfer, k, dtype, out, dispatch.Attrs{Host: bytes.Clone(data)})
}

// ToHost synchronizes x and returns packed row-major bytes.
func (e *Engine) ToHost(x *tensor.RawTensor) ([]byte, error) {
	if err := e.onDevice(tensor.OpTransfer, x); err != nil {
		return nil, err
	}
	if !e.Supports(tensor.OpTransfer, x.DType()) {
		return nil, tensor.Unsupported(e.name, tensor.OpTransfer, x.DType())
	}
	return x.Bytes()
}

// ExecuteFused runs a fused element-wise program as one launch. Inputs
// broadcast to shape and share dtype.
func (e *Engine) ExecuteFused(prog *kernels.Program, inputs []*tensor.RawTensor, shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	if err := e.onDevice(tensor.OpFused, inputs...); err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if in.DType() != dtype {
			return nil, errors.Wrapf(tensor.ErrDtypeMismatch, "fused: input %s, program %s", in.DType(), dtype)
		}
		if !tensor.CanBroadcastTo(in.Shape(), shape) {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "fused: input %v does not broadcast to %v", in.Shape(), shape)
		}
	}
	if err := prog.Validate(len(inputs)); err != nil {
		return nil, err
	}
	k, err := e.lookup(tensor.OpFused, dtype)
	if err != nil {
		return nil, err
	}
	out, err := e.NewOutput(shape, dtype)
	if err != nil {
		return nil, err
	}
	return e.launch(tensor.OpFused, k, dtype, out, dispatch.Attrs{Program: prog}, inputs...)
}
