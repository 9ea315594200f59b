// Package fusion decorates a backend so chains of element-wise float ops run
// as single fused kernels.
//
// Element-wise Unary, Binary and Scalar calls are validated immediately and
// return lazy tensors recorded in a pending window. The window closes when a
// non-element-wise op is issued, when it is full, or when a lazy value is
// needed (a host read, autodiff saving it, use by a non-fused kernel). On close
// every chain output is compiled into one kernels.Program and launched with
// ExecuteFused. Intermediates only consumed inside a chain are never stored; if
// one is read later it is computed on demand from the same inputs.
package fusion

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/born-ml/core/internal/kernels"
	"github.com/born-ml/core/internal/tensor"
)

// Executor is implemented by backends that can run a fused program in one launch.
type Executor interface {
	ExecuteFused(prog *kernels.Program, inputs []*tensor.RawTensor, shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error)
}

// Config bounds the fusion window.
type Config struct {
	Window     int // pending ops before a forced flush
	MaxProgram int // ops folded into one program
}

// DefaultConfig returns a 64-op window and 32-op programs.
func DefaultConfig() Config {
	return Config{Window: 64, MaxProgram: 32}
}

// Stats counts fusion activity.
type Stats struct {
	Recorded     int // element-wise ops deferred
	Launches     int // fused kernel launches
	FusedOps     int // primitive ops executed inside fused launches
	Materialized int // lazy tensors that received storage
	Flushes      int // window closes
}

type arg struct {
	raw  *tensor.RawTensor // retained by the node
	node *node             // producer still pending when recorded
}

type node struct {
	kind    kernels.InstrKind
	op      tensor.OpKind
	args    []arg
	scalar  float64
	shape   tensor.Shape
	dtype   tensor.DataType
	storage *tensor.Storage
	size    int // upper bound of ops needed to compute the node

	inWindow bool
	done     bool
	dead     bool
	err      error
}

func (n *node) takeArgs() []*tensor.RawTensor {
	out := make([]*tensor.RawTensor, len(n.args))
	for i, a := range n.args {
		out[i] = a.raw
	}
	n.args = nil
	return out
}

func releaseAll(ts []*tensor.RawTensor) {
	for _, t := range ts {
		t.Release()
	}
}

// Backend wraps a tensor.Backend with element-wise fusion. Backends that do
// not implement Executor are passed through unchanged.
type Backend struct {
	tensor.Backend
	fused Executor
	cfg   Config

	mu     sync.Mutex
	window []*node
	lazy   map[*tensor.Storage]*node
	stats  Stats
}

// New wraps inner.
func New(inner tensor.Backend, cfg Config) *Backend {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxProgram <= 0 {
		cfg.MaxProgram = DefaultConfig().MaxProgram
	}
	f := &Backend{Backend: inner, cfg: cfg, lazy: make(map[*tensor.Storage]*node)}
	f.fused, _ = inner.(Executor)
	if f.fused == nil {
		log.Debugf("fusion: %s has no fused executor, passing through", inner.Name())
	}
	return f
}

// Inner returns the wrapped backend.
func (f *Backend) Inner() tensor.Backend { return f.Backend }

// Stats returns a snapshot of the counters.
func (f *Backend) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Flush closes the pending window, materializing every chain output.
func (f *Backend) Flush() {
	f.mu.Lock()
	rel := f.flushLocked(nil)
	f.mu.Unlock()
	releaseAll(rel)
}

func (f *Backend) fusable(op tensor.OpKind, dtype tensor.DataType) bool {
	return f.fused != nil && op.IsFusable() && dtype.IsFloat() &&
		f.Backend.Supports(tensor.OpFused, dtype) && f.Backend.Supports(op, dtype)
}

func (f *Backend) checkDevice(op tensor.OpKind, ts ...*tensor.RawTensor) error {
	for _, t := range ts {
		if t.Device() != f.Device() {
			return errors.Wrapf(tensor.ErrDeviceMismatch, "%s: operand on %s, backend on %s", op, t.Device(), f.Device())
		}
	}
	return nil
}

// Unary records a fusable unary op or runs it directly.
func (f *Backend) Unary(op tensor.OpKind, x *tensor.RawTensor) (*tensor.RawTensor, error) {
	if !op.IsUnary() || !f.fusable(op, x.DType()) {
		f.Flush()
		return f.Backend.Unary(op, x)
	}
	if err := f.checkDevice(op, x); err != nil {
		return nil, err
	}
	return f.record(&node{kind: kernels.InstrUnary, op: op, shape: x.Shape().Clone(), dtype: x.DType()}, x)
}

// Binary records a fusable binary op or runs it directly. Comparisons are
// never fused.
func (f *Backend) Binary(op tensor.OpKind, a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	if !op.IsBinary() || !f.fusable(op, a.DType()) {
		f.Flush()
		return f.Backend.Binary(op, a, b)
	}
	if err := f.checkDevice(op, a, b); err != nil {
		return nil, err
	}
	if err := tensor.CheckSameDType(op.String(), a, b); err != nil {
		return nil, err
	}
	shape, _, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		return nil, errors.Wrap(err, op.String())
	}
	return f.record(&node{kind: kernels.InstrBinary, op: op, shape: shape, dtype: a.DType()}, a, b)
}

// Scalar records a fusable scalar op or runs it directly.
func (f *Backend) Scalar(op tensor.OpKind, x *tensor.RawTensor, s float64) (*tensor.RawTensor, error) {
	if !op.IsBinary() || !f.fusable(op, x.DType()) {
		f.Flush()
		return f.Backend.Scalar(op, x, s)
	}
	if err := f.checkDevice(op, x); err != nil {
		return nil, err
	}
	return f.record(&node{kind: kernels.InstrScalar, op: op, scalar: s, shape: x.Shape().Clone(), dtype: x.DType()}, x)
}

// pendingOutput reports whether x is the canonical handle layout of a pending
// node, so it can be folded into a consumer's program.
func (f *Backend) pendingOutput(x *tensor.RawTensor) (*node, bool) {
	n, ok := f.lazy[x.Storage()]
	if !ok || n.done || n.dead {
		return nil, false
	}
	if x.Offset() != 0 || !x.IsContiguous() || !x.Shape().Equal(n.shape) {
		return nil, false
	}
	return n, true
}

func (f *Backend) record(n *node, inputs ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	// Lazy inputs that cannot be folded (views, other backends) are produced first.
	for _, in := range inputs {
		if !in.IsLazy() {
			continue
		}
		f.mu.Lock()
		_, foldable := f.pendingOutput(in)
		f.mu.Unlock()
		if !foldable {
			if err := in.Resolve(); err != nil {
				return nil, err
			}
		}
	}

	f.mu.Lock()
	var rel []*tensor.RawTensor
	n.size = 1
	for _, in := range inputs {
		a := arg{raw: in.Retain()}
		if p, ok := f.pendingOutput(in); ok {
			a.node = p
			n.size += p.size
		}
		n.args = append(n.args, a)
	}
	if n.size > f.cfg.MaxProgram {
		n.size = 1
		for _, a := range n.args {
			if a.node != nil && !a.node.done {
				rel = append(rel, f.materializeLocked(a.node)...)
			}
		}
	}

	out := tensor.NewLazy(n.shape, n.dtype, f.Device(),
		func() error { return f.produce(n) },
		func() { f.drop(n) })
	n.storage = out.Storage()
	n.inWindow = true
	f.lazy[n.storage] = n
	f.window = append(f.window, n)
	f.stats.Recorded++
	if len(f.window) >= f.cfg.Window {
		rel = append(rel, f.flushLocked(nil)...)
	}
	f.mu.Unlock()
	releaseAll(rel)
	return out, nil
}

// produce is the lazy producer of n's storage.
func (f *Backend) produce(n *node) error {
	f.mu.Lock()
	var rel []*tensor.RawTensor
	if n.inWindow {
		rel = f.flushLocked(n)
	}
	if !n.done && n.err == nil {
		rel = append(rel, f.materializeLocked(n)...)
	}
	err := n.err
	f.mu.Unlock()
	releaseAll(rel)
	return err
}

// drop runs when n's storage is released before it was produced.
func (f *Backend) drop(n *node) {
	f.mu.Lock()
	n.dead = true
	delete(f.lazy, n.storage)
	var rel []*tensor.RawTensor
	if !n.inWindow {
		rel = n.takeArgs()
	}
	f.mu.Unlock()
	releaseAll(rel)
}

// flushLocked closes the window. demand, if pending, is materialized first so
// the chain outputs read it instead of recomputing it. The returned handles
// must be released after f.mu is unlocked.
func (f *Backend) flushLocked(demand *node) []*tensor.RawTensor {
	if len(f.window) == 0 {
		return nil
	}
	users := make(map[*node]int)
	for _, n := range f.window {
		if n.dead {
			continue
		}
		for _, a := range n.args {
			if a.node != nil {
				users[a.node]++
			}
		}
	}

	var rel []*tensor.RawTensor
	if demand != nil && demand.inWindow && !demand.done {
		rel = append(rel, f.materializeLocked(demand)...)
	}
	for _, n := range f.window {
		n.inWindow = false
		if !n.dead && !n.done && n.err == nil && users[n] == 0 {
			rel = append(rel, f.materializeLocked(n)...)
		}
		if n.dead || n.done {
			rel = append(rel, n.takeArgs()...)
		}
	}
	clear(f.window)
	f.window = f.window[:0]
	f.stats.Flushes++
	return rel
}

// materializeLocked runs n's fused program and binds the result into n's lazy
// storage. Failures are kept on the node and reported when it is resolved.
func (f *Backend) materializeLocked(n *node) []*tensor.RawTensor {
	prog, inputs := f.compileLocked(n)
	out, err := f.fused.ExecuteFused(prog, inputs, n.shape, n.dtype)
	if err != nil {
		n.err = errors.Wrapf(err, "fused %s", prog)
		return nil
	}
	if err := n.storage.Bind(out.Storage()); err != nil {
		out.Release()
		n.err = err
		return nil
	}
	out.Release()
	n.done = true
	delete(f.lazy, n.storage)
	f.stats.Launches++
	f.stats.FusedOps += prog.NumOps()
	f.stats.Materialized++
	log.Debugf("fusion: %d ops, %d inputs -> %v", prog.NumOps(), len(inputs), n.shape)
	if n.inWindow {
		// Consumers still in the window keep reading through their own handles.
		return nil
	}
	return n.takeArgs()
}

// compileLocked builds the program computing n from materialized inputs,
// inlining every producer that is still pending.
func (f *Backend) compileLocked(root *node) (*kernels.Program, []*tensor.RawTensor) {
	prog := &kernels.Program{}
	var inputs []*tensor.RawTensor
	loaded := make(map[*tensor.RawTensor]int)
	regs := make(map[*node]int)

	var emit func(n *node) int
	emit = func(n *node) int {
		if r, ok := regs[n]; ok {
			return r
		}
		ids := make([]int, len(n.args))
		for i, a := range n.args {
			if a.node != nil && !a.node.done {
				ids[i] = emit(a.node)
				continue
			}
			r, ok := loaded[a.raw]
			if !ok {
				r = prog.AddInput(len(inputs))
				inputs = append(inputs, a.raw)
				loaded[a.raw] = r
			}
			ids[i] = r
		}
		var r int
		switch n.kind {
		case kernels.InstrUnary:
			r = prog.AddUnary(n.op, ids[0])
		case kernels.InstrBinary:
			r = prog.AddBinary(n.op, ids[0], ids[1])
		case kernels.InstrScalar:
			r = prog.AddScalar(n.op, ids[0], n.scalar)
		}
		regs[n] = r
		return r
	}
	emit(root)
	return prog, inputs
}
