package ops

import (
	"sync"

	"github.com/born-ml/core/internal/tensor"
)

// Recompute describes how to obtain a value the backward pass reads without
// keeping it alive between forward and backward.
//
// A checkpoint holds a retained tensor. Any other node is the result of a
// memory-bound unary or scalar primitive applied to its parent and is rebuilt
// on demand. Rebuilt values are cached on the node, so a chain recomputes each
// link once per backward pass, and freed when the last holder drops the node.
//
// Holders are the operations reading the value, child nodes and the tape
// registry. The node is released when all of them dropped it.
type Recompute struct {
	mu     sync.Mutex
	parent *Recompute
	kind   tensor.OpKind
	scalar float64
	unary  bool
	root   *tensor.RawTensor
	cached *tensor.RawTensor
	refs   int
}

// NewCheckpoint keeps x as a checkpoint and forces any deferred producer.
// The caller owns the returned reference.
func NewCheckpoint(x *tensor.RawTensor) (*Recompute, error) {
	if err := x.Resolve(); err != nil {
		return nil, err
	}
	return &Recompute{root: x.Retain(), refs: 1}, nil
}

// DeriveUnary returns a node computing kind over r's value.
// The caller owns the returned reference.
func (r *Recompute) DeriveUnary(kind tensor.OpKind) *Recompute {
	return &Recompute{parent: r.Hold(), kind: kind, unary: true, refs: 1}
}

// DeriveScalar returns a node computing r's value kind s.
// The caller owns the returned reference.
func (r *Recompute) DeriveScalar(kind tensor.OpKind, s float64) *Recompute {
	return &Recompute{parent: r.Hold(), kind: kind, scalar: s, refs: 1}
}

// IsCheckpoint reports whether the node keeps its value instead of rebuilding it.
func (r *Recompute) IsCheckpoint() bool { return r.parent == nil }

// Hold adds a reference and returns r.
func (r *Recompute) Hold() *Recompute {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
	return r
}

// Drop removes a reference. The last one frees the kept and cached values
// and drops the parent.
func (r *Recompute) Drop() {
	r.mu.Lock()
	r.refs--
	if r.refs > 0 {
		r.mu.Unlock()
		return
	}
	root, cached := r.root, r.cached
	r.root, r.cached = nil, nil
	r.mu.Unlock()

	if root != nil {
		root.Release()
	}
	if cached != nil {
		cached.Release()
	}
	if r.parent != nil {
		r.parent.Drop()
	}
}

// Value returns an owned handle of the node's value, rebuilding it through b
// when needed. While b records, the value is rebuilt so it is differentiable,
// and it is not cached.
func (r *Recompute) Value(b tensor.Backend) (*tensor.RawTensor, error) {
	live := recording(b)
	r.mu.Lock()
	if kept := r.root; kept != nil {
		r.mu.Unlock()
		return kept.Retain(), nil
	}
	if cached := r.cached; cached != nil && !live {
		r.mu.Unlock()
		return cached.Retain(), nil
	}
	r.mu.Unlock()

	in, err := r.parent.Value(b)
	if err != nil {
		return nil, err
	}
	defer in.Release()
	var out *tensor.RawTensor
	if r.unary {
		out, err = b.Unary(r.kind, in)
	} else {
		out, err = b.Scalar(r.kind, in, r.scalar)
	}
	if err != nil {
		return nil, err
	}
	if !live {
		r.mu.Lock()
		if r.cached == nil && r.refs > 0 {
			r.cached = out.Retain()
		}
		r.mu.Unlock()
	}
	return out, nil
}

func recording(b tensor.Backend) bool {
	g, ok := b.(interface{ IsGradEnabled() bool })
	return ok && g.IsGradEnabled()
}

// Sources are the recompute nodes of an operation's input and output, used
// in place of saved values.
type Sources struct {
	Input  *Recompute
	Output *Recompute
}

func (s *Sources) input() *Recompute {
	if s == nil {
		return nil
	}
	return s.Input
}

func (s *Sources) output() *Recompute {
	if s == nil {
		return nil
	}
	return s.Output
}
