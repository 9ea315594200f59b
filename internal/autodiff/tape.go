package autodiff

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/core/internal/autodiff/ops"
	"github.com/born-ml/core/internal/tensor"
)

// Tape records operations during the forward pass and is consumed by the
// backward pass.
//
// Nodes live in a flat append-only arena and tensors refer to their creator
// by (tape id, index), so the graph has no ownership cycles. Insertion order
// is a topological order: an operation's inputs always exist before it is
// recorded.
//
// A tape is not safe for concurrent recording; one tape belongs to one
// forward computation.
type Tape struct {
	id     uint64
	parent uint64

	mu        sync.Mutex
	nodes     []*node
	finalized bool

	// sources maps tensor ids to the recompute nodes of checkpointed
	// recording. The tape owns one reference per entry.
	sources map[uint64]source
}

type source struct {
	node       *ops.Recompute
	storage    *tensor.Storage
	creator    tensor.NodeRef
	hasCreator bool
}

func (s source) matches(x *tensor.RawTensor) bool {
	creator, ok := x.Creator()
	return s.storage == x.Storage() && s.hasCreator == ok && s.creator == creator
}

type node struct {
	op       ops.Operation
	released bool
}

func newTape(id uint64) *Tape {
	return &Tape{id: id, nodes: make([]*node, 0, 64)}
}

// ID returns the tape identifier used in tensor creator references.
func (t *Tape) ID() uint64 { return t.id }

// Parent returns the id of the tape this one extends, or 0.
func (t *Tape) Parent() uint64 { return t.parent }

// Len returns the number of recorded operations.
func (t *Tape) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// Finalized reports whether the tape was consumed or discarded.
func (t *Tape) Finalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

// Op returns the operation recorded at index i.
func (t *Tape) Op(i int) ops.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[i].op
}

// Record appends op and returns the reference its output carries.
// A finalized tape refuses new operations.
func (t *Tape) Record(op ops.Operation) (tensor.NodeRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return tensor.NodeRef{}, errors.Wrapf(tensor.ErrGradient, "record %s: tape %d is finalized", op.Kind(), t.id)
	}
	t.nodes = append(t.nodes, &node{op: op})
	return tensor.NodeRef{Tape: t.id, Index: len(t.nodes) - 1}, nil
}

// Discard finalizes the tape and releases every saved value. Dropping a tape
// before backward has no other effect. It is idempotent.
func (t *Tape) Discard() {
	t.mu.Lock()
	t.finalized = true
	for _, n := range t.nodes {
		n.release()
	}
	sources := t.sources
	t.sources = nil
	t.mu.Unlock()

	for _, s := range sources {
		s.node.Drop()
	}
}

// source returns the recompute node producing x's current value. A tensor
// that no checkpointed operation on this tape derived becomes a checkpoint.
// The tape keeps ownership of the node.
func (t *Tape) source(x *tensor.RawTensor) (*ops.Recompute, error) {
	t.mu.Lock()
	s, ok := t.sources[x.ID()]
	finalized := t.finalized
	t.mu.Unlock()
	if finalized {
		return nil, errors.Wrapf(tensor.ErrGradient, "checkpoint: tape %d is finalized", t.id)
	}
	if ok && s.matches(x) {
		return s.node, nil
	}
	r, err := ops.NewCheckpoint(x)
	if err != nil {
		return nil, err
	}
	t.register(x, r)
	return r, nil
}

// register hands the caller's reference of r to the tape, keyed by x.
func (t *Tape) register(x *tensor.RawTensor, r *ops.Recompute) {
	creator, ok := x.Creator()
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		r.Drop()
		return
	}
	if t.sources == nil {
		t.sources = make(map[uint64]source)
	}
	prev, replaced := t.sources[x.ID()]
	t.sources[x.ID()] = source{node: r, storage: x.Storage(), creator: creator, hasCreator: ok}
	t.mu.Unlock()
	if replaced {
		prev.node.Drop()
	}
}

// Checkpoints returns the number of values the tape keeps for recomputation.
func (t *Tape) Checkpoints() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sources {
		if s.node.IsCheckpoint() {
			n++
		}
	}
	return n
}

// extend returns a new open tape sharing t's nodes as its prefix. Operations
// recorded on it can reach back into t's graph by index.
func (t *Tape) extend(id uint64) *Tape {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := newTape(id)
	child.parent = t.id
	child.nodes = append(child.nodes, t.nodes...)
	return child
}

// node returns the node at i, or an error once its saved values are gone.
func (t *Tape) node(i int) (*node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.nodes) {
		return nil, errors.Wrapf(tensor.ErrGradient, "tape %d has no node %d", t.id, i)
	}
	n := t.nodes[i]
	if n.released {
		return nil, errors.Wrapf(tensor.ErrGradient,
			"node %d (%s) of tape %d was freed by an earlier backward; pass RetainGraph to reuse it",
			i, n.op.Kind(), t.id)
	}
	return n, nil
}

func (t *Tape) releaseNode(n *node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.release()
}

func (n *node) release() {
	if n.released {
		return
	}
	n.released = true
	ops.Release(n.op)
}
