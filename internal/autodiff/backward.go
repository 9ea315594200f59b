package autodiff

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/born-ml/core/internal/autodiff/ops"
	"github.com/born-ml/core/internal/tensor"
)

// BackwardOption configures a backward pass.
type BackwardOption func(*backwardConfig)

type backwardConfig struct {
	seed        *tensor.RawTensor
	retain      bool
	createGraph bool
}

// WithSeed sets the output gradient. It must match the output's shape, dtype
// and device. Outputs with more than one element require a seed.
func WithSeed(seed *tensor.RawTensor) BackwardOption {
	return func(c *backwardConfig) { c.seed = seed }
}

// RetainGraph keeps the tape and its saved values so backward can run again.
func RetainGraph() BackwardOption {
	return func(c *backwardConfig) { c.retain = true }
}

// CreateGraph records the backward pass itself, making the returned gradients
// differentiable. It implies RetainGraph.
func CreateGraph() BackwardOption {
	return func(c *backwardConfig) {
		c.createGraph = true
		c.retain = true
	}
}

// Gradients holds the accumulated gradients of the leaves reached by a
// backward pass, keyed by tensor identity.
type Gradients struct {
	grads map[uint64]*tensor.RawTensor
}

// Get returns the gradient of x, or nil when no gradient reached it.
// The handle stays owned by g.
func (g *Gradients) Get(x *tensor.RawTensor) *tensor.RawTensor {
	return g.grads[x.ID()]
}

// Len returns the number of gradients.
func (g *Gradients) Len() int { return len(g.grads) }

// Release drops every gradient handle.
func (g *Gradients) Release() {
	for id, t := range g.grads {
		t.Release()
		delete(g.grads, id)
	}
}

// GradOf returns the gradient of x as a typed tensor, or nil.
func GradOf[T tensor.DType, B tensor.Backend](g *Gradients, x *tensor.Tensor[T, B]) *tensor.Tensor[T, B] {
	raw := g.Get(x.Raw())
	if raw == nil {
		return nil
	}
	return tensor.New[T](raw, x.Backend())
}

// Backward differentiates a tensor produced on an AutodiffBackend.
func Backward[T tensor.DType, B tensor.Backend](t *tensor.Tensor[T, *AutodiffBackend[B]], opts ...BackwardOption) (*Gradients, error) {
	return t.Backend().Backward(t.Raw(), opts...)
}

// Backward computes gradients of output with respect to every leaf that
// requires them.
//
// Algorithm:
//  1. Seed the output's accumulator (ones for single-element outputs)
//  2. Walk the tape in reverse from the output's creator
//  3. For each node whose output received a gradient, apply its VJP
//  4. Sum contributions when a tensor feeds several consumers
//
// Without RetainGraph the tape is consumed: a second call fails with
// ErrGradient, and saved values are freed as soon as their node ran.
func (b *AutodiffBackend[B]) Backward(output *tensor.RawTensor, opts ...BackwardOption) (*Gradients, error) {
	var cfg backwardConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ref, ok := output.Creator()
	if !ok {
		return nil, errors.Wrapf(tensor.ErrGradient, "backward: %v has no recorded creator", output)
	}
	b.mu.Lock()
	tape := b.tapes[ref.Tape]
	b.mu.Unlock()
	if tape == nil || tape.Finalized() {
		return nil, errors.Wrapf(tensor.ErrGradient,
			"backward: tape %d was already consumed or discarded; pass RetainGraph to run backward more than once", ref.Tape)
	}

	seed, err := b.seed(output, cfg.seed)
	if err != nil {
		return nil, err
	}

	var guard *Guard
	if cfg.createGraph {
		b.mu.Lock()
		b.nextID++
		child := tape.extend(b.nextID)
		b.tapes[child.id] = child
		b.active = child
		b.mu.Unlock()
		guard = b.EnableGrad()
	} else {
		guard = b.NoGrad()
	}
	grads, visited, err := b.walk(tape, ref.Index, output.ID(), seed, cfg.retain)
	guard.Restore()
	if !cfg.retain {
		b.consume(tape)
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("autodiff: backward over tape %d visited %d of %d nodes, %d gradients",
		tape.id, visited, ref.Index+1, len(grads))
	return &Gradients{grads: grads}, nil
}

func (b *AutodiffBackend[B]) seed(output, given *tensor.RawTensor) (*tensor.RawTensor, error) {
	if given == nil {
		if output.NumElements() != 1 {
			return nil, errors.Wrapf(tensor.ErrGradient,
				"backward: output of shape %v has %d elements and needs an explicit seed", output.Shape(), output.NumElements())
		}
		return b.inner.Full(output.Shape(), output.DType(), 1)
	}
	if err := tensor.CheckOperands("backward seed", output, given); err != nil {
		return nil, err
	}
	if !given.Shape().Equal(output.Shape()) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "backward: seed shape %v, output shape %v", given.Shape(), output.Shape())
	}
	return given.Retain(), nil
}

// walk runs the reverse pass from node start. The returned map holds the
// gradients of the leaves. A gradient left for a tensor that has a creator
// means its node is gone, so the walk fails instead of returning a partial
// result.
func (b *AutodiffBackend[B]) walk(tape *Tape, start int, outID uint64, seed *tensor.RawTensor, retain bool) (map[uint64]*tensor.RawTensor, int, error) {
	grads := map[uint64]*tensor.RawTensor{outID: seed}
	refs := make(map[uint64]ops.Ref)
	fail := func(err error) (map[uint64]*tensor.RawTensor, int, error) {
		for _, g := range grads {
			g.Release()
		}
		return nil, 0, err
	}

	visited := 0
	for i := start; i >= 0; i-- {
		id := tape.Op(i).Output().ID
		grad, ok := grads[id]
		if !ok {
			continue
		}
		n, err := tape.node(i)
		if err != nil {
			return fail(err)
		}
		delete(grads, id)
		inputGrads, err := n.op.Backward(grad, b)
		grad.Release()
		if err != nil {
			return fail(errors.Wrapf(err, "backward through %s (node %d)", n.op.Kind(), i))
		}
		visited++
		for j, g := range inputGrads {
			if g == nil {
				continue
			}
			in := n.op.Inputs()[j]
			refs[in.ID] = in
			if err := b.accumulate(grads, in.ID, g); err != nil {
				for _, rest := range inputGrads[j+1:] {
					if rest != nil {
						rest.Release()
					}
				}
				return fail(err)
			}
		}
		if !retain {
			tape.releaseNode(n)
		}
	}
	for id := range grads {
		if ref := refs[id]; ref.HasCreator {
			return fail(b.unreachable(tape, ref))
		}
	}
	return grads, visited, nil
}

func (b *AutodiffBackend[B]) unreachable(walked *Tape, ref ops.Ref) error {
	b.mu.Lock()
	owner := b.tapes[ref.Creator.Tape]
	b.mu.Unlock()
	if owner == nil || owner.Finalized() {
		return errors.Wrapf(tensor.ErrGradient,
			"backward: tensor %d was created on tape %d, which was already consumed or discarded; pass RetainGraph to reuse it",
			ref.ID, ref.Creator.Tape)
	}
	return errors.Wrapf(tensor.ErrGradient, "backward: tensor %d was created on tape %d, not reachable from tape %d",
		ref.ID, ref.Creator.Tape, walked.id)
}

// accumulate adds g into the gradient of tensor id, taking ownership of g.
func (b *AutodiffBackend[B]) accumulate(grads map[uint64]*tensor.RawTensor, id uint64, g *tensor.RawTensor) error {
	prev, ok := grads[id]
	if !ok {
		grads[id] = g
		return nil
	}
	sum, err := b.Binary(tensor.OpAdd, prev, g)
	g.Release()
	if err != nil {
		return errors.Wrap(err, "accumulate gradient")
	}
	prev.Release()
	grads[id] = sum
	return nil
}

// consume finalizes tape after a non-retained backward.
func (b *AutodiffBackend[B]) consume(tape *Tape) {
	b.mu.Lock()
	delete(b.tapes, tape.id)
	if b.active == tape {
		b.active = nil
	}
	b.mu.Unlock()
	tape.Discard()
}
