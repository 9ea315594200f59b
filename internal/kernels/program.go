package kernels

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

// InstrKind is the kind of a fused program instruction.
type InstrKind uint8

// Instruction kinds.
const (
	InstrInput InstrKind = iota
	InstrUnary
	InstrBinary
	InstrScalar
)

// Instr is one step of a fused element-wise program. Each instruction writes the
// register with its own index; operands refer to earlier registers.
type Instr struct {
	Kind   InstrKind
	Op     tensor.OpKind
	Input  int // InstrInput: input slot
	A, B   int // operand registers
	Scalar float64
}

// Program is a straight-line element-wise computation evaluated once per output
// element. The last instruction holds the result.
type Program struct {
	Instrs []Instr
}

// AddInput loads input slot into a new register.
func (p *Program) AddInput(slot int) int {
	p.Instrs = append(p.Instrs, Instr{Kind: InstrInput, Input: slot})
	return len(p.Instrs) - 1
}

// AddUnary appends op(a).
func (p *Program) AddUnary(op tensor.OpKind, a int) int {
	p.Instrs = append(p.Instrs, Instr{Kind: InstrUnary, Op: op, A: a})
	return len(p.Instrs) - 1
}

// AddBinary appends op(a, b).
func (p *Program) AddBinary(op tensor.OpKind, a, b int) int {
	p.Instrs = append(p.Instrs, Instr{Kind: InstrBinary, Op: op, A: a, B: b})
	return len(p.Instrs) - 1
}

// AddScalar appends op(a, s).
func (p *Program) AddScalar(op tensor.OpKind, a int, s float64) int {
	p.Instrs = append(p.Instrs, Instr{Kind: InstrScalar, Op: op, A: a, Scalar: s})
	return len(p.Instrs) - 1
}

// NumOps counts the primitive ops folded into the program.
func (p *Program) NumOps() int {
	n := 0
	for _, in := range p.Instrs {
		if in.Kind != InstrInput {
			n++
		}
	}
	return n
}

// NumInputs returns one past the highest input slot used.
func (p *Program) NumInputs() int {
	n := 0
	for _, in := range p.Instrs {
		if in.Kind == InstrInput {
			n = max(n, in.Input+1)
		}
	}
	return n
}

// Validate checks register references and op kinds.
func (p *Program) Validate(numInputs int) error {
	if len(p.Instrs) == 0 {
		return errors.Wrap(tensor.ErrInvalidArgument, "fused program is empty")
	}
	for i, in := range p.Instrs {
		switch in.Kind {
		case InstrInput:
			if in.Input < 0 || in.Input >= numInputs {
				return errors.Wrapf(tensor.ErrInvalidArgument, "instr %d: input slot %d of %d", i, in.Input, numInputs)
			}
			continue
		case InstrUnary, InstrScalar:
			if in.A >= i || in.A < 0 {
				return errors.Wrapf(tensor.ErrInvalidArgument, "instr %d: register %d not yet defined", i, in.A)
			}
		case InstrBinary:
			if in.A >= i || in.B >= i || in.A < 0 || in.B < 0 {
				return errors.Wrapf(tensor.ErrInvalidArgument, "instr %d: registers %d,%d not yet defined", i, in.A, in.B)
			}
		}
		if !in.Op.IsFusable() {
			return errors.Wrapf(tensor.ErrUnsupportedOp, "instr %d: %s cannot be fused", i, in.Op)
		}
	}
	return nil
}

// String renders the program one instruction per register, for logs.
func (p *Program) String() string {
	var sb strings.Builder
	for i, in := range p.Instrs {
		if i > 0 {
			sb.WriteString("; ")
		}
		switch in.Kind {
		case InstrInput:
			fmt.Fprintf(&sb, "r%d=in%d", i, in.Input)
		case InstrUnary:
			fmt.Fprintf(&sb, "r%d=%s(r%d)", i, in.Op, in.A)
		case InstrBinary:
			fmt.Fprintf(&sb, "r%d=%s(r%d,r%d)", i, in.Op, in.A, in.B)
		case InstrScalar:
			fmt.Fprintf(&sb, "r%d=%s(r%d,%g)", i, in.Op, in.A, in.Scalar)
		}
	}
	return sb.String()
}

// step is a compiled instruction.
type step[T tensor.Float] struct {
	kind   InstrKind
	slot   int
	a, b   int
	scalar T
	un     func(T) T
	bin    func(T, T) T
}

func compile[T tensor.Float](p *Program) ([]step[T], error) {
	steps := make([]step[T], len(p.Instrs))
	for i, in := range p.Instrs {
		s := step[T]{kind: in.Kind, slot: in.Input, a: in.A, b: in.B}
		var ok bool
		switch in.Kind {
		case InstrInput:
			ok = true
		case InstrUnary:
			s.un, ok = UnaryFunc[T](in.Op)
		case InstrBinary:
			s.bin, ok = BinaryFunc[T](in.Op)
		case InstrScalar:
			s.bin, ok = BinaryFunc[T](in.Op)
			s.scalar = FromFloat64[T](in.Scalar)
		}
		if !ok {
			return nil, unsupported(in.Op, tensor.DataTypeOf[T]())
		}
		steps[i] = s
	}
	return steps, nil
}

// EvalProgram evaluates prog for every element of out. Inputs broadcast to out's
// shape. Intermediates live in per-element registers and are never stored.
func EvalProgram[T tensor.Float](cfg parallel.Config, prog *Program, inputs []*tensor.RawTensor, out *tensor.RawTensor) error {
	if err := prog.Validate(len(inputs)); err != nil {
		return err
	}
	steps, err := compile[T](prog)
	if err != nil {
		return err
	}
	shape := out.Shape()
	ops := make([]operand, 0, len(inputs)+1)
	ops = append(ops, readAs(out, shape))
	srcs := make([][]T, len(inputs))
	for k, in := range inputs {
		ops = append(ops, readAs(in, shape))
		srcs[k] = tensor.Elements[T](in)
	}
	dst := tensor.Elements[T](out)
	last := len(steps) - 1
	parallel.ForChunks(shape.NumElements(), func(lo, hi int) {
		regs := make([]T, len(steps))
		forEach(shape, ops, lo, hi, func(_ int, o []int) {
			for r := range steps {
				s := &steps[r]
				switch s.kind {
				case InstrInput:
					regs[r] = srcs[s.slot][o[s.slot+1]]
				case InstrUnary:
					regs[r] = s.un(regs[s.a])
				case InstrBinary:
					regs[r] = s.bin(regs[s.a], regs[s.b])
				case InstrScalar:
					regs[r] = s.bin(regs[s.a], s.scalar)
				}
			}
			dst[o[0]] = regs[last]
		})
	}, cfg)
	return nil
}
