package tensor

// OpKind is the closed set of primitive operations a backend executes.
type OpKind uint8

// Primitive operation kinds.
const (
	OpInvalid OpKind = iota

	// Unary element-wise.
	OpNeg
	OpAbs
	OpSign
	OpExp
	OpLog
	OpSqrt
	OpSin
	OpCos
	OpTanh
	OpSigmoid
	OpReLU

	// Binary element-wise.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpPow
	OpMaximum
	OpMinimum

	// Comparisons (Bool result).
	OpGreater
	OpGreaterEqual
	OpLess
	OpLessEqual
	OpEqual
	OpNotEqual

	OpWhere

	OpMatMul

	// Reductions.
	OpSum
	OpMean
	OpMax
	OpArgmax

	// Shape.
	OpReshape
	OpTranspose
	OpExpand
	OpCopy

	// Indexing.
	OpGather
	OpScatterAdd

	// Creation and movement.
	OpRandom
	OpFull
	OpCast
	OpTransfer

	OpFused

	numOpKinds
)

var opNames = [...]string{
	OpInvalid:      "invalid",
	OpNeg:          "neg",
	OpAbs:          "abs",
	OpSign:         "sign",
	OpExp:          "exp",
	OpLog:          "log",
	OpSqrt:         "sqrt",
	OpSin:          "sin",
	OpCos:          "cos",
	OpTanh:         "tanh",
	OpSigmoid:      "sigmoid",
	OpReLU:         "relu",
	OpAdd:          "add",
	OpSub:          "sub",
	OpMul:          "mul",
	OpDiv:          "div",
	OpPow:          "pow",
	OpMaximum:      "maximum",
	OpMinimum:      "minimum",
	OpGreater:      "greater",
	OpGreaterEqual: "greater_equal",
	OpLess:         "less",
	OpLessEqual:    "less_equal",
	OpEqual:        "equal",
	OpNotEqual:     "not_equal",
	OpWhere:        "where",
	OpMatMul:       "matmul",
	OpSum:          "sum",
	OpMean:         "mean",
	OpMax:          "max",
	OpArgmax:       "argmax",
	OpReshape:      "reshape",
	OpTranspose:    "transpose",
	OpExpand:       "expand",
	OpCopy:         "copy",
	OpGather:       "gather",
	OpScatterAdd:   "scatter_add",
	OpRandom:       "random",
	OpFull:         "full",
	OpCast:         "cast",
	OpTransfer:     "transfer",
	OpFused:        "fused",
}

// String returns the op name.
func (op OpKind) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "unknown"
}

// AllOps lists every valid op kind.
func AllOps() []OpKind {
	ops := make([]OpKind, 0, numOpKinds-1)
	for op := OpNeg; op < numOpKinds; op++ {
		ops = append(ops, op)
	}
	return ops
}

// IsUnary reports whether op is a unary element-wise primitive.
func (op OpKind) IsUnary() bool { return op >= OpNeg && op <= OpReLU }

// IsBinary reports whether op is a binary element-wise primitive (comparisons included).
func (op OpKind) IsBinary() bool { return op >= OpAdd && op <= OpNotEqual }

// IsComparison reports whether op produces a Bool tensor.
func (op OpKind) IsComparison() bool { return op >= OpGreater && op <= OpNotEqual }

// IsElementwise reports whether op maps each output element from the
// corresponding (broadcast) input elements only.
func (op OpKind) IsElementwise() bool {
	return op.IsUnary() || op.IsBinary() || op == OpWhere
}

// IsFusable reports whether op may join a fused element-wise chain.
func (op OpKind) IsFusable() bool {
	return (op.IsUnary() || op.IsBinary()) && !op.IsComparison()
}

// FloatOnly reports whether op is only defined for floating point inputs.
func (op OpKind) FloatOnly() bool {
	switch op {
	case OpExp, OpLog, OpSqrt, OpSin, OpCos, OpTanh, OpSigmoid, OpPow, OpMean, OpRandom:
		return true
	}
	return false
}
