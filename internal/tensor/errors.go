package tensor

import "github.com/pkg/errors"

// Error taxonomy shared by every backend, the fusion layer and autodiff.
// Callers match with errors.Is; the wrapped message carries the operation context.
var (
	// ErrShapeMismatch reports incompatible, non-broadcastable shapes.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrDtypeMismatch reports operands with different data types.
	ErrDtypeMismatch = errors.New("dtype mismatch")
	// ErrDeviceMismatch reports operands living on different devices.
	ErrDeviceMismatch = errors.New("device mismatch")
	// ErrOutOfMemory reports allocator exhaustion after one reclamation attempt.
	// It is recoverable: releasing tensors and retrying may succeed.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrUnsupportedOp reports a primitive/dtype combination the backend lacks.
	ErrUnsupportedOp = errors.New("unsupported operation")
	// ErrGradient reports misuse of the backward pass.
	ErrGradient = errors.New("gradient error")
	// ErrInvalidArgument reports malformed arguments (axes, permutations, indices).
	ErrInvalidArgument = errors.New("invalid argument")
)

// CheckSameDevice returns ErrDeviceMismatch unless all tensors live on the same device.
func CheckSameDevice(op string, ts ...*RawTensor) error {
	if len(ts) == 0 {
		return nil
	}
	d := ts[0].Device()
	for _, t := range ts[1:] {
		if t.Device() != d {
			return errors.Wrapf(ErrDeviceMismatch, "%s: %s vs %s", op, d, t.Device())
		}
	}
	return nil
}

// CheckSameDType returns ErrDtypeMismatch unless all tensors share a data type.
func CheckSameDType(op string, ts ...*RawTensor) error {
	if len(ts) == 0 {
		return nil
	}
	dt := ts[0].DType()
	for _, t := range ts[1:] {
		if t.DType() != dt {
			return errors.Wrapf(ErrDtypeMismatch, "%s: %s vs %s", op, dt, t.DType())
		}
	}
	return nil
}

// CheckOperands validates device and dtype agreement, in that order.
func CheckOperands(op string, ts ...*RawTensor) error {
	if err := CheckSameDevice(op, ts...); err != nil {
		return err
	}
	return CheckSameDType(op, ts...)
}

// Unsupported builds an ErrUnsupportedOp for the given backend, op and dtype.
func Unsupported(backend string, op OpKind, dtype DataType) error {
	return errors.Wrapf(ErrUnsupportedOp, "%s: %s for %s", backend, op, dtype)
}
