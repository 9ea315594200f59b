package dispatch

import (
	"github.com/born-ml/core/internal/kernels"
	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

// RegisterHost installs the portable host kernels for every dtype on device.
// Backends narrow or override the set afterwards.
func RegisterHost(reg *Registry, device tensor.DeviceKind, cfg parallel.Config) {
	registerNumeric[float32](reg, device, cfg)
	registerNumeric[float64](reg, device, cfg)
	registerNumeric[int32](reg, device, cfg)
	registerNumeric[int64](reg, device, cfg)
	registerNumeric[uint8](reg, device, cfg)

	registerFloat[float32](reg, device, cfg)
	registerFloat[float64](reg, device, cfg)

	registerAny[float32](reg, device, cfg)
	registerAny[float64](reg, device, cfg)
	registerAny[int32](reg, device, cfg)
	registerAny[int64](reg, device, cfg)
	registerAny[uint8](reg, device, cfg)
	registerAny[bool](reg, device, cfg)
}

func registerNumeric[T tensor.Numeric](reg *Registry, device tensor.DeviceKind, cfg parallel.Config) {
	dt := tensor.DataTypeOf[T]()
	for _, op := range tensor.AllOps() {
		switch {
		case op.IsUnary():
			if _, ok := kernels.UnaryFunc[T](op); ok {
				reg.Register(op, device, dt, func(l *Launch) error {
					return kernels.Unary[T](cfg, l.Op, l.Inputs[0], l.Output)
				})
			}
		case op.IsComparison():
			reg.Register(op, device, dt, func(l *Launch) error {
				return kernels.Compare[T](cfg, l.Op, l.Inputs[0], l.Inputs[1], l.Output)
			})
		case op.IsBinary():
			if _, ok := kernels.BinaryFunc[T](op); ok {
				// One input: scalar right operand from Attrs.Scalar.
				reg.Register(op, device, dt, func(l *Launch) error {
					if len(l.Inputs) == 1 {
						return kernels.Scalar[T](cfg, l.Op, l.Inputs[0], l.Attrs.Scalar, l.Output)
					}
					return kernels.Binary[T](cfg, l.Op, l.Inputs[0], l.Inputs[1], l.Output)
				})
			}
		}
	}
	reg.Register(tensor.OpMatMul, device, dt, func(l *Launch) error {
		return kernels.MatMul[T](cfg, l.Inputs[0], l.Inputs[1], l.Output)
	})
	reg.Register(tensor.OpSum, device, dt, func(l *Launch) error {
		return kernels.Sum[T](cfg, l.Inputs[0], l.Attrs.Axes, l.Output)
	})
	reg.Register(tensor.OpMax, device, dt, func(l *Launch) error {
		return kernels.Max[T](cfg, l.Inputs[0], l.Attrs.Axis, l.Output)
	})
	reg.Register(tensor.OpArgmax, device, dt, func(l *Launch) error {
		return kernels.Argmax[T](cfg, l.Inputs[0], l.Attrs.Axis, l.Output)
	})
	reg.Register(tensor.OpScatterAdd, device, dt, func(l *Launch) error {
		return kernels.ScatterAdd[T](l.Attrs.Axis, l.Inputs[0], l.Inputs[1], l.Output)
	})
}

func registerFloat[T tensor.Float](reg *Registry, device tensor.DeviceKind, cfg parallel.Config) {
	dt := tensor.DataTypeOf[T]()
	reg.Register(tensor.OpMean, device, dt, func(l *Launch) error {
		return kernels.Mean[T](cfg, l.Inputs[0], l.Attrs.Axes, l.Output)
	})
	reg.Register(tensor.OpRandom, device, dt, func(l *Launch) error {
		return kernels.Random[T](l.Attrs.Random, l.Output)
	})
	reg.Register(tensor.OpFused, device, dt, func(l *Launch) error {
		return kernels.EvalProgram[T](cfg, l.Attrs.Program, l.Inputs, l.Output)
	})
}

func registerAny[T tensor.DType](reg *Registry, device tensor.DeviceKind, cfg parallel.Config) {
	dt := tensor.DataTypeOf[T]()
	reg.Register(tensor.OpWhere, device, dt, func(l *Launch) error {
		return kernels.Where[T](cfg, l.Inputs[0], l.Inputs[1], l.Inputs[2], l.Output)
	})
	reg.Register(tensor.OpCopy, device, dt, func(l *Launch) error {
		return kernels.Copy[T](cfg, l.Inputs[0], l.Output)
	})
	reg.Register(tensor.OpGather, device, dt, func(l *Launch) error {
		return kernels.Gather[T](cfg, l.Inputs[0], l.Attrs.Axis, l.Inputs[1], l.Output)
	})
	reg.Register(tensor.OpFull, device, dt, func(l *Launch) error {
		return kernels.Fill[T](cfg, kernels.FillValue[T](l.Attrs.Scalar), l.Output)
	})
	reg.Register(tensor.OpCast, device, dt, func(l *Launch) error {
		return kernels.Cast[T](cfg, l.Inputs[0], l.Output)
	})
	reg.Register(tensor.OpTransfer, device, dt, func(l *Launch) error {
		copy(l.Output.Storage().Bytes(), l.Attrs.Host)
		return nil
	})
}
