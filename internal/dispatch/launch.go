package dispatch

import (
	"github.com/born-ml/core/internal/kernels"
	"github.com/born-ml/core/internal/tensor"
)

// Kernel executes one launch. It reads Inputs and writes Output.
type Kernel func(l *Launch) error

// Attrs carries the non-tensor arguments of a launch.
type Attrs struct {
	Axes     []int
	Axis     int
	KeepDims bool
	Scalar   float64
	Random   tensor.RandomSpec
	Program  *kernels.Program
	Host     []byte // OpTransfer payload, owned by the launch
}

// Launch is one kernel invocation on a device.
type Launch struct {
	Op     tensor.OpKind
	DType  tensor.DataType // dtype the kernel was selected for
	Kernel Kernel
	Inputs []*tensor.RawTensor
	Output *tensor.RawTensor
	// InPlace marks a launch that overwrites existing output storage; it must
	// wait for earlier readers of that storage too.
	InPlace bool
	Attrs   Attrs
}

// Executor runs launches for one device.
type Executor interface {
	// Submit records dependencies and runs (or queues) the launch. Synchronous
	// executors return the kernel error; asynchronous ones surface it through the
	// output's event and Synchronize.
	Submit(l *Launch) error
	// Synchronize blocks until all submitted launches completed and returns the
	// first launch error since the previous Synchronize.
	Synchronize() error
	// Close stops worker goroutines after draining queued work.
	Close() error
}
