package fusion

import (
	"github.com/born-ml/core/internal/tensor"
)

// Every non-element-wise primitive closes the window before running on the
// wrapped backend.

// Where flushes and selects on the wrapped backend.
func (f *Backend) Where(cond, a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Where(cond, a, b)
}

// InPlace flushes and updates dst on the wrapped backend.
func (f *Backend) InPlace(op tensor.OpKind, dst, src *tensor.RawTensor) error {
	f.Flush()
	return f.Backend.InPlace(op, dst, src)
}

// MatMul flushes and multiplies on the wrapped backend.
func (f *Backend) MatMul(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.MatMul(a, b)
}

// Sum flushes and reduces on the wrapped backend.
func (f *Backend) Sum(x *tensor.RawTensor, axes []int, keepDims bool) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Sum(x, axes, keepDims)
}

// Mean flushes and averages on the wrapped backend.
func (f *Backend) Mean(x *tensor.RawTensor, axes []int, keepDims bool) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Mean(x, axes, keepDims)
}

// Max flushes and takes the maximum on the wrapped backend.
func (f *Backend) Max(x *tensor.RawTensor, axis int, keepDims bool) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Max(x, axis, keepDims)
}

// Argmax flushes and locates the maximum on the wrapped backend.
func (f *Backend) Argmax(x *tensor.RawTensor, axis int, keepDims bool) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Argmax(x, axis, keepDims)
}

// Reshape flushes and reshapes on the wrapped backend. A pending x is
// materialized first, so the view shares real storage.
func (f *Backend) Reshape(x *tensor.RawTensor, shape tensor.Shape) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Reshape(x, shape)
}

// Transpose flushes and permutes axes on the wrapped backend.
func (f *Backend) Transpose(x *tensor.RawTensor, axes ...int) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Transpose(x, axes...)
}

// Expand flushes and broadcasts on the wrapped backend.
func (f *Backend) Expand(x *tensor.RawTensor, shape tensor.Shape) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Expand(x, shape)
}

// Contiguous flushes and materializes x on the wrapped backend.
func (f *Backend) Contiguous(x *tensor.RawTensor) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Contiguous(x)
}

// Gather flushes and gathers on the wrapped backend.
func (f *Backend) Gather(x *tensor.RawTensor, axis int, index *tensor.RawTensor) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Gather(x, axis, index)
}

// ScatterAdd flushes and scatters on the wrapped backend.
func (f *Backend) ScatterAdd(shape tensor.Shape, axis int, index, src *tensor.RawTensor) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.ScatterAdd(shape, axis, index, src)
}

// Random flushes and samples on the wrapped backend.
func (f *Backend) Random(spec tensor.RandomSpec) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Random(spec)
}

// Full flushes and fills on the wrapped backend.
func (f *Backend) Full(shape tensor.Shape, dtype tensor.DataType, value float64) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Full(shape, dtype, value)
}

// Cast flushes and converts on the wrapped backend.
func (f *Backend) Cast(x *tensor.RawTensor, dtype tensor.DataType) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.Cast(x, dtype)
}

// FromHost flushes and uploads on the wrapped backend.
func (f *Backend) FromHost(data []byte, shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	f.Flush()
	return f.Backend.FromHost(data, shape, dtype)
}

// ToHost reads x. Only the chain producing x is forced.
func (f *Backend) ToHost(x *tensor.RawTensor) ([]byte, error) {
	return f.Backend.ToHost(x)
}

// Synchronize flushes and waits for the wrapped backend.
func (f *Backend) Synchronize() error {
	f.Flush()
	return f.Backend.Synchronize()
}

// MemoryStats reports the wrapped backend's allocator, if it has one.
func (f *Backend) MemoryStats() tensor.AllocStats {
	if r, ok := f.Backend.(tensor.MemoryReporter); ok {
		return r.MemoryStats()
	}
	return tensor.AllocStats{}
}

// Close flushes and closes the wrapped backend when it supports closing.
func (f *Backend) Close() error {
	f.Flush()
	if c, ok := f.Backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var (
	_ tensor.Backend        = (*Backend)(nil)
	_ tensor.MemoryReporter = (*Backend)(nil)
)
