package tensor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

var nextIdent atomic.Uint64

// NodeRef addresses a node on a tape: the tape id and the node's position in it.
type NodeRef struct {
	Tape  uint64
	Index int
}

// autogradMeta is the per-handle gradient tracking state.
type autogradMeta struct {
	mu           sync.Mutex
	requiresGrad bool
	creator      NodeRef
	hasCreator   bool
}

// RawTensor is the low-level tensor handle.
//
// A handle owns one reference on its Storage; views (reshape of contiguous data,
// transpose, expand) are new handles that add a reference to the same storage and
// differ only in shape, strides and element offset. Handles are immutable except
// through Backend.InPlace, which rebinds the handle to private storage when the
// storage is shared (copy-on-write).
type RawTensor struct {
	storage  *Storage
	shape    Shape
	stride   []int
	offset   int // in elements
	dtype    DataType
	device   Device
	ident    uint64
	released atomic.Bool
	meta     autogradMeta
}

// NewRaw creates a contiguous tensor with zeroed storage from alloc.
// A nil alloc uses the Go heap.
func NewRaw(shape Shape, dtype DataType, device Device, alloc Allocator) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	s, err := NewStorage(shape.NumElements()*dtype.Size(), device, alloc)
	if err != nil {
		return nil, err
	}
	return wrapStorage(s, shape.Clone(), shape.ComputeStrides(), 0, dtype, device), nil
}

// NewLazy creates a contiguous tensor whose storage is produced on first Resolve.
func NewLazy(shape Shape, dtype DataType, device Device, produce func() error, drop func()) *RawTensor {
	s := NewLazyStorage(shape.NumElements()*dtype.Size(), device, produce, drop)
	return wrapStorage(s, shape.Clone(), shape.ComputeStrides(), 0, dtype, device)
}

func wrapStorage(s *Storage, shape Shape, strides []int, offset int, dtype DataType, device Device) *RawTensor {
	r := &RawTensor{
		storage: s,
		shape:   shape,
		stride:  strides,
		offset:  offset,
		dtype:   dtype,
		device:  device,
		ident:   nextIdent.Add(1),
	}
	runtime.SetFinalizer(r, (*RawTensor).Release)
	return r
}

// NewView creates a handle over base's storage with a different layout.
// The layout must stay inside the storage extent.
func NewView(base *RawTensor, shape Shape, strides []int, offset int) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid view shape")
	}
	if len(strides) != len(shape) {
		return nil, errors.Wrapf(ErrInvalidArgument, "view: %d strides for rank %d", len(strides), len(shape))
	}
	last := offset
	for i, d := range shape {
		if strides[i] < 0 {
			return nil, errors.Wrapf(ErrInvalidArgument, "view: negative stride %d", strides[i])
		}
		last += (d - 1) * strides[i]
	}
	if offset < 0 || last >= base.storage.Len()/base.dtype.Size() {
		return nil, errors.Wrapf(ErrInvalidArgument, "view %v strides %v offset %d exceeds storage of %d elements",
			shape, strides, offset, base.storage.Len()/base.dtype.Size())
	}
	base.storage.addRef()
	return wrapStorage(base.storage, shape.Clone(), append([]int(nil), strides...), offset, base.dtype, base.device), nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// Strides returns the tensor's memory strides in elements.
func (r *RawTensor) Strides() []int {
	return r.stride
}

// Offset returns the element offset of the first logical element.
func (r *RawTensor) Offset() int {
	return r.offset
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// Device returns the tensor's device.
func (r *RawTensor) Device() Device {
	return r.device
}

// NumElements returns the total number of logical elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the logical size in bytes.
func (r *RawTensor) ByteSize() int {
	return r.NumElements() * r.dtype.Size()
}

// Storage returns the underlying storage.
func (r *RawTensor) Storage() *Storage {
	return r.storage
}

// ID identifies the logical tensor. Retained handles share it; views and
// op results get a fresh one.
func (r *RawTensor) ID() uint64 {
	return r.ident
}

// IsContiguous reports whether the layout is dense row-major starting at the offset.
func (r *RawTensor) IsContiguous() bool {
	expected := 1
	for i := len(r.shape) - 1; i >= 0; i-- {
		if r.shape[i] != 1 && r.stride[i] != expected {
			return false
		}
		expected *= r.shape[i]
	}
	return true
}

// IsLazy reports whether the storage still waits for a deferred producer.
func (r *RawTensor) IsLazy() bool {
	return r.storage.IsLazy()
}

// Resolve runs a pending lazy producer without waiting for the kernel.
func (r *RawTensor) Resolve() error {
	return r.storage.Resolve()
}

// Sync resolves the tensor and waits until its last writer completed.
func (r *RawTensor) Sync() error {
	return r.storage.Sync()
}

// Retain returns a new handle to the same logical tensor (shares storage,
// layout and gradient identity). The reference count grows by one.
func (r *RawTensor) Retain() *RawTensor {
	r.storage.addRef()
	out := wrapStorage(r.storage, r.shape.Clone(), append([]int(nil), r.stride...), r.offset, r.dtype, r.device)
	out.ident = r.ident
	r.meta.mu.Lock()
	out.meta.requiresGrad = r.meta.requiresGrad
	out.meta.creator = r.meta.creator
	out.meta.hasCreator = r.meta.hasCreator
	r.meta.mu.Unlock()
	return out
}

// Detach returns an untracked handle over the same storage and layout with a
// fresh identity.
func (r *RawTensor) Detach() *RawTensor {
	r.storage.addRef()
	return wrapStorage(r.storage, r.shape.Clone(), append([]int(nil), r.stride...), r.offset, r.dtype, r.device)
}

// Release drops this handle's storage reference. It is idempotent.
func (r *RawTensor) Release() {
	if r.released.Swap(true) {
		return
	}
	runtime.SetFinalizer(r, nil)
	r.storage.release()
}

// Released reports whether Release was called on this handle.
func (r *RawTensor) Released() bool {
	return r.released.Load()
}

// IsUnique reports whether this handle holds the only reference to its storage.
// In-place writes on a unique tensor need no copy.
func (r *RawTensor) IsUnique() bool {
	return r.storage.Refs() == 1
}

// Rebind moves src's storage and layout into r, dropping r's previous storage
// reference. src is consumed. Used for copy-on-write in-place updates.
func (r *RawTensor) Rebind(src *RawTensor) {
	old := r.storage
	src.released.Store(true)
	runtime.SetFinalizer(src, nil)
	r.storage = src.storage
	r.shape = src.shape
	r.stride = src.stride
	r.offset = src.offset
	old.release()
}

// RequiresGrad reports whether gradients are accumulated for this tensor.
func (r *RawTensor) RequiresGrad() bool {
	r.meta.mu.Lock()
	defer r.meta.mu.Unlock()
	return r.meta.requiresGrad
}

// SetRequiresGrad marks the tensor for gradient accumulation.
// Only floating point tensors may require gradients.
func (r *RawTensor) SetRequiresGrad(v bool) error {
	if v && !r.dtype.IsFloat() {
		return errors.Wrapf(ErrGradient, "%s tensors cannot require gradients", r.dtype)
	}
	r.meta.mu.Lock()
	r.meta.requiresGrad = v
	r.meta.mu.Unlock()
	return nil
}

// Creator returns the node that produced the tensor, if it was recorded.
func (r *RawTensor) Creator() (NodeRef, bool) {
	r.meta.mu.Lock()
	defer r.meta.mu.Unlock()
	return r.meta.creator, r.meta.hasCreator
}

// SetCreator records the producing node and marks the tensor as requiring gradients.
func (r *RawTensor) SetCreator(ref NodeRef) {
	r.meta.mu.Lock()
	r.meta.creator = ref
	r.meta.hasCreator = true
	r.meta.requiresGrad = true
	r.meta.mu.Unlock()
}

// ClearGrad drops all gradient tracking state.
func (r *RawTensor) ClearGrad() {
	r.meta.mu.Lock()
	r.meta.requiresGrad = false
	r.meta.creator = NodeRef{}
	r.meta.hasCreator = false
	r.meta.mu.Unlock()
}

// Elements reinterprets the whole storage of r as []T without synchronizing.
// Index with Offset and Strides. Only kernels ordered after the last writer may call it.
func Elements[T DType](r *RawTensor) []T {
	data := r.storage.Bytes()
	if len(data) == 0 {
		return nil
	}
	var zero T
	n := len(data) / int(unsafe.Sizeof(zero))
	//nolint:gosec // storage is 8-byte aligned and sized in whole elements
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}

// HostSlice synchronizes r and returns its elements in row-major order.
// Contiguous tensors return a zero-copy slice of the storage; other layouts
// return a packed copy.
func HostSlice[T DType](r *RawTensor) ([]T, error) {
	if want := DataTypeOf[T](); want != r.dtype {
		return nil, errors.Wrapf(ErrDtypeMismatch, "tensor dtype is %s, not %s", r.dtype, want)
	}
	if err := r.Sync(); err != nil {
		return nil, err
	}
	all := Elements[T](r)
	n := r.NumElements()
	if r.IsContiguous() {
		return all[r.offset : r.offset+n : r.offset+n], nil
	}
	out := make([]T, n)
	WalkStrided(r.shape, r.stride, r.offset, func(i, off int) {
		out[i] = all[off]
	})
	return out, nil
}

func mustHost[T DType](r *RawTensor) []T {
	out, err := HostSlice[T](r)
	if err != nil {
		panic(err)
	}
	return out
}

// AsFloat32 synchronizes and returns the elements as []float32.
// Panics on dtype mismatch or a failed pending kernel; use HostSlice to get the error.
func (r *RawTensor) AsFloat32() []float32 { return mustHost[float32](r) }

// AsFloat64 synchronizes and returns the elements as []float64.
func (r *RawTensor) AsFloat64() []float64 { return mustHost[float64](r) }

// AsInt32 synchronizes and returns the elements as []int32.
func (r *RawTensor) AsInt32() []int32 { return mustHost[int32](r) }

// AsInt64 synchronizes and returns the elements as []int64.
func (r *RawTensor) AsInt64() []int64 { return mustHost[int64](r) }

// AsUint8 synchronizes and returns the elements as []uint8.
func (r *RawTensor) AsUint8() []uint8 { return mustHost[uint8](r) }

// AsBool synchronizes and returns the elements as []bool.
func (r *RawTensor) AsBool() []bool { return mustHost[bool](r) }

// Bytes synchronizes and returns a packed row-major copy of the tensor bytes.
func (r *RawTensor) Bytes() ([]byte, error) {
	if err := r.Sync(); err != nil {
		return nil, err
	}
	size := r.dtype.Size()
	data := r.storage.Bytes()
	out := make([]byte, r.ByteSize())
	if r.IsContiguous() {
		copy(out, data[r.offset*size:])
		return out, nil
	}
	WalkStrided(r.shape, r.stride, r.offset, func(i, off int) {
		copy(out[i*size:(i+1)*size], data[off*size:(off+1)*size])
	})
	return out, nil
}

// String summarizes the handle without reading data.
func (r *RawTensor) String() string {
	return fmt.Sprintf("RawTensor(shape=%v, dtype=%s, device=%s)", r.shape, r.dtype, r.device)
}

// WalkStrided visits every logical element in row-major order, passing the
// logical index and the storage offset computed from strides.
func WalkStrided(shape Shape, strides []int, offset int, fn func(i, off int)) {
	n := shape.NumElements()
	rank := len(shape)
	if rank == 0 {
		fn(0, offset)
		return
	}
	idx := make([]int, rank)
	off := offset
	for i := 0; i < n; i++ {
		fn(i, off)
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			off += strides[d]
			if idx[d] < shape[d] {
				break
			}
			off -= idx[d] * strides[d]
			idx[d] = 0
		}
	}
}
