// Package dispatch routes primitive calls to kernels and orders their execution.
//
// A Registry maps (op, device kind, dtype) to a Kernel. Executors run launches:
// Immediate runs them on the caller's goroutine, Scheduler queues them on a set
// of FIFO streams and orders them by data dependencies recorded on storages.
package dispatch

import (
	"sort"
	"sync"

	"github.com/born-ml/core/internal/tensor"
)

type key struct {
	op     tensor.OpKind
	device tensor.DeviceKind
	dtype  tensor.DataType
}

// Registry maps (op, device kind, dtype) triples to kernels.
type Registry struct {
	mu      sync.RWMutex
	kernels map[key]Kernel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kernels: make(map[key]Kernel)}
}

// Register installs k, replacing any previous kernel for the triple.
func (r *Registry) Register(op tensor.OpKind, device tensor.DeviceKind, dtype tensor.DataType, k Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[key{op, device, dtype}] = k
}

// Unregister removes a kernel. Backends use it to narrow a shared kernel set.
func (r *Registry) Unregister(op tensor.OpKind, device tensor.DeviceKind, dtype tensor.DataType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.kernels, key{op, device, dtype})
}

// Lookup returns the kernel for the triple or an ErrUnsupportedOp error.
func (r *Registry) Lookup(op tensor.OpKind, device tensor.DeviceKind, dtype tensor.DataType) (Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kernels[key{op, device, dtype}]
	if !ok {
		return nil, tensor.Unsupported(device.String(), op, dtype)
	}
	return k, nil
}

// Supports reports whether a kernel is registered for the triple.
func (r *Registry) Supports(op tensor.OpKind, device tensor.DeviceKind, dtype tensor.DataType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kernels[key{op, device, dtype}]
	return ok
}

// Capability is one registered (op, dtype) pair of a device.
type Capability struct {
	Op    tensor.OpKind
	DType tensor.DataType
}

// Capabilities lists the registered pairs for a device kind, sorted by op then dtype.
func (r *Registry) Capabilities(device tensor.DeviceKind) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var caps []Capability
	for k := range r.kernels {
		if k.device == device {
			caps = append(caps, Capability{Op: k.op, DType: k.dtype})
		}
	}
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].Op != caps[j].Op {
			return caps[i].Op < caps[j].Op
		}
		return caps[i].DType < caps[j].DType
	})
	return caps
}
