// Package cpu implements the reference CPU backend: every primitive for every
// dtype, run synchronously on the caller's goroutine.
package cpu

import (
	"github.com/pbnjay/memory"

	"github.com/born-ml/core/internal/backend/engine"
	"github.com/born-ml/core/internal/dispatch"
	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

// Config controls the CPU backend.
type Config struct {
	// MemoryLimit caps host bytes held by tensors. Zero means physical memory.
	MemoryLimit uint64
	Parallel    parallel.Config
}

// DefaultConfig returns a backend limited to physical memory with parallel kernels.
func DefaultConfig() Config {
	return Config{
		MemoryLimit: memory.TotalMemory(),
		Parallel:    parallel.DefaultConfig(),
	}
}

// CPUBackend is the reference backend.
type CPUBackend struct {
	*engine.Engine
}

// New creates a CPU backend with DefaultConfig.
func New() *CPUBackend {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a CPU backend.
func NewWithConfig(cfg Config) *CPUBackend {
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = memory.TotalMemory()
	}
	reg := dispatch.NewRegistry()
	dispatch.RegisterHost(reg, tensor.CPU, cfg.Parallel)
	return &CPUBackend{
		Engine: engine.New(engine.Config{
			Name:     "CPU",
			Device:   tensor.HostDevice,
			Registry: reg,
			Executor: dispatch.NewImmediate(),
			Allocator: dispatch.NewAllocator(dispatch.AllocatorConfig{
				Name:     "cpu",
				Capacity: cfg.MemoryLimit,
			}),
		}),
	}
}

var (
	_ tensor.Backend        = (*CPUBackend)(nil)
	_ tensor.MemoryReporter = (*CPUBackend)(nil)
)
