// Package accel implements the accelerator backend: a device with its own
// memory budget, asynchronous multi-stream execution and BLAS matmul kernels.
//
// Device memory is simulated with host buffers accounted against the device
// capacity, so the backend runs anywhere while keeping accelerator semantics:
// calls return before kernels finish, errors surface at synchronizing points,
// and memory comes from a caching pool that can be exhausted.
package accel

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pbnjay/memory"
	log "github.com/sirupsen/logrus"

	"github.com/born-ml/core/internal/backend/engine"
	"github.com/born-ml/core/internal/dispatch"
	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

// Config controls an accelerator device.
type Config struct {
	Index           int    // device ordinal
	Streams         int    // concurrent FIFO streams
	MemoryLimit     uint64 // device memory in bytes
	PoolMaxPerClass int    // cached blocks kept per size class
	Parallel        parallel.Config
}

// DefaultConfig returns device 0 with four streams and a quarter of physical
// memory.
func DefaultConfig() Config {
	return Config{
		Index:           0,
		Streams:         4,
		MemoryLimit:     memory.TotalMemory() / 4,
		PoolMaxPerClass: 64,
		Parallel:        parallel.DefaultConfig(),
	}
}

// Backend is the accelerator backend.
type Backend struct {
	*engine.Engine
	cfg Config
}

// New creates device 0 with DefaultConfig.
func New() *Backend {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates an accelerator device.
func NewWithConfig(cfg Config) *Backend {
	if cfg.Streams <= 0 {
		cfg.Streams = 1
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = memory.TotalMemory() / 4
	}
	device := tensor.AccelDevice(cfg.Index)
	name := device.String()

	reg := dispatch.NewRegistry()
	dispatch.RegisterHost(reg, tensor.Accel, cfg.Parallel)
	registerBLAS(reg, cfg.Parallel)
	restrictFloat64(reg)

	log.Debugf("%s: %d streams, %s device memory", name, cfg.Streams, humanize.IBytes(cfg.MemoryLimit))
	return &Backend{
		Engine: engine.New(engine.Config{
			Name:     name,
			Device:   device,
			Registry: reg,
			Executor: dispatch.NewScheduler(dispatch.SchedulerConfig{Device: name, Streams: cfg.Streams}),
			Allocator: dispatch.NewAllocator(dispatch.AllocatorConfig{
				Name:        name,
				Capacity:    cfg.MemoryLimit,
				Caching:     true,
				MaxPerClass: cfg.PoolMaxPerClass,
			}),
		}),
		cfg: cfg,
	}
}

// restrictFloat64 leaves Float64 with matmul and host transfer only.
func restrictFloat64(reg *dispatch.Registry) {
	for _, op := range tensor.AllOps() {
		if op != tensor.OpMatMul && op != tensor.OpTransfer {
			reg.Unregister(op, tensor.Accel, tensor.Float64)
		}
	}
}

// Config returns the device configuration.
func (b *Backend) Config() Config { return b.cfg }

// String describes the device for logs and the CLI.
func (b *Backend) String() string {
	return fmt.Sprintf("%s (%d streams, %s)", b.Name(), b.cfg.Streams, humanize.IBytes(b.cfg.MemoryLimit))
}

var (
	_ tensor.Backend        = (*Backend)(nil)
	_ tensor.MemoryReporter = (*Backend)(nil)
)
