package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/evilsocket/islazy/tui"
	"github.com/pbnjay/memory"

	"github.com/born-ml/core/backend/accel"
	"github.com/born-ml/core/backend/cpu"
	"github.com/born-ml/core/fusion"
	"github.com/born-ml/core/tensor"
)

type target struct {
	name string
	open func() tensor.Backend
}

func accelConfig() accel.Config {
	cfg := accel.DefaultConfig()
	cfg.Streams = *streams
	if *memMB > 0 {
		cfg.MemoryLimit = *memMB << 20
	}
	return cfg
}

func targets() []target {
	return []target{
		{"cpu", func() tensor.Backend { return cpu.New() }},
		{"cpu+fusion", func() tensor.Backend { return fusion.New(cpu.New(), fusion.DefaultConfig()) }},
		{"accel", func() tensor.Backend { return accel.NewWithConfig(accelConfig()) }},
		{"accel+fusion", func() tensor.Backend {
			return fusion.New(accel.NewWithConfig(accelConfig()), fusion.DefaultConfig())
		}},
	}
}

func closeBackend(b tensor.Backend) {
	if c, ok := b.(io.Closer); ok {
		_ = c.Close()
	}
}

// coverage summarizes Supports per dtype, e.g. "float32:41 float64:2".
func coverage(b tensor.Backend) string {
	ops := tensor.AllOps()
	parts := make([]string, 0, len(tensor.AllDataTypes))
	for _, dt := range tensor.AllDataTypes {
		n := 0
		for _, op := range ops {
			if b.Supports(op, dt) {
				n++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:%d", dt, n))
	}
	return strings.Join(parts, " ")
}

func runDevices() error {
	fmt.Printf("host memory: %s\n\n", humanize.IBytes(memory.TotalMemory()))

	rows := [][]string{}
	for _, t := range targets() {
		b := t.open()
		limit := "-"
		if r, ok := b.(tensor.MemoryReporter); ok {
			if c := r.MemoryStats().Capacity; c > 0 {
				limit = humanize.IBytes(c)
			}
		}
		rows = append(rows, []string{t.name, b.Name(), b.Device().String(), limit, coverage(b)})
		closeBackend(b)
	}
	tui.Table(os.Stdout, []string{"target", "backend", "device", "memory", "ops per dtype"}, rows)
	return nil
}
