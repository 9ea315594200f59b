// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"errors"
	"testing"

	"github.com/born-ml/core/backend/accel"
	"github.com/born-ml/core/backend/cpu"
	"github.com/born-ml/core/tensor"
)

// TestBackendInterface verifies that the public backends implement tensor.Backend.
func TestBackendInterface(_ *testing.T) {
	var _ tensor.Backend = (*cpu.Backend)(nil)
	var _ tensor.Backend = (*accel.Backend)(nil)
}

// TestRawTensorAPI verifies the RawTensor alias exposes the expected API.
func TestRawTensorAPI(t *testing.T) {
	raw, err := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}

	if !raw.Shape().Equal(tensor.Shape{2, 3}) {
		t.Errorf("Shape() = %v, want [2 3]", raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		t.Errorf("DType() = %v, want Float32", raw.DType())
	}
	if raw.Device() != tensor.HostDevice {
		t.Errorf("Device() = %v, want cpu", raw.Device())
	}
	if n := raw.NumElements(); n != 6 {
		t.Errorf("NumElements() = %d, want 6", n)
	}
	if size := raw.ByteSize(); size != 6*4 {
		t.Errorf("ByteSize() = %d, want 24", size)
	}

	// A retained handle shares storage.
	other := raw.Retain()
	if raw.IsUnique() {
		t.Error("IsUnique() = true after Retain(), want false")
	}
	other.Release()
	if !raw.IsUnique() {
		t.Error("IsUnique() = false after Release(), want true")
	}

	if raw.IsLazy() {
		t.Error("IsLazy() = true for a host tensor, want false")
	}
	if f32 := raw.AsFloat32(); len(f32) != 6 {
		t.Errorf("AsFloat32() length = %d, want 6", len(f32))
	}
}

// TestTensorCreationFunctions verifies the high-level creation API.
func TestTensorCreationFunctions(t *testing.T) {
	backend := cpu.New()

	tests := []struct {
		name string
		fn   func() (*tensor.Tensor[float32, *cpu.Backend], error)
		want []float32
	}{
		{"Zeros", func() (*tensor.Tensor[float32, *cpu.Backend], error) {
			return tensor.Zeros[float32](tensor.Shape{2}, backend)
		}, []float32{0, 0}},
		{"Ones", func() (*tensor.Tensor[float32, *cpu.Backend], error) {
			return tensor.Ones[float32](tensor.Shape{2}, backend)
		}, []float32{1, 1}},
		{"Full", func() (*tensor.Tensor[float32, *cpu.Backend], error) {
			return tensor.Full[float32](tensor.Shape{2}, 2.5, backend)
		}, []float32{2.5, 2.5}},
		{"Arange", func() (*tensor.Tensor[float32, *cpu.Backend], error) {
			return tensor.Arange[float32](0, 4, backend)
		}, []float32{0, 1, 2, 3}},
		{"FromSlice", func() (*tensor.Tensor[float32, *cpu.Backend], error) {
			return tensor.FromSlice([]float32{7, 8}, tensor.Shape{2}, backend)
		}, []float32{7, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, err := tt.fn()
			if err != nil {
				t.Fatalf("%s() returned error: %v", tt.name, err)
			}
			got, err := x.Data()
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("%s() = %v, want %v", tt.name, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("%s() = %v, want %v", tt.name, got, tt.want)
					break
				}
			}
		})
	}
}

// TestRandomIsSeeded verifies equal seeds produce equal tensors on different backends.
func TestRandomIsSeeded(t *testing.T) {
	dev := accel.New()
	defer dev.Close()

	a := tensor.Must(tensor.Randn[float32](tensor.Shape{4, 4}, cpu.New(), 42))
	b := tensor.Must(tensor.Randn[float32](tensor.Shape{4, 4}, dev, 42))

	da, _ := a.Data()
	db, _ := b.Data()
	for i := range da {
		if da[i] != db[i] {
			t.Fatalf("element %d differs: cpu %v, accel %v", i, da[i], db[i])
		}
	}
}

// TestTypedOps exercises element access and a small broadcasting expression.
func TestTypedOps(t *testing.T) {
	backend := cpu.New()

	col := tensor.Must(tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3, 1}, backend))
	row := tensor.Must(tensor.FromSlice([]float32{10, 20, 30, 40}, tensor.Shape{1, 4}, backend))

	sum, err := col.Add(row)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Shape().Equal(tensor.Shape{3, 4}) {
		t.Fatalf("broadcast shape = %v, want [3 4]", sum.Shape())
	}
	if v, _ := sum.At(2, 3); v != 43 {
		t.Errorf("At(2, 3) = %v, want 43", v)
	}

	total := tensor.Must(sum.Sum())
	if v, _ := total.Item(); v != 306 {
		t.Errorf("Sum() = %v, want 306", v)
	}

	if _, err := sum.Item(); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Item() on 12 elements: got %v", err)
	}
	if _, err := sum.At(3, 0); !errors.Is(err, tensor.ErrInvalidArgument) {
		t.Errorf("At() out of range: got %v", err)
	}
}

// TestFromSliceMismatch verifies the element count is checked against the shape.
func TestFromSliceMismatch(t *testing.T) {
	_, err := tensor.FromSlice([]int32{1, 2, 3}, tensor.Shape{2, 2}, cpu.New())
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("FromSlice() error = %v, want ErrShapeMismatch", err)
	}
}

// TestExportImportAcrossDevices moves a tensor from the CPU to the accelerator
// through the device-independent form.
func TestExportImportAcrossDevices(t *testing.T) {
	dev := accel.New()
	defer dev.Close()

	x := tensor.Must(tensor.FromSlice([]int64{-3, 0, 1 << 40}, tensor.Shape{3}, cpu.New()))
	e, err := tensor.Export(x.Raw())
	if err != nil {
		t.Fatal(err)
	}
	if e.DType != tensor.Int64 || len(e.Data) != 24 {
		t.Fatalf("Export() = %s with %d bytes", e.DType, len(e.Data))
	}

	raw, err := tensor.Import(e, dev)
	if err != nil {
		t.Fatal(err)
	}
	if raw.Device() != tensor.AccelDevice(0) {
		t.Errorf("imported device = %v", raw.Device())
	}
	got := raw.AsInt64()
	if got[0] != -3 || got[1] != 0 || got[2] != 1<<40 {
		t.Errorf("imported values = %v", got)
	}
}

// TestDeviceStrings verifies device formatting.
func TestDeviceStrings(t *testing.T) {
	if s := tensor.HostDevice.String(); s != "cpu" {
		t.Errorf("HostDevice.String() = %q", s)
	}
	if s := tensor.AccelDevice(1).String(); s != "accel:1" {
		t.Errorf("AccelDevice(1).String() = %q", s)
	}
}
