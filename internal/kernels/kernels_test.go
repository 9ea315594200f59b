package kernels

import (
	"errors"
	"math"
	"testing"

	"github.com/born-ml/core/internal/parallel"
	"github.com/born-ml/core/internal/tensor"
)

func hostTensor[T tensor.DType](t *testing.T, shape tensor.Shape, values ...T) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.DataTypeOf[T](), tensor.HostDevice, nil)
	if err != nil {
		t.Fatal(err)
	}
	copy(tensor.Elements[T](r), values)
	return r
}

func empty(t *testing.T, shape tensor.Shape, dt tensor.DataType) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, dt, tensor.HostDevice, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEvalProgramMatchesUnfused(t *testing.T) {
	cfg := parallel.Sequential()
	a := hostTensor[float32](t, tensor.Shape{2, 3}, -1.5, -0.2, 0, 0.3, 1.7, 4)
	b := hostTensor[float32](t, tensor.Shape{3}, 0.5, -2, 3)

	// tanh(a*b + 1) step by step.
	prod := empty(t, tensor.Shape{2, 3}, tensor.Float32)
	if err := Binary[float32](cfg, tensor.OpMul, a, b, prod); err != nil {
		t.Fatal(err)
	}
	shifted := empty(t, tensor.Shape{2, 3}, tensor.Float32)
	if err := Scalar[float32](cfg, tensor.OpAdd, prod, 1, shifted); err != nil {
		t.Fatal(err)
	}
	want := empty(t, tensor.Shape{2, 3}, tensor.Float32)
	if err := Unary[float32](cfg, tensor.OpTanh, shifted, want); err != nil {
		t.Fatal(err)
	}

	var prog Program
	x := prog.AddInput(0)
	y := prog.AddInput(1)
	prog.AddUnary(tensor.OpTanh, prog.AddScalar(tensor.OpAdd, prog.AddBinary(tensor.OpMul, x, y), 1))
	if prog.NumOps() != 3 || prog.NumInputs() != 2 {
		t.Fatalf("program %s: %d ops, %d inputs", &prog, prog.NumOps(), prog.NumInputs())
	}

	got := empty(t, tensor.Shape{2, 3}, tensor.Float32)
	if err := EvalProgram[float32](cfg, &prog, []*tensor.RawTensor{a, b}, got); err != nil {
		t.Fatal(err)
	}
	g, w := got.AsFloat32(), want.AsFloat32()
	for i := range w {
		if math.Float32bits(g[i]) != math.Float32bits(w[i]) {
			t.Errorf("element %d: fused %v, unfused %v", i, g[i], w[i])
		}
	}
}

func TestProgramValidate(t *testing.T) {
	var forward Program
	forward.Instrs = []Instr{{Kind: InstrUnary, Op: tensor.OpExp, A: 0}}
	if err := forward.Validate(1); !errors.Is(err, tensor.ErrInvalidArgument) {
		t.Errorf("self reference: got %v", err)
	}

	var matmul Program
	matmul.AddBinary(tensor.OpMatMul, matmul.AddInput(0), matmul.AddInput(1))
	if err := matmul.Validate(2); !errors.Is(err, tensor.ErrUnsupportedOp) {
		t.Errorf("matmul in a program: got %v", err)
	}

	var missing Program
	missing.AddInput(3)
	if err := missing.Validate(1); !errors.Is(err, tensor.ErrInvalidArgument) {
		t.Errorf("missing input slot: got %v", err)
	}
}

func TestBinaryBroadcastStrided(t *testing.T) {
	col := hostTensor[int32](t, tensor.Shape{3, 1}, 1, 2, 3)
	row := hostTensor[int32](t, tensor.Shape{4}, 10, 20, 30, 40)
	out := empty(t, tensor.Shape{3, 4}, tensor.Int32)
	if err := Binary[int32](parallel.Sequential(), tensor.OpAdd, col, row, out); err != nil {
		t.Fatal(err)
	}
	got := out.AsInt32()
	if got[0] != 11 || got[5] != 22 || got[11] != 43 {
		t.Errorf("broadcast add = %v", got)
	}
}

func TestGatherOutOfRange(t *testing.T) {
	x := hostTensor[float64](t, tensor.Shape{2, 2}, 1, 2, 3, 4)
	idx := hostTensor[int64](t, tensor.Shape{2, 1}, 1, 2)
	out := empty(t, tensor.Shape{2, 1}, tensor.Float64)
	if err := Gather[float64](parallel.Sequential(), x, 1, idx, out); !errors.Is(err, tensor.ErrInvalidArgument) {
		t.Errorf("index 2 on axis of 2: got %v", err)
	}
}

func TestScatterAddAccumulatesCollisions(t *testing.T) {
	idx := hostTensor[int64](t, tensor.Shape{3}, 0, 0, 2)
	src := hostTensor[float32](t, tensor.Shape{3}, 1, 2, 3)
	out := hostTensor[float32](t, tensor.Shape{3}, 9, 9, 9)
	if err := ScatterAdd[float32](0, idx, src, out); err != nil {
		t.Fatal(err)
	}
	got := out.AsFloat32()
	want := []float32{3, 0, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ScatterAdd = %v, want %v", got, want)
		}
	}
}

func TestRandomIsDeterministic(t *testing.T) {
	spec := tensor.RandomSpec{Dist: tensor.Normal, Shape: tensor.Shape{16}, DType: tensor.Float64, Std: 1, Seed: 7}
	a := empty(t, spec.Shape, tensor.Float64)
	b := empty(t, spec.Shape, tensor.Float64)
	if err := Random[float64](spec, a); err != nil {
		t.Fatal(err)
	}
	if err := Random[float64](spec, b); err != nil {
		t.Fatal(err)
	}
	va, vb := a.AsFloat64(), b.AsFloat64()
	for i := range va {
		if va[i] != vb[i] {
			t.Fatalf("seeded draws differ at %d: %v vs %v", i, va[i], vb[i])
		}
	}
}
