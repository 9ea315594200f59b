package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/evilsocket/islazy/tui"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/core/autodiff"
	"github.com/born-ml/core/tensor"
)

const tolerance = 1e-4

type report struct {
	target  string
	forward []float64
	grad    []float64
	square  error
	elapsed time.Duration
	err     error
}

func host[B tensor.Backend](t *tensor.Tensor[float32, B]) []float64 {
	data, err := t.Data()
	if err != nil {
		panic(err)
	}
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

// forward evaluates a small fixed network with seeded inputs.
func forward(b tensor.Backend) []float64 {
	x := tensor.Must(tensor.Randn[float32](tensor.Shape{8, 16}, b, 1))
	w := tensor.Must(tensor.Randn[float32](tensor.Shape{16, 4}, b, 2))
	h := tensor.Must(x.MatMul(w))
	a := tensor.Must(tensor.Must(tensor.Must(h.Tanh()).MulScalar(0.5)).AddScalar(1))
	out := host(tensor.Must(a.Sum(1)))
	return append(out, host(tensor.Must(h.Max(1, false)))...)
}

func gradOptions() []autodiff.Option {
	if *ckpt {
		return []autodiff.Option{autodiff.WithCheckpointing()}
	}
	return nil
}

// gradient returns d sum(sigmoid(x @ w)) / dw.
func gradient(b tensor.Backend) ([]float64, error) {
	ad := autodiff.New(b, gradOptions()...)
	x := tensor.Must(tensor.Randn[float32](tensor.Shape{8, 16}, ad, 1))
	w := tensor.Must(tensor.Randn[float32](tensor.Shape{16, 4}, ad, 2)).RequireGrad()
	loss := tensor.Must(tensor.Must(tensor.Must(x.MatMul(w)).Sigmoid()).Sum())

	grads, err := autodiff.Backward(loss)
	if err != nil {
		return nil, err
	}
	defer grads.Release()
	g := autodiff.GradOf(grads, w)
	if g == nil {
		return nil, errors.New("no gradient for w")
	}
	return host(g), nil
}

// square checks d sum(x*x) / dx == 2x exactly.
func square(b tensor.Backend) error {
	ad := autodiff.New(b, gradOptions()...)
	values := []float32{-2, -0.5, 0, 1, 3, 8}
	x := tensor.Must(tensor.FromSlice(values, tensor.Shape{2, 3}, ad)).RequireGrad()
	loss := tensor.Must(tensor.Must(x.Mul(x)).Sum())

	grads, err := autodiff.Backward(loss)
	if err != nil {
		return err
	}
	defer grads.Release()
	got := host(autodiff.GradOf(grads, x))
	for i, v := range values {
		if got[i] != 2*float64(v) {
			return errors.Errorf("element %d: gradient %g, want %g", i, got[i], 2*v)
		}
	}
	return nil
}

func check(t target) (r report) {
	r.target = t.name
	b := t.open()
	defer closeBackend(b)
	defer func() {
		if p := recover(); p != nil {
			r.err = errors.Errorf("%v", p)
		}
	}()

	start := time.Now()
	r.forward = forward(b)
	if r.grad, r.err = gradient(b); r.err != nil {
		return r
	}
	r.square = square(b)
	if err := b.Synchronize(); err != nil {
		r.err = err
	}
	r.elapsed = time.Since(start)
	if m, ok := b.(tensor.MemoryReporter); ok {
		log.Debugf("%s: %s", t.name, m.MemoryStats())
	}
	return r
}

func verdict(ref, got []float64) string {
	if len(ref) != len(got) {
		return tui.Red(fmt.Sprintf("len %d != %d", len(got), len(ref)))
	}
	if !floats.EqualApprox(ref, got, tolerance) {
		worst := 0.0
		for i := range ref {
			worst = max(worst, abs(ref[i]-got[i]))
		}
		return tui.Red(fmt.Sprintf("max diff %.2g", worst))
	}
	return tui.Green("ok")
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func runSelfcheck() error {
	all := targets()
	reports := make([]report, len(all))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, t := range all {
		g.Go(func() error {
			reports[i] = check(t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ref := reports[0]
	if ref.err != nil {
		return errors.Wrapf(ref.err, "reference target %s", ref.target)
	}

	failed := 0
	rows := [][]string{}
	for _, r := range reports {
		if r.err != nil {
			failed++
			rows = append(rows, []string{r.target, tui.Red(r.err.Error()), "", "", ""})
			continue
		}
		fwd, grad := verdict(ref.forward, r.forward), verdict(ref.grad, r.grad)
		sq := tui.Green("ok")
		if r.square != nil {
			sq = tui.Red(r.square.Error())
		}
		if !floats.EqualApprox(ref.forward, r.forward, tolerance) ||
			!floats.EqualApprox(ref.grad, r.grad, tolerance) || r.square != nil {
			failed++
		}
		rows = append(rows, []string{r.target, fwd, grad, sq, r.elapsed.Round(time.Microsecond).String()})
	}
	tui.Table(os.Stdout, []string{"target", "forward", "gradient", "d(x²)", "time"}, rows)

	if failed > 0 {
		return errors.Errorf("%d of %d targets failed", failed, len(reports))
	}
	return nil
}
