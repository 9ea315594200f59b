package kernels

import (
	"math/rand/v2"

	"github.com/born-ml/core/internal/tensor"
)

// pcgStream decorrelates the second PCG word from the seed.
const pcgStream = 0x9e3779b97f4a7c15

// Random fills out from spec. The generator is a PCG seeded only by spec.Seed and
// values are drawn in row-major order, so every backend produces the same tensor.
func Random[T tensor.Float](spec tensor.RandomSpec, out *tensor.RawTensor) error {
	rng := rand.New(rand.NewPCG(spec.Seed, spec.Seed^pcgStream)) //nolint:gosec // G404: reproducible ML initialization
	dst := tensor.Elements[T](out)
	tensor.WalkStrided(out.Shape(), out.Strides(), out.Offset(), func(_, off int) {
		var v float64
		if spec.Dist == tensor.Normal {
			v = spec.Mean + spec.Std*rng.NormFloat64()
		} else {
			v = spec.Low + (spec.High-spec.Low)*rng.Float64()
		}
		dst[off] = T(v)
	})
	return nil
}
