package engine

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/layerchop/tensor"
)

// InitWeights fills every layer of m with reproducible weights drawn from
// seed. Kernels get a Xavier uniform fill, scales and variances start at one,
// everything else at zero.
func InitWeights(m *Model, seed int64) error {
	rng := rand.New(rand.NewSource(seed))

	for _, l := range m.layers {
		specs := l.ParameterSpecs()
		if len(specs) == 0 {
			continue
		}
		weights := make([]*tensor.Tensor, len(specs))
		for i, p := range specs {
			var (
				t   *tensor.Tensor
				err error
			)
			switch p.Name {
			case "kernel":
				t, err = tensor.Random(p.Shape, xavierScale(p.Shape), rng)
			case "gamma", "moving_variance":
				t, err = tensor.NewTensor(p.Shape, tensor.Float32, float32(1))
			default:
				t, err = tensor.Zeros(p.Shape, tensor.Float32)
			}
			if err != nil {
				return errors.Wrapf(err, "failed to initialise %s.%s", l.Name(), p.Name)
			}
			weights[i] = t
		}
		if err := l.SetWeights(weights); err != nil {
			return err
		}
	}
	return nil
}

// xavierScale returns the Glorot uniform limit for a kernel shape. Dense
// kernels are [in, out]; convolution kernels are [out, in, k, k].
func xavierScale(shape []int) float32 {
	var fanIn, fanOut int
	switch len(shape) {
	case 2:
		fanIn, fanOut = shape[0], shape[1]
	case 4:
		receptive := shape[2] * shape[3]
		fanIn, fanOut = shape[1]*receptive, shape[0]*receptive
	default:
		n := tensor.NumElements(shape)
		fanIn, fanOut = n, n
	}
	return float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
}
