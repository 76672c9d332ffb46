package nn

import "math/rand/v2"

const (
	convInitStd = 0.02
	normInitStd = 0.02
)

// InitWeights re-initializes convolution weights from N(0, 0.02^2) and
// normalization weights from N(1, 0.02^2) with zero bias. Other layers, and
// convolution biases, are left untouched.
func InitWeights(layers []Layer, src rand.Source) {
	for _, l := range layers {
		switch l := l.(type) {
		case *Conv2d:
			l.Weight.FillNormal(0, convInitStd, src)
		case *InstanceNorm:
			l.Weight.FillNormal(1, normInitStd, src)
			l.Bias.Fill(0)
		}
	}
}
