package nn

import (
	"fmt"
	"strings"

	"gorgonia.org/gorgonia"
)

// DefaultLeakySlope is the negative slope used by leaky activations.
const DefaultLeakySlope = 0.2

// LeakyReLU is max(x, slope*x).
type LeakyReLU struct {
	Slope float64
}

func (LeakyReLU) Params() []*Param { return nil }

func (a LeakyReLU) Forward(_ *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	return gorgonia.LeakyRelu(x, a.Slope)
}

// ReLU is max(x, 0).
type ReLU struct{}

func (ReLU) Params() []*Param { return nil }

func (ReLU) Forward(_ *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	return gorgonia.Rectify(x)
}

// Sigmoid maps logits to probabilities.
type Sigmoid struct{}

func (Sigmoid) Params() []*Param { return nil }

func (Sigmoid) Forward(_ *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	return gorgonia.Sigmoid(x)
}

// Activation resolves an activation token such as "leakyrelu" or "relu".
func Activation(token string) (Layer, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "leakyrelu", "leaky_relu", "lrelu", "leackyrelu":
		return LeakyReLU{Slope: DefaultLeakySlope}, nil
	case "relu":
		return ReLU{}, nil
	default:
		return nil, fmt.Errorf("unknown activation %q", token)
	}
}
