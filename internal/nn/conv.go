package nn

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Conv2d is a square-kernel 2D convolution with a per-channel bias.
type Conv2d struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int

	Weight *Param // [out, in, k, k]
	Bias   *Param // [1, out, 1, 1]
}

// NewConv2d builds a convolution whose weights and bias are drawn from
// U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func NewConv2d(name string, in, out, kernel, stride, padding int, src rand.Source) *Conv2d {
	c := &Conv2d{
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      NewParam(name+".weight", out, in, kernel, kernel),
		Bias:        NewParam(name+".bias", 1, out, 1, 1),
	}
	bound := fanInBound(in * kernel * kernel)
	c.Weight.FillUniform(bound, src)
	c.Bias.FillUniform(bound, src)
	return c
}

// Params implements Layer.
func (c *Conv2d) Params() []*Param {
	return []*Param{c.Weight, c.Bias}
}

// OutputSize returns the spatial extent produced from an input extent.
func (c *Conv2d) OutputSize(size int) int {
	return (size+2*c.Padding-c.Kernel)/c.Stride + 1
}

// Forward implements Layer.
func (c *Conv2d) Forward(b *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 4 {
		return nil, errors.Errorf("conv2d expects a 4D input, got shape %v", x.Shape())
	}
	if got := x.Shape()[1]; got != c.InChannels {
		return nil, errors.Errorf("conv2d expects %d input channels, got %d", c.InChannels, got)
	}
	out, err := gorgonia.Conv2d(
		x,
		b.Node(c.Weight),
		tensor.Shape{c.Kernel, c.Kernel},
		[]int{c.Padding, c.Padding},
		[]int{c.Stride, c.Stride},
		[]int{1, 1},
	)
	if err != nil {
		return nil, errors.Wrap(err, "can't convolve input by kernel")
	}
	out, err = gorgonia.BroadcastAdd(out, b.Node(c.Bias), nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "can't add bias to convolution output")
	}
	return out, nil
}
