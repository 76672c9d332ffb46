package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"

	"esrgan-forge/internal/nn"
)

const generatorName = "generator"

// Generator upsamples an image by an integer scale factor: a 3x3 stem at nf
// channels, one nearest-upsample + conv stage per factor of two, and a 3x3
// projection back to image channels.
type Generator struct {
	scale int
	body  nn.Sequential
}

// NewGenerator builds a generator mapping inChannels to outChannels.
func NewGenerator(inChannels, outChannels, nf, scale int, src rand.Source) (*Generator, error) {
	if nf <= 0 {
		return nil, errors.Errorf("nf must be > 0 (got %d)", nf)
	}
	if scale <= 0 {
		return nil, errors.Errorf("scale factor must be > 0 (got %d)", scale)
	}
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	lrelu := nn.LeakyReLU{Slope: nn.DefaultLeakySlope}

	g := &Generator{scale: scale}
	g.body = append(g.body,
		nn.NewConv2d(generatorName+".stem", inChannels, nf, 3, 1, 1, src),
		lrelu,
	)
	for i, factor := range upsampleFactors(scale) {
		g.body = append(g.body,
			nn.Upsample{Scale: factor},
			nn.NewConv2d(fmt.Sprintf("%s.up.%d", generatorName, i), nf, nf, 3, 1, 1, src),
			lrelu,
		)
	}
	g.body = append(g.body,
		nn.NewConv2d(generatorName+".hr", nf, nf, 3, 1, 1, src),
		lrelu,
		nn.NewConv2d(generatorName+".out", nf, outChannels, 3, 1, 1, src),
	)
	return g, nil
}

// Scale returns the upsampling factor.
func (g *Generator) Scale() int { return g.scale }

// Name implements Network.
func (g *Generator) Name() string { return generatorName }

// Layers implements Network.
func (g *Generator) Layers() []nn.Layer { return g.body.Layers() }

// Params implements Network.
func (g *Generator) Params() []*nn.Param { return g.body.Params() }

// Forward implements Network.
func (g *Generator) Forward(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := g.body.Forward(b, x)
	if err != nil {
		return nil, errors.Wrap(err, "generator")
	}
	return out, nil
}

// upsampleFactors splits scale into x2 stages when it is a power of two.
func upsampleFactors(scale int) []int {
	if scale == 1 {
		return nil
	}
	if scale&(scale-1) != 0 {
		return []int{scale}
	}
	var out []int
	for s := scale; s > 1; s /= 2 {
		out = append(out, 2)
	}
	return out
}
