package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"
)

// Dtype is the element type of every parameter and activation tensor.
var Dtype = tensor.Float64

// Param is a named learnable tensor. Value is the canonical storage; graph
// nodes bind to it and optimizers update it in place.
type Param struct {
	Name  string
	Value *tensor.Dense
}

// NewParam allocates a zero-filled parameter of the given shape.
func NewParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Value: tensor.New(tensor.Of(Dtype), tensor.WithShape(shape...)),
	}
}

// Data exposes the backing slice.
func (p *Param) Data() []float64 {
	return p.Value.Data().([]float64)
}

// Shape returns a copy of the parameter shape.
func (p *Param) Shape() []int {
	return append([]int(nil), p.Value.Shape()...)
}

// Fill sets every element to v.
func (p *Param) Fill(v float64) {
	data := p.Data()
	for i := range data {
		data[i] = v
	}
}

// FillNormal samples every element from N(mu, sigma^2).
func (p *Param) FillNormal(mu, sigma float64, src rand.Source) {
	dist := distuv.Normal{Mu: mu, Sigma: sigma, Src: src}
	data := p.Data()
	for i := range data {
		data[i] = dist.Rand()
	}
}

// FillUniform samples every element from U(-bound, bound).
func (p *Param) FillUniform(bound float64, src rand.Source) {
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	data := p.Data()
	for i := range data {
		data[i] = dist.Rand()
	}
}

// fanInBound is the default construction-time bound 1/sqrt(fanIn).
func fanInBound(fanIn int) float64 {
	if fanIn <= 0 {
		return 0
	}
	return 1 / math.Sqrt(float64(fanIn))
}
