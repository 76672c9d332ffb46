package nn

import (
	"fmt"
	"hash"
	"hash/fnv"
	"math"

	"github.com/chewxy/hm"
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const defaultNormEps = 1e-5

// InstanceNorm normalizes every (sample, channel) plane to zero mean and unit
// variance, then applies a per-channel scale and shift.
type InstanceNorm struct {
	Channels int
	Eps      float64

	Weight *Param // [1, C, 1, 1], starts at 1
	Bias   *Param // [1, C, 1, 1], starts at 0
}

// NewInstanceNorm builds an instance normalization over channels planes.
func NewInstanceNorm(name string, channels int) *InstanceNorm {
	n := &InstanceNorm{
		Channels: channels,
		Eps:      defaultNormEps,
		Weight:   NewParam(name+".weight", 1, channels, 1, 1),
		Bias:     NewParam(name+".bias", 1, channels, 1, 1),
	}
	n.Weight.Fill(1)
	return n
}

// Params implements Layer.
func (n *InstanceNorm) Params() []*Param {
	return []*Param{n.Weight, n.Bias}
}

// Forward implements Layer. The normalization and its affine transform run as
// one graph op with a hand-written backward pass.
func (n *InstanceNorm) Forward(b *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("instance norm expects a 4D input, got shape %v", shape)
	}
	if shape[1] != n.Channels {
		return nil, errors.Errorf("instance norm expects %d channels, got %d", n.Channels, shape[1])
	}
	out, err := gorgonia.ApplyOp(&instanceNormOp{eps: n.Eps}, x, b.Node(n.Weight), b.Node(n.Bias))
	if err != nil {
		return nil, errors.Wrap(err, "can't apply instance norm")
	}
	return out, nil
}

// instanceNormOp computes weight*(x-mean)/sqrt(var+eps) + bias with the
// statistics of each [H, W] plane. Inputs are x, weight and bias.
type instanceNormOp struct {
	eps float64
}

func (op *instanceNormOp) Arity() int { return 3 }

func (op *instanceNormOp) Type() hm.Type {
	t := gorgonia.TensorType{Dims: 4, Of: hm.TypeVariable('a')}
	return hm.NewFnType(t, t, t, t)
}

func (op *instanceNormOp) InferShape(inputs ...gorgonia.DimSizer) (tensor.Shape, error) {
	if len(inputs) != 3 {
		return nil, errors.Errorf("instance norm takes 3 inputs, got %d", len(inputs))
	}
	s, ok := inputs[0].(tensor.Shape)
	if !ok {
		return nil, errors.Errorf("instance norm input shape has type %T", inputs[0])
	}
	return s.Clone(), nil
}

func (op *instanceNormOp) Do(inputs ...gorgonia.Value) (gorgonia.Value, error) {
	in, err := normInputs(inputs, 3)
	if err != nil {
		return nil, err
	}
	x, weight, bias := in[0], in[1], in[2]
	p := newPlanes(x.Shape())
	xhat, _ := p.normalize(x.Data().([]float64), op.eps)
	w, bs := weight.Data().([]float64), bias.Data().([]float64)
	for plane := 0; plane < p.count; plane++ {
		c := plane % p.channels
		row := xhat[plane*p.size : (plane+1)*p.size]
		for i := range row {
			row[i] = row[i]*w[c] + bs[c]
		}
	}
	return tensor.New(tensor.WithShape(x.Shape().Clone()...), tensor.WithBacking(xhat)), nil
}

func (op *instanceNormOp) ReturnsPtr() bool     { return false }
func (op *instanceNormOp) CallsExtern() bool    { return false }
func (op *instanceNormOp) OverwritesInput() int { return -1 }

func (op *instanceNormOp) WriteHash(h hash.Hash) { fmt.Fprint(h, op.String()) }

func (op *instanceNormOp) Hashcode() uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

func (op *instanceNormOp) String() string { return fmt.Sprintf("InstanceNorm{eps: %g}", op.eps) }

func (op *instanceNormOp) DiffWRT(int) []bool { return []bool{true, true, true} }

func (op *instanceNormOp) SymDiff(inputs gorgonia.Nodes, output, grad *gorgonia.Node) (gorgonia.Nodes, error) {
	if len(inputs) != 3 {
		return nil, errors.Errorf("instance norm takes 3 inputs, got %d", len(inputs))
	}
	out := make(gorgonia.Nodes, 3)
	for wrt := range out {
		n, err := gorgonia.ApplyOp(&instanceNormDiffOp{eps: op.eps, wrt: wrt}, inputs[0], inputs[1], grad)
		if err != nil {
			return nil, err
		}
		out[wrt] = n
	}
	return out, nil
}

// instanceNormDiffOp maps (x, weight, output grad) to the gradient of one
// forward input: 0 for x, 1 for weight, 2 for bias.
type instanceNormDiffOp struct {
	eps float64
	wrt int
}

func (op *instanceNormDiffOp) Arity() int { return 3 }

func (op *instanceNormDiffOp) Type() hm.Type {
	t := gorgonia.TensorType{Dims: 4, Of: hm.TypeVariable('a')}
	return hm.NewFnType(t, t, t, t)
}

func (op *instanceNormDiffOp) InferShape(inputs ...gorgonia.DimSizer) (tensor.Shape, error) {
	if len(inputs) != 3 {
		return nil, errors.Errorf("instance norm gradient takes 3 inputs, got %d", len(inputs))
	}
	src := inputs[0]
	if op.wrt > 0 {
		// weight and bias share a shape
		src = inputs[1]
	}
	s, ok := src.(tensor.Shape)
	if !ok {
		return nil, errors.Errorf("instance norm gradient shape has type %T", src)
	}
	return s.Clone(), nil
}

func (op *instanceNormDiffOp) Do(inputs ...gorgonia.Value) (gorgonia.Value, error) {
	in, err := normInputs(inputs, 3)
	if err != nil {
		return nil, err
	}
	x, weight, grad := in[0], in[1], in[2]
	p := newPlanes(x.Shape())
	xhat, invStd := p.normalize(x.Data().([]float64), op.eps)
	g := grad.Data().([]float64)
	if len(g) != len(xhat) {
		return nil, errors.Errorf("instance norm gradient has %d values, want %d", len(g), len(xhat))
	}

	if op.wrt > 0 {
		out := make([]float64, p.channels)
		for plane := 0; plane < p.count; plane++ {
			c := plane % p.channels
			lo, hi := plane*p.size, (plane+1)*p.size
			for i := lo; i < hi; i++ {
				if op.wrt == 1 {
					out[c] += g[i] * xhat[i]
				} else {
					out[c] += g[i]
				}
			}
		}
		return tensor.New(tensor.WithShape(weight.Shape().Clone()...), tensor.WithBacking(out)), nil
	}

	// dx = w/std * (g - mean(g) - xhat*mean(g*xhat)) per plane
	w := weight.Data().([]float64)
	out := make([]float64, len(xhat))
	size := float64(p.size)
	for plane := 0; plane < p.count; plane++ {
		c := plane % p.channels
		lo, hi := plane*p.size, (plane+1)*p.size
		var sumG, sumGX float64
		for i := lo; i < hi; i++ {
			sumG += g[i]
			sumGX += g[i] * xhat[i]
		}
		meanG, meanGX := sumG/size, sumGX/size
		scale := w[c] * invStd[plane]
		for i := lo; i < hi; i++ {
			out[i] = scale * (g[i] - meanG - xhat[i]*meanGX)
		}
	}
	return tensor.New(tensor.WithShape(x.Shape().Clone()...), tensor.WithBacking(out)), nil
}

func (op *instanceNormDiffOp) ReturnsPtr() bool     { return false }
func (op *instanceNormDiffOp) CallsExtern() bool    { return false }
func (op *instanceNormDiffOp) OverwritesInput() int { return -1 }

func (op *instanceNormDiffOp) WriteHash(h hash.Hash) { fmt.Fprint(h, op.String()) }

func (op *instanceNormDiffOp) Hashcode() uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

func (op *instanceNormDiffOp) String() string {
	return fmt.Sprintf("InstanceNormDiff{eps: %g, wrt: %d}", op.eps, op.wrt)
}

// planes describes the [N*C] planes of [H*W] values in an NCHW tensor.
type planes struct {
	count, channels, size int
}

func newPlanes(s tensor.Shape) planes {
	return planes{count: s[0] * s[1], channels: s[1], size: s[2] * s[3]}
}

// normalize returns x standardized per plane, and 1/sqrt(var+eps) per plane.
// Variance is the biased estimate.
func (p planes) normalize(x []float64, eps float64) (xhat, invStd []float64) {
	xhat = make([]float64, len(x))
	invStd = make([]float64, p.count)
	size := float64(p.size)
	for plane := 0; plane < p.count; plane++ {
		row := x[plane*p.size : (plane+1)*p.size]
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= size
		var variance float64
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= size
		inv := 1 / math.Sqrt(variance+eps)
		invStd[plane] = inv
		dst := xhat[plane*p.size : (plane+1)*p.size]
		for i, v := range row {
			dst[i] = (v - mean) * inv
		}
	}
	return xhat, invStd
}

func normInputs(inputs []gorgonia.Value, arity int) ([]*tensor.Dense, error) {
	if len(inputs) != arity {
		return nil, errors.Errorf("instance norm takes %d inputs, got %d", arity, len(inputs))
	}
	out := make([]*tensor.Dense, arity)
	for i, v := range inputs {
		d, ok := v.(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("instance norm input %d has type %T", i, v)
		}
		if d.Dtype() != Dtype {
			return nil, errors.Errorf("instance norm input %d has dtype %v, want %v", i, d.Dtype(), Dtype)
		}
		if d.Dims() != 4 {
			return nil, errors.Errorf("instance norm input %d has shape %v, want 4D", i, d.Shape())
		}
		if d.RequiresIterator() {
			d = d.Materialize().(*tensor.Dense)
		}
		out[i] = d
	}
	return out, nil
}
