package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// Kind classifies a layer for weight initialization.
type Kind int

const (
	KindOther Kind = iota
	KindConv
	KindNorm
)

func (k Kind) String() string {
	switch k {
	case KindConv:
		return "conv"
	case KindNorm:
		return "norm"
	default:
		return "other"
	}
}

// Layer is one differentiable stage of a network.
type Layer interface {
	// Params returns the learnable parameters in a stable order.
	Params() []*Param
	// Forward appends the layer's ops to the graph owned by b.
	Forward(b *Binding, x *gorgonia.Node) (*gorgonia.Node, error)
}

// KindOf reports the structural kind of l.
func KindOf(l Layer) Kind {
	switch l.(type) {
	case *Conv2d:
		return KindConv
	case *InstanceNorm:
		return KindNorm
	default:
		return KindOther
	}
}

// Sequential chains layers in order.
type Sequential []Layer

// Params implements Layer.
func (s Sequential) Params() []*Param {
	var out []*Param
	for _, l := range s {
		out = append(out, l.Params()...)
	}
	return out
}

// Forward implements Layer.
func (s Sequential) Forward(b *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	var err error
	for i, l := range s {
		if x, err = l.Forward(b, x); err != nil {
			return nil, errors.Wrapf(err, "layer #%d", i)
		}
	}
	return x, nil
}

// Layers flattens nested Sequentials into leaf layers.
func (s Sequential) Layers() []Layer {
	var out []Layer
	for _, l := range s {
		if nested, ok := l.(Sequential); ok {
			out = append(out, nested.Layers()...)
			continue
		}
		out = append(out, l)
	}
	return out
}
