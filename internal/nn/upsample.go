package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Upsample repeats every pixel Scale times along height and width.
type Upsample struct {
	Scale int
}

func (Upsample) Params() []*Param { return nil }

// Forward implements Layer. Nearest-neighbour upsampling is expressed as
// reshape+concat so its gradient is the sum over each repeated block.
func (u Upsample) Forward(_ *Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	if u.Scale <= 1 {
		return x, nil
	}
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("upsample expects a 4D input, got shape %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	s := u.Scale

	cols, err := gorgonia.Reshape(x, tensor.Shape{n, c, h, w, 1})
	if err != nil {
		return nil, err
	}
	if cols, err = gorgonia.Concat(4, repeatNode(cols, s)...); err != nil {
		return nil, errors.Wrap(err, "can't repeat columns")
	}
	rows, err := gorgonia.Reshape(cols, tensor.Shape{n, c, h, 1, w * s})
	if err != nil {
		return nil, err
	}
	if rows, err = gorgonia.Concat(3, repeatNode(rows, s)...); err != nil {
		return nil, errors.Wrap(err, "can't repeat rows")
	}
	return gorgonia.Reshape(rows, tensor.Shape{n, c, h * s, w * s})
}

func repeatNode(x *gorgonia.Node, times int) gorgonia.Nodes {
	out := make(gorgonia.Nodes, times)
	for i := range out {
		out[i] = x
	}
	return out
}
