package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Binding maps parameters to input nodes of one expression graph. A network
// may be bound into several graphs at once; all of them share the parameter
// storage.
type Binding struct {
	g     *gorgonia.ExprGraph
	nodes map[*Param]*gorgonia.Node
	order []*Param
}

// NewBinding returns an empty binding over g.
func NewBinding(g *gorgonia.ExprGraph) *Binding {
	return &Binding{g: g, nodes: make(map[*Param]*gorgonia.Node)}
}

// Graph returns the bound graph.
func (b *Binding) Graph() *gorgonia.ExprGraph { return b.g }

// Node returns the graph node for p, creating it on first use.
func (b *Binding) Node(p *Param) *gorgonia.Node {
	if n, ok := b.nodes[p]; ok {
		return n
	}
	n := gorgonia.NewTensor(b.g, Dtype, p.Value.Dims(),
		gorgonia.WithShape(p.Value.Shape()...),
		gorgonia.WithName(p.Name),
		gorgonia.WithValue(p.Value),
	)
	b.nodes[p] = n
	b.order = append(b.order, p)
	return n
}

// Nodes returns the nodes for params in the same order.
func (b *Binding) Nodes(params []*Param) gorgonia.Nodes {
	out := make(gorgonia.Nodes, len(params))
	for i, p := range params {
		out[i] = b.Node(p)
	}
	return out
}

// Refresh rebinds every node to its parameter storage. Call before running
// the graph so updates made through other graphs are visible.
func (b *Binding) Refresh() error {
	for _, p := range b.order {
		if err := gorgonia.Let(b.nodes[p], p.Value); err != nil {
			return errors.Wrapf(err, "can't bind %s", p.Name)
		}
	}
	return nil
}

// Commit copies node values back into parameter storage when the machine
// holds its own copy.
func (b *Binding) Commit(params []*Param) {
	for _, p := range params {
		n, ok := b.nodes[p]
		if !ok {
			continue
		}
		v, ok := n.Value().(*tensor.Dense)
		if !ok || v == p.Value {
			continue
		}
		copy(p.Data(), v.Data().([]float64))
	}
}
