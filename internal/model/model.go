package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"esrgan-forge/internal/nn"
)

// Batch is a minibatch of paired low/high resolution images, NCHW.
type Batch struct {
	LR *tensor.Dense
	HR *tensor.Dense
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	if b.HR == nil {
		return 0
	}
	return b.HR.Shape()[0]
}

// Network is a trainable image-to-image or image-to-score transform.
type Network interface {
	Name() string
	// Layers returns the leaf layers, used for weight initialization.
	Layers() []nn.Layer
	// Params returns every learnable parameter in a stable order.
	Params() []*nn.Param
	Forward(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error)
}
