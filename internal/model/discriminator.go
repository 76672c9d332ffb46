package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"

	"esrgan-forge/internal/nn"
)

const (
	DefaultNumConvBlock = 7
	DefaultBaseWidth    = 64
	DefaultActivation   = "leakyrelu"

	discriminatorName = "discriminator"
	convKernel        = 3
)

// DiscriminatorOption configures NewDiscriminator.
type DiscriminatorOption func(*discriminatorConfig)

type discriminatorConfig struct {
	numConvBlock int
	baseWidth    int
	inChannels   int
	activation   string
	src          rand.Source
}

// WithNumConvBlock sets the number of {stride-1, stride-2} stages.
func WithNumConvBlock(n int) DiscriminatorOption {
	return func(c *discriminatorConfig) { c.numConvBlock = n }
}

// WithBaseWidth sets the channel width of the first stage.
func WithBaseWidth(w int) DiscriminatorOption {
	return func(c *discriminatorConfig) { c.baseWidth = w }
}

// WithInChannels sets the number of image channels.
func WithInChannels(n int) DiscriminatorOption {
	return func(c *discriminatorConfig) { c.inChannels = n }
}

// WithActivation sets the activation token used inside the feature stack.
func WithActivation(token string) DiscriminatorOption {
	return func(c *discriminatorConfig) { c.activation = token }
}

// WithDiscriminatorSource sets the random source for construction-time weights.
func WithDiscriminatorSource(src rand.Source) DiscriminatorOption {
	return func(c *discriminatorConfig) { c.src = src }
}

// Discriminator is a PatchGAN classifier: a stack of normalized conv stages
// followed by a 1x1 head whose sigmoid output scores every patch.
type Discriminator struct {
	numConvBlock int
	features     nn.Sequential
	head         nn.Sequential
	stages       []*nn.Conv2d
}

// NewDiscriminator assembles the layer stack.
func NewDiscriminator(opts ...DiscriminatorOption) (*Discriminator, error) {
	cfg := discriminatorConfig{
		numConvBlock: DefaultNumConvBlock,
		baseWidth:    DefaultBaseWidth,
		inChannels:   3,
		activation:   DefaultActivation,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.numConvBlock <= 0 {
		return nil, errors.Errorf("num_conv_block must be > 0 (got %d)", cfg.numConvBlock)
	}
	if cfg.baseWidth <= 0 {
		return nil, errors.Errorf("base width must be > 0 (got %d)", cfg.baseWidth)
	}
	if cfg.src == nil {
		cfg.src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	if _, err := nn.Activation(cfg.activation); err != nil {
		return nil, err
	}

	d := &Discriminator{numConvBlock: cfg.numConvBlock}
	in, width := cfg.inChannels, cfg.baseWidth
	for i := 0; i < cfg.numConvBlock; i++ {
		prefix := fmt.Sprintf("%s.features.%d", discriminatorName, i)
		same := nn.NewConv2d(prefix+".conv", in, width, convKernel, 1, convKernel/2, cfg.src)
		down := nn.NewConv2d(prefix+".down", width, width, convKernel, 2, 1, cfg.src)
		act, _ := nn.Activation(cfg.activation)
		d.features = append(d.features,
			same, nn.NewInstanceNorm(prefix+".norm", width), act,
			down, nn.NewInstanceNorm(prefix+".down_norm", width), act,
		)
		d.stages = append(d.stages, same, down)
		in = width
		width *= 2
	}

	d.head = nn.Sequential{
		nn.NewConv2d(discriminatorName+".head.0", in, in*2, 1, 1, 0, cfg.src),
		nn.LeakyReLU{Slope: nn.DefaultLeakySlope},
		nn.NewConv2d(discriminatorName+".head.1", in*2, 1, 1, 1, 0, cfg.src),
		nn.Sigmoid{},
	}
	return d, nil
}

// Name implements Network.
func (d *Discriminator) Name() string { return discriminatorName }

// Layers implements Network.
func (d *Discriminator) Layers() []nn.Layer {
	return nn.Sequential{d.features, d.head}.Layers()
}

// Params implements Network.
func (d *Discriminator) Params() []*nn.Param {
	return nn.Sequential{d.features, d.head}.Params()
}

// Forward implements Network and returns a [N,1,H'',W''] probability map.
func (d *Discriminator) Forward(b *nn.Binding, x *gorgonia.Node) (*gorgonia.Node, error) {
	feat, err := d.features.Forward(b, x)
	if err != nil {
		return nil, errors.Wrap(err, "discriminator features")
	}
	out, err := d.head.Forward(b, feat)
	if err != nil {
		return nil, errors.Wrap(err, "discriminator head")
	}
	return out, nil
}

// OutputShape is the probability map shape for an n x C x h x w input.
func (d *Discriminator) OutputShape(n, h, w int) []int {
	for _, conv := range d.stages {
		h, w = conv.OutputSize(h), conv.OutputSize(w)
	}
	return []int{n, 1, h, w}
}
