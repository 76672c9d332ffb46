package trainer

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"esrgan-forge/internal/model"
	"esrgan-forge/internal/nn"
)

// generatorPhase scores G(lr) with the discriminator and differentiates the
// adversarial loss with respect to the generator only. Discriminator
// parameters enter the graph as plain inputs and receive no update.
type generatorPhase struct {
	gen, disc *nn.Binding
	genNodes  gorgonia.Nodes
	lr        *gorgonia.Node
	target    *gorgonia.Node
	vm        gorgonia.VM

	loss gorgonia.Value
	fake gorgonia.Value
}

func newGeneratorPhase(gen, disc model.Network, lrShape tensor.Shape) (*generatorPhase, error) {
	g := gorgonia.NewGraph()
	p := &generatorPhase{gen: nn.NewBinding(g), disc: nn.NewBinding(g)}
	p.lr = gorgonia.NewTensor(g, nn.Dtype, 4, gorgonia.WithShape(lrShape...), gorgonia.WithName("lr"))

	fake, err := gen.Forward(p.gen, p.lr)
	if err != nil {
		return nil, errors.Wrap(err, "generator forward")
	}
	pred, err := disc.Forward(p.disc, fake)
	if err != nil {
		return nil, errors.Wrap(err, "discriminator forward on generated images")
	}
	p.target = gorgonia.NewTensor(g, nn.Dtype, pred.Dims(), gorgonia.WithShape(pred.Shape()...), gorgonia.WithName("valid"))
	loss, err := nn.BCE(pred, p.target)
	if err != nil {
		return nil, errors.Wrap(err, "generator loss")
	}
	gorgonia.Read(loss, &p.loss)
	gorgonia.Read(fake, &p.fake)

	p.genNodes = p.gen.Nodes(gen.Params())
	if _, err := gorgonia.Grad(loss, p.genNodes...); err != nil {
		return nil, errors.Wrap(err, "generator gradients")
	}
	p.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(p.genNodes...))
	return p, nil
}

// run executes one generator update and returns the loss and a copy of the
// generated batch.
func (p *generatorPhase) run(solver gorgonia.Solver, gen model.Network, lr, valid *tensor.Dense) (float64, *tensor.Dense, error) {
	loss, err := p.execute(lr, valid)
	if err != nil {
		return 0, nil, err
	}
	fake, ok := p.fake.(*tensor.Dense)
	if !ok {
		return 0, nil, errors.Errorf("generated batch has type %T", p.fake)
	}
	fake = fake.Clone().(*tensor.Dense)

	if err := solver.Step(gorgonia.NodesToValueGrads(p.genNodes)); err != nil {
		return 0, nil, errors.Wrap(err, "generator optimizer step")
	}
	p.gen.Commit(gen.Params())
	return loss, fake, nil
}

// execute runs the graph once against the current parameters. The generator
// gradients hold d(loss)/d(param) for this batch alone when it returns.
func (p *generatorPhase) execute(lr, valid *tensor.Dense) (float64, error) {
	defer p.vm.Reset()
	if err := p.gen.Refresh(); err != nil {
		return 0, err
	}
	if err := p.disc.Refresh(); err != nil {
		return 0, err
	}
	target, err := nn.ExpandLabels(valid, p.target.Shape())
	if err != nil {
		return 0, errors.Wrap(err, "valid labels")
	}
	if err := gorgonia.Let(p.lr, lr); err != nil {
		return 0, errors.Wrap(err, "bind lr")
	}
	if err := gorgonia.Let(p.target, target); err != nil {
		return 0, errors.Wrap(err, "bind valid labels")
	}
	zeroGrads(p.genNodes)
	if err := p.vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "generator phase")
	}
	return scalar(p.loss)
}

func (p *generatorPhase) close() error { return p.vm.Close() }

// discriminatorPhase scores real and generated batches with one set of
// discriminator nodes. The generated batch is an input, so no gradient flows
// back into the generator.
type discriminatorPhase struct {
	disc       *nn.Binding
	discNodes  gorgonia.Nodes
	hr, fake   *gorgonia.Node
	realTarget *gorgonia.Node
	fakeTarget *gorgonia.Node
	vm         gorgonia.VM

	loss     gorgonia.Value
	realLoss gorgonia.Value
	fakeLoss gorgonia.Value
}

func newDiscriminatorPhase(disc model.Network, hrShape tensor.Shape) (*discriminatorPhase, error) {
	g := gorgonia.NewGraph()
	p := &discriminatorPhase{disc: nn.NewBinding(g)}
	p.hr = gorgonia.NewTensor(g, nn.Dtype, 4, gorgonia.WithShape(hrShape...), gorgonia.WithName("hr"))
	p.fake = gorgonia.NewTensor(g, nn.Dtype, 4, gorgonia.WithShape(hrShape...), gorgonia.WithName("fake_hr"))

	realPred, err := disc.Forward(p.disc, p.hr)
	if err != nil {
		return nil, errors.Wrap(err, "discriminator forward on real images")
	}
	fakePred, err := disc.Forward(p.disc, p.fake)
	if err != nil {
		return nil, errors.Wrap(err, "discriminator forward on generated images")
	}
	p.realTarget = gorgonia.NewTensor(g, nn.Dtype, realPred.Dims(), gorgonia.WithShape(realPred.Shape()...), gorgonia.WithName("valid"))
	p.fakeTarget = gorgonia.NewTensor(g, nn.Dtype, fakePred.Dims(), gorgonia.WithShape(fakePred.Shape()...), gorgonia.WithName("fake"))

	realLoss, err := nn.BCE(realPred, p.realTarget)
	if err != nil {
		return nil, errors.Wrap(err, "real loss")
	}
	fakeLoss, err := nn.BCE(fakePred, p.fakeTarget)
	if err != nil {
		return nil, errors.Wrap(err, "fake loss")
	}
	sum, err := gorgonia.Add(realLoss, fakeLoss)
	if err != nil {
		return nil, errors.Wrap(err, "discriminator loss")
	}
	loss, err := gorgonia.Div(sum, gorgonia.NewConstant(2.0))
	if err != nil {
		return nil, errors.Wrap(err, "discriminator loss")
	}
	gorgonia.Read(loss, &p.loss)
	gorgonia.Read(realLoss, &p.realLoss)
	gorgonia.Read(fakeLoss, &p.fakeLoss)

	p.discNodes = p.disc.Nodes(disc.Params())
	if _, err := gorgonia.Grad(loss, p.discNodes...); err != nil {
		return nil, errors.Wrap(err, "discriminator gradients")
	}
	p.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(p.discNodes...))
	return p, nil
}

type discriminatorLoss struct {
	total, real, fake float64
}

func (p *discriminatorPhase) run(solver gorgonia.Solver, disc model.Network, hr, fake, valid, fakeLabels *tensor.Dense) (discriminatorLoss, error) {
	out, err := p.execute(hr, fake, valid, fakeLabels)
	if err != nil {
		return out, err
	}
	if err := solver.Step(gorgonia.NodesToValueGrads(p.discNodes)); err != nil {
		return out, errors.Wrap(err, "discriminator optimizer step")
	}
	p.disc.Commit(disc.Params())
	return out, nil
}

// execute runs the graph once and leaves this batch's discriminator gradients
// on the parameter nodes.
func (p *discriminatorPhase) execute(hr, fake, valid, fakeLabels *tensor.Dense) (discriminatorLoss, error) {
	var out discriminatorLoss
	defer p.vm.Reset()
	if err := p.disc.Refresh(); err != nil {
		return out, err
	}
	realTarget, err := nn.ExpandLabels(valid, p.realTarget.Shape())
	if err != nil {
		return out, errors.Wrap(err, "valid labels")
	}
	fakeTarget, err := nn.ExpandLabels(fakeLabels, p.fakeTarget.Shape())
	if err != nil {
		return out, errors.Wrap(err, "fake labels")
	}
	for _, bind := range []struct {
		n *gorgonia.Node
		v *tensor.Dense
	}{{p.hr, hr}, {p.fake, fake}, {p.realTarget, realTarget}, {p.fakeTarget, fakeTarget}} {
		if err := gorgonia.Let(bind.n, bind.v); err != nil {
			return out, errors.Wrapf(err, "bind %s", bind.n.Name())
		}
	}
	zeroGrads(p.discNodes)
	if err := p.vm.RunAll(); err != nil {
		return out, errors.Wrap(err, "discriminator phase")
	}
	for _, v := range []struct {
		dst *float64
		val gorgonia.Value
	}{{&out.total, p.loss}, {&out.real, p.realLoss}, {&out.fake, p.fakeLoss}} {
		if *v.dst, err = scalar(v.val); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (p *discriminatorPhase) close() error { return p.vm.Close() }

// zeroGrads clears the dual-value gradients of nodes. The tape machine
// accumulates into them across runs.
func zeroGrads(nodes gorgonia.Nodes) {
	for _, n := range nodes {
		if g, err := n.Grad(); err == nil && g != nil {
			gorgonia.ZeroValue(g)
		}
	}
}

func scalar(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, errors.New("loss was not computed")
	}
	f, ok := v.Data().(float64)
	if !ok {
		return 0, errors.Errorf("loss has type %T", v.Data())
	}
	return f, nil
}

// phases caches both compiled graphs for one batch geometry.
type phases struct {
	gen  *generatorPhase
	disc *discriminatorPhase
}

func (p *phases) close() error {
	err := p.gen.close()
	if derr := p.disc.close(); err == nil {
		err = derr
	}
	return err
}
