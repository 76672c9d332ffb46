// Package trainer drives adversarial training of the generator and
// discriminator over epochs of paired batches.
package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"esrgan-forge/internal/checkpoint"
	"esrgan-forge/internal/config"
	"esrgan-forge/internal/dataset"
	"esrgan-forge/internal/device"
	"esrgan-forge/internal/metrics"
	"esrgan-forge/internal/model"
	"esrgan-forge/internal/nn"
	"esrgan-forge/internal/preview"
)

// Loader yields one epoch of batches per Batches call.
type Loader interface {
	// Len reports the number of batches per epoch.
	Len() int
	Batches(ctx context.Context) (<-chan model.Batch, <-chan error)
}

// State is the trainer lifecycle position.
type State int

const (
	StateIdle State = iota
	StateEpochRunning
	StateStepRunning
	StateSampling
	StateCheckpointing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEpochRunning:
		return "epoch"
	case StateStepRunning:
		return "step"
	case StateSampling:
		return "sampling"
	case StateCheckpointing:
		return "checkpointing"
	default:
		return "done"
	}
}

// StepMetrics records one completed step.
type StepMetrics struct {
	Epoch             int
	Step              int
	GeneratorLoss     float64
	DiscriminatorLoss float64
	RealLoss          float64
	FakeLoss          float64
	Duration          time.Duration
}

// Option customises a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger; the default is logrus' standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Trainer) { t.logger = l }
}

// WithRecorder exports step metrics to r.
func WithRecorder(r *metrics.Recorder) Option {
	return func(t *Trainer) { t.recorder = r }
}

// Trainer owns both networks, their optimizers and the checkpoint manager
// for one training session.
type Trainer struct {
	cfg      *config.Config
	loader   Loader
	logger   logrus.FieldLogger
	recorder *metrics.Recorder
	device   device.Device
	ckpt     *checkpoint.Manager
	outcome  checkpoint.Outcome

	gen        *model.Generator
	disc       *model.Discriminator
	genSolver  gorgonia.Solver
	discSolver gorgonia.Solver
	graphs     map[string]*phases

	state   State
	history []StepMetrics
}

// New selects the device, builds both networks and restores or initializes
// their weights from cfg.CheckpointDir.
func New(cfg *config.Config, loader Loader, opts ...Option) (*Trainer, error) {
	if cfg == nil {
		return nil, errors.New("trainer: nil config")
	}
	if loader == nil {
		return nil, errors.New("trainer: nil loader")
	}
	t := &Trainer{cfg: cfg, loader: loader, graphs: make(map[string]*phases)}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logrus.StandardLogger()
	}

	dev, err := device.Select(cfg.Device)
	if err != nil {
		return nil, errors.Wrap(err, "trainer: select device")
	}
	t.device = dev
	t.logger.WithFields(dev.Fields()).Info("using device")

	seed := uint64(cfg.Seed)
	t.gen, err = model.NewGenerator(dataset.Channels, dataset.Channels, cfg.NF, cfg.ScaleFactor, rand.NewPCG(seed, 1))
	if err != nil {
		return nil, errors.Wrap(err, "trainer: build generator")
	}
	t.disc, err = model.NewDiscriminator(
		model.WithNumConvBlock(cfg.NumConvBlock),
		model.WithBaseWidth(cfg.DBaseWidth),
		model.WithInChannels(dataset.Channels),
		model.WithDiscriminatorSource(rand.NewPCG(seed, 2)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "trainer: build discriminator")
	}

	layout, err := checkpoint.ParseLayout(cfg.CheckpointLayout)
	if err != nil {
		return nil, err
	}
	t.ckpt = checkpoint.NewManager(cfg.CheckpointDir, layout, t.logger, rand.NewPCG(seed, 3))
	if t.outcome, err = t.ckpt.ResumeOrInit(t.gen, t.disc, cfg.Epoch); err != nil {
		return nil, errors.Wrap(err, "trainer: restore weights")
	}

	t.genSolver = gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.LR))
	t.discSolver = gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.LR))
	return t, nil
}

// Generator returns the generator being trained.
func (t *Trainer) Generator() *model.Generator { return t.gen }

// Discriminator returns the discriminator being trained.
func (t *Trainer) Discriminator() *model.Discriminator { return t.disc }

// Outcome reports how weights were obtained at construction.
func (t *Trainer) Outcome() checkpoint.Outcome { return t.outcome }

// State reports the lifecycle position.
func (t *Trainer) State() State { return t.state }

// History returns a copy of every step recorded so far.
func (t *Trainer) History() []StepMetrics {
	return append([]StepMetrics(nil), t.history...)
}

// Close releases the compiled graphs.
func (t *Trainer) Close() error {
	var first error
	for key, p := range t.graphs {
		if err := p.close(); err != nil && first == nil {
			first = err
		}
		delete(t.graphs, key)
	}
	return first
}

// Train runs epochs cfg.Epoch through cfg.NumEpoch-1, saving a checkpoint
// after each. The first error aborts the run.
func (t *Trainer) Train(ctx context.Context) error {
	defer func() { t.state = StateDone }()
	total := t.loader.Len()
	for epoch := t.cfg.Epoch; epoch < t.cfg.NumEpoch; epoch++ {
		t.state = StateEpochRunning
		if t.recorder != nil {
			t.recorder.SetEpoch(epoch)
		}
		if err := t.runEpoch(ctx, epoch, total); err != nil {
			return err
		}

		t.state = StateCheckpointing
		if err := t.ckpt.Save(epoch, t.gen, t.disc); err != nil {
			return errors.Wrapf(err, "save epoch %d", epoch)
		}
		if t.recorder != nil {
			t.recorder.CheckpointSaved()
		}
		t.logger.WithField("epoch", epoch).Info("epoch complete")
	}
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch, total int) error {
	epochDir := filepath.Join(t.cfg.SampleDir, fmt.Sprint(epoch))
	if err := os.MkdirAll(epochDir, 0o755); err != nil {
		return errors.Wrap(err, "create sample dir")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := t.loader.Batches(ctx)

	var window metrics.Window
	for step := 0; ; step++ {
		startData := time.Now()
		batch, ok, err := nextBatch(ctx, batches, errs)
		if err != nil {
			return errors.Wrapf(err, "epoch %d step %d", epoch, step)
		}
		if !ok {
			return nil
		}
		dataTime := time.Since(startData)

		t.state = StateStepRunning
		startCompute := time.Now()
		m, fake, err := t.step(batch)
		if err != nil {
			return errors.Wrapf(err, "epoch %d step %d", epoch, step)
		}
		computeTime := time.Since(startCompute)
		m.Epoch, m.Step, m.Duration = epoch, step, computeTime
		t.history = append(t.history, m)
		window.Record(batch.Size(), dataTime, computeTime, m.GeneratorLoss, m.DiscriminatorLoss)
		if t.recorder != nil {
			t.recorder.ObserveStep(batch.Size(), dataTime, computeTime, m.GeneratorLoss, m.DiscriminatorLoss)
		}

		if step%t.cfg.LogEvery == 0 {
			snap := window.Snapshot()
			t.logger.WithFields(logrus.Fields{
				"epoch":          epoch,
				"num_epoch":      t.cfg.NumEpoch,
				"batch":          step,
				"batches":        total,
				"d_loss":         m.DiscriminatorLoss,
				"g_loss":         m.GeneratorLoss,
				"images_per_sec": math.Round(snap.ImagesPerSec*10) / 10,
				"data_ms":        snap.AvgDataMS,
				"compute_ms":     snap.AvgComputeMS,
			}).Info("training progress")

			if step%t.cfg.SampleEvery == 0 {
				t.state = StateSampling
				path := filepath.Join(epochDir, preview.FileName(step))
				if err := preview.Save(path, batch.HR, fake); err != nil {
					return errors.Wrapf(err, "epoch %d step %d", epoch, step)
				}
			}
		}
		t.state = StateEpochRunning
	}
}

// nextBatch waits for one batch. ok is false once the epoch is exhausted.
func nextBatch(ctx context.Context, batches <-chan model.Batch, errs <-chan error) (model.Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, false, err
	}
	for {
		select {
		case <-ctx.Done():
			return model.Batch{}, false, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return model.Batch{}, false, err
			}
			if !ok {
				errs = nil
			}
		case batch, ok := <-batches:
			if !ok {
				if errs != nil {
					if err := <-errs; err != nil {
						return model.Batch{}, false, err
					}
				}
				return model.Batch{}, false, nil
			}
			return batch, true, nil
		}
	}
}

// step performs the generator update followed by the discriminator update
// on one batch, returning the losses and the generated images.
func (t *Trainer) step(batch model.Batch) (StepMetrics, *tensor.Dense, error) {
	var m StepMetrics
	if err := t.device.Check(batch.LR, batch.HR); err != nil {
		return m, nil, err
	}
	n := batch.Size()
	if n == 0 || batch.LR.Shape()[0] != n {
		return m, nil, errors.Errorf("batch sizes disagree: lr %v hr %v", batch.LR.Shape(), batch.HR.Shape())
	}
	valid := nn.Labels(n, nn.ValidLabel)
	fakeLabels := nn.Labels(n, nn.FakeLabel)

	p, err := t.phasesFor(batch)
	if err != nil {
		return m, nil, err
	}
	gLoss, fake, err := p.gen.run(t.genSolver, t.gen, batch.LR, valid)
	if err != nil {
		return m, nil, err
	}
	dLoss, err := p.disc.run(t.discSolver, t.disc, batch.HR, fake, valid, fakeLabels)
	if err != nil {
		return m, nil, err
	}
	if math.IsNaN(gLoss) || math.IsNaN(dLoss.total) {
		return m, nil, errors.Errorf("loss is NaN (g=%v d=%v)", gLoss, dLoss.total)
	}
	m.GeneratorLoss = gLoss
	m.DiscriminatorLoss = dLoss.total
	m.RealLoss = dLoss.real
	m.FakeLoss = dLoss.fake
	return m, fake, nil
}

func (t *Trainer) phasesFor(batch model.Batch) (*phases, error) {
	key := fmt.Sprint(batch.LR.Shape(), batch.HR.Shape())
	if p, ok := t.graphs[key]; ok {
		return p, nil
	}
	genPhase, err := newGeneratorPhase(t.gen, t.disc, batch.LR.Shape())
	if err != nil {
		return nil, err
	}
	discPhase, err := newDiscriminatorPhase(t.disc, batch.HR.Shape())
	if err != nil {
		genPhase.close()
		return nil, err
	}
	p := &phases{gen: genPhase, disc: discPhase}
	t.graphs[key] = p
	t.logger.WithField("shape", key).Debug("compiled training graphs")
	return p, nil
}
