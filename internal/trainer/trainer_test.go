package trainer

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"esrgan-forge/internal/checkpoint"
	"esrgan-forge/internal/config"
	"esrgan-forge/internal/metrics"
	"esrgan-forge/internal/model"
	"esrgan-forge/internal/nn"
)

type sliceLoader struct {
	batches []model.Batch
	err     error
}

func (l *sliceLoader) Len() int { return len(l.batches) }

func (l *sliceLoader) Batches(ctx context.Context) (<-chan model.Batch, <-chan error) {
	out := make(chan model.Batch, len(l.batches))
	errs := make(chan error, 1)
	for _, b := range l.batches {
		out <- b
	}
	if l.err != nil {
		errs <- l.err
	}
	close(out)
	close(errs)
	return out, errs
}

func randomBatch(n, side, scale int, seed uint64) model.Batch {
	rng := rand.New(rand.NewPCG(seed, seed))
	fill := func(shape ...int) *tensor.Dense {
		size := 1
		for _, d := range shape {
			size *= d
		}
		data := make([]float64, size)
		for i := range data {
			data[i] = rng.Float64()
		}
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
	}
	return model.Batch{
		LR: fill(n, 3, side/scale, side/scale),
		HR: fill(n, 3, side, side),
	}
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DataRoots = []string{"unused"}
	cfg.NumEpoch = 1
	cfg.Epoch = 0
	cfg.ImageSize = 8
	cfg.ScaleFactor = 2
	cfg.LR = 1e-3
	cfg.BatchSize = 4
	cfg.NF = 4
	cfg.NumConvBlock = 2
	cfg.DBaseWidth = 2
	cfg.Seed = 7
	cfg.CheckpointDir = filepath.Join(dir, "ckpt")
	cfg.SampleDir = filepath.Join(dir, "samples")
	cfg.CheckpointLayout = string(checkpoint.LayoutPerNetwork)
	require.NoError(t, cfg.Validate())
	return cfg
}

func snapshot(params []*nn.Param) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = append([]float64(nil), p.Data()...)
	}
	return out
}

func TestTrainEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	loader := &sliceLoader{batches: []model.Batch{randomBatch(4, 8, 2, 1), randomBatch(4, 8, 2, 2)}}
	logger, hook := test.NewNullLogger()
	rec := metrics.NewRecorder()

	tr, err := New(cfg, loader, WithLogger(logger), WithRecorder(rec))
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, checkpoint.OutcomeEmpty, tr.Outcome())
	assert.Equal(t, StateIdle, tr.State())

	genBefore := snapshot(tr.Generator().Params())
	discBefore := snapshot(tr.Discriminator().Params())

	require.NoError(t, tr.Train(context.Background()))
	assert.Equal(t, StateDone, tr.State())

	history := tr.History()
	require.Len(t, history, 2)
	for i, m := range history {
		assert.Equal(t, 0, m.Epoch)
		assert.Equal(t, i, m.Step)
		assert.False(t, math.IsNaN(m.GeneratorLoss) || math.IsInf(m.GeneratorLoss, 0))
		assert.False(t, math.IsNaN(m.DiscriminatorLoss) || math.IsInf(m.DiscriminatorLoss, 0))
		assert.InDelta(t, (m.RealLoss+m.FakeLoss)/2, m.DiscriminatorLoss, 1e-9)
	}

	assert.FileExists(t, filepath.Join(cfg.CheckpointDir, "0", "generator_0.ckpt"))
	assert.FileExists(t, filepath.Join(cfg.CheckpointDir, "0", "discriminator_0.ckpt"))
	assert.FileExists(t, filepath.Join(cfg.SampleDir, "0", "SR_0.png"))
	assert.NoFileExists(t, filepath.Join(cfg.SampleDir, "0", "SR_1.png"))

	assert.NotEqual(t, genBefore, snapshot(tr.Generator().Params()))
	assert.NotEqual(t, discBefore, snapshot(tr.Discriminator().Params()))

	var progress int
	for _, e := range hook.AllEntries() {
		if e.Message == "training progress" {
			progress++
			assert.Equal(t, logrus.InfoLevel, e.Level)
			assert.Contains(t, e.Data, "d_loss")
			assert.Contains(t, e.Data, "g_loss")
		}
	}
	assert.Equal(t, 1, progress)

	families, err := rec.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "esrgan_train_steps_total" {
			found = true
			assert.Equal(t, 2.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestDiscriminatorLossSymmetry(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	logger, _ := test.NewNullLogger()
	tr, err := New(cfg, &sliceLoader{batches: []model.Batch{randomBatch(4, 8, 2, 3)}}, WithLogger(logger))
	require.NoError(t, err)
	defer tr.Close()

	// a zero final projection makes every patch score sigmoid(0) = 0.5
	for _, p := range tr.Discriminator().Params() {
		if p.Name == "discriminator.head.1.weight" || p.Name == "discriminator.head.1.bias" {
			p.Fill(0)
		}
	}
	require.NoError(t, tr.Train(context.Background()))

	m := tr.History()[0]
	assert.InDelta(t, math.Ln2, m.RealLoss, 1e-9)
	assert.InDelta(t, math.Ln2, m.FakeLoss, 1e-9)
	assert.InDelta(t, (nn.BCEValue([]float64{0.5}, []float64{1})+nn.BCEValue([]float64{0.5}, []float64{0}))/2, m.DiscriminatorLoss, 1e-9)
	assert.InDelta(t, math.Ln2, m.DiscriminatorLoss, 1e-9)
	assert.InDelta(t, math.Ln2, m.GeneratorLoss, 1e-9)
}

func TestResumeRestoresSavedWeights(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	logger, _ := test.NewNullLogger()
	first, err := New(cfg, &sliceLoader{batches: []model.Batch{randomBatch(4, 8, 2, 4)}}, WithLogger(logger))
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Train(context.Background()))

	resumed := testConfig(t, dir)
	resumed.Epoch = 1
	resumed.NumEpoch = 1
	second, err := New(resumed, &sliceLoader{}, WithLogger(logger))
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, checkpoint.OutcomeResumed, second.Outcome())
	assert.Equal(t, snapshot(first.Generator().Params()), snapshot(second.Generator().Params()))
	assert.Equal(t, snapshot(first.Discriminator().Params()), snapshot(second.Discriminator().Params()))

	require.NoError(t, second.Train(context.Background()))
	assert.Empty(t, second.History())
}

func TestMissingEpochSnapshotInitializes(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.NumEpoch = 5
	cfg.Epoch = 3
	require.NoError(t, os.MkdirAll(cfg.CheckpointDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CheckpointDir, "stray"), nil, 0o644))
	logger, _ := test.NewNullLogger()

	tr, err := New(cfg, &sliceLoader{}, WithLogger(logger))
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, checkpoint.OutcomeInitialized, tr.Outcome())
	for _, p := range tr.Discriminator().Params() {
		if p.Name == "discriminator.features.0.norm.weight" {
			assert.NotEqual(t, []float64{1, 1}, p.Data())
			for _, v := range p.Data() {
				assert.InDelta(t, 1, v, 0.2)
			}
		}
	}
}

func TestTrainPropagatesLoaderError(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	logger, _ := test.NewNullLogger()
	boom := errors.New("shard unreadable")
	tr, err := New(cfg, &sliceLoader{err: boom}, WithLogger(logger))
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Train(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.NoDirExists(t, filepath.Join(cfg.CheckpointDir, "0"))
}

func TestTrainRejectsMismatchedBatch(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	logger, _ := test.NewNullLogger()
	bad := randomBatch(4, 8, 2, 5)
	bad.LR = randomBatch(2, 8, 2, 6).LR
	tr, err := New(cfg, &sliceLoader{batches: []model.Batch{bad}}, WithLogger(logger))
	require.NoError(t, err)
	defer tr.Close()
	assert.Error(t, tr.Train(context.Background()))
}

func TestTrainStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	logger, _ := test.NewNullLogger()
	tr, err := New(cfg, &sliceLoader{batches: []model.Batch{randomBatch(4, 8, 2, 7)}}, WithLogger(logger))
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Train(ctx), context.Canceled)
	assert.Empty(t, tr.History())
}

func TestNewRejectsBadInput(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, err := New(nil, &sliceLoader{})
	assert.Error(t, err)
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.Device = "cuda"
	_, err = New(cfg, &sliceLoader{})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "sampling", StateSampling.String())
	assert.Equal(t, "done", StateDone.String())
}
