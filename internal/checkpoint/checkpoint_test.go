package checkpoint

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"esrgan-forge/internal/model"
	"esrgan-forge/internal/nn"
)

func newNetworks(t *testing.T, seed uint64) (*model.Generator, *model.Discriminator) {
	t.Helper()
	gen, err := model.NewGenerator(3, 3, 4, 2, rand.NewPCG(seed, 1))
	require.NoError(t, err)
	disc, err := model.NewDiscriminator(
		model.WithNumConvBlock(2),
		model.WithBaseWidth(16),
		model.WithDiscriminatorSource(rand.NewPCG(seed, 2)),
	)
	require.NoError(t, err)
	return gen, disc
}

func paramData(net model.Network) [][]float64 {
	out := make([][]float64, 0, len(net.Params()))
	for _, p := range net.Params() {
		out = append(out, append([]float64(nil), p.Data()...))
	}
	return out
}

func TestResumeOrInitEmptyDirLeavesWeights(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	dir := filepath.Join(t.TempDir(), "ckpt")
	gen, disc := newNetworks(t, 1)
	genBefore, discBefore := paramData(gen), paramData(disc)

	m := NewManager(dir, LayoutPerNetwork, logger, rand.NewPCG(9, 9))
	outcome, err := m.ResumeOrInit(gen, disc, 0)
	require.NoError(t, err)

	assert.Equal(t, OutcomeEmpty, outcome)
	assert.DirExists(t, dir)
	assert.Equal(t, genBefore, paramData(gen))
	assert.Equal(t, discBefore, paramData(disc))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestResumeOrInitMissingEpochInitializes(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray"), []byte("x"), 0o644))
	gen, disc := newNetworks(t, 2)
	convBias := append([]float64(nil), disc.Layers()[0].(*nn.Conv2d).Bias.Data()...)

	m := NewManager(dir, LayoutPerNetwork, logger, rand.NewPCG(4, 5))
	outcome, err := m.ResumeOrInit(gen, disc, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInitialized, outcome)

	var convW, normW []float64
	for _, net := range []model.Network{gen, disc} {
		for _, l := range net.Layers() {
			switch l := l.(type) {
			case *nn.Conv2d:
				convW = append(convW, l.Weight.Data()...)
			case *nn.InstanceNorm:
				normW = append(normW, l.Weight.Data()...)
				for _, v := range l.Bias.Data() {
					require.Equal(t, 0.0, v)
				}
			}
		}
	}
	mean, std := stat.MeanStdDev(convW, nil)
	assert.InDelta(t, 0, mean, 0.002)
	assert.InDelta(t, 0.02, std, 0.002)

	mean, std = stat.MeanStdDev(normW, nil)
	assert.InDelta(t, 1, mean, 0.008)
	assert.InDelta(t, 0.02, std, 0.006)

	assert.Equal(t, convBias, disc.Layers()[0].(*nn.Conv2d).Bias.Data())
}

func TestSaveThenResumeRestoresExactly(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	dir := t.TempDir()
	gen, disc := newNetworks(t, 3)
	m := NewManager(dir, LayoutPerNetwork, logger, nil)
	require.NoError(t, m.Save(4, gen, disc))

	assert.FileExists(t, filepath.Join(dir, "4", "generator_4.ckpt"))
	assert.FileExists(t, filepath.Join(dir, "4", "discriminator_4.ckpt"))

	gen2, disc2 := newNetworks(t, 77)
	require.NotEqual(t, paramData(gen), paramData(gen2))

	outcome, err := m.ResumeOrInit(gen2, disc2, 5)
	require.NoError(t, err)
	assert.Equal(t, OutcomeResumed, outcome)
	assert.Equal(t, paramData(gen), paramData(gen2))
	assert.Equal(t, paramData(disc), paramData(disc2))
}

func TestLegacySaveWritesGeneratorTwice(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	dir := t.TempDir()
	gen, disc := newNetworks(t, 4)
	m := NewManager(dir, LayoutLegacy, logger, nil)
	require.NoError(t, m.Save(0, gen, disc))

	discFile := m.Path(0, disc.Name())
	gen2, disc2 := newNetworks(t, 5)
	require.NoError(t, Load(discFile, gen2))
	assert.Equal(t, paramData(gen), paramData(gen2))
	assert.Error(t, Load(discFile, disc2))
}

func TestLegacyResumeSharesOneFile(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	dir := t.TempDir()
	gen, _ := newNetworks(t, 6)
	require.NoError(t, Write(filepath.Join(dir, "ESRGAN_1.ckpt"), gen))

	gen2, disc2 := newNetworks(t, 7)
	m := NewManager(dir, LayoutLegacy, logger, nil)
	_, err := m.ResumeOrInit(gen2, disc2, 2)
	require.Error(t, err)
	assert.Equal(t, paramData(gen), paramData(gen2))
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))
	gen, _ := newNetworks(t, 8)
	assert.Error(t, Load(path, gen))
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout("")
	require.NoError(t, err)
	assert.Equal(t, LayoutPerNetwork, l)
	l, err = ParseLayout("legacy")
	require.NoError(t, err)
	assert.Equal(t, LayoutLegacy, l)
	_, err = ParseLayout("flat")
	assert.Error(t, err)
}
