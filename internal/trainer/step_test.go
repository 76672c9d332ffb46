package trainer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"

	"esrgan-forge/internal/nn"
)

func gradsOf(t *testing.T, nodes gorgonia.Nodes) [][]float64 {
	t.Helper()
	out := make([][]float64, len(nodes))
	for i, n := range nodes {
		g, err := n.Grad()
		require.NoError(t, err, "grad of %s", n.Name())
		out[i] = append([]float64(nil), g.Data().([]float64)...)
	}
	return out
}

func assertSameGrads(t *testing.T, want, got [][]float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDeltaSlice(t, want[i], got[i], 1e-12)
	}
}

// sampleIndices picks the first, middle and last element of a tensor.
func sampleIndices(n int) []int {
	seen := map[int]bool{}
	var out []int
	for _, i := range []int{0, n / 2, n - 1} {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

// assertFiniteDifference checks analytic[k][i] against a central difference
// of loss for sampled elements of every param.
func assertFiniteDifference(t *testing.T, params []*nn.Param, analytic [][]float64, loss func() float64) {
	t.Helper()
	const h = 1e-5
	require.Len(t, analytic, len(params))
	for k, p := range params {
		data := p.Data()
		require.Len(t, analytic[k], len(data), p.Name)
		for _, i := range sampleIndices(len(data)) {
			orig := data[i]
			data[i] = orig + h
			plus := loss()
			data[i] = orig - h
			minus := loss()
			data[i] = orig

			numeric := (plus - minus) / (2 * h)
			tol := 1e-7 + 1e-4*math.Abs(numeric)
			assert.InDelta(t, numeric, analytic[k][i], tol, "%s[%d]", p.Name, i)
		}
	}
}

func TestGeneratorPhaseGradients(t *testing.T) {
	tr, err := New(testConfig(t, t.TempDir()), &sliceLoader{})
	require.NoError(t, err)
	defer tr.Close()
	batch := randomBatch(2, 8, 2, 3)
	valid := nn.Labels(2, nn.ValidLabel)

	p, err := newGeneratorPhase(tr.Generator(), tr.Discriminator(), batch.LR.Shape())
	require.NoError(t, err)
	defer p.close()

	discBefore := snapshot(tr.Discriminator().Params())
	_, err = p.execute(batch.LR, valid)
	require.NoError(t, err)
	analytic := gradsOf(t, p.genNodes)

	assertFiniteDifference(t, tr.Generator().Params(), analytic, func() float64 {
		loss, err := p.execute(batch.LR, valid)
		require.NoError(t, err)
		return loss
	})
	assert.Equal(t, discBefore, snapshot(tr.Discriminator().Params()))
}

func TestDiscriminatorPhaseGradients(t *testing.T) {
	tr, err := New(testConfig(t, t.TempDir()), &sliceLoader{})
	require.NoError(t, err)
	defer tr.Close()
	batch := randomBatch(2, 8, 2, 4)
	fake := randomBatch(2, 8, 2, 5).HR
	valid := nn.Labels(2, nn.ValidLabel)
	fakeLabels := nn.Labels(2, nn.FakeLabel)

	p, err := newDiscriminatorPhase(tr.Discriminator(), batch.HR.Shape())
	require.NoError(t, err)
	defer p.close()

	loss, err := p.execute(batch.HR, fake, valid, fakeLabels)
	require.NoError(t, err)
	assert.InDelta(t, (loss.real+loss.fake)/2, loss.total, 1e-12)
	analytic := gradsOf(t, p.discNodes)

	assertFiniteDifference(t, tr.Discriminator().Params(), analytic, func() float64 {
		loss, err := p.execute(batch.HR, fake, valid, fakeLabels)
		require.NoError(t, err)
		return loss.total
	})
}

func TestPhaseGradientsDoNotAccumulate(t *testing.T) {
	tr, err := New(testConfig(t, t.TempDir()), &sliceLoader{})
	require.NoError(t, err)
	defer tr.Close()
	batch := randomBatch(2, 8, 2, 6)
	valid := nn.Labels(2, nn.ValidLabel)
	fakeLabels := nn.Labels(2, nn.FakeLabel)

	gen, err := newGeneratorPhase(tr.Generator(), tr.Discriminator(), batch.LR.Shape())
	require.NoError(t, err)
	defer gen.close()
	_, err = gen.execute(batch.LR, valid)
	require.NoError(t, err)
	first := gradsOf(t, gen.genNodes)
	_, err = gen.execute(batch.LR, valid)
	require.NoError(t, err)
	assertSameGrads(t, first, gradsOf(t, gen.genNodes))

	disc, err := newDiscriminatorPhase(tr.Discriminator(), batch.HR.Shape())
	require.NoError(t, err)
	defer disc.close()
	_, err = disc.execute(batch.HR, batch.HR, valid, fakeLabels)
	require.NoError(t, err)
	first = gradsOf(t, disc.discNodes)
	_, err = disc.execute(batch.HR, batch.HR, valid, fakeLabels)
	require.NoError(t, err)
	assertSameGrads(t, first, gradsOf(t, disc.discNodes))
}
