package preview

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func filled(n, h, w int, v float64) *tensor.Dense {
	data := make([]float64, n*3*h*w)
	for i := range data {
		data[i] = v
	}
	return tensor.New(tensor.WithShape(n, 3, h, w), tensor.WithBacking(data))
}

func TestGridLayout(t *testing.T) {
	img, err := Grid(filled(10, 4, 5, 1), filled(10, 4, 5, 0.5))
	require.NoError(t, err)
	// 8 columns, 2 rows of real-over-fake cells
	assert.Equal(t, 8*(5+Padding)+Padding, img.Bounds().Dx())
	assert.Equal(t, 2*(8+Padding)+Padding, img.Bounds().Dy())

	assert.Equal(t, uint8(0), img.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(255), img.RGBAAt(Padding, Padding).R)
	assert.Equal(t, uint8(128), img.RGBAAt(Padding, Padding+4).R)
	// second row, second cell
	assert.Equal(t, uint8(255), img.RGBAAt(Padding+7, 2*Padding+8).G)
}

func TestGridClampsValues(t *testing.T) {
	img, err := Grid(filled(1, 1, 1, 3), filled(1, 1, 1, -2))
	require.NoError(t, err)
	assert.Equal(t, uint8(255), img.RGBAAt(Padding, Padding).B)
	assert.Equal(t, uint8(0), img.RGBAAt(Padding, Padding+1).B)
}

func TestGridRejectsMismatch(t *testing.T) {
	_, err := Grid(filled(2, 4, 4, 0), filled(2, 4, 5, 0))
	assert.Error(t, err)
	_, err = Grid(nil, filled(1, 1, 1, 0))
	assert.Error(t, err)
	gray := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(make([]float64, 4)))
	_, err = Grid(gray, gray)
	assert.Error(t, err)
}

func TestSaveWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "3", FileName(50))
	require.NoError(t, Save(path, filled(4, 6, 6, 0.2), filled(4, 6, 6, 0.8)))
	assert.Equal(t, "SR_50.png", filepath.Base(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 4*(6+Padding)+Padding, img.Bounds().Dx())
	assert.Equal(t, 12+2*Padding, img.Bounds().Dy())
}
