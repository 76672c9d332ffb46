// Package preview renders side-by-side training samples.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const (
	// PerRow is the number of samples placed on one grid row.
	PerRow = 8
	// Padding is the gap in pixels between grid cells.
	Padding = 2
)

// FileName returns the preview file name for a step.
func FileName(step int) string {
	return fmt.Sprintf("SR_%d.png", step)
}

// Grid stacks each real image above its generated counterpart and tiles the
// batch PerRow cells to a row. Both tensors are NCHW with three channels;
// values are clamped to [0, 1].
func Grid(real, fake *tensor.Dense) (*image.RGBA, error) {
	if real == nil || fake == nil {
		return nil, errors.New("preview: nil tensor")
	}
	rs, fs := real.Shape(), fake.Shape()
	if len(rs) != 4 || !rs.Eq(fs) {
		return nil, errors.Errorf("preview: shapes %v and %v differ or are not NCHW", rs, fs)
	}
	n, c, h, w := rs[0], rs[1], rs[2], rs[3]
	if c != 3 {
		return nil, errors.Errorf("preview: want 3 channels, got %d", c)
	}
	realData, ok := real.Data().([]float64)
	if !ok {
		return nil, errors.Errorf("preview: unsupported dtype %v", real.Dtype())
	}
	fakeData, ok := fake.Data().([]float64)
	if !ok {
		return nil, errors.Errorf("preview: unsupported dtype %v", fake.Dtype())
	}

	cols := min(n, PerRow)
	rows := (n + PerRow - 1) / PerRow
	cellH := 2 * h
	img := image.NewRGBA(image.Rect(0, 0, cols*(w+Padding)+Padding, rows*(cellH+Padding)+Padding))
	for i := range img.Pix {
		if i%4 == 3 {
			img.Pix[i] = 0xff
		}
	}
	plane := h * w
	sample := c * plane
	for i := 0; i < n; i++ {
		x0 := Padding + (i%PerRow)*(w+Padding)
		y0 := Padding + (i/PerRow)*(cellH+Padding)
		for half, data := range [][]float64{realData, fakeData} {
			base := i * sample
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					p := base + y*w + x
					img.SetRGBA(x0+x, y0+half*h+y, color.RGBA{
						R: toByte(data[p]),
						G: toByte(data[p+plane]),
						B: toByte(data[p+2*plane]),
						A: 0xff,
					})
				}
			}
		}
	}
	return img, nil
}

// Save writes the grid for real and fake to path as PNG.
func Save(path string, real, fake *tensor.Dense) error {
	img, err := Grid(real, fake)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "preview: create directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "preview: create file")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "preview: encode %s", path)
	}
	return f.Close()
}

func toByte(v float64) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(v*255 + 0.5)
}
