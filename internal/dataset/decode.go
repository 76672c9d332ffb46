package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Channels is the number of colour planes in every decoded tensor.
const Channels = 3

// resize scales src to w x h with Catmull-Rom resampling; images already at
// the target size are copied unchanged.
func resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// decodeCHW decodes an encoded image, resizes it to w x h and writes it into
// dst as planar RGB scaled to [0, 1].
func decodeCHW(raw []byte, w, h int, dst []float64) error {
	if len(dst) != Channels*w*h {
		return fmt.Errorf("decode: destination holds %d values, want %d", len(dst), Channels*w*h)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return errors.New("decode: empty image")
	}
	rgba := resize(img, w, h)
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := rgba.PixOffset(x, y)
			i := y*w + x
			dst[i] = float64(rgba.Pix[off]) / 255
			dst[plane+i] = float64(rgba.Pix[off+1]) / 255
			dst[2*plane+i] = float64(rgba.Pix[off+2]) / 255
		}
	}
	return nil
}
