// Package diff compares screenshot pairs and produces highlight images for
// human review.
package diff

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

// Result summarizes one image comparison.
type Result struct {
	// Differs is true when at least one pixel changed or the dimensions do
	// not match.
	Differs bool
	// Ratio is changed pixels over total pixels of the comparison canvas,
	// in [0, 1].
	Ratio float64
	// Highlight is a PNG the size of the union of both inputs. Unchanged
	// pixels are dimmed; changed pixels are drawn in red.
	Highlight []byte
}

// Differ compares two PNG screenshots.
type Differ interface {
	Compare(current, baseline []byte) (Result, error)
}

// PixelDiffer is an exact per-pixel comparator. Two images differ when any
// pixel's RGBA values differ or the images have different dimensions.
type PixelDiffer struct{}

// NewPixelDiffer constructs a PixelDiffer.
func NewPixelDiffer() *PixelDiffer {
	return &PixelDiffer{}
}

var highlightColor = color.RGBA{R: 0xff, A: 0xff}

// Compare decodes both PNGs and diffs them pixel by pixel. Regions present in
// only one image count as changed.
func (d *PixelDiffer) Compare(current, baseline []byte) (Result, error) {
	cur, err := decodePNG(current)
	if err != nil {
		return Result{}, fmt.Errorf("decode current image: %w", err)
	}
	ref, err := decodePNG(baseline)
	if err != nil {
		return Result{}, fmt.Errorf("decode baseline image: %w", err)
	}

	width := max(cur.Bounds().Dx(), ref.Bounds().Dx())
	height := max(cur.Bounds().Dy(), ref.Bounds().Dy())
	canvas := image.Rect(0, 0, width, height)
	highlight := image.NewRGBA(canvas)
	draw.Draw(highlight, canvas, image.NewUniform(color.Gray{Y: 0x20}), image.Point{}, draw.Src)

	changed := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			cp, cok := pixelAt(cur, x, y)
			rp, rok := pixelAt(ref, x, y)
			switch {
			case !cok || !rok || cp != rp:
				changed++
				highlight.SetRGBA(x, y, highlightColor)
			default:
				highlight.SetRGBA(x, y, dim(cp))
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, highlight); err != nil {
		return Result{}, fmt.Errorf("encode highlight: %w", err)
	}

	total := width * height
	result := Result{
		Differs:   changed > 0,
		Highlight: buf.Bytes(),
	}
	if total > 0 {
		result.Ratio = float64(changed) / float64(total)
	}
	return result, nil
}

func decodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// pixelAt reads the pixel at the canvas coordinate, translated into the
// image's own bounds. ok is false outside the image.
func pixelAt(img image.Image, x, y int) (color.RGBA, bool) {
	b := img.Bounds()
	if x >= b.Dx() || y >= b.Dy() {
		return color.RGBA{}, false
	}
	r, g, b8, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
	return color.RGBA{
		R: uint8(r >> 8),
		G: uint8(g >> 8),
		B: uint8(b8 >> 8),
		A: uint8(a >> 8),
	}, true
}

// dim renders an unchanged pixel at quarter brightness so changed regions
// stand out.
func dim(c color.RGBA) color.RGBA {
	return color.RGBA{R: c.R / 4, G: c.G / 4, B: c.B / 4, A: 0xff}
}
