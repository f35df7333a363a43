package ink

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
)

// RenderOptions controls rasterization. Scale is clamped to at least 2.
type RenderOptions struct {
	Scale        float64
	MinDimension int
	Padding      float64
}

func DefaultRenderOptions() RenderOptions {
	return RenderOptions{Scale: 2, MinDimension: 512, Padding: 16}
}

const (
	maxDimension   = 8192
	maxStrokeWidth = 64
)

// Rasterize draws black strokes on an opaque white canvas. Stroke width is
// scaled by pen pressure.
func Rasterize(d Drawing, opts RenderOptions) (*image.Gray, error) {
	if d.IsEmpty() {
		return nil, fmt.Errorf("%w: empty drawing", ErrImageConversionFailed)
	}
	scale := math.Max(opts.Scale, 2)
	pad := opts.Padding
	if pad <= 0 {
		pad = 16
	}
	b := d.Bounds()
	w := int(math.Ceil((b.Width + 2*pad) * scale))
	h := int(math.Ceil((b.Height + 2*pad) * scale))
	offX, offY := 0.0, 0.0
	if w < opts.MinDimension {
		offX = float64(opts.MinDimension-w) / 2
		w = opts.MinDimension
	}
	if h < opts.MinDimension {
		offY = float64(opts.MinDimension-h) / 2
		h = opts.MinDimension
	}
	if w <= 0 || h <= 0 || w > maxDimension || h > maxDimension {
		return nil, fmt.Errorf("%w: canvas %dx%d out of range", ErrImageConversionFailed, w, h)
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	project := func(p Point) (float64, float64) {
		return (p.X-b.X+pad)*scale + offX, (p.Y-b.Y+pad)*scale + offY
	}
	for _, s := range d.Strokes {
		width := s.Width
		if width <= 0 || math.IsNaN(width) {
			width = 2
		}
		width = math.Min(width, maxStrokeWidth)
		for i, p := range s.Points {
			x1, y1 := project(p)
			r1 := radius(width, p.Pressure, scale)
			if i == 0 {
				stamp(img, x1, y1, r1)
				continue
			}
			x0, y0 := project(s.Points[i-1])
			r0 := radius(width, s.Points[i-1].Pressure, scale)
			line(img, x0, y0, r0, x1, y1, r1)
		}
	}
	return img, nil
}

// radius treats pressure as a fraction in (0,1]; missing pressure is full.
func radius(width, pressure, scale float64) float64 {
	if pressure <= 0 || math.IsNaN(pressure) {
		pressure = 1
	}
	pressure = math.Min(pressure, 1)
	return math.Max(width*pressure*scale/2, 1)
}

func line(img *image.Gray, x0, y0, r0, x1, y1, r1 float64) {
	dist := math.Hypot(x1-x0, y1-y0)
	steps := int(math.Ceil(dist*2)) + 1
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		stamp(img, x0+(x1-x0)*t, y0+(y1-y0)*t, r0+(r1-r0)*t)
	}
}

func stamp(img *image.Gray, cx, cy, r float64) {
	bounds := img.Bounds()
	minX := max(int(math.Floor(cx-r)), bounds.Min.X)
	maxX := min(int(math.Ceil(cx+r)), bounds.Max.X-1)
	minY := max(int(math.Floor(cy-r)), bounds.Min.Y)
	maxY := min(int(math.Ceil(cy+r)), bounds.Max.Y-1)
	r2 := r * r
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy <= r2 {
				img.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
}

// EncodePNG renders img as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageConversionFailed, err)
	}
	return buf.Bytes(), nil
}
