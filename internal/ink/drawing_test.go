package ink

import (
	"errors"
	"image/color"
	"testing"
)

func TestFingerprintStableAndSensitive(t *testing.T) {
	a := sampleDrawing("a")
	b := sampleDrawing("b")
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical strokes must share a fingerprint")
	}
	if len(a.Fingerprint()) != 16 {
		t.Fatalf("expected 16 hex digits, got %q", a.Fingerprint())
	}
	b.Strokes[1].Points[1].X += 0.5
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("mutated strokes must change the fingerprint")
	}
	c := sampleDrawing("c")
	c.Strokes = append(c.Strokes, Stroke{Width: 1, Points: []Point{{X: 1, Y: 1}}})
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("added stroke must change the fingerprint")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	d := sampleDrawing("d")
	got, err := Decode("d", 2, d.Serialize())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Page != 2 || got.Fingerprint() != d.Fingerprint() {
		t.Fatalf("decoded drawing differs: %+v", got)
	}
	if _, err := Decode("d", 0, []byte("junk")); !errors.Is(err, ErrNoDataFound) {
		t.Fatalf("expected ErrNoDataFound, got %v", err)
	}
	data := d.Serialize()
	if _, err := Decode("d", 0, data[:len(data)-3]); !errors.Is(err, ErrNoDataFound) {
		t.Fatalf("expected ErrNoDataFound for truncated data, got %v", err)
	}
}

func TestRasterizeCanvas(t *testing.T) {
	img, err := Rasterize(sampleDrawing("d"), RenderOptions{Scale: 1, MinDimension: 256})
	if err != nil {
		t.Fatalf("rasterize: %v", err)
	}
	b := img.Bounds()
	if b.Dx() < 256 || b.Dy() < 256 {
		t.Fatalf("expected minimum dimension, got %v", b)
	}
	if img.GrayAt(0, 0) != (color.Gray{Y: 0xff}) {
		t.Fatal("expected white background")
	}
	var ink int
	for _, p := range img.Pix {
		if p == 0 {
			ink++
		}
	}
	if ink == 0 {
		t.Fatal("expected black ink pixels")
	}
	if _, err := Rasterize(Drawing{}, DefaultRenderOptions()); !errors.Is(err, ErrImageConversionFailed) {
		t.Fatalf("expected ErrImageConversionFailed, got %v", err)
	}
}

func TestRasterizeBoundsStrokeWidthAndPressure(t *testing.T) {
	d := Drawing{ID: "d", Strokes: []Stroke{{
		Width:  1e9,
		Points: []Point{{X: 0, Y: 0, Pressure: 50}, {X: 100, Y: 0, T: 0.1, Pressure: 50}},
	}}}
	img, err := Rasterize(d, DefaultRenderOptions())
	if err != nil {
		t.Fatalf("rasterize: %v", err)
	}
	var ink int
	for _, p := range img.Pix {
		if p == 0 {
			ink++
		}
	}
	if ink == 0 || ink > len(img.Pix)/2 {
		t.Fatalf("expected a bounded stroke, got %d of %d pixels inked", ink, len(img.Pix))
	}
	if img.GrayAt(0, 0) != (color.Gray{Y: 0xff}) {
		t.Fatal("oversized stroke reached the canvas corner")
	}
}

func TestRectIntersects(t *testing.T) {
	r := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	if !r.Intersects(Rect{X: 5, Y: 5, Width: 10, Height: 10}) {
		t.Fatal("expected overlap")
	}
	if r.Intersects(Rect{X: 20, Y: 20, Width: 1, Height: 1}) {
		t.Fatal("expected no overlap")
	}
}
