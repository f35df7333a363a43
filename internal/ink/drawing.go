// Package ink recognizes handwritten text in freehand stroke drawings.
package ink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Point is one sampled pen position. T is seconds since the stroke began.
type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	T        float64 `json:"t"`
	Pressure float64 `json:"pressure"`
}

type Stroke struct {
	Points []Point `json:"points"`
	Width  float64 `json:"width"`
}

// Drawing is an immutable snapshot of a drawing surface.
type Drawing struct {
	ID      string   `json:"id"`
	Page    int      `json:"page"`
	Strokes []Stroke `json:"strokes"`
}

type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

func (r Rect) Intersects(o Rect) bool {
	return r.X <= o.X+o.Width && o.X <= r.X+r.Width &&
		r.Y <= o.Y+o.Height && o.Y <= r.Y+r.Height
}

// TextElement is a recognized text candidate with its location.
type TextElement struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Bounds     Rect    `json:"bounds"`
}

func (d Drawing) IsEmpty() bool {
	for _, s := range d.Strokes {
		if len(s.Points) > 0 {
			return false
		}
	}
	return true
}

func (d Drawing) PointCount() int {
	n := 0
	for _, s := range d.Strokes {
		n += len(s.Points)
	}
	return n
}

// Bounds is the bounding box of all points.
func (d Drawing) Bounds() Rect {
	return boundsOf(d.Strokes)
}

func (s Stroke) Bounds() Rect {
	return boundsOf([]Stroke{s})
}

func boundsOf(strokes []Stroke) Rect {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, s := range strokes {
		for _, p := range s.Points {
			minX = math.Min(minX, p.X)
			minY = math.Min(minY, p.Y)
			maxX = math.Max(maxX, p.X)
			maxY = math.Max(maxY, p.Y)
		}
	}
	if math.IsInf(minX, 1) {
		return Rect{}
	}
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Within returns a drawing holding only the strokes that intersect r.
func (d Drawing) Within(r Rect) Drawing {
	out := Drawing{ID: d.ID, Page: d.Page}
	for _, s := range d.Strokes {
		if len(s.Points) > 0 && s.Bounds().Intersects(r) {
			out.Strokes = append(out.Strokes, s)
		}
	}
	return out
}

var serialMagic = [4]byte{'I', 'N', 'K', '1'}

// Serialize encodes the strokes in a stable little-endian layout. Drawing id
// and page are not part of the encoding.
func (d Drawing) Serialize() []byte {
	var buf bytes.Buffer
	buf.Write(serialMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(d.Strokes)))
	for _, s := range d.Strokes {
		_ = binary.Write(&buf, binary.LittleEndian, s.Width)
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(s.Points)))
		for _, p := range s.Points {
			_ = binary.Write(&buf, binary.LittleEndian, [4]float64{p.X, p.Y, p.T, p.Pressure})
		}
	}
	return buf.Bytes()
}

// Fingerprint is the 64-bit xxhash of Serialize as 16 hex digits.
func (d Drawing) Fingerprint() string {
	return fmt.Sprintf("%016x", xxhash.Sum64(d.Serialize()))
}

// Decode reverses Serialize.
func Decode(id string, page int, data []byte) (Drawing, error) {
	d := Drawing{ID: id, Page: page}
	if len(data) < len(serialMagic)+4 || !bytes.Equal(data[:4], serialMagic[:]) {
		return d, ErrNoDataFound
	}
	r := bytes.NewReader(data[4:])
	var strokes uint32
	if err := binary.Read(r, binary.LittleEndian, &strokes); err != nil {
		return d, fmt.Errorf("%w: %v", ErrNoDataFound, err)
	}
	for i := uint32(0); i < strokes; i++ {
		var s Stroke
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &s.Width); err != nil {
			return d, fmt.Errorf("%w: %v", ErrNoDataFound, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return d, fmt.Errorf("%w: %v", ErrNoDataFound, err)
		}
		if int64(n)*32 > int64(r.Len()) {
			return d, fmt.Errorf("%w: truncated stroke", ErrNoDataFound)
		}
		s.Points = make([]Point, n)
		for j := range s.Points {
			var v [4]float64
			if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
				return d, fmt.Errorf("%w: %v", ErrNoDataFound, err)
			}
			s.Points[j] = Point{X: v[0], Y: v[1], T: v[2], Pressure: v[3]}
		}
		d.Strokes = append(d.Strokes, s)
	}
	if r.Len() != 0 {
		return d, fmt.Errorf("%w: trailing bytes", ErrNoDataFound)
	}
	return d, nil
}
