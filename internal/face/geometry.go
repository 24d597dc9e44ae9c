package face

import (
	"image"
	"math"
)

// BBox is an axis-aligned rectangle in the pixel space of the source frame.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a 2D landmark position in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBoxFromCorners builds a BBox from [x1, y1, x2, y2] corner coordinates.
func BBoxFromCorners(x1, y1, x2, y2 float64) BBox {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return BBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Area returns the rectangle area, zero for degenerate boxes.
func (b BBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Right returns the x coordinate of the right edge.
func (b BBox) Right() float64 { return b.X + b.Width }

// Bottom returns the y coordinate of the bottom edge.
func (b BBox) Bottom() float64 { return b.Y + b.Height }

// Center returns the center point of the box.
func (b BBox) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Rect converts the box to an integer image rectangle, rounding outwards.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X)),
		int(math.Floor(b.Y)),
		int(math.Ceil(b.Right())),
		int(math.Ceil(b.Bottom())),
	)
}

// Expand grows the box by ratio of its size on every side.
// Used to give the identity matcher some context around the face.
func (b BBox) Expand(ratio float64) BBox {
	dx := b.Width * ratio
	dy := b.Height * ratio
	return BBox{X: b.X - dx, Y: b.Y - dy, Width: b.Width + 2*dx, Height: b.Height + 2*dy}
}

// IoU calculates Intersection over Union between two boxes.
// Disjoint or degenerate boxes yield 0.
func IoU(a, b BBox) float64 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.Right(), b.Right())
	y2 := min(a.Bottom(), b.Bottom())

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}
