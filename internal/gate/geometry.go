package gate

import "math"

// Point is a position in normalized image coordinates ([0,1] on both axes).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an axis-aligned box in normalized image coordinates.
// X1,Y1 is the top-left corner, X2,Y2 the bottom-right.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the geometric center of the box.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Width returns the normalized width of the box.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the normalized height of the box.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the normalized area of the box. Degenerate boxes have area 0.
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Shift returns the box translated by (dx, dy).
func (b BBox) Shift(dx, dy float64) BBox {
	return BBox{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// IoU computes intersection-over-union of two normalized boxes.
// Returns 0 when the boxes do not overlap.
func IoU(a, b BBox) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)
	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Euclidean returns the straight-line distance between two points.
func Euclidean(p, q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return math.Hypot(dx, dy)
}

// PointInPolygon reports whether pt lies inside poly using ray casting.
// Points on a polygon edge count as inside. Polygons with fewer than
// three vertices contain nothing.
func PointInPolygon(pt Point, poly []Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	// Edge hits are checked first so the crossing parity below never has
	// to reason about boundary points.
	for i := 0; i < n; i++ {
		if onSegment(pt, poly[i], poly[(i+1)%n]) {
			return true
		}
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Y > pt.Y) != (pj.Y > pt.Y) {
			xCross := (pj.X-pi.X)*(pt.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if pt.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// onSegment reports whether p lies on the closed segment ab.
func onSegment(p, a, b Point) bool {
	const eps = 1e-12
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > eps {
		return false
	}
	if p.X < math.Min(a.X, b.X)-eps || p.X > math.Max(a.X, b.X)+eps {
		return false
	}
	if p.Y < math.Min(a.Y, b.Y)-eps || p.Y > math.Max(a.Y, b.Y)+eps {
		return false
	}
	return true
}

// BBoxWorldArea converts a normalized box to pixel area for a given frame size.
func BBoxWorldArea(b BBox, frameW, frameH int) float64 {
	return b.Area() * float64(frameW) * float64(frameH)
}

// clamp01 clamps v to the closed interval [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
