package selection

// Point is a position in viewport coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width/height pair.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is an axis-aligned rectangle in viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is the visible area floating UI must stay inside.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the rectangle's center point.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// ClampRect moves r the minimum distance needed to fit inside the viewport
// with the given margin on every side. A rectangle larger than the available
// area is pinned to the top-left margin.
func ClampRect(r Rect, vp Viewport, margin float64) Rect {
	minX, minY := margin, margin
	maxX := vp.Width - margin - r.Width
	maxY := vp.Height - margin - r.Height

	if r.X > maxX {
		r.X = maxX
	}
	if r.X < minX {
		r.X = minX
	}
	if r.Y > maxY {
		r.Y = maxY
	}
	if r.Y < minY {
		r.Y = minY
	}
	return r
}

// AnchorFor computes where a floating bar of barSize should sit relative to
// the selection bounds: centered horizontally, directly above the selection,
// flipped below it when there is no room, then clamped into the viewport.
func AnchorFor(bounds Rect, barSize Size, vp Viewport, margin float64) Point {
	bar := Rect{
		X:      bounds.X + bounds.Width/2 - barSize.Width/2,
		Y:      bounds.Y - barSize.Height - margin,
		Width:  barSize.Width,
		Height: barSize.Height,
	}
	if bar.Y < margin {
		bar.Y = bounds.Y + bounds.Height + margin
	}
	bar = ClampRect(bar, vp, margin)
	return Point{X: bar.X, Y: bar.Y}
}
