package step

// Point is an integer texel coordinate.
type Point struct {
	X, Y uint32
}

// Extent is an integer size in texels.
type Extent struct {
	Width, Height uint32
}

// Rect is an integer rectangle in texels.
type Rect struct {
	X, Y          uint32
	Width, Height uint32
}

// Empty reports whether the rectangle covers no texels.
func (r Rect) Empty() bool { return r.Width == 0 || r.Height == 0 }

// Area returns Width*Height.
func (r Rect) Area() int { return int(r.Width) * int(r.Height) }

// Viewport is a floating point viewport with depth range.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}
