package display

// Rect is an integer-pixel rectangle, used for both screen-space and
// media-space placement of a plane.
type Rect struct {
	X, Y, W, H int
}

// Area returns W*H. Rects whose area is zero or negative are culled per
// §4.5.
func (r Rect) Area() int { return r.W * r.H }

// Plane is one composited layer's contribution to a commit: a buffer
// reference plus its source crop, destination placement, blend alpha, and
// stacking order.
type Plane struct {
	Buffer  *FrameBuffer
	SrcRect Rect
	DstRect Rect
	Alpha   float64
	Z       int
}

// CompositedFrame is an immutable list of planes for one scheduled vsync
// (§3). Planes are kept alive by whatever Timeline or in-flight commit
// references this value; retain/release discipline happens at the
// FrameBuffer level, not here.
type CompositedFrame struct {
	Planes []Plane
}

// Retain bumps the reference count of every plane's buffer. Used when a
// CompositedFrame is copied into more than one place that independently
// releases it (e.g. cache entry plus in-flight commit).
func (f CompositedFrame) Retain() {
	for _, p := range f.Planes {
		if p.Buffer != nil {
			p.Buffer.Retain()
		}
	}
}

// Release drops one reference from every plane's buffer.
func (f CompositedFrame) Release() {
	for _, p := range f.Planes {
		if p.Buffer != nil {
			p.Buffer.Release()
		}
	}
}
