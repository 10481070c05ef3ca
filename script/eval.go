package script

import (
	"fmt"
	"time"
)

// EvaluateLayer evaluates layer at wall-clock offset t (time since the
// script's zero_time) and clamps media_pts into [0, mediaDuration]
// (§4.5). ok is false if the layer is culled: alpha <= 0 or either rect
// has zero or negative area (§4.5, §8 boundary behavior).
func EvaluateLayer(layer Layer, t time.Duration, mediaDuration time.Duration) (frame LayerFrame, ok bool) {
	alpha := layer.Alpha.Evaluate(t)
	if alpha <= 0 {
		return LayerFrame{}, false
	}

	screenRect := evaluateRect(layer.ScreenRect, t)
	if screenRect.Area() <= 0 {
		return LayerFrame{}, false
	}
	mediaRect := evaluateRect(layer.MediaRect, t)
	if mediaRect.Area() <= 0 {
		return LayerFrame{}, false
	}

	ptsSeconds := layer.From.Evaluate(t)
	pts := clampDuration(secondsToDuration(ptsSeconds), 0, mediaDuration)

	return LayerFrame{
		MediaPath:  layer.MediaPath,
		MediaPTS:   pts,
		ScreenRect: screenRect,
		MediaRect:  mediaRect,
		Alpha:      alpha,
	}, true
}

func evaluateRect(r RectCurves, t time.Duration) Rect {
	return Rect{
		X: r.X.Evaluate(t),
		Y: r.Y.Evaluate(t),
		W: r.W.Evaluate(t),
		H: r.H.Evaluate(t),
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if hi < lo {
		hi = lo
	}
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Validate checks the semantic invariants a parsed Script must satisfy
// before it can replace the active one (§7's KindInvalid, §3's segment
// invariant): every screen a layer belongs to must be named in
// knownScreens, and every curve's knots must be strictly increasing in
// time. Malformed curves rejected by JSON parsing (fewer than two
// knots) never reach here.
func Validate(s Script, knownScreens map[string]bool) error {
	for name, screen := range s.Screens {
		if knownScreens != nil && !knownScreens[name] {
			return &Error{Kind: KindInvalid, Op: "validate", Err: fmt.Errorf("unknown screen %q", name)}
		}
		for i, layer := range screen.Layers {
			if err := validateLayer(layer); err != nil {
				return &Error{Kind: KindInvalid, Op: "validate", Err: fmt.Errorf("screen %q layer %d: %w", name, i, err)}
			}
		}
	}
	return nil
}

func validateLayer(l Layer) error {
	curves := []struct {
		name string
		c    BezierCurve
	}{
		{"from", l.From}, {"alpha", l.Alpha},
		{"screen.x", l.ScreenRect.X}, {"screen.y", l.ScreenRect.Y}, {"screen.w", l.ScreenRect.W}, {"screen.h", l.ScreenRect.H},
		{"media_rect.x", l.MediaRect.X}, {"media_rect.y", l.MediaRect.Y}, {"media_rect.w", l.MediaRect.W}, {"media_rect.h", l.MediaRect.H},
	}
	for _, entry := range curves {
		if err := validateCurve(entry.c); err != nil {
			return fmt.Errorf("%s: %w", entry.name, err)
		}
	}
	return nil
}

func validateCurve(c BezierCurve) error {
	if c.constant {
		return nil
	}
	for i := 1; i < len(c.Knots); i++ {
		if c.Knots[i].T <= c.Knots[i-1].T {
			return fmt.Errorf("knot %d is not strictly after knot %d (%v <= %v)", i, i-1, c.Knots[i].T, c.Knots[i-1].T)
		}
	}
	return nil
}
