package script

import (
	"sort"
	"time"
)

// bisectionIterations and bisectionTolerance bound the parameter search
// used to solve a segment's Bézier for a given time, per §4.5 step 3.
const (
	bisectionIterations = 30
	bisectionTolerance  = 1e-6
)

// Evaluate returns the curve's value at wall-clock offset t, where t is
// measured from the script's zero_time (§4.5). It translates t to
// segment-local time using the curve's phase and repeat policy, locates
// the covering segment, and solves that segment's cubic Bézier.
func (c BezierCurve) Evaluate(t time.Duration) float64 {
	if c.constant {
		return c.constantValue
	}
	if len(c.Knots) < 2 {
		return 0
	}

	begin := c.Knots[0].T
	period := c.Period()
	local := t - c.Phase - begin

	switch c.Repeat {
	case RepeatLoop:
		if period > 0 {
			local = floorMod(local, period)
		}
	case RepeatMirror:
		if period > 0 {
			local = triangleFold(local, period)
		}
	default: // RepeatOnce
		if local < 0 {
			local = 0
		} else if local > period {
			local = period
		}
	}

	segs := c.Segments()
	seg := segs[segmentIndexAt(segs, begin+local)]
	return seg.evaluate(begin + local)
}

// floorMod returns a non-negative Duration congruent to d modulo m,
// i.e. true mathematical (floor) modulo rather than Go's truncating %.
func floorMod(d, m time.Duration) time.Duration {
	r := d % m
	if r < 0 {
		r += m
	}
	return r
}

// triangleFold maps d into [0, period] by reflecting it off each
// boundary, giving the curve period 2*period as decided for "mirror"
// (§9 open question).
func triangleFold(d, period time.Duration) time.Duration {
	twice := 2 * period
	m := floorMod(d, twice)
	if m > period {
		m = twice - m
	}
	return m
}

// segmentIndexAt locates the segment covering absolute time t via
// binary search over segment start times, per §4.5 step 2. Assumes t
// lies within [segs[0].TBegin, segs[last].TEnd] (callers clamp first).
func segmentIndexAt(segs []BezierSegment, t time.Duration) int {
	i := sort.Search(len(segs), func(i int) bool { return segs[i].TEnd >= t })
	if i >= len(segs) {
		i = len(segs) - 1
	}
	return i
}

// evaluate solves this segment's cubic Bézier for its value at absolute
// time t, which must lie within [TBegin, TEnd].
func (s BezierSegment) evaluate(t time.Duration) float64 {
	if t <= s.TBegin {
		return s.ValueBegin
	}
	if t >= s.TEnd {
		return s.ValueEnd
	}

	dur := float64(s.TEnd - s.TBegin)
	target := float64(t-s.TBegin) / dur

	t0, t1, t2, t3 := 0.0, timeFrac(s.Control1.T, s), timeFrac(s.Control2.T, s), 1.0
	u := solveBezierParam(t0, t1, t2, t3, target)

	return cubicBezier1D(s.ValueBegin, s.Control1.V, s.Control2.V, s.ValueEnd, u)
}

func timeFrac(t time.Duration, s BezierSegment) float64 {
	return float64(t-s.TBegin) / float64(s.TEnd-s.TBegin)
}

// cubicBezier1D evaluates a cubic Bézier with scalar control points
// p0..p3 at normalized parameter u in [0,1].
func cubicBezier1D(p0, p1, p2, p3, u float64) float64 {
	mu := 1 - u
	return mu*mu*mu*p0 + 3*mu*mu*u*p1 + 3*mu*u*u*p2 + u*u*u*p3
}

// solveBezierParam finds u in [0,1] such that the cubic Bézier over
// t0..t3 equals target, via bounded bisection (§4.5 step 3): used both
// for the common monotone-in-t case and as the fallback when control
// points make time non-monotone.
func solveBezierParam(t0, t1, t2, t3, target float64) float64 {
	if target <= t0 {
		return 0
	}
	if target >= t3 {
		return 1
	}

	lo, hi := 0.0, 1.0
	increasing := cubicBezier1D(t0, t1, t2, t3, 1) >= cubicBezier1D(t0, t1, t2, t3, 0)
	for i := 0; i < bisectionIterations; i++ {
		mid := (lo + hi) / 2
		val := cubicBezier1D(t0, t1, t2, t3, mid)
		if abs(val-target) < bisectionTolerance {
			return mid
		}
		below := val < target
		if below == increasing {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
