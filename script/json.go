package script

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireKnot is one entry of a curve's "segments" array on the wire (§6):
// a knot's own (t, value) plus the control handle for the segment
// leaving it. The wire name "segments" is kept for compatibility with
// §6 even though each entry is a knot, not a fully-bounded segment.
type wireKnot struct {
	T     float64 `json:"t"`
	Value float64 `json:"value"`
	C1T   float64 `json:"c1_t"`
	C1V   float64 `json:"c1_v"`
	C2T   float64 `json:"c2_t"`
	C2V   float64 `json:"c2_v"`
}

type wireCurve struct {
	Segments []wireKnot `json:"segments"`
	Repeat   string     `json:"repeat,omitempty"`
	Phase    float64    `json:"phase,omitempty"`
}

func repeatFromWire(s string) RepeatPolicy {
	switch s {
	case "loop":
		return RepeatLoop
	case "mirror":
		return RepeatMirror
	default:
		return RepeatOnce
	}
}

// UnmarshalJSON accepts either a bare number (an implicit constant
// curve) or the {segments, repeat} object form (§6).
func (c *BezierCurve) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		*c = Constant(scalar)
		return nil
	}

	var wire wireCurve
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("curve: %w", err)
	}
	if len(wire.Segments) < 2 {
		return &Error{Kind: KindInvalid, Op: "parse_curve", Err: fmt.Errorf("curve needs at least 2 knots, got %d", len(wire.Segments))}
	}

	knots := make([]Knot, len(wire.Segments))
	for i, wk := range wire.Segments {
		knots[i] = Knot{
			T:     secondsToDuration(wk.T),
			Value: wk.Value,
			Control1: ControlPoint{T: secondsToDuration(wk.C1T), V: wk.C1V},
			Control2: ControlPoint{T: secondsToDuration(wk.C2T), V: wk.C2V},
		}
	}

	*c = BezierCurve{
		Knots:  knots,
		Repeat: repeatFromWire(wire.Repeat),
		Phase:  secondsToDuration(wire.Phase),
	}
	return nil
}

// MarshalJSON renders a constant curve as a bare number and any other
// curve as the {segments, repeat} object form, the inverse of
// UnmarshalJSON so that parse-then-serialize round-trips (§8).
func (c BezierCurve) MarshalJSON() ([]byte, error) {
	if c.constant {
		return json.Marshal(c.constantValue)
	}

	wire := wireCurve{
		Segments: make([]wireKnot, len(c.Knots)),
		Phase:    durationToSeconds(c.Phase),
	}
	if c.Repeat != RepeatOnce {
		wire.Repeat = c.Repeat.String()
	}
	for i, k := range c.Knots {
		wire.Segments[i] = wireKnot{
			T:     durationToSeconds(k.T),
			Value: k.Value,
			C1T:   durationToSeconds(k.Control1.T),
			C1V:   k.Control1.V,
			C2T:   durationToSeconds(k.Control2.T),
			C2V:   k.Control2.V,
		}
	}
	return json.Marshal(wire)
}

func secondsToDuration(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
func durationToSeconds(d time.Duration) float64 { return float64(d) / float64(time.Second) }

// UnmarshalJSON accepts the [w, h, hz] array form of §3/§6.
func (m *ModeHint) UnmarshalJSON(data []byte) error {
	var triple [3]float64
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	m.Width = int(triple[0])
	m.Height = int(triple[1])
	m.Hz = triple[2]
	return nil
}

func (m ModeHint) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{float64(m.Width), float64(m.Height), m.Hz})
}

type wireRect struct {
	X BezierCurve `json:"x"`
	Y BezierCurve `json:"y"`
	W BezierCurve `json:"w"`
	H BezierCurve `json:"h"`
}

func (r *RectCurves) UnmarshalJSON(data []byte) error {
	var wire wireRect
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = RectCurves{X: wire.X, Y: wire.Y, W: wire.W, H: wire.H}
	return nil
}

func (r RectCurves) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRect{X: r.X, Y: r.Y, W: r.W, H: r.H})
}

type wireLayer struct {
	Media     string      `json:"media"`
	From      BezierCurve `json:"from"`
	Screen    RectCurves  `json:"screen"`
	MediaRect RectCurves  `json:"media_rect"`
	Alpha     BezierCurve `json:"alpha"`
}

func (l *Layer) UnmarshalJSON(data []byte) error {
	var wire wireLayer
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*l = Layer{MediaPath: wire.Media, From: wire.From, ScreenRect: wire.Screen, MediaRect: wire.MediaRect, Alpha: wire.Alpha}
	return nil
}

func (l Layer) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireLayer{Media: l.MediaPath, From: l.From, Screen: l.ScreenRect, MediaRect: l.MediaRect, Alpha: l.Alpha})
}

type wireMediaOptions struct {
	Seek        *float64 `json:"seek,omitempty"`
	BufferAhead *float64 `json:"buffer_ahead,omitempty"`
}

func (o *MediaOptions) UnmarshalJSON(data []byte) error {
	var wire wireMediaOptions
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Seek != nil {
		o.Seek = secondsToDuration(*wire.Seek)
	}
	if wire.BufferAhead != nil {
		o.BufferAhead = secondsToDuration(*wire.BufferAhead)
	}
	return nil
}

func (o MediaOptions) MarshalJSON() ([]byte, error) {
	wire := wireMediaOptions{}
	if o.Seek != 0 {
		v := durationToSeconds(o.Seek)
		wire.Seek = &v
	}
	if o.BufferAhead != 0 {
		v := durationToSeconds(o.BufferAhead)
		wire.BufferAhead = &v
	}
	return json.Marshal(wire)
}

type wireScreenScript struct {
	Mode   *ModeHint `json:"mode,omitempty"`
	Layers []Layer   `json:"layers"`
}

func (s *ScreenScript) UnmarshalJSON(data []byte) error {
	var wire wireScreenScript
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*s = ScreenScript{ModeHint: wire.Mode, Layers: wire.Layers}
	return nil
}

func (s ScreenScript) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireScreenScript{Mode: s.ModeHint, Layers: s.Layers})
}

type wireScript struct {
	ZeroTime   json.RawMessage         `json:"zero_time"`
	MainLoopHz float64                 `json:"main_loop_hz,omitempty"`
	Media      map[string]MediaOptions `json:"media,omitempty"`
	Screens    map[string]ScreenScript `json:"screens"`
}

const defaultMainLoopHz = 30

// UnmarshalJSON implements §6's document shape, including zero_time's
// "seconds since epoch or the literal now" union type.
func (s *Script) UnmarshalJSON(data []byte) error {
	var wire wireScript
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("script: %w", err)
	}

	zero, err := parseZeroTime(wire.ZeroTime)
	if err != nil {
		return err
	}

	hz := wire.MainLoopHz
	if hz == 0 {
		hz = defaultMainLoopHz
	}

	*s = Script{ZeroTime: zero, MainLoopHz: hz, Screens: wire.Screens, Media: wire.Media}
	return nil
}

func parseZeroTime(raw json.RawMessage) (time.Time, error) {
	var literal string
	if err := json.Unmarshal(raw, &literal); err == nil {
		if literal != "now" {
			return time.Time{}, &Error{Kind: KindInvalid, Op: "parse_zero_time", Err: fmt.Errorf("unrecognized zero_time literal %q", literal)}
		}
		return time.Now(), nil
	}

	var epochSeconds float64
	if err := json.Unmarshal(raw, &epochSeconds); err != nil {
		return time.Time{}, &Error{Kind: KindInvalid, Op: "parse_zero_time", Err: err}
	}
	whole := int64(epochSeconds)
	frac := epochSeconds - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second))), nil
}

func (s Script) MarshalJSON() ([]byte, error) {
	epochSeconds := float64(s.ZeroTime.Unix()) + float64(s.ZeroTime.Nanosecond())/float64(time.Second)
	zero, err := json.Marshal(epochSeconds)
	if err != nil {
		return nil, err
	}
	hz := s.MainLoopHz
	if hz == defaultMainLoopHz {
		hz = 0
	}
	return json.Marshal(wireScript{ZeroTime: zero, MainLoopHz: hz, Media: s.Media, Screens: s.Screens})
}
