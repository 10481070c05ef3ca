package display

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pivid/pivid/clock"
)

// DefaultMaxPlanes mirrors a typical KMS plane budget; commits with more
// planes than this fail with KindUnsupported (§4.2).
const DefaultMaxPlanes = 4

// DefaultFlipLatency is how long a simulated flip commit takes to retire
// after Update returns, standing in for "completes at the next vblank".
const DefaultFlipLatency = 2 * time.Millisecond

type connectorState struct {
	mu          sync.Mutex
	mode        DisplayMode
	haveMode    bool
	current     CompositedFrame
	pending     CompositedFrame
	pendingSet  bool
	retireAt    clock.Instant
	commitCount int
	flipCount   int
}

// Software is a production-shaped Driver that simulates the atomic
// mode-setting protocol of §4.2 entirely in memory, with no real KMS
// ioctls — there is no display hardware available to this repository. It
// enforces the one-in-flight-commit rule, the modeset/flip distinction,
// and a plane-count limit, so the playback core can be exercised and
// tested exactly as it would run against real hardware.
type Software struct {
	log       *slog.Logger
	clock     clock.Clock
	maxPlanes int
	flipLag   time.Duration

	mu         sync.Mutex
	screens    []Screen
	nextBufID  uint64
	connectors map[uint32]*connectorState
}

// NewSoftware creates a Software driver pre-populated with screens (a
// fixed set, since there is no real hotplug source). If log is nil,
// slog.Default() is used.
func NewSoftware(c clock.Clock, screens []Screen, log *slog.Logger) *Software {
	if log == nil {
		log = slog.Default()
	}
	return &Software{
		log:        log.With("component", "display-driver"),
		clock:      c,
		maxPlanes:  DefaultMaxPlanes,
		flipLag:    DefaultFlipLatency,
		screens:    screens,
		connectors: make(map[uint32]*connectorState),
	}
}

func (d *Software) ScanScreens(ctx context.Context) ([]Screen, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Screen, len(d.screens))
	copy(out, d.screens)
	return out, nil
}

func (d *Software) LoadImage(ctx context.Context, format PixelFormat, w, h int, bytes []byte) (*FrameBuffer, error) {
	if w <= 0 || h <= 0 {
		return nil, &Error{Kind: KindUnsupported, Op: "load_image", Err: fmt.Errorf("invalid dimensions %dx%d", w, h)}
	}
	return NewFrameBuffer(format, w, h, bytes, nil), nil
}

func (d *Software) connector(id uint32) *connectorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.connectors[id]
	if !ok {
		c = &connectorState{}
		d.connectors[id] = c
	}
	return c
}

func (d *Software) Update(ctx context.Context, connector uint32, mode DisplayMode, frame CompositedFrame) error {
	if len(frame.Planes) > d.maxPlanes {
		return &Error{Kind: KindUnsupported, Op: "update", Err: fmt.Errorf("%d planes exceeds max %d", len(frame.Planes), d.maxPlanes)}
	}

	c := d.connector(connector)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := d.clock.NowMonotonic()
	if c.pendingSet && now.Before(c.retireAt) {
		return &Error{Kind: KindBusy, Op: "update", Err: fmt.Errorf("previous commit on connector %d not retired", connector)}
	}

	isModeset := !c.haveMode || !c.mode.Equal(mode)

	frame.Retain()
	c.pending = frame
	c.pendingSet = true
	c.mode = mode
	c.haveMode = true

	if isModeset {
		// Modeset commits block until complete (§4.2); there is no
		// separate retirement wait afterward.
		c.retireAt = now
		d.retireLocked(c)
		c.commitCount++
		d.log.Debug("modeset commit", "connector", connector, "planes", len(frame.Planes))
	} else {
		c.retireAt = now.Add(d.flipLag)
		c.commitCount++
		c.flipCount++
		d.log.Debug("flip commit", "connector", connector, "planes", len(frame.Planes))
	}
	return nil
}

// retireLocked promotes the pending commit to current, releasing the
// buffer references the previous current frame held. Caller holds c.mu.
func (d *Software) retireLocked(c *connectorState) {
	if !c.pendingSet {
		return
	}
	prev := c.current
	c.current = c.pending
	c.pending = CompositedFrame{}
	c.pendingSet = false
	prev.Release()
}

func (d *Software) UpdateDoneYet(connector uint32) bool {
	c := d.connector(connector)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pendingSet {
		return true
	}
	if d.clock.NowMonotonic().Before(c.retireAt) {
		return false
	}
	d.retireLocked(c)
	return true
}

// Stats returns per-connector commit/flip counters, for tests and the
// control boundary's debug surface.
func (d *Software) Stats(connector uint32) (commits, flips int) {
	c := d.connector(connector)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitCount, c.flipCount
}
