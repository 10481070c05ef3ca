// Package player implements the per-screen frame player state machine
// of §4.6: its own goroutine, woken by a Flag, choosing the newest
// eligible timeline key and presenting it through the display driver
// once the previous commit has retired.
package player

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pivid/pivid/clock"
	"github.com/pivid/pivid/display"
	"github.com/pivid/pivid/timeline"
)

// commitRetryInterval is the fixed backoff a player waits before
// rechecking UpdateDoneYet, per §4.6 step 4 and §5's "5ms" timeout.
const commitRetryInterval = 5 * time.Millisecond

// Player is the capability a runner needs from a per-screen player: set
// its timeline, read back what it last actually presented, and learn
// whether its most recent commit was refused so the runner can simplify
// the frame it builds next.
type Player interface {
	SetTimeline(tl timeline.Timeline)
	LastShown() time.Time
	LastCommitError() error
	Close()
}

// FramePlayer is the production Player (§4.6). One runs per active
// screen, started by the runner and stopped on shutdown.
type FramePlayer struct {
	clk         clock.Clock
	driver      display.Driver
	connectorID uint32
	log         *slog.Logger

	mu        sync.Mutex
	mode      display.DisplayMode
	tl        timeline.Timeline
	shown     time.Time
	skipped   int
	commitErr error
	shutdown  bool

	wakeup *clock.Flag
	done   chan struct{}
}

// Start launches a FramePlayer's goroutine for connectorID, initially
// driven at mode. The caller retains ownership; call Close to stop it.
func Start(clk clock.Clock, driver display.Driver, connectorID uint32, mode display.DisplayMode, log *slog.Logger) *FramePlayer {
	if log == nil {
		log = slog.Default()
	}
	p := &FramePlayer{
		clk:         clk,
		driver:      driver,
		connectorID: connectorID,
		mode:        mode,
		log:         log.With("component", "player", "connector", connectorID),
		wakeup:      clock.NewFlag(),
		done:        make(chan struct{}),
	}
	go p.run()
	return p
}

// SetTimeline replaces the player's timeline atomically (§4.6). If the
// new timeline's keys are identical to the current one's, no wakeup is
// issued — the frames were merely refreshed in place.
func (p *FramePlayer) SetTimeline(tl timeline.Timeline) {
	p.mu.Lock()
	sameKeys := tl.SameKeys(p.tl)
	p.tl = tl
	p.mu.Unlock()

	if !tl.Empty() && !sameKeys {
		p.wakeup.Set()
	}
}

// SetMode updates the mode the player presents at, for a runner-driven
// modeset (§4.7's "Initial modeset"). Takes effect on the next commit.
func (p *FramePlayer) SetMode(mode display.DisplayMode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	p.wakeup.Set()
}

// LastShown returns the timeline key most recently presented to the
// driver.
func (p *FramePlayer) LastShown() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shown
}

// LastCommitError returns the error from the most recent driver.Update
// call, or nil if it succeeded (or none has been attempted yet). A
// runner polls this each tick to detect KindUnsupported and simplify
// the frame it hands this player next.
func (p *FramePlayer) LastCommitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitErr
}

// Close stops the player's goroutine and waits for it to exit.
func (p *FramePlayer) Close() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.wakeup.Set()
	<-p.done
}

func (p *FramePlayer) run() {
	defer close(p.done)
	p.log.Debug("frame player running")
	defer p.log.Debug("frame player stopped")

	for {
		if p.shuttingDown() {
			return
		}

		tl, mode, shown := p.snapshot()

		if tl.Empty() {
			p.waitForWakeup(context.Background())
			continue
		}

		now := p.clk.NowMonotonic()
		show, skippedNow, ok := tl.ShowAt(now, shown)
		if !ok {
			// Every key ≤ now has already been shown, and there is no
			// future key either: nothing to wait for but a new timeline.
			p.waitForWakeup(context.Background())
			continue
		}

		if skippedNow > 0 {
			p.log.Warn("skipped frames under overload", "count", skippedNow, "show", show)
		}

		if show.After(now) {
			p.sleepUntilOrWakeup(show)
			continue
		}

		if !p.driver.UpdateDoneYet(p.connectorID) {
			p.sleepUntilOrWakeup(now.Add(commitRetryInterval))
			continue
		}

		frame, _ := tl.Frame(show)
		if err := p.driver.Update(context.Background(), p.connectorID, mode, frame); err != nil {
			p.log.Error("commit failed", "err", err)
			p.mu.Lock()
			p.commitErr = err
			p.mu.Unlock()
			p.sleepUntilOrWakeup(now.Add(commitRetryInterval))
			continue
		}

		p.mu.Lock()
		p.shown = show
		p.skipped += skippedNow
		p.commitErr = nil
		p.mu.Unlock()
		p.log.Debug("presented frame", "show", show, "lag", now.Sub(show))
	}
}

func (p *FramePlayer) shuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

func (p *FramePlayer) snapshot() (timeline.Timeline, display.DisplayMode, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tl, p.mode, p.shown
}

func (p *FramePlayer) waitForWakeup(ctx context.Context) {
	p.wakeup.Wait(ctx)
	p.wakeup.Clear()
}

func (p *FramePlayer) sleepUntilOrWakeup(deadline time.Time) {
	p.wakeup.WaitUntil(context.Background(), p.clk, deadline)
	p.wakeup.Clear()
}

// SkippedCount returns the cumulative number of timeline keys the
// player has skipped over under overload, for tests and metrics.
func (p *FramePlayer) SkippedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipped
}
