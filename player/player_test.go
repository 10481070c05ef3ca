package player

import (
	"errors"
	"testing"
	"time"

	"github.com/pivid/pivid/clock"
	"github.com/pivid/pivid/display"
	"github.com/pivid/pivid/timeline"
)

func testMode() display.DisplayMode {
	return display.DisplayMode{Width: 1920, Height: 1080, NominalHz: 60, Name: "1080p60"}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFramePlayerPresentsEligibleFrameImmediately(t *testing.T) {
	t.Parallel()
	start := time.Now()
	clk := clock.NewManual(start, start)
	d := display.NewSoftware(clk, nil, nil)
	p := Start(clk, d, 1, testMode(), nil)
	defer p.Close()

	tl := timeline.NewTimeline(map[time.Time]display.CompositedFrame{start: {}})
	p.SetTimeline(tl)

	waitUntil(t, time.Second, func() bool { return !p.LastShown().IsZero() })

	if !p.LastShown().Equal(start) {
		t.Errorf("LastShown = %v, want %v", p.LastShown(), start)
	}
	commits, _ := d.Stats(1)
	if commits != 1 {
		t.Errorf("commits = %d, want 1", commits)
	}
}

func TestFramePlayerSleepsUntilFutureKeyThenPresents(t *testing.T) {
	t.Parallel()
	start := time.Now()
	clk := clock.NewManual(start, start)
	d := display.NewSoftware(clk, nil, nil)
	p := Start(clk, d, 1, testMode(), nil)
	defer p.Close()

	future := start.Add(50 * time.Millisecond)
	tl := timeline.NewTimeline(map[time.Time]display.CompositedFrame{future: {}})
	p.SetTimeline(tl)

	// Give the player a chance to reach its sleep-until-deadline wait
	// before the clock advances, so this exercises the future-key path
	// rather than racing straight past it.
	time.Sleep(20 * time.Millisecond)
	if !p.LastShown().IsZero() {
		t.Fatal("should not have presented before the scheduled time")
	}

	clk.Advance(51 * time.Millisecond)
	waitUntil(t, time.Second, func() bool { return !p.LastShown().IsZero() })

	if !p.LastShown().Equal(future) {
		t.Errorf("LastShown = %v, want %v", p.LastShown(), future)
	}
}

func TestFramePlayerSkipsIntermediateKeysUnderOverload(t *testing.T) {
	t.Parallel()
	start := time.Now()
	clk := clock.NewManual(start, start)
	d := display.NewSoftware(clk, nil, nil)
	p := Start(clk, d, 1, testMode(), nil)
	defer p.Close()

	entries := map[time.Time]display.CompositedFrame{}
	var last time.Time
	for ms := 0; ms <= 96; ms += 16 {
		k := start.Add(time.Duration(ms) * time.Millisecond)
		entries[k] = display.CompositedFrame{}
		last = k
	}
	tl := timeline.NewTimeline(entries)

	// Advance the clock well past every key before the player ever gets
	// a chance to run, so all but the newest key are skipped in one shot.
	clk.Advance(time.Second)
	p.SetTimeline(tl)

	waitUntil(t, time.Second, func() bool { return !p.LastShown().IsZero() })

	if !p.LastShown().Equal(last) {
		t.Errorf("LastShown = %v, want the newest key %v", p.LastShown(), last)
	}
	if got := p.SkippedCount(); got != 6 {
		t.Errorf("SkippedCount = %d, want 6", got)
	}
}

func TestFramePlayerSameKeysTimelineDoesNotDisturbPending(t *testing.T) {
	t.Parallel()
	start := time.Now()
	clk := clock.NewManual(start, start)
	d := display.NewSoftware(clk, nil, nil)
	p := Start(clk, d, 1, testMode(), nil)
	defer p.Close()

	future := start.Add(time.Hour)
	tl := timeline.NewTimeline(map[time.Time]display.CompositedFrame{future: {}})
	p.SetTimeline(tl)
	time.Sleep(10 * time.Millisecond)

	// Re-post the same key set; this must not cause a spurious wakeup or
	// early presentation (§4.6: same keys => no wakeup).
	p.SetTimeline(timeline.NewTimeline(map[time.Time]display.CompositedFrame{future: {}}))
	time.Sleep(10 * time.Millisecond)

	if !p.LastShown().IsZero() {
		t.Error("should still be waiting for the far-future key")
	}
}

func TestFramePlayerReportsUnsupportedCommitError(t *testing.T) {
	t.Parallel()
	start := time.Now()
	clk := clock.NewManual(start, start)
	d := display.NewSoftware(clk, nil, nil)
	p := Start(clk, d, 1, testMode(), nil)
	defer p.Close()

	tooMany := make([]display.Plane, display.DefaultMaxPlanes+1)
	p.SetTimeline(timeline.NewTimeline(map[time.Time]display.CompositedFrame{start: {Planes: tooMany}}))

	waitUntil(t, time.Second, func() bool { return p.LastCommitError() != nil })
	var derr *display.Error
	if !errors.As(p.LastCommitError(), &derr) || derr.Kind != display.KindUnsupported {
		t.Fatalf("LastCommitError = %v, want a KindUnsupported display.Error", p.LastCommitError())
	}

	// A runner reacting to this would post the same key with a simplified
	// frame; the retry succeeds once the plane count is back in budget.
	p.SetTimeline(timeline.NewTimeline(map[time.Time]display.CompositedFrame{start: {}}))
	clk.Advance(commitRetryInterval + time.Millisecond)

	waitUntil(t, time.Second, func() bool { return p.LastCommitError() == nil })
	if commits, _ := d.Stats(1); commits != 1 {
		t.Errorf("commits = %d, want 1", commits)
	}
}
