package timeline

import (
	"testing"
	"time"

	"github.com/pivid/pivid/display"
)

func at(seconds float64) time.Time {
	return time.Unix(0, 0).Add(time.Duration(seconds * float64(time.Second)))
}

func frame(n int) display.CompositedFrame {
	return display.CompositedFrame{Planes: []display.Plane{{Alpha: float64(n)}}}
}

func TestShowAtFindsGreatestKeyNotAfterNow(t *testing.T) {
	tl := NewTimeline(map[time.Time]display.CompositedFrame{
		at(0): frame(0), at(1): frame(1), at(2): frame(2),
	})

	show, skipped, ok := tl.ShowAt(at(1.5), at(0))
	if !ok {
		t.Fatal("expected a key ≤ now")
	}
	if !show.Equal(at(1)) {
		t.Errorf("show = %v, want key at 1s", show)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0 (key at 0s is not after 'after')", skipped)
	}
}

func TestShowAtWaitsForFutureOnlyTimeline(t *testing.T) {
	tl := NewTimeline(map[time.Time]display.CompositedFrame{at(10): frame(0)})
	show, skipped, ok := tl.ShowAt(at(1), time.Time{})
	if !ok {
		t.Fatal("expected the future key to be eligible to wait for")
	}
	if !show.Equal(at(10)) {
		t.Errorf("show = %v, want the only (future) key", show)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0", skipped)
	}
}

func TestShowAtReturnsNotOkOnceCaughtUpWithNoFutureKey(t *testing.T) {
	// Once the greatest key ≤ now has already been shown and no future
	// key exists, ShowAt must not keep returning that same key — a
	// player busy-loops, re-submitting an already-presented frame with
	// no sleep in between, until a fresh timeline arrives.
	tl := NewTimeline(map[time.Time]display.CompositedFrame{at(0): frame(0), at(1): frame(1)})
	_, _, ok := tl.ShowAt(at(2), at(1))
	if ok {
		t.Error("expected no eligible key once the last key has already been shown")
	}
}

func TestShowAtAdvancesToNextFutureKeyOnceCaughtUp(t *testing.T) {
	tl := NewTimeline(map[time.Time]display.CompositedFrame{
		at(0): frame(0), at(1): frame(1), at(2): frame(2),
	})
	// shown==keys[at 1], now has drifted past it but before the next key:
	// ShowAt must not re-report at(1); it should wait for at(2) instead.
	show, skipped, ok := tl.ShowAt(at(1.5), at(1))
	if !ok {
		t.Fatal("expected the next future key to be eligible to wait for")
	}
	if !show.Equal(at(2)) {
		t.Errorf("show = %v, want the next future key at 2s, not the already-shown key at 1s", show)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0", skipped)
	}
}

func TestShowAtCountsSkippedKeysUnderOverload(t *testing.T) {
	// Keys every 16ms for 100ms; runner delayed so "now" lands at 100ms.
	entries := map[time.Time]display.CompositedFrame{}
	var keys []time.Time
	for ms := 0; ms <= 96; ms += 16 {
		k := at(float64(ms) / 1000)
		entries[k] = frame(ms)
		keys = append(keys, k)
	}
	tl := NewTimeline(entries)

	show, skipped, ok := tl.ShowAt(at(0.1), keys[0])
	if !ok {
		t.Fatal("expected an eligible key")
	}
	if !show.Equal(keys[len(keys)-1]) {
		t.Errorf("show = %v, want the newest key ≤ now", show)
	}
	wantSkipped := len(keys) - 2 // every key strictly between keys[0] and show
	if skipped != wantSkipped {
		t.Errorf("skipped = %d, want %d", skipped, wantSkipped)
	}
}

func TestSameKeysIgnoresFrameContent(t *testing.T) {
	a := NewTimeline(map[time.Time]display.CompositedFrame{at(0): frame(1), at(1): frame(2)})
	b := NewTimeline(map[time.Time]display.CompositedFrame{at(0): frame(99), at(1): frame(100)})
	if !a.SameKeys(b) {
		t.Error("timelines with identical keys but different frame content should count as same-keys")
	}

	c := NewTimeline(map[time.Time]display.CompositedFrame{at(0): frame(1)})
	if a.SameKeys(c) {
		t.Error("timelines with different key sets should not count as same-keys")
	}
}

func TestFirstKeyOnEmptyTimeline(t *testing.T) {
	tl := NewTimeline(nil)
	if !tl.Empty() {
		t.Error("expected an empty timeline")
	}
	if _, ok := tl.FirstKey(); ok {
		t.Error("expected no first key on an empty timeline")
	}
}
