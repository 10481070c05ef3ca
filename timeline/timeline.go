// Package timeline implements the per-screen schedule a frame player
// presents from (§3, §4.6): an ordered mapping from wall-clock Instant
// to the CompositedFrame scheduled to be on screen at that vsync.
package timeline

import (
	"sort"
	"time"

	"github.com/pivid/pivid/display"
)

// Timeline is an immutable, ordered mapping Instant → CompositedFrame
// (§3). Keys are strictly increasing. Build one with NewTimeline; once
// built, a Timeline is never mutated in place — a runner tick builds a
// new one and hands it to the player via SetTimeline.
type Timeline struct {
	keys   []time.Time
	frames map[time.Time]display.CompositedFrame
}

// NewTimeline builds a Timeline from entries, which need not be sorted
// or deduplicated on input; later entries for a duplicate key overwrite
// earlier ones.
func NewTimeline(entries map[time.Time]display.CompositedFrame) Timeline {
	keys := make([]time.Time, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return Timeline{keys: keys, frames: entries}
}

// Empty reports whether the timeline has no scheduled keys.
func (t Timeline) Empty() bool { return len(t.keys) == 0 }

// Keys returns the timeline's keys in strictly increasing order. The
// returned slice is owned by the caller; mutating it does not affect t.
func (t Timeline) Keys() []time.Time {
	out := make([]time.Time, len(t.keys))
	copy(out, t.keys)
	return out
}

// FirstKey returns the earliest scheduled instant and true, or the zero
// time and false if the timeline is empty.
func (t Timeline) FirstKey() (time.Time, bool) {
	if len(t.keys) == 0 {
		return time.Time{}, false
	}
	return t.keys[0], true
}

// Frame returns the CompositedFrame scheduled at exactly key.
func (t Timeline) Frame(key time.Time) (display.CompositedFrame, bool) {
	f, ok := t.frames[key]
	return f, ok
}

// ShowAt finds the key a player should present next (§4.6 step 2), and
// counts how many keys strictly between after (the previously shown
// key) and that key were skipped over — the graceful-drop-under-
// overload count a player logs.
//
// The greatest key ≤ now is only eligible if it is newer than after:
// once a player has caught up to it, ShowAt advances to the next
// future key instead of repeatedly returning the key it already
// presented. ok is false only when there is no eligible key at all —
// every key ≤ now has already been shown, and there is no future key
// either — in which case the caller should wait for a wakeup rather
// than for any specific time.
func (t Timeline) ShowAt(now time.Time, after time.Time) (show time.Time, skipped int, ok bool) {
	i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i].After(now) })

	if i > 0 && t.keys[i-1].After(after) {
		show = t.keys[i-1]
	} else if i < len(t.keys) {
		show = t.keys[i]
	} else {
		return time.Time{}, 0, false
	}

	for _, k := range t.keys {
		if k.After(after) && k.Before(show) {
			skipped++
		}
	}
	return show, skipped, true
}

// SameKeys reports whether t and o schedule identical wall-clock keys,
// the condition under which setting a new timeline must not wake a
// sleeping player (§4.6: "If the set of keys is unchanged... no wakeup
// is issued").
func (t Timeline) SameKeys(o Timeline) bool {
	if len(t.keys) != len(o.keys) {
		return false
	}
	for i, k := range t.keys {
		if !k.Equal(o.keys[i]) {
			return false
		}
	}
	return true
}
