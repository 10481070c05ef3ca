// Package cache implements the playback core's decoded-frame cache
// (§4.4): a per-media rolling window of decoded frames with bounded,
// reference-count-respecting eviction. It is the rendezvous point
// between decoder tasks and the runner, much as an ingest registry is
// the rendezvous point between a byte source and a demux pipeline.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pivid/pivid/decode"
	"github.com/pivid/pivid/media"
)

// Key identifies a cached rolling window: a media path plus the seek
// epoch its frames belong to. A new seek_phase is minted whenever a
// caller repositions a decoder, so frames pulled before and after a
// seek never collide in the same pts-keyed map even though both sets
// came from the same underlying decoder.
type Key struct {
	MediaPath string
	SeekPhase int
}

// Opener opens a Decoder for a media path. The cache calls it the first
// time that path is requested; if concurrent first requests race, each
// may call it, and every decoder but the one kept is closed at once.
type Opener func(ctx context.Context, mediaPath string) (decode.Decoder, error)

// frameEntry is one cached frame plus its last-read time, the unit the
// byte-budget evictor sorts by.
type frameEntry struct {
	frame    media.DecodedFrame
	lastHit  time.Time
}

type phaseState struct {
	frames     map[time.Duration]*frameEntry
	sortedPts  []time.Duration
	horizon    time.Duration
	atEOF      bool
}

func newPhaseState() *phaseState {
	return &phaseState{frames: make(map[time.Duration]*frameEntry)}
}

// insert records frame under its pts, keeping sortedPts ordered, and
// reports whether it did. Callers hold the owning mediaState's mutex.
func (ps *phaseState) insert(frame media.DecodedFrame) bool {
	if _, exists := ps.frames[frame.PTS]; exists {
		return false // decoder re-delivered a pts already held (e.g. after a seek that landed on the same keyframe)
	}
	ps.frames[frame.PTS] = &frameEntry{frame: frame, lastHit: time.Now()}
	i := sort.Search(len(ps.sortedPts), func(i int) bool { return ps.sortedPts[i] >= frame.PTS })
	ps.sortedPts = append(ps.sortedPts, 0)
	copy(ps.sortedPts[i+1:], ps.sortedPts[i:])
	ps.sortedPts[i] = frame.PTS
	if frame.PTS > ps.horizon {
		ps.horizon = frame.PTS
	}
	return true
}

// mediaState owns the one decoder task for a media path (§5: "Decoder
// tasks (one per active media key)"), fanning its output into whichever
// seek phase is current.
type mediaState struct {
	mu           sync.Mutex
	decoder      decode.Decoder
	phases       map[int]*phaseState
	currentPhase int
	log          *slog.Logger
}

// Cache is keyed by (media_path, seek_phase) per §4.4. It owns at most
// one Decoder per media_path and distributes eviction duty between
// per-key pruning (driven by the runner every tick) and a global byte
// budget enforced via LRU across all keys.
type Cache struct {
	log        *slog.Logger
	opener     Opener
	byteBudget int64

	mu    sync.Mutex // top-level key map mutex, per §5
	media map[string]*mediaState

	bytesUsed int64 // approximate; guarded by mu

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// pullRetryInterval is how long a decode task sleeps after a NextFrame
// call returns no frame yet, matching the 5ms commit-not-retired retry
// cadence used elsewhere in the playback core (§5).
const pullRetryInterval = 5 * time.Millisecond

// NewCache creates a Cache enforcing byteBudget bytes of cached frame
// payload (approximate; see Bytes on FrameBuffer) across all keys.
func NewCache(byteBudget int64, opener Opener, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		log:        log.With("component", "cache"),
		opener:     opener,
		byteBudget: byteBudget,
		media:      make(map[string]*mediaState),
		shutdown:   make(chan struct{}),
	}
}

// FramesIn returns all cached frames for key with tLo <= pts <= tHi,
// the decoder's current horizon, and its EOF state (§4.4). If the
// underlying decoder for key's media path hasn't been opened yet, this
// opens it and starts its decode task. If key.SeekPhase differs from
// the decoder's current phase, this repositions the decoder via
// SeekBefore first.
func (c *Cache) FramesIn(ctx context.Context, key Key, tLo, tHi time.Duration) (frames map[time.Duration]media.DecodedFrame, horizon time.Duration, atEOF bool, err error) {
	ms, err := c.mediaStateFor(ctx, key.MediaPath)
	if err != nil {
		return nil, 0, false, err
	}

	ms.mu.Lock()
	if key.SeekPhase != ms.currentPhase {
		if err := ms.decoder.SeekBefore(ctx, tLo); err != nil {
			ms.mu.Unlock()
			return nil, 0, false, err
		}
		ms.currentPhase = key.SeekPhase
	}
	ps := ms.phases[key.SeekPhase]
	if ps == nil {
		ps = newPhaseState()
		ms.phases[key.SeekPhase] = ps
	}

	frames = make(map[time.Duration]media.DecodedFrame)
	now := time.Now()
	lo := sort.Search(len(ps.sortedPts), func(i int) bool { return ps.sortedPts[i] >= tLo })
	for _, pts := range ps.sortedPts[lo:] {
		if pts > tHi {
			break
		}
		entry := ps.frames[pts]
		entry.lastHit = now
		frames[pts] = entry.frame
	}
	horizon, atEOF = ps.horizon, ps.atEOF
	ms.mu.Unlock()

	return frames, horizon, atEOF, nil
}

// FileInfo returns the metadata the decoder for path reported at open
// time, opening (and starting a decode task for) that path if it isn't
// already cached.
func (c *Cache) FileInfo(ctx context.Context, path string) (media.FileInfo, error) {
	ms, err := c.mediaStateFor(ctx, path)
	if err != nil {
		return media.FileInfo{}, err
	}
	return ms.decoder.FileInfo(), nil
}

func (c *Cache) mediaStateFor(ctx context.Context, path string) (*mediaState, error) {
	c.mu.Lock()
	if ms, ok := c.media[path]; ok {
		c.mu.Unlock()
		return ms, nil
	}
	c.mu.Unlock()

	dec, err := c.opener(ctx, path)
	if err != nil {
		c.log.Error("failed to open decoder", "media_path", path, "err", err)
		return nil, err
	}
	c.log.Debug("decoder opened", "media_path", path)

	ms := &mediaState{
		decoder: dec,
		phases:  map[int]*phaseState{0: newPhaseState()},
		log:     c.log.With("media_path", path),
	}

	c.mu.Lock()
	if existing, ok := c.media[path]; ok {
		// Another caller opened the same path first; use theirs and
		// close the one we just opened rather than leaking a decoder.
		c.mu.Unlock()
		dec.Close()
		return existing, nil
	}
	c.media[path] = ms
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pullLoop(path, ms)
	return ms, nil
}

// pullLoop is the decode task for one media key: it pulls frames from
// ms.decoder and fans them into whichever seek phase is current, until
// the Cache is closed.
func (c *Cache) pullLoop(path string, ms *mediaState) {
	defer c.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		frame, ok, err := ms.decoder.NextFrame(ctx)
		if err != nil {
			ms.log.Error("decode task failed", "err", err)
			return
		}
		if !ok {
			if ms.decoder.AtEOF() {
				ms.mu.Lock()
				ms.phases[ms.currentPhase].atEOF = true
				ms.mu.Unlock()
				return
			}
			select {
			case <-time.After(pullRetryInterval):
			case <-c.shutdown:
				return
			}
			continue
		}

		ms.mu.Lock()
		if ms.phases[ms.currentPhase].insert(frame) {
			c.accountFrame(frame)
		} else {
			frame.Release()
		}
		ms.mu.Unlock()
	}
}

func (c *Cache) accountFrame(frame media.DecodedFrame) {
	if frame.Buffer == nil {
		return
	}
	c.mu.Lock()
	c.bytesUsed += int64(len(frame.Buffer.Bytes))
	c.mu.Unlock()
}

// Prune drops cached frames for key with pts < keepAfter, per §4.4.
// Because DecodedFrame is ref-counted, this only drops the cache's own
// reference; a buffer an in-flight flip has retained survives until the
// flip releases it. Timelines hold no reference of their own, so a frame
// a timeline still uses survives only if keepAfter is at or below its
// pts, which is how the runner computes keepAfter. It also enforces the
// global byte budget via LRU eviction across all keys, since the
// runner calls Prune once per key every tick (§4.4's "on each runner
// tick").
func (c *Cache) Prune(key Key, keepAfter time.Duration) {
	c.mu.Lock()
	ms, ok := c.media[key.MediaPath]
	c.mu.Unlock()
	if !ok {
		return
	}

	ms.mu.Lock()
	ps := ms.phases[key.SeekPhase]
	if ps != nil {
		c.pruneLocked(ps, keepAfter)
	}
	ms.mu.Unlock()

	c.evictOverBudget()
}

func (c *Cache) pruneLocked(ps *phaseState, keepAfter time.Duration) {
	cut := sort.Search(len(ps.sortedPts), func(i int) bool { return ps.sortedPts[i] >= keepAfter })
	for _, pts := range ps.sortedPts[:cut] {
		c.releaseEntry(ps.frames[pts])
		delete(ps.frames, pts)
	}
	ps.sortedPts = ps.sortedPts[cut:]
}

func (c *Cache) releaseEntry(entry *frameEntry) {
	entry.frame.Release()
	if entry.frame.Buffer != nil {
		c.mu.Lock()
		c.bytesUsed -= int64(len(entry.frame.Buffer.Bytes))
		c.mu.Unlock()
	}
}

// evictOverBudget drops the least-recently-read frames across every
// key, oldest first, until total cached payload is back under budget.
func (c *Cache) evictOverBudget() {
	if c.byteBudget <= 0 {
		return
	}
	c.mu.Lock()
	over := c.bytesUsed > c.byteBudget
	var allMedia []*mediaState
	if over {
		for _, ms := range c.media {
			allMedia = append(allMedia, ms)
		}
	}
	c.mu.Unlock()
	if !over {
		return
	}

	type candidate struct {
		ms  *mediaState
		ps  *phaseState
		pts time.Duration
	}
	var candidates []candidate
	for _, ms := range allMedia {
		ms.mu.Lock()
		for _, ps := range ms.phases {
			for _, pts := range ps.sortedPts {
				candidates = append(candidates, candidate{ms, ps, pts})
			}
		}
		ms.mu.Unlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		return lastHitOf(candidates[i].ms, candidates[i].ps, candidates[i].pts).Before(
			lastHitOf(candidates[j].ms, candidates[j].ps, candidates[j].pts))
	})

	for _, cand := range candidates {
		c.mu.Lock()
		stillOver := c.bytesUsed > c.byteBudget
		c.mu.Unlock()
		if !stillOver {
			return
		}

		cand.ms.mu.Lock()
		entry, ok := cand.ps.frames[cand.pts]
		if ok {
			delete(cand.ps.frames, cand.pts)
			cand.ps.sortedPts = removePts(cand.ps.sortedPts, cand.pts)
		}
		cand.ms.mu.Unlock()
		if ok {
			c.releaseEntry(entry)
		}
	}
}

func lastHitOf(ms *mediaState, ps *phaseState, pts time.Duration) time.Time {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if e, ok := ps.frames[pts]; ok {
		return e.lastHit
	}
	return time.Time{}
}

func removePts(s []time.Duration, pts time.Duration) []time.Duration {
	for i, v := range s {
		if v == pts {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Close shuts down every decode task and releases every cached frame.
func (c *Cache) Close() {
	close(c.shutdown)
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug("closing", "keys", len(c.media))
	for _, ms := range c.media {
		ms.mu.Lock()
		for _, ps := range ms.phases {
			for _, entry := range ps.frames {
				entry.frame.Release()
			}
		}
		ms.mu.Unlock()
		ms.decoder.Close()
	}
	c.media = make(map[string]*mediaState)
	c.bytesUsed = 0
}
