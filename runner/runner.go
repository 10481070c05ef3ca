// Package runner implements the script runner / main loop of §4.7: on
// each tick it evaluates the active script, ensures decoders exist via
// the frame cache, computes each screen's upcoming timeline, and hands
// it to that screen's player.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pivid/pivid/cache"
	"github.com/pivid/pivid/clock"
	"github.com/pivid/pivid/display"
	"github.com/pivid/pivid/media"
	"github.com/pivid/pivid/player"
	"github.com/pivid/pivid/script"
	"github.com/pivid/pivid/timeline"
)

// defaultMainLoopHz mirrors script.defaultMainLoopHz; used before any
// script has ever been posted.
const defaultMainLoopHz = 30

// minLookahead is the lower bound on how far ahead the runner builds a
// timeline, per §4.7: "lookahead ≈ max(1s, 2/main_loop_hz)".
const minLookahead = time.Second

// fallbackVsyncPeriod stands in for a screen's nominal refresh when its
// active mode is unknown (not yet scanned, or headless in tests).
const fallbackVsyncPeriod = time.Second / 30

// Runner is the production script runner (§4.7).
type Runner struct {
	clk    clock.Clock
	driver display.Driver
	cache  *cache.Cache
	log    *slog.Logger

	mu         sync.Mutex
	current    script.Script
	haveScript bool
	lastTick   time.Time
	zeroMono   time.Time
	players    map[string]*player.FramePlayer
	connectors map[string]uint32
	seekPhase  map[string]int
	seekValue  map[string]time.Duration
	layerDrop  map[string]int

	wakeup   *clock.Flag
	shutdown bool
	done     chan struct{}
}

// New creates a Runner. mediaCache is opened lazily per media path as
// scripts reference them.
func New(clk clock.Clock, driver display.Driver, mediaCache *cache.Cache, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		clk:        clk,
		driver:     driver,
		cache:      mediaCache,
		log:        log.With("component", "runner"),
		players:    make(map[string]*player.FramePlayer),
		connectors: make(map[string]uint32),
		seekPhase:  make(map[string]int),
		seekValue:  make(map[string]time.Duration),
		layerDrop:  make(map[string]int),
		wakeup:     clock.NewFlag(),
		done:       make(chan struct{}),
	}
}

// SetScript validates s against the screens currently known to the
// display driver and, if valid, replaces the active script (§4.7
// "Script replacement"). Frames already committed to the hardware play
// out; the new script takes effect on the next tick.
func (r *Runner) SetScript(ctx context.Context, s script.Script) error {
	screens, err := r.driver.ScanScreens(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(screens))
	for _, sc := range screens {
		known[sc.ConnectorName] = true
	}
	if err := script.Validate(s, known); err != nil {
		return err
	}

	r.mu.Lock()
	r.current = s
	r.haveScript = true
	r.layerDrop = make(map[string]int) // layer indices may mean something different now; start from the full layer set again
	r.mu.Unlock()

	r.wakeup.Set()
	r.log.Debug("script replaced", "screens", len(s.Screens))
	return nil
}

// Close requests the runner's main loop to stop and waits for it to
// exit, stopping every player it owns.
func (r *Runner) Close() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
	r.wakeup.Set()
	<-r.done

	r.mu.Lock()
	players := r.players
	r.players = make(map[string]*player.FramePlayer)
	r.mu.Unlock()
	for _, p := range players {
		p.Close()
	}
}

// Run executes the main loop's sleep/wake/tick cycle until Close is
// called or ctx is done.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	r.log.Debug("runner running")
	defer r.log.Debug("runner stopped")

	for {
		if r.isShutdown() || ctx.Err() != nil {
			return
		}

		s, have := r.snapshotScript()
		if !have {
			r.wakeup.Wait(ctx)
			r.wakeup.Clear()
			continue
		}

		period := time.Duration(float64(time.Second) / s.MainLoopHz)
		now := r.clk.NowMonotonic()

		r.mu.Lock()
		due := r.lastTick.Add(period)
		r.mu.Unlock()

		if now.Before(due) {
			r.wakeup.WaitUntil(ctx, r.clk, due)
			r.wakeup.Clear()
			continue
		}

		r.mu.Lock()
		if due.After(r.lastTick) {
			r.lastTick = due
		}
		r.mu.Unlock()

		r.tick(ctx, s, now)
	}
}

func (r *Runner) isShutdown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}

func (r *Runner) snapshotScript() (script.Script, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.haveScript
}

// tick performs one full pass of §4.7's steps 1-5.
func (r *Runner) tick(ctx context.Context, s script.Script, now time.Time) {
	screens, err := r.driver.ScanScreens(ctx)
	if err != nil {
		r.log.Error("scan_screens failed", "err", err)
		return
	}
	byName := make(map[string]display.Screen, len(screens))
	for _, sc := range screens {
		byName[sc.ConnectorName] = sc
	}

	r.updateSeekPhases(s)

	keepAfter := make(map[string]time.Duration)

	for name, screenScript := range s.Screens {
		sc, ok := byName[name]
		if !ok {
			continue
		}
		r.tickScreen(ctx, s, name, sc, screenScript, now, keepAfter)
	}

	for path, keep := range keepAfter {
		for phase := 0; phase <= r.currentPhase(path); phase++ {
			r.cache.Prune(cache.Key{MediaPath: path, SeekPhase: phase}, keep)
		}
	}
}

func (r *Runner) currentPhase(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seekPhase[path]
}

// currentLayerDrop returns how many low-z-order layers have been
// simplified away for screen name, for tests.
func (r *Runner) currentLayerDrop(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layerDrop[name]
}

// updateSeekPhases mints a new seek_phase for every media path whose
// seek hint changed since the last tick, so the cache repositions that
// path's decoder exactly once per change (§4.4's concurrent-build
// invariant, §4.7's "Script replacement").
func (r *Runner) updateSeekPhases(s script.Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, opts := range s.Media {
		if prev, ok := r.seekValue[path]; !ok || prev != opts.Seek {
			r.seekPhase[path]++
			r.seekValue[path] = opts.Seek
		}
	}
}

func (r *Runner) tickScreen(ctx context.Context, s script.Script, name string, sc display.Screen, ss script.ScreenScript, now time.Time, keepAfter map[string]time.Duration) {
	mode := activeOrHintedMode(sc, ss.ModeHint)
	connID := r.connectorIDFor(name, sc)

	p := r.playerFor(name, connID, mode)
	if ss.ModeHint != nil && (sc.ActiveMode == nil || !sc.ActiveMode.Equal(mode)) {
		p.SetMode(mode) // §4.7 "Initial modeset"
	}

	if unsupported(p.LastCommitError()) {
		r.dropNextLayer(name, len(ss.Layers))
	}
	ss.Layers = r.simplifiedLayers(name, ss.Layers)

	zero := r.zeroRealToMono(s, now)
	grid := gridInstants(now, mode, s.MainLoopHz)

	tl := r.buildTimeline(ctx, s, ss, grid, zero, keepAfter)
	p.SetTimeline(tl)
}

// unsupported reports whether err is a display.Error tagged
// KindUnsupported: the driver refused the commit, most likely because
// the frame named more planes than it can scan out.
func unsupported(err error) bool {
	var derr *display.Error
	return errors.As(err, &derr) && derr.Kind == display.KindUnsupported
}

// dropNextLayer advances name's simplification one step: the next tick
// presents one fewer layer, dropped low-z-order first, per §7's
// KindUnsupported recovery.
func (r *Runner) dropNextLayer(name string, numLayers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.layerDrop[name] < numLayers {
		r.layerDrop[name]++
		r.log.Warn("commit unsupported, dropping lowest z-order layer", "screen", name, "dropped", r.layerDrop[name])
	}
}

// simplifiedLayers returns layers with name's current drop count of
// low-z-order entries removed from the front, since compositeFrame
// assigns z in slice order (index 0 is the bottom-most layer).
func (r *Runner) simplifiedLayers(name string, layers []script.Layer) []script.Layer {
	r.mu.Lock()
	drop := r.layerDrop[name]
	r.mu.Unlock()
	if drop <= 0 {
		return layers
	}
	if drop >= len(layers) {
		return nil
	}
	return layers[drop:]
}

// zeroRealToMono returns the monotonic instant corresponding to the
// script's wall-clock zero_time, so that wall-clock offsets (the
// domain Bézier curves are evaluated in) can be derived from monotonic
// grid instants (the domain timeline keys live in), per §4.7's
// `t_real = zero_time + (now_mono - t0_mono)`.
func (r *Runner) zeroRealToMono(s script.Script, now time.Time) time.Time {
	return now.Add(-r.clk.NowReal().Sub(s.ZeroTime))
}

func gridInstants(now time.Time, mode display.DisplayMode, mainLoopHz float64) []time.Time {
	lookahead := minLookahead
	if perTick := 2 * time.Duration(float64(time.Second)/mainLoopHz); perTick > lookahead {
		lookahead = perTick
	}
	step := mode.VsyncPeriod()
	if step <= 0 {
		step = fallbackVsyncPeriod
	}

	var grid []time.Time
	for t := now; !t.After(now.Add(lookahead)); t = t.Add(step) {
		grid = append(grid, t)
	}
	return grid
}

func (r *Runner) buildTimeline(ctx context.Context, s script.Script, ss script.ScreenScript, grid []time.Time, zeroMono time.Time, keepAfter map[string]time.Duration) timeline.Timeline {
	entries := make(map[time.Time]display.CompositedFrame, len(grid))
	for _, instant := range grid {
		wallOffset := instant.Sub(zeroMono)
		frame, ready := r.compositeFrame(ctx, s, ss, wallOffset, keepAfter)
		if !ready {
			continue // a layer's frame is not decoded yet; the player repeats the previous frame
		}
		entries[instant] = frame
	}
	return timeline.NewTimeline(entries)
}

func (r *Runner) compositeFrame(ctx context.Context, s script.Script, ss script.ScreenScript, wallOffset time.Duration, keepAfter map[string]time.Duration) (display.CompositedFrame, bool) {
	var planes []display.Plane
	for z, layer := range ss.Layers {
		info, err := r.cache.FileInfo(ctx, layer.MediaPath)
		if err != nil {
			r.log.Warn("skipping layer, media unavailable", "media_path", layer.MediaPath, "err", err)
			continue
		}

		lf, ok := script.EvaluateLayer(layer, wallOffset, info.Duration)
		if !ok {
			continue
		}

		key := cache.Key{MediaPath: layer.MediaPath, SeekPhase: r.currentPhase(layer.MediaPath)}
		frames, _, atEOF, err := r.cache.FramesIn(ctx, key, 0, lf.MediaPTS)
		if err != nil {
			r.log.Warn("frames_in failed", "media_path", layer.MediaPath, "err", err)
			continue
		}
		frame, found := greatestFrameAtOrBefore(frames, lf.MediaPTS)
		keep := lf.MediaPTS
		if found {
			keep = frame.PTS // the pts this plane actually references
		}
		if cur, exists := keepAfter[layer.MediaPath]; !exists || keep < cur {
			keepAfter[layer.MediaPath] = keep
		}
		if !found {
			if atEOF {
				continue // decoder ended with no frame at or before media_pts; the layer contributes nothing
			}
			return display.CompositedFrame{}, false // horizon not yet reached; skip this instant
		}

		planes = append(planes, display.Plane{
			Buffer:  frame.Buffer,
			SrcRect: rectToDisplay(lf.MediaRect),
			DstRect: rectToDisplay(lf.ScreenRect),
			Alpha:   lf.Alpha,
			Z:       z,
		})
	}
	return display.CompositedFrame{Planes: planes}, true
}

func greatestFrameAtOrBefore(frames map[time.Duration]media.DecodedFrame, pts time.Duration) (media.DecodedFrame, bool) {
	var best media.DecodedFrame
	found := false
	for p, f := range frames {
		if p <= pts && (!found || p > best.PTS) {
			best, found = f, true
		}
	}
	return best, found
}

func rectToDisplay(r script.Rect) display.Rect {
	return display.Rect{X: int(r.X), Y: int(r.Y), W: int(r.W), H: int(r.H)}
}

func activeOrHintedMode(sc display.Screen, hint *script.ModeHint) display.DisplayMode {
	if hint != nil {
		for _, m := range sc.Modes {
			if m.Width == hint.Width && m.Height == hint.Height && m.NominalHz == hint.Hz {
				return m
			}
		}
		return display.DisplayMode{Width: hint.Width, Height: hint.Height, NominalHz: hint.Hz}
	}
	if sc.ActiveMode != nil {
		return *sc.ActiveMode
	}
	if len(sc.Modes) > 0 {
		return sc.Modes[0]
	}
	return display.DisplayMode{}
}

func (r *Runner) connectorIDFor(name string, sc display.Screen) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[name] = sc.ID
	return sc.ID
}

func (r *Runner) playerFor(name string, connID uint32, mode display.DisplayMode) *player.FramePlayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[name]; ok {
		return p
	}
	p := player.Start(r.clk, r.driver, connID, mode, r.log)
	r.players[name] = p
	return p
}

