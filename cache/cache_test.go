package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pivid/pivid/decode"
	"github.com/pivid/pivid/display"
	"github.com/pivid/pivid/media"
)

type fakeDecoder struct {
	mu        sync.Mutex
	queue     []media.DecodedFrame
	eof       bool
	seekCount int
	closed    bool
}

func (d *fakeDecoder) push(pts time.Duration) {
	buf := display.NewFrameBuffer(display.FormatOpaque, 4, 4, make([]byte, 16), nil)
	d.mu.Lock()
	d.queue = append(d.queue, media.DecodedFrame{PTS: pts, Buffer: buf})
	d.mu.Unlock()
}

func (d *fakeDecoder) FileInfo() media.FileInfo { return media.FileInfo{} }

func (d *fakeDecoder) SeekBefore(ctx context.Context, ts time.Duration) error {
	d.mu.Lock()
	d.seekCount++
	d.mu.Unlock()
	return nil
}

func (d *fakeDecoder) NextFrame(ctx context.Context) (media.DecodedFrame, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return media.DecodedFrame{}, false, nil
	}
	frame := d.queue[0]
	d.queue = d.queue[1:]
	return frame, true, nil
}

func (d *fakeDecoder) AtEOF() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eof && len(d.queue) == 0
}

func (d *fakeDecoder) setEOF() {
	d.mu.Lock()
	d.eof = true
	d.mu.Unlock()
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func singleDecoderOpener(dec decode.Decoder) Opener {
	return func(ctx context.Context, path string) (decode.Decoder, error) {
		return dec, nil
	}
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

func TestCacheFramesInReturnsFramesWithinRangeAndTracksEOF(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	dec.push(0)
	dec.push(10 * time.Millisecond)
	dec.push(20 * time.Millisecond)
	dec.setEOF()

	c := NewCache(0, singleDecoderOpener(dec), nil)

	key := Key{MediaPath: "card.ts", SeekPhase: 0}
	waitUntil(t, time.Second, func() bool {
		frames, _, atEOF, err := c.FramesIn(context.Background(), key, 0, time.Second)
		return err == nil && len(frames) == 3 && atEOF
	})

	frames, horizon, atEOF, err := c.FramesIn(context.Background(), key, 5*time.Millisecond, 15*time.Millisecond)
	if err != nil {
		t.Fatalf("FramesIn: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames in [5ms,15ms] = %d, want 1", len(frames))
	}
	if _, ok := frames[10*time.Millisecond]; !ok {
		t.Error("missing the 10ms frame")
	}
	if horizon != 20*time.Millisecond {
		t.Errorf("horizon = %v, want 20ms", horizon)
	}
	if !atEOF {
		t.Error("atEOF should be true once the decoder is drained")
	}

	c.Close()
	dec.mu.Lock()
	closed := dec.closed
	dec.mu.Unlock()
	if !closed {
		t.Error("Close should close the underlying decoder")
	}
}

func TestCachePruneReleasesBuffersNotOtherwiseReferenced(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	dec.push(0)
	dec.push(50 * time.Millisecond)
	dec.setEOF()

	c := NewCache(0, singleDecoderOpener(dec), nil)
	defer c.Close()

	key := Key{MediaPath: "card.ts", SeekPhase: 0}
	var frames map[time.Duration]media.DecodedFrame
	waitUntil(t, time.Second, func() bool {
		var err error
		frames, _, _, err = c.FramesIn(context.Background(), key, 0, time.Second)
		return err == nil && len(frames) == 2
	})

	retained := frames[50*time.Millisecond].Buffer.Retain() // simulate an in-flight flip still holding this one
	defer retained.Release()

	c.Prune(key, 75*time.Millisecond)

	if got := frames[0].Buffer.RefCount(); got != 0 {
		t.Errorf("pruned frame refcount = %d, want 0", got)
	}
	if got := frames[50*time.Millisecond].Buffer.RefCount(); got != 1 {
		t.Errorf("still-referenced frame refcount = %d, want 1 (cache's ref dropped, flip's ref remains)", got)
	}
}

func TestCacheSeekPhaseChangeRepositionsDecoderOnce(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{}
	dec.push(0)
	dec.setEOF()

	c := NewCache(0, singleDecoderOpener(dec), nil)
	defer c.Close()

	phase0 := Key{MediaPath: "card.ts", SeekPhase: 0}
	waitUntil(t, time.Second, func() bool {
		_, _, atEOF, err := c.FramesIn(context.Background(), phase0, 0, time.Second)
		return err == nil && atEOF
	})

	phase1 := Key{MediaPath: "card.ts", SeekPhase: 1}
	if _, _, _, err := c.FramesIn(context.Background(), phase1, 0, time.Second); err != nil {
		t.Fatalf("FramesIn with new phase: %v", err)
	}
	if _, _, _, err := c.FramesIn(context.Background(), phase1, 0, time.Second); err != nil {
		t.Fatalf("second FramesIn with same phase: %v", err)
	}

	dec.mu.Lock()
	seeks := dec.seekCount
	dec.mu.Unlock()
	if seeks != 1 {
		t.Errorf("SeekBefore called %d times, want 1", seeks)
	}
}
