package display

import "sync/atomic"

// PixelFormat identifies the layout of an imported buffer's pixels.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	FormatRGBA8888
	FormatYUV420
	FormatOpaque // placeholder for not-actually-decoded container frames
)

// Releaser returns an imported buffer to its underlying allocator. The
// software driver implements this directly; a real KMS driver would close
// a DMA-BUF fd here.
type Releaser interface {
	Release()
}

// FrameBuffer is a reference-counted handle to an imported GPU/DMA buffer
// (§3). It is never copied — callers share the pointer and call Retain/
// Release. The last Release returns the handle to its allocator.
type FrameBuffer struct {
	Format PixelFormat
	Width  int
	Height int
	// Bytes is a placeholder payload standing in for the real pixel data;
	// actual zero-copy GPU/DMA import is outside this repository's scope
	// (spec §1's "actual byte-level codec and ioctl work").
	Bytes []byte

	refs     atomic.Int32
	releaser Releaser
}

// NewFrameBuffer wraps an imported buffer with an initial reference count
// of one, owned by the caller (typically the driver's LoadImage).
func NewFrameBuffer(format PixelFormat, w, h int, bytes []byte, releaser Releaser) *FrameBuffer {
	fb := &FrameBuffer{Format: format, Width: w, Height: h, Bytes: bytes, releaser: releaser}
	fb.refs.Store(1)
	return fb
}

// Retain increments the reference count. Every Retain must be matched by a
// Release.
func (fb *FrameBuffer) Retain() *FrameBuffer {
	fb.refs.Add(1)
	return fb
}

// Release decrements the reference count; at zero it returns the buffer to
// its allocator via Releaser, if any. Safe to call concurrently.
func (fb *FrameBuffer) Release() {
	if fb.refs.Add(-1) == 0 {
		if fb.releaser != nil {
			fb.releaser.Release()
		}
	}
}

// RefCount reports the current reference count, for tests and diagnostics.
func (fb *FrameBuffer) RefCount() int32 { return fb.refs.Load() }
