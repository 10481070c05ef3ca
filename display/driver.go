package display

import "context"

// Driver is the capability set a display backend must provide (§4.2). The
// production implementation in this repository is Software; a real KMS
// backend implements the same interface against the kernel ioctls.
type Driver interface {
	// ScanScreens enumerates live connection state. Idempotent; callers
	// may call it repeatedly to pick up hotplug changes.
	ScanScreens(ctx context.Context) ([]Screen, error)

	// LoadImage imports pixel bytes as a scan-out-capable buffer. May fail
	// with KindOutOfMemory if the allocator is exhausted.
	LoadImage(ctx context.Context, format PixelFormat, w, h int, bytes []byte) (*FrameBuffer, error)

	// Update schedules an atomic commit for connector. Must only be called
	// when UpdateDoneYet(connector) is true (or this is the first commit
	// for that connector) — violating this returns KindBusy. Update keeps
	// a reference on every buffer in frame until the commit retires.
	Update(ctx context.Context, connector uint32, mode DisplayMode, frame CompositedFrame) error

	// UpdateDoneYet reports whether the previously submitted commit for
	// connector has retired on hardware (vblank). Non-blocking.
	UpdateDoneYet(connector uint32) bool
}
