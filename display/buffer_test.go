package display

import "testing"

type countingReleaser struct{ released int }

func (r *countingReleaser) Release() { r.released++ }

func TestFrameBufferReleaseAtZeroReturnsToAllocator(t *testing.T) {
	t.Parallel()
	rel := &countingReleaser{}
	fb := NewFrameBuffer(FormatRGBA8888, 4, 4, nil, rel)

	fb.Retain()
	fb.Release()
	if rel.released != 0 {
		t.Fatalf("released too early: %d", rel.released)
	}
	fb.Release()
	if rel.released != 1 {
		t.Fatalf("expected exactly one release, got %d", rel.released)
	}
}

func TestCompositedFrameRetainReleaseBalancesRefcount(t *testing.T) {
	t.Parallel()
	rel := &countingReleaser{}
	fb := NewFrameBuffer(FormatRGBA8888, 1, 1, nil, rel)
	frame := CompositedFrame{Planes: []Plane{{Buffer: fb}}}

	frame.Retain()
	if got := fb.RefCount(); got != 2 {
		t.Fatalf("refcount after Retain = %d, want 2", got)
	}
	frame.Release()
	if got := fb.RefCount(); got != 1 {
		t.Fatalf("refcount after one Release = %d, want 1", got)
	}
	frame.Release()
	if rel.released != 1 {
		t.Fatalf("expected allocator release after last reference dropped")
	}
}
