package decode

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pivid/pivid/display"
)

func writeTestPNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: byte(x), G: byte(y), B: 0, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "card.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func TestOpenImageFileDecodesDimensionsAndFormat(t *testing.T) {
	t.Parallel()
	path := writeTestPNG(t, 4, 3)

	img, err := OpenImageFile(context.Background(), path, fakeImporter{}, nil)
	if err != nil {
		t.Fatalf("OpenImageFile: %v", err)
	}
	defer img.Close()

	info := img.FileInfo()
	if info.Width != 4 || info.Height != 3 {
		t.Errorf("dims = %dx%d, want 4x3", info.Width, info.Height)
	}
	if info.Codec != "png" {
		t.Errorf("codec = %q, want png", info.Codec)
	}
}

func TestImageFileNextFrameRepeatsForeverAtPTSZero(t *testing.T) {
	t.Parallel()
	path := writeTestPNG(t, 2, 2)

	img, err := OpenImageFile(context.Background(), path, fakeImporter{}, nil)
	if err != nil {
		t.Fatalf("OpenImageFile: %v", err)
	}
	defer img.Close()

	for i := 0; i < 3; i++ {
		frame, ok, err := img.NextFrame(context.Background())
		if err != nil {
			t.Fatalf("NextFrame: %v", err)
		}
		if !ok {
			t.Fatalf("NextFrame[%d] ok=false, want true (no EOF for still images)", i)
		}
		if frame.PTS != 0 {
			t.Errorf("NextFrame[%d] PTS = %v, want 0", i, frame.PTS)
		}
		frame.Release()
	}
	if img.AtEOF() {
		t.Error("AtEOF() should always be false for a still image")
	}
}

func TestImageFileCloseReleasesBuffer(t *testing.T) {
	t.Parallel()
	path := writeTestPNG(t, 1, 1)

	var captured *display.FrameBuffer
	importer := capturingImporter{out: &captured}

	img, err := OpenImageFile(context.Background(), path, importer, nil)
	if err != nil {
		t.Fatalf("OpenImageFile: %v", err)
	}
	if captured == nil {
		t.Fatal("importer never received a buffer")
	}
	if got := captured.RefCount(); got != 1 {
		t.Fatalf("refcount before close = %d, want 1", got)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := captured.RefCount(); got != 0 {
		t.Errorf("refcount after close = %d, want 0", got)
	}
}

type capturingImporter struct {
	out **display.FrameBuffer
}

func (c capturingImporter) LoadImage(ctx context.Context, format display.PixelFormat, w, h int, bytes []byte) (*display.FrameBuffer, error) {
	fb := display.NewFrameBuffer(format, w, h, append([]byte(nil), bytes...), nil)
	*c.out = fb
	return fb, nil
}
