package decode

import (
	"context"
	"image"
	"image/draw"
	_ "image/jpeg" // registers the jpeg format with image.Decode
	_ "image/png"  // registers the png format with image.Decode
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/image/bmp"

	"github.com/pivid/pivid/display"
	"github.com/pivid/pivid/media"
)

// ImageFile decodes a single still picture once and serves it as an
// endlessly repeating DecodedFrame at pts=0 (§4.3a). Unlike the
// container backend, pixel decode here is real: a still image is
// genuinely within scope, only the video codec byte-level work is
// excluded (§1).
type ImageFile struct {
	info media.FileInfo

	mu     sync.Mutex
	frame  media.DecodedFrame
	closed bool
}

// OpenImageFile decodes path (PNG, JPEG, or BMP, sniffed from content)
// and imports it once through importer.
func OpenImageFile(ctx context.Context, path string, importer BufferImporter, log *slog.Logger) (*ImageFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Kind: KindIo, Op: "open", Err: err}
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, &Error{Kind: KindFormat, Op: "decode_image", Err: err}
	}

	rgba := toRGBA(img)
	bounds := rgba.Bounds()
	buf, err := importer.LoadImage(ctx, display.FormatRGBA8888, bounds.Dx(), bounds.Dy(), rgba.Pix)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Op: "load_image", Err: err}
	}

	if log != nil {
		log.Debug("decoded still image", "path", path, "format", format, "width", bounds.Dx(), "height", bounds.Dy())
	}

	return &ImageFile{
		info: media.FileInfo{
			PixelFormat: "rgba8888",
			Codec:       format,
			Width:       bounds.Dx(),
			Height:      bounds.Dy(),
		},
		frame: media.DecodedFrame{PTS: 0, Buffer: buf},
	}, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba
}

func (f *ImageFile) FileInfo() media.FileInfo { return f.info }

// SeekBefore is a no-op: a still image has exactly one frame at pts=0.
func (f *ImageFile) SeekBefore(ctx context.Context, ts time.Duration) error { return nil }

// NextFrame always returns the same retained buffer, immediately and
// without end, per §4.3a's "repeated indefinitely (no EOF)" contract.
func (f *ImageFile) NextFrame(ctx context.Context) (media.DecodedFrame, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return media.DecodedFrame{}, false, nil
	}
	return media.DecodedFrame{PTS: f.frame.PTS, Buffer: f.frame.Buffer.Retain()}, true, nil
}

func (f *ImageFile) AtEOF() bool { return false }

func (f *ImageFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.frame.Buffer.Release()
	return nil
}

func init() {
	// golang.org/x/image/bmp doesn't self-register with image.Decode the
	// way the stdlib png/jpeg packages do.
	image.RegisterFormat("bmp", "BM", bmp.Decode, bmp.DecodeConfig)
}
