package decode

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
)

// Open dispatches a media path to the decoder backend that can handle it
// (§4.3a): a "srt://" path opens a live SRT source, an image extension
// opens the still-image backend, and anything else is treated as a local
// MPEG-TS file.
func Open(ctx context.Context, path string, importer BufferImporter, log *slog.Logger) (Decoder, error) {
	if address, ok := strings.CutPrefix(path, "srt://"); ok {
		return OpenSRTSource(ctx, address, importer, log)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".bmp":
		return OpenImageFile(ctx, path, importer, log)
	default:
		return OpenVideoFile(ctx, path, importer, log)
	}
}
