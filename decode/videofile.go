package decode

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pivid/pivid/decode/mpegts"
	"github.com/pivid/pivid/decode/nal"
	"github.com/pivid/pivid/display"
	"github.com/pivid/pivid/media"
)

// outputQueueSize sizes the decoded-frame channel so NextFrame usually
// returns immediately, per §4.3's "short output-frame queue" contract.
const outputQueueSize = 8

// placeholderDim is the stand-in picture size used once no SPS has been
// seen yet; actual pixel decode is out of scope (§1) so this only needs
// to be a valid (non-zero) buffer shape.
const placeholderDim = 16

// BufferImporter is the subset of display.Driver a decoder needs to turn
// decoded bytes into a scan-out-capable handle.
type BufferImporter interface {
	LoadImage(ctx context.Context, format display.PixelFormat, w, h int, bytes []byte) (*display.FrameBuffer, error)
}

type openReader func() (io.ReadCloser, error)

// VideoFile decodes an MPEG-TS-contained H.264/H.265 elementary stream.
// Actual pixel decode is out of scope (§1); each access unit becomes a
// DecodedFrame whose buffer is a placeholder stamped with the access
// unit's size, while pts/keyframe sequencing is real, extracted from the
// container and bitstream.
type VideoFile struct {
	log      *slog.Logger
	importer BufferImporter

	mu       sync.Mutex
	info     media.FileInfo
	out      chan decodedOrErr
	seekTo   chan time.Duration
	shutdown chan struct{}
	wg       sync.WaitGroup
	eof      bool
}

type decodedOrErr struct {
	frame media.DecodedFrame
	err   error
}

// OpenVideoFile opens a local MPEG-TS file for decoding.
func OpenVideoFile(ctx context.Context, path string, importer BufferImporter, log *slog.Logger) (*VideoFile, error) {
	opener := func() (io.ReadCloser, error) { return os.Open(path) }
	return openVideoFile(ctx, opener, importer, log)
}

func openVideoFile(ctx context.Context, opener openReader, importer BufferImporter, log *slog.Logger) (*VideoFile, error) {
	if log == nil {
		log = slog.Default()
	}
	r, err := opener()
	if err != nil {
		return nil, &Error{Kind: KindIo, Op: "open", Err: err}
	}

	d := &VideoFile{
		log:      log.With("component", "decoder", "backend", "videofile"),
		importer: importer,
		out:      make(chan decodedOrErr, outputQueueSize),
		seekTo:   make(chan time.Duration, 1),
		shutdown: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run(ctx, r)
	return d, nil
}

func (d *VideoFile) FileInfo() media.FileInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// SeekBefore scans forward only: the demuxer is never rewound, so a ts
// earlier than the current read position does not move playback back.
// Once the seek is observed, access units with PTS before ts are
// dropped, except that the last keyframe seen among them is emitted
// just before the first access unit at or after ts. Frames queued
// before the call are still delivered, unless a seek was already
// pending, in which case the queue is drained first.
func (d *VideoFile) SeekBefore(ctx context.Context, ts time.Duration) error {
	select {
	case d.seekTo <- ts:
	default:
		// A seek is already pending; drop frames already queued so the
		// pending seek (or this one, whichever the goroutine observes
		// first) wins rather than interleaving stale output.
		d.drainOut()
		select {
		case d.seekTo <- ts:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *VideoFile) drainOut() {
	for {
		select {
		case <-d.out:
		default:
			return
		}
	}
}

func (d *VideoFile) NextFrame(ctx context.Context) (media.DecodedFrame, bool, error) {
	select {
	case item, open := <-d.out:
		if !open {
			return media.DecodedFrame{}, false, nil
		}
		if item.err != nil {
			return media.DecodedFrame{}, false, item.err
		}
		return item.frame, true, nil
	default:
		return media.DecodedFrame{}, false, nil
	}
}

func (d *VideoFile) AtEOF() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eof && len(d.out) == 0
}

func (d *VideoFile) Close() error {
	select {
	case <-d.shutdown:
	default:
		close(d.shutdown)
	}
	d.wg.Wait()
	return nil
}

// run is the decoder's own concurrent unit (§4.3, §5): it owns the
// underlying reader and demux state and is the only goroutine touching
// either.
func (d *VideoFile) run(ctx context.Context, r io.ReadCloser) {
	defer d.wg.Done()
	defer r.Close()

	demuxer := mpegts.NewDemuxer(r)
	var pendingSeek time.Duration
	var seeking bool
	var lastKeyframe *mpegts.AccessUnit

	for {
		select {
		case <-d.shutdown:
			return
		case pendingSeek = <-d.seekTo:
			seeking = true
			lastKeyframe = nil
			continue
		default:
		}

		au, err := demuxer.Next()
		if err != nil {
			if err == io.EOF {
				d.mu.Lock()
				d.eof = true
				d.mu.Unlock()
				return
			}
			// readOnePacket in the mpegts demuxer swallows every header/PSI
			// parse error internally and returns nil; the only error that
			// reaches here is an io.ReadFull failure, never a format issue.
			select {
			case d.out <- decodedOrErr{err: &Error{Kind: KindIo, Op: "next_frame", Err: err}}:
			case <-d.shutdown:
			}
			return
		}

		if d.info.Codec == "" {
			d.setCodecInfo(au)
		}

		units := nal.ParseAnnexB(au.Data, codecOf(au))
		if d.info.Width == 0 {
			d.updateDimsFromSPS(units, codecOf(au))
		}

		isKey := unitsHaveKeyframe(units, codecOf(au))
		if isKey {
			kfCopy := au
			lastKeyframe = &kfCopy
		}

		if seeking {
			if au.PTS < pendingSeek {
				continue // scanning forward for the seek point
			}
			seeking = false
			if lastKeyframe != nil && lastKeyframe.PTS <= pendingSeek {
				if !d.emit(ctx, *lastKeyframe) {
					return
				}
			}
		}

		if !d.emit(ctx, au) {
			return
		}
	}
}

func (d *VideoFile) setCodecInfo(au mpegtsAU) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if au.Codec == codecH265Stream {
		d.info.Codec = "h265"
	} else {
		d.info.Codec = "h264"
	}
}

func (d *VideoFile) emit(ctx context.Context, au mpegtsAU) bool {
	d.mu.Lock()
	w, h := d.info.Width, d.info.Height
	d.mu.Unlock()
	if w == 0 || h == 0 {
		w, h = placeholderDim, placeholderDim
	}
	buf, err := d.importer.LoadImage(ctx, display.FormatOpaque, w, h, au.Data)
	if err != nil {
		// Per-frame KindDecode failures never surface through NextFrame;
		// log and skip this access unit, leaving the stream positioned
		// to keep decoding from the next one.
		d.log.Warn("load_image failed, skipping frame", "pts", au.PTS, "err", err)
		return true
	}
	frame := media.DecodedFrame{PTS: au.PTS, Buffer: buf}
	select {
	case d.out <- decodedOrErr{frame: frame}:
		return true
	case <-d.shutdown:
		buf.Release()
		return false
	}
}

// mpegtsAU and codecH265Stream are local aliases kept so run/emit read
// clearly without importing mpegts types into every call site's name.
type mpegtsAU = mpegts.AccessUnit

const codecH265Stream = mpegts.StreamTypeH265

func unitsHaveKeyframe(units []nal.Unit, codec nal.Codec) bool {
	for _, u := range units {
		if nal.IsKeyframe(u.Type, codec) {
			return true
		}
	}
	return false
}

// updateDimsFromSPS fills in d.info.Width/Height from the first H.264 SPS
// found in units. H.265 SPS parsing isn't implemented (out of scope, §1
// only needs a picture size for the placeholder buffer); those streams
// keep the placeholder size.
func (d *VideoFile) updateDimsFromSPS(units []nal.Unit, codec nal.Codec) {
	if codec != nal.CodecH264 {
		return
	}
	for _, u := range units {
		if !nal.IsSPS(u.Type, codec) {
			continue
		}
		info, err := nal.ParseSPS(u.Data)
		if err != nil {
			d.log.Debug("sps parse failed", "err", err)
			return
		}
		d.mu.Lock()
		d.info.Width = info.Width
		d.info.Height = info.Height
		d.mu.Unlock()
		return
	}
}

func codecOf(au mpegtsAU) nal.Codec {
	if au.Codec == mpegts.StreamTypeH265 {
		return nal.CodecH265
	}
	return nal.CodecH264
}
