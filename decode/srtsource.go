package decode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtDialTimeout bounds how long SRTSource waits for the remote listener
// to accept a connection before giving up (§4.3a).
const srtDialTimeout = 10 * time.Second

// srtLatencyNs is the SRT receiver buffer latency; kept generous since
// the playback core's own cache absorbs jitter on top of it.
const srtLatencyNs = 200 * time.Millisecond

// SRTSource decodes a live `srt://host:port` media path by dialing out
// and feeding the resulting byte stream into the same container/
// bitstream decode path as a local file (§4.3a). Unlike VideoFile, it
// never reaches EOF while connected, and SeekBefore is a no-op: §4.3's
// seek contract only applies to seekable media.
type SRTSource struct {
	*VideoFile
}

// OpenSRTSource dials address (host:port, without the srt:// scheme,
// which callers strip before reaching here) and begins demuxing its
// contents as MPEG-TS.
func OpenSRTSource(ctx context.Context, address string, importer BufferImporter, log *slog.Logger) (*SRTSource, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "decoder", "backend", "srt", "address", address)

	conn, err := dialSRT(ctx, address)
	if err != nil {
		return nil, &Error{Kind: KindIo, Op: "srt_dial", Err: err}
	}
	log.Info("connected")

	opener := func() (io.ReadCloser, error) { return conn, nil }
	vf, err := openVideoFile(ctx, opener, importer, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &SRTSource{VideoFile: vf}, nil
}

type srtDialResult struct {
	conn *srtgo.Conn
	err  error
}

func dialSRT(ctx context.Context, address string) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	ch := make(chan srtDialResult, 1)
	go func() {
		conn, err := srtgo.Dial(address, cfg)
		ch <- srtDialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		go drainDialResult(ch)
		return nil, fmt.Errorf("SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go drainDialResult(ch)
		return nil, ctx.Err()
	}
}

func drainDialResult(ch <-chan srtDialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

// SeekBefore overrides VideoFile's: live sources cannot seek.
func (s *SRTSource) SeekBefore(ctx context.Context, ts time.Duration) error { return nil }
