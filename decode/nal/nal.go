// Package nal parses Annex B H.264/H.265 elementary streams just enough
// for the playback core's container decoder backend to detect keyframes
// and picture dimensions — not to decode pixels (out of scope per spec
// §1). Adapted from a fuller H.264/H.265 bitstream parser that also
// handled SEI timecodes and VUI/HRD parameters, trimmed here to the SPS
// width/height/profile fields the decoder boundary needs.
package nal

// Unit is a parsed NAL unit: its type and raw bytes (header included,
// start code excluded).
type Unit struct {
	Type byte
	Data []byte
}

// Codec distinguishes which NAL type table to use.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
)

// H.264 NAL type constants (ITU-T H.264 Table 7-1).
const (
	h264IDR = 5
	h264SPS = 7
)

// H.265 NAL type constants (ITU-T H.265 Table 7-1).
const (
	h265BLA   = 16
	h265CRA   = 21
	h265VPS   = 32
	h265SPS   = 33
)

// ParseAnnexB splits an Annex B byte stream into NAL units, recognizing
// both 3-byte (0x000001) and 4-byte (0x00000001) start codes.
func ParseAnnexB(data []byte, codec Codec) []Unit {
	headerLen := 1
	if codec == CodecH265 {
		headerLen = 2
	}

	type scPos struct{ scStart, dataStart int }
	var positions []scPos
	n := len(data)
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []Unit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nalData := data[pos.dataStart:end]
		if len(nalData) < headerLen {
			continue
		}
		units = append(units, Unit{Type: nalType(nalData, codec), Data: nalData})
	}
	return units
}

func nalType(d []byte, codec Codec) byte {
	if codec == CodecH265 {
		return (d[0] >> 1) & 0x3F
	}
	return d[0] & 0x1F
}

// IsKeyframe reports whether nalType is a random-access point for codec.
func IsKeyframe(nalType byte, codec Codec) bool {
	if codec == CodecH265 {
		return nalType >= h265BLA && nalType <= h265CRA
	}
	return nalType == h264IDR
}

// IsSPS reports whether nalType is a Sequence Parameter Set for codec.
func IsSPS(nalType byte, codec Codec) bool {
	if codec == CodecH265 {
		return nalType == h265SPS
	}
	return nalType == h264SPS
}
