package mpegts

import (
	"errors"
	"io"
	"time"
)

// AccessUnit is one reassembled video PES packet, with its PTS converted
// to a time.Duration from stream origin and tagged with the codec found
// in the PMT.
type AccessUnit struct {
	PTS    time.Duration
	Codec  StreamType
	Data   []byte
}

// Demuxer pulls TS packets from r, tracks the PAT/PMT to find the first
// video elementary stream, and reassembles its PES packets into
// AccessUnits in stream order.
type Demuxer struct {
	r       io.Reader
	buf     [packetSize]byte
	pmtPID  uint16
	havePMT bool
	vidPID  uint16
	vidType StreamType
	haveVid bool

	accum    []byte
	accumPID uint16
	accumOn  bool

	out []AccessUnit
}

// NewDemuxer creates a Demuxer reading 188-byte TS packets from r.
func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{r: r}
}

// Next returns the next reassembled video AccessUnit, reading as many TS
// packets as necessary. Returns io.EOF once the reader is exhausted and
// no more units are buffered.
func (d *Demuxer) Next() (AccessUnit, error) {
	for {
		if len(d.out) > 0 {
			au := d.out[0]
			d.out = d.out[1:]
			return au, nil
		}
		if err := d.readOnePacket(); err != nil {
			if errors.Is(err, io.EOF) {
				d.flushAccumulated()
				if len(d.out) > 0 {
					au := d.out[0]
					d.out = d.out[1:]
					return au, nil
				}
			}
			return AccessUnit{}, err
		}
	}
}

func (d *Demuxer) readOnePacket() error {
	if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
		return err
	}
	hdr, payload, err := parsePacketHeader(d.buf[:])
	if err != nil || payload == nil {
		return nil
	}

	switch {
	case hdr.pid == pidPAT && hdr.payloadUnitStart:
		if section, ok := psiSection(payload); ok && len(section) > 0 && section[0] == tableIDPAT {
			if pmtPID, ok := patPMTPID(section); ok {
				d.pmtPID = pmtPID
				d.havePMT = true
			}
		}
	case d.havePMT && hdr.pid == d.pmtPID && hdr.payloadUnitStart:
		if section, ok := psiSection(payload); ok && len(section) > 0 && section[0] == tableIDPMT {
			if pid, st, ok := pmtVideoPID(section); ok {
				d.vidPID = pid
				d.vidType = st
				d.haveVid = true
			}
		}
	case d.haveVid && hdr.pid == d.vidPID:
		d.accumulate(hdr, payload)
	}
	return nil
}

func (d *Demuxer) accumulate(hdr packetHeader, payload []byte) {
	if hdr.payloadUnitStart {
		d.flushAccumulated()
		d.accumOn = true
		d.accumPID = hdr.pid
	}
	if d.accumOn {
		d.accum = append(d.accum, payload...)
	}
}

func (d *Demuxer) flushAccumulated() {
	if !d.accumOn || len(d.accum) == 0 {
		d.accumOn = false
		d.accum = nil
		return
	}
	pes, err := parsePES(d.accum)
	d.accum = nil
	d.accumOn = false
	if err != nil {
		return
	}
	var pts time.Duration
	if pes.HasPTS {
		pts = time.Duration(pes.PTS) * time.Second / 90000
	}
	d.out = append(d.out, AccessUnit{PTS: pts, Codec: d.vidType, Data: pes.Data})
}
