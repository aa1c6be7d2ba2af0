// Package rtpcodec encodes and decodes the 12-byte RTP header used to
// disguise tunnel traffic. It does not implement RTP in general — no
// CSRC list, no header extensions, no RTCP — only the fixed fields the
// tunnel needs to frame a payload and demultiplex by SSRC.
package rtpcodec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed length of an RTP header as used here: version
// through SSRC, no CSRC list and no extension.
const HeaderSize = 12

// Version is the only RTP version this tunnel ever emits or accepts.
const Version = 2

// ErrShortPacket is returned when a buffer is too small to hold a
// header.
var ErrShortPacket = errors.New("rtpcodec: packet shorter than header")

// ErrVersion is returned when a decoded header's version field is not 2.
var ErrVersion = errors.New("rtpcodec: unsupported RTP version")

// Header is a decoded view of the fixed RTP fields the tunnel cares
// about. Fields the tunnel never inspects on receive (padding,
// extension, CSRC count, marker) are neither validated on decode nor
// kept.
type Header struct {
	PayloadType byte
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// InitForSend stamps the constant fields of an RTP header into buf[0:12]:
// version 2, padding 0, extension 0, CSRC count 0, marker 0, and the
// given payload type. buf must be at least HeaderSize bytes; the caller
// is expected to pass a slice into a larger transmit buffer so payload
// bytes can follow the header without copying.
func InitForSend(buf []byte, payloadType byte) error {
	if len(buf) < HeaderSize {
		return ErrShortPacket
	}
	buf[0] = Version << 6 // version=2, padding=0, extension=0, csrc_count=0
	buf[1] = payloadType & 0x7f // marker=0
	return nil
}

// WriteFlowFields writes the per-packet sequence, timestamp, and
// per-flow SSRC into buf[0:12]. It does not touch byte 0 or 1, so it
// can be called repeatedly against a buffer already prepared by
// InitForSend.
func WriteFlowFields(buf []byte, seq uint16, ts uint32, ssrc uint32) error {
	if len(buf) < HeaderSize {
		return ErrShortPacket
	}
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	return nil
}

// ReadFlowFields decodes buf[0:12] into a Header, enforcing the
// receive-side invariants from the wire format: version must be 2. An
// unrecognized payload type is accepted — the value carries no meaning
// to the peer.
func ReadFlowFields(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	version := buf[0] >> 6
	if version != Version {
		return Header{}, ErrVersion
	}
	return Header{
		PayloadType: buf[1] & 0x7f,
		Sequence:    binary.BigEndian.Uint16(buf[2:4]),
		Timestamp:   binary.BigEndian.Uint32(buf[4:8]),
		SSRC:        binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}
