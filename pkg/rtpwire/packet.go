// Package rtpwire packs and unpacks the 12-byte RTP header (RFC 3550
// §5.1) on top of github.com/pion/rtp, and defines the PayloadType enum
// this relay recognizes (G.711 PCMA/PCMU only).
package rtpwire

import (
	"fmt"

	"github.com/pion/rtp"
)

// PayloadType is the RTP payload-type byte. Only PCMA and PCMU are
// recognized; any other value is accepted on receive but treated as
// PCMA by callers, per spec.
type PayloadType uint8

const (
	PayloadTypePCMU PayloadType = 0
	PayloadTypePCMA PayloadType = 8
)

func (pt PayloadType) String() string {
	switch pt {
	case PayloadTypePCMA:
		return "PCMA"
	case PayloadTypePCMU:
		return "PCMU"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(pt))
	}
}

// Packet mirrors the spec's RTPPacket value: version/padding/extension/
// csrc_count/marker/payload_type/sequence/timestamp/ssrc/payload.
type Packet struct {
	Version     uint8
	Padding     bool
	Extension   bool
	CSRCCount   uint8
	Marker      bool
	PayloadType PayloadType
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	Payload     []byte
}

// MalformedPacketError is returned by Unpack when the input is too
// short or its version field is not 2.
type MalformedPacketError struct {
	Reason string
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("rtpwire: malformed packet: %s", e.Reason)
}

// Pack builds the wire form of p: 12-byte header plus payload, via
// pion/rtp's Marshal. header_size + len(payload) == len(wire) always
// holds because pion/rtp never emits CSRC entries or extensions we
// didn't set.
func Pack(p Packet) ([]byte, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Padding:        p.Padding,
			Extension:      p.Extension,
			Marker:         p.Marker,
			PayloadType:    uint8(p.PayloadType),
			SequenceNumber: p.Sequence,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
		},
		Payload: p.Payload,
	}
	return pkt.Marshal()
}

// Unpack parses the 12-byte RTP header and the remaining payload from
// data. Fields beyond the first 12 bytes (CSRC list, extension headers)
// are consumed by pion/rtp but not surfaced; Unpack requires
// len(data) >= 12 and a version-2 first byte, failing with
// MalformedPacketError otherwise.
func Unpack(data []byte) (Packet, error) {
	if len(data) < 12 {
		return Packet{}, &MalformedPacketError{Reason: "shorter than 12 bytes"}
	}
	if (data[0]>>6)&0x3 != 2 {
		return Packet{}, &MalformedPacketError{Reason: "version field is not 2"}
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return Packet{}, &MalformedPacketError{Reason: err.Error()}
	}

	return Packet{
		Version:     pkt.Version,
		Padding:     pkt.Padding,
		Extension:   pkt.Extension,
		CSRCCount:   uint8(len(pkt.CSRC)),
		Marker:      pkt.Marker,
		PayloadType: PayloadType(pkt.PayloadType),
		Sequence:    pkt.SequenceNumber,
		Timestamp:   pkt.Timestamp,
		SSRC:        pkt.SSRC,
		Payload:     pkt.Payload,
	}, nil
}
