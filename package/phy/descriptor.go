package phy

import (
	"encoding/binary"

	"binaric/package/fec"
	"binaric/package/shared"
)

// DescriptorLen is the size of the burst descriptor:
//
//	[scheme<<4|level:1][rate:2][parity:1][length:2][hcs:1]
const DescriptorLen = 7

// Descriptor tells the receiver how the rest of a burst is modulated, so a
// burst can be decoded without any session state.
type Descriptor struct {
	Params shared.Parameters
	Length int // body bytes
}

func (d Descriptor) Marshal() []byte {
	b := make([]byte, DescriptorLen)
	b[0] = byte(d.Params.Scheme)<<4 | byte(d.Params.Level)&0x0f
	binary.BigEndian.PutUint16(b[1:3], uint16(d.Params.Rate))
	b[3] = byte(d.Params.Parity)
	binary.BigEndian.PutUint16(b[4:6], uint16(d.Length))
	b[6] = fec.HeaderCheck(b[:6])
	return b
}

func UnmarshalDescriptor(b []byte) (Descriptor, error) {
	if len(b) < DescriptorLen {
		return Descriptor{}, shared.SignalError(shared.ErrLowConfidence, "descriptor: %d bytes", len(b))
	}
	if fec.HeaderCheck(b[:6]) != b[6] {
		return Descriptor{}, shared.SignalError(shared.ErrLowConfidence, "descriptor check failed")
	}
	p := shared.NewParameters(shared.Scheme(b[0]>>4), shared.Level(b[0]&0x0f), int(b[3]), int(binary.BigEndian.Uint16(b[1:3])))
	if err := p.Validate(); err != nil {
		return Descriptor{}, shared.SignalError(shared.ErrLowConfidence, "descriptor: %v", err)
	}
	return Descriptor{Params: p, Length: int(binary.BigEndian.Uint16(b[4:6]))}, nil
}
