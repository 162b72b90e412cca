package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"binaric/package/fec"
)

// HeaderLen is the fixed header size on the wire.
const HeaderLen = 17

// crcSpan is the header prefix covered by the frame CRC.
const crcSpan = 12

// LayerTypeFrame lets frame headers ride through gopacket's decoding and
// serialization machinery.
var LayerTypeFrame = gopacket.RegisterLayerType(7413, gopacket.LayerTypeMetadata{
	Name:    "BinaricFrame",
	Decoder: gopacket.DecodeFunc(decodeWire),
})

type Type uint8

const (
	TypeData Type = iota + 1
	TypeAck
	TypeNack
	TypeControl
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeNack:
		return "NACK"
	case TypeControl:
		return "CONTROL"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func (t Type) Valid() bool { return t >= TypeData && t <= TypeControl }

type Flags uint8

const (
	// FlagFooter marks a footer at the tail of the raw body.
	FlagFooter Flags = 1 << iota
	// FlagInitiator is set on frames sent by the session initiator.
	FlagInitiator
)

// Wire is the fixed frame header:
//
//	[sessionID:4][seq:4][type:1][flags:1][length:2][crc:4][hcs:1]
//
// Length counts the encoded body that follows. HCS is CRC-8 over the first
// 16 bytes.
type Wire struct {
	layers.BaseLayer
	SessionID uint32
	Seq       uint32
	Type      Type
	Flags     Flags
	Length    uint16
	CRC       uint32
	HCS       uint8
}

func (w *Wire) LayerType() gopacket.LayerType { return LayerTypeFrame }

func (w *Wire) CanDecode() gopacket.LayerClass { return LayerTypeFrame }

func (w *Wire) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (w *Wire) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLen {
		df.SetTruncated()
		return fmt.Errorf("frame header: %d bytes, need %d", len(data), HeaderLen)
	}
	w.SessionID = binary.BigEndian.Uint32(data[0:4])
	w.Seq = binary.BigEndian.Uint32(data[4:8])
	w.Type = Type(data[8])
	w.Flags = Flags(data[9])
	w.Length = binary.BigEndian.Uint16(data[10:12])
	w.CRC = binary.BigEndian.Uint32(data[12:16])
	w.HCS = data[16]
	if got := fec.HeaderCheck(data[:16]); got != w.HCS {
		return fmt.Errorf("frame header check %#02x, computed %#02x", w.HCS, got)
	}
	if !w.Type.Valid() {
		return fmt.Errorf("frame header: unknown type %d", w.Type)
	}
	end := HeaderLen + int(w.Length)
	if end > len(data) {
		df.SetTruncated()
		end = len(data)
	}
	w.BaseLayer = layers.BaseLayer{Contents: data[:HeaderLen], Payload: data[HeaderLen:end]}
	return nil
}

func (w *Wire) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if opts.FixLengths {
		n := len(b.Bytes())
		if n > 0xffff {
			return fmt.Errorf("frame body of %d bytes does not fit the length field", n)
		}
		w.Length = uint16(n)
	}
	bytes, err := b.PrependBytes(HeaderLen)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(bytes[0:4], w.SessionID)
	binary.BigEndian.PutUint32(bytes[4:8], w.Seq)
	bytes[8] = byte(w.Type)
	bytes[9] = byte(w.Flags)
	binary.BigEndian.PutUint16(bytes[10:12], w.Length)
	binary.BigEndian.PutUint32(bytes[12:16], w.CRC)
	if opts.ComputeChecksums {
		w.HCS = fec.HeaderCheck(bytes[:16])
	}
	bytes[16] = w.HCS
	return nil
}

func decodeWire(data []byte, p gopacket.PacketBuilder) error {
	w := &Wire{}
	if err := w.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(w)
	return p.NextDecoder(w.NextLayerType())
}

// crcPrefix is the part of the header the frame CRC covers.
func (w *Wire) crcPrefix() []byte {
	var b [crcSpan]byte
	binary.BigEndian.PutUint32(b[0:4], w.SessionID)
	binary.BigEndian.PutUint32(b[4:8], w.Seq)
	b[8] = byte(w.Type)
	b[9] = byte(w.Flags)
	binary.BigEndian.PutUint16(b[10:12], w.Length)
	return b[:]
}
