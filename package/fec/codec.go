package fec

import (
	"fmt"

	"binaric/package/shared"
)

// Codec applies the redundancy of one error-control level. Levels without a
// block code pass bytes through; the CRC gate lives in the frame codec.
type Codec struct {
	Level  shared.Level
	Parity int
}

func NewCodec(p shared.Parameters) (Codec, error) {
	c := Codec{Level: p.Level, Parity: p.Parity}
	if p.Level == shared.LevelECC && (p.Parity <= 0 || p.Parity >= BlockSize) {
		return Codec{}, fmt.Errorf("fec: invalid parity %d", p.Parity)
	}
	return c, nil
}

func (c Codec) blockCoded() bool { return c.Level == shared.LevelECC && c.Parity > 0 }

// Encode returns raw with redundancy appended.
func (c Codec) Encode(raw []byte) []byte {
	if !c.blockCoded() {
		return append([]byte(nil), raw...)
	}
	return EncodeBlock(raw, c.Parity)
}

// EncodedLen is the on-air length of n raw bytes.
func (c Codec) EncodedLen(n int) int {
	if !c.blockCoded() {
		return n
	}
	return EncodedLen(n, c.Parity)
}

// CorrectErrors strips redundancy. On success it reports how many symbols
// were repaired, which feeds the adaptive error-control window. Erasures are
// offsets into encoded.
func (c Codec) CorrectErrors(encoded []byte, erasures []int) ([]byte, int, error) {
	if !c.blockCoded() {
		return append([]byte(nil), encoded...), 0, nil
	}
	return DecodeBlockErasures(encoded, c.Parity, erasures)
}
