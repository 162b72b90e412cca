package phy

import (
	"fmt"

	"binaric/package/shared"
	"binaric/package/tone"
)

// Transmitter renders frames as bursts:
//
//	preamble | descriptor (base parameters) | body (described parameters) | guard
type Transmitter struct {
	preamble []float64
	base     *tone.Modem
}

func NewTransmitter() *Transmitter {
	base, err := tone.New(shared.BaseParameters())
	if err != nil {
		panic(err)
	}
	return &Transmitter{preamble: tone.Preamble(), base: base}
}

// Burst modulates wire under p.
func (t *Transmitter) Burst(wire []byte, p shared.Parameters) ([]float64, error) {
	if len(wire) > 0xffff {
		return nil, fmt.Errorf("phy: %d byte frame too long for one burst", len(wire))
	}
	body, err := tone.New(p)
	if err != nil {
		return nil, err
	}
	desc := Descriptor{Params: p, Length: len(wire)}.Marshal()
	descBits := shared.BytesToBits(desc)
	bodyBits := shared.BytesToBits(wire)

	out := make([]float64, 0, len(t.preamble)+t.base.SampleCount(len(descBits))+body.SampleCount(len(bodyBits))+shared.GUARD_SAMPLES)
	out = append(out, t.preamble...)
	out = append(out, t.base.Modulate(descBits)...)
	out = append(out, body.Modulate(bodyBits)...)
	out = append(out, make([]float64, shared.GUARD_SAMPLES)...)
	return out, nil
}

// Duration is the on-air length of a burst in samples.
func (t *Transmitter) Duration(wireLen int, p shared.Parameters) int {
	body, err := tone.New(p)
	if err != nil {
		return 0
	}
	return len(t.preamble) + t.base.SampleCount(8*DescriptorLen) + body.SampleCount(8*wireLen) + shared.GUARD_SAMPLES
}
