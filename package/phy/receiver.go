package phy

import (
	"binaric/package/shared"
	"binaric/package/tone"
)

// Burst is one decoded transmission.
type Burst struct {
	Data       []byte
	Erasures   []int // byte offsets into Data the demodulator was unsure of
	Params     shared.Parameters
	Quality    float64 // preamble correlation peak, the channel-quality estimate
	Confidence float64 // mean symbol confidence of the body
	At         int64   // stream index of the last preamble sample
	// Collided marks a burst cut short by a second preamble; it carries no
	// data.
	Collided bool
}

const (
	stateSync = iota
	stateDescriptor
	stateBody
)

// Receiver is a streaming burst decoder. It waits for the preamble, reads the
// descriptor in base parameters, then collects and demodulates the body.
// It also tracks smoothed input power for carrier sense.
type Receiver struct {
	detector *tone.Detector
	base     *tone.Modem

	state   int
	history []float64 // the last samples fed to the detector
	fifo    []float64
	need    int
	det     tone.Detection
	desc    Descriptor
	body    *tone.Modem

	power float64

	// Rejected counts bursts dropped on a bad descriptor.
	Rejected int
	// Collisions counts preambles heard inside another burst.
	Collisions int
}

func NewReceiver() *Receiver {
	base, err := tone.New(shared.BaseParameters())
	if err != nil {
		panic(err)
	}
	return &Receiver{
		detector: tone.NewDetector(tone.Preamble(), shared.SYNC_PARA, shared.SYNC_HOLDOFF),
		base:     base,
	}
}

// Power is the exponentially smoothed input power.
func (r *Receiver) Power() float64 { return r.power }

// Busy reports whether the receiver is inside a burst or hears a carrier.
func (r *Receiver) Busy() bool {
	return r.state != stateSync || r.power > shared.POWER_SIGNAL
}

// Push consumes one buffer of samples and returns the bursts it completed.
func (r *Receiver) Push(samples []float64) []Burst {
	var out []Burst
	for _, x := range samples {
		r.power = r.power*(1-1.0/64) + x*x/64
		if b, ok := r.step(x); ok {
			out = append(out, b)
		}
	}
	return out
}

func (r *Receiver) step(x float64) (Burst, bool) {
	switch r.state {
	case stateSync:
		r.history = append(r.history, x)
		if len(r.history) > 2*shared.SYNC_HOLDOFF+1 {
			r.history = r.history[1:]
		}
		det, ok := r.detector.Push(x)
		if !ok {
			return Burst{}, false
		}
		r.det = det
		// keep the samples after the peak
		after := int(r.detector.Samples() - 1 - det.At)
		if after > len(r.history) {
			after = len(r.history)
		}
		r.fifo = append(r.fifo[:0], r.history[len(r.history)-after:]...)
		r.history = r.history[:0]
		r.state = stateDescriptor
		r.need = r.base.SampleCount(8 * DescriptorLen)
		return r.advance()
	default:
		r.fifo = append(r.fifo, x)
		if det, ok := r.detector.Push(x); ok && det.At-r.det.At > int64(shared.PreambleLength/2) {
			return r.collide(det), true
		}
		return r.advance()
	}
}

// collide abandons the burst in progress for the one whose preamble just
// overlapped it, and reports the abandoned one.
func (r *Receiver) collide(det tone.Detection) Burst {
	r.Collisions++
	lost := Burst{Params: r.desc.Params, Quality: r.det.Confidence, At: r.det.At, Collided: true}
	if r.state == stateDescriptor {
		lost.Params = shared.Parameters{}
	}
	after := int(r.detector.Samples() - 1 - det.At)
	if after > len(r.fifo) {
		after = len(r.fifo)
	}
	r.fifo = append(r.fifo[:0], r.fifo[len(r.fifo)-after:]...)
	r.det = det
	r.body = nil
	r.state = stateDescriptor
	r.need = r.base.SampleCount(8 * DescriptorLen)
	return lost
}

// advance runs the decode stages that have enough samples buffered.
func (r *Receiver) advance() (Burst, bool) {
	if len(r.fifo) < r.need {
		return Burst{}, false
	}
	switch r.state {
	case stateDescriptor:
		bits, _, err := r.base.Demodulate(r.fifo[:r.need])
		if err != nil {
			r.reset()
			return Burst{}, false
		}
		desc, err := UnmarshalDescriptor(shared.BitsToBytes(bits[:8*DescriptorLen]))
		if err != nil {
			r.Rejected++
			r.reset()
			return Burst{}, false
		}
		body, err := tone.New(desc.Params)
		if err != nil {
			r.Rejected++
			r.reset()
			return Burst{}, false
		}
		r.desc, r.body = desc, body
		r.fifo = append(r.fifo[:0], r.fifo[r.need:]...)
		r.need = body.SampleCount(8 * desc.Length)
		r.state = stateBody
		return r.advance()
	case stateBody:
		bits, conf, err := r.body.Demodulate(r.fifo[:r.need])
		if err != nil {
			r.reset()
			return Burst{}, false
		}
		nbits := 8 * r.desc.Length
		data := shared.BitsToBytes(bits[:nbits])
		var erasures []int
		for _, e := range tone.ErasedBytes(conf, r.desc.Params.Scheme.BitsPerSymbol(), shared.ErasureThreshold) {
			if e < len(data) {
				erasures = append(erasures, e)
			}
		}
		b := Burst{
			Data:       data,
			Erasures:   erasures,
			Params:     r.desc.Params,
			Quality:    r.det.Confidence,
			Confidence: tone.MeanConfidence(conf),
			At:         r.det.At,
		}
		r.reset()
		return b, true
	}
	return Burst{}, false
}

func (r *Receiver) reset() {
	r.state = stateSync
	r.fifo = r.fifo[:0]
	r.need = 0
	r.body = nil
	r.detector.Reset()
}
