// Package container stores a transfer as a pre-recorded WAV file. A
// metadata burst in base parameters comes first, then the DATA frames in the
// chosen parameters. Nothing is negotiated, so the file plays back to any
// receiver.
package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"binaric/package/frame"
	"binaric/package/phy"
	"binaric/package/shared"
)

const (
	bitDepth = 16
	// leadSamples of silence give the detector room before the first preamble.
	leadSamples = 2400
	metaFixed   = 16 + 8 + 1 + 1 + 1 + 2 + 4 + 2
)

// Header describes the file. It travels in the metadata burst.
type Header struct {
	ID     uuid.UUID
	Name   string // NFC-normalized
	Size   int
	Params shared.Parameters
	Frames int
}

func (h Header) marshal() []byte {
	name := []byte(h.Name)
	b := make([]byte, 0, metaFixed+len(name))
	b = append(b, h.ID[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(h.Size))
	b = append(b, byte(h.Params.Scheme), byte(h.Params.Level), byte(h.Params.Parity))
	b = binary.BigEndian.AppendUint16(b, uint16(h.Params.Rate))
	b = binary.BigEndian.AppendUint32(b, uint32(h.Frames))
	b = binary.BigEndian.AppendUint16(b, uint16(len(name)))
	return append(b, name...)
}

func unmarshalHeader(b []byte) (Header, error) {
	if len(b) < metaFixed {
		return Header{}, shared.IntegrityError(shared.ErrMalformed, "metadata of %d bytes", len(b))
	}
	var h Header
	copy(h.ID[:], b[:16])
	h.Size = int(binary.BigEndian.Uint64(b[16:24]))
	h.Params = shared.NewParameters(shared.Scheme(b[24]), shared.Level(b[25]), int(b[26]), int(binary.BigEndian.Uint16(b[27:29])))
	h.Frames = int(binary.BigEndian.Uint32(b[29:33]))
	n := int(binary.BigEndian.Uint16(b[33:35]))
	if len(b) != metaFixed+n {
		return Header{}, shared.IntegrityError(shared.ErrMalformed, "metadata name of %d bytes in %d", n, len(b))
	}
	h.Name = string(b[metaFixed:])
	if err := h.Params.Validate(); err != nil {
		return Header{}, shared.IntegrityError(shared.ErrMalformed, "%v", err)
	}
	return h, nil
}

// sessionID tags every frame of one file.
func (h Header) sessionID() uint32 { return binary.BigEndian.Uint32(h.ID[:4]) }

type Options struct {
	Params       shared.Parameters
	MaxFrameSize int
}

func DefaultOptions() Options {
	return Options{
		Params:       shared.NewParameters(shared.PSK, shared.LevelECC, 16, 1200),
		MaxFrameSize: shared.DefaultMaxFrameSize,
	}
}

// Render turns a payload into samples ready for playback.
func Render(name string, payload []byte, opts Options) (Header, []float64, error) {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = shared.DefaultMaxFrameSize
	}
	if err := opts.Params.Validate(); err != nil {
		return Header{}, nil, err
	}
	name = norm.NFC.String(name)
	if len(name) > 0xffff {
		return Header{}, nil, fmt.Errorf("container: name of %d bytes too long", len(name))
	}
	h := Header{ID: uuid.New(), Name: name, Size: len(payload), Params: opts.Params}
	frames := frame.Fragment(payload, opts.MaxFrameSize, h.sessionID(), 0)
	h.Frames = len(frames)

	base, err := frame.NewCodec(shared.BaseParameters())
	if err != nil {
		return Header{}, nil, err
	}
	body, err := frame.NewCodec(opts.Params)
	if err != nil {
		return Header{}, nil, err
	}
	tx := phy.NewTransmitter()
	out := make([]float64, leadSamples)
	burst := func(c *frame.Codec, f frame.Frame) error {
		wire, err := c.Encode(f)
		if err != nil {
			return err
		}
		s, err := tx.Burst(wire, c.Params)
		if err != nil {
			return err
		}
		out = append(out, s...)
		return nil
	}
	if err := burst(base, frame.NewFrame(h.marshal(), 0, h.sessionID(), frame.TypeControl)); err != nil {
		return Header{}, nil, fmt.Errorf("container: metadata: %w", err)
	}
	for _, f := range frames {
		if err := burst(body, f); err != nil {
			return Header{}, nil, fmt.Errorf("container: frame %d: %w", f.Seq, err)
		}
	}
	out = append(out, make([]float64, leadSamples)...)
	return h, out, nil
}

// Recover decodes samples produced by Render.
func Recover(samples []float64) (Header, []byte, error) {
	rx := phy.NewReceiver()
	bursts := rx.Push(samples)
	// trailing silence flushes a burst that ends at the last sample
	bursts = append(bursts, rx.Push(make([]float64, leadSamples))...)

	var h Header
	found := false
	var frames []frame.Frame
	codecs := make(map[shared.Parameters]*frame.Codec)
	var firstErr error
	for _, b := range bursts {
		p := b.Params
		p.Epoch = 0
		c, ok := codecs[p]
		if !ok {
			var err error
			if c, err = frame.NewCodec(p); err != nil {
				continue
			}
			codecs[p] = c
		}
		f, _, err := c.Parse(b.Data, b.Erasures)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		switch {
		case f.Type == frame.TypeControl && !found:
			if h, err = unmarshalHeader(f.Payload); err != nil {
				return Header{}, nil, err
			}
			found = true
		case f.Type == frame.TypeData:
			frames = append(frames, f)
		}
	}
	if !found {
		if firstErr != nil {
			return Header{}, nil, fmt.Errorf("container: no metadata burst: %w", firstErr)
		}
		return Header{}, nil, shared.SignalError(shared.ErrPreambleTimeout, "no metadata burst in %d samples", len(samples))
	}
	kept := frames[:0]
	for _, f := range frames {
		if f.SessionID == h.sessionID() {
			kept = append(kept, f)
		}
	}
	payload, err := frame.Reassemble(kept, h.Frames)
	if err != nil {
		return h, nil, err
	}
	if len(payload) != h.Size {
		return h, nil, shared.IntegrityError(shared.ErrIncomplete, "%d bytes, header says %d", len(payload), h.Size)
	}
	return h, payload, nil
}

// Encode writes payload to w as a 16-bit mono WAV file.
func Encode(w io.WriteSeeker, name string, payload []byte, opts Options) (Header, error) {
	h, samples, err := Render(name, payload, opts)
	if err != nil {
		return Header{}, err
	}
	enc := wav.NewEncoder(w, shared.FS, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: shared.FS},
		Data:           toPCM(samples),
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return Header{}, fmt.Errorf("container: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Header{}, fmt.Errorf("container: close wav: %w", err)
	}
	return h, nil
}

// Decode reads a WAV file written by Encode.
func Decode(r io.ReadSeeker) (Header, []byte, error) {
	samples, err := ReadSamples(r)
	if err != nil {
		return Header{}, nil, err
	}
	return Recover(samples)
}

// ReadSamples loads a mono WAV at the modem sample rate as floats in [-1, 1].
func ReadSamples(r io.ReadSeeker) ([]float64, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("container: not a wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("container: read wav: %w", err)
	}
	if dec.SampleRate != shared.FS {
		return nil, fmt.Errorf("container: sample rate %d, want %d", dec.SampleRate, shared.FS)
	}
	if dec.NumChans != 1 {
		return nil, fmt.Errorf("container: %d channels, want mono", dec.NumChans)
	}
	scale := float64(int(1) << (dec.BitDepth - 1))
	out := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float64(v) / scale
	}
	return out, nil
}

func toPCM(samples []float64) []int {
	const full = 1<<(bitDepth-1) - 1
	out := make([]int, len(samples))
	for i, s := range samples {
		s = math.Max(-1, math.Min(1, s))
		out[i] = int(math.Round(s * full))
	}
	return out
}
